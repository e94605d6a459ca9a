package patchrack

import (
	"fmt"
	"sync"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// GomidiDriver is the primary Driver implementation, backed by
// gitlab.com/gomidi/midi/v2 and its RtMidi-based driver. It satisfies
// §4.6's "Rack MIDI port connection" by listing and opening device-level
// MIDI ports by name.
type GomidiDriver struct {
	name       string
	bufferSize uint32
	sampleRate float64
	drv        *rtmididrv.Driver

	mu    sync.Mutex
	stops []func()
}

// NewGomidiDriver opens the RtMidi driver backend. bufferSize/sampleRate
// describe the audio device this driver is paired with — gomidi only
// handles MIDI, so these are reported as-is rather than queried.
func NewGomidiDriver(name string, bufferSize uint32, sampleRate float64) (*GomidiDriver, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("gomidi: open rtmidi driver: %w", err)
	}
	return &GomidiDriver{name: name, bufferSize: bufferSize, sampleRate: sampleRate, drv: drv}, nil
}

func (d *GomidiDriver) Name() string        { return d.name }
func (d *GomidiDriver) Start() error        { return nil }
func (d *GomidiDriver) BufferSize() uint32  { return d.bufferSize }
func (d *GomidiDriver) SampleRate() float64 { return d.sampleRate }

// sampleTime converts a gomidi listener's millisecond timestamp (elapsed
// since the listener was attached) into the absolute sample count
// RtMidiEvent.Time is defined in, so a port's events advance at the same
// rate as the audio callback's frame counter instead of one tick per
// message received.
func (d *GomidiDriver) sampleTime(timestampms int32) uint64 {
	rate := d.sampleRate
	if rate <= 0 {
		rate = 48000
	}
	return uint64(float64(timestampms) * rate / 1000.0)
}

func (d *GomidiDriver) Stop() error {
	d.mu.Lock()
	stops := d.stops
	d.stops = nil
	d.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
	return d.drv.Close()
}

func (d *GomidiDriver) MidiInNames() []string {
	ins, err := d.drv.Ins()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(ins))
	for _, in := range ins {
		names = append(names, in.String())
	}
	return names
}

func (d *GomidiDriver) MidiOutNames() []string {
	outs, err := d.drv.Outs()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(outs))
	for _, out := range outs {
		names = append(names, out.String())
	}
	return names
}

func (d *GomidiDriver) ConnectIn(name string, sink MidiSink) (MidiInPort, error) {
	ins, err := d.drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("gomidi: list inputs: %w", err)
	}
	var found drivers.In
	for _, in := range ins {
		if in.String() == name {
			found = in
			break
		}
	}
	if found == nil {
		return nil, newEngineError(ErrDriverFailure, "MIDI input %q not found", name)
	}
	if err := found.Open(); err != nil {
		return nil, fmt.Errorf("gomidi: open input %q: %w", name, err)
	}
	stop, err := midi.ListenTo(found, func(msg midi.Message, timestampms int32) {
		sink.Append(RtMidiEvent{Time: d.sampleTime(timestampms), Data: newMidiData(msg.Bytes())})
	}, midi.HandleError(func(err error) {}))
	if err != nil {
		_ = found.Close()
		return nil, fmt.Errorf("gomidi: listen on %q: %w", name, err)
	}
	d.mu.Lock()
	d.stops = append(d.stops, stop)
	d.mu.Unlock()
	return &gomidiInPort{name: name, port: found, stop: stop}, nil
}

func (d *GomidiDriver) ConnectOut(name string) (MidiOutPort, error) {
	outs, err := d.drv.Outs()
	if err != nil {
		return nil, fmt.Errorf("gomidi: list outputs: %w", err)
	}
	var found drivers.Out
	for _, out := range outs {
		if out.String() == name {
			found = out
			break
		}
	}
	if found == nil {
		return nil, newEngineError(ErrDriverFailure, "MIDI output %q not found", name)
	}
	if err := found.Open(); err != nil {
		return nil, fmt.Errorf("gomidi: open output %q: %w", name, err)
	}
	return &gomidiOutPort{name: name, port: found}, nil
}

type gomidiInPort struct {
	name string
	port drivers.In
	stop func()
}

func (p *gomidiInPort) Name() string { return p.name }
func (p *gomidiInPort) Close() error {
	p.stop()
	return p.port.Close()
}

type gomidiOutPort struct {
	name string
	port drivers.Out
}

func (p *gomidiOutPort) Name() string { return p.name }
func (p *gomidiOutPort) Send(data []byte) error { return p.port.Send(data) }
func (p *gomidiOutPort) Close() error           { return p.port.Close() }
