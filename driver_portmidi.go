package patchrack

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rakyll/portmidi"
)

// PortmidiDriver is the alternate Driver implementation, for hosts that
// prefer PortMidi's device enumeration over RtMidi's. It satisfies the
// same Driver capability as GomidiDriver.
type PortmidiDriver struct {
	name       string
	bufferSize uint32
	sampleRate float64

	mu      sync.Mutex
	started bool
}

// NewPortmidiDriver initializes the PortMidi library. Callers must call
// Stop to terminate it.
func NewPortmidiDriver(name string, bufferSize uint32, sampleRate float64) (*PortmidiDriver, error) {
	if err := portmidi.Initialize(); err != nil {
		return nil, fmt.Errorf("portmidi: initialize: %w", err)
	}
	return &PortmidiDriver{name: name, bufferSize: bufferSize, sampleRate: sampleRate, started: true}, nil
}

func (d *PortmidiDriver) Name() string        { return d.name }
func (d *PortmidiDriver) Start() error        { return nil }
func (d *PortmidiDriver) BufferSize() uint32  { return d.bufferSize }
func (d *PortmidiDriver) SampleRate() float64 { return d.sampleRate }

func (d *PortmidiDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	return portmidi.Terminate()
}

func (d *PortmidiDriver) MidiInNames() []string  { return d.namesByDirection(true) }
func (d *PortmidiDriver) MidiOutNames() []string { return d.namesByDirection(false) }

func (d *PortmidiDriver) namesByDirection(input bool) []string {
	count := portmidi.CountDevices()
	var names []string
	for id := portmidi.DeviceID(0); id < count; id++ {
		info := portmidi.Info(id)
		if info == nil {
			continue
		}
		if input && info.IsInputAvailable {
			names = append(names, info.Name)
		} else if !input && info.IsOutputAvailable {
			names = append(names, info.Name)
		}
	}
	return names
}

func (d *PortmidiDriver) deviceIDByName(name string, input bool) (portmidi.DeviceID, bool) {
	count := portmidi.CountDevices()
	for id := portmidi.DeviceID(0); id < count; id++ {
		info := portmidi.Info(id)
		if info == nil || info.Name != name {
			continue
		}
		if input && info.IsInputAvailable {
			return id, true
		}
		if !input && info.IsOutputAvailable {
			return id, true
		}
	}
	return 0, false
}

func (d *PortmidiDriver) ConnectIn(name string, sink MidiSink) (MidiInPort, error) {
	id, ok := d.deviceIDByName(name, true)
	if !ok {
		return nil, newEngineError(ErrDriverFailure, "MIDI input %q not found", name)
	}
	stream, err := portmidi.NewInputStream(id, 1024)
	if err != nil {
		return nil, fmt.Errorf("portmidi: open input %q: %w", name, err)
	}
	p := &portmidiInPort{name: name, stream: stream, sampleRate: d.sampleRate}
	p.wg.Add(1)
	go p.listen(sink)
	return p, nil
}

func (d *PortmidiDriver) ConnectOut(name string) (MidiOutPort, error) {
	id, ok := d.deviceIDByName(name, false)
	if !ok {
		return nil, newEngineError(ErrDriverFailure, "MIDI output %q not found", name)
	}
	stream, err := portmidi.NewOutputStream(id, 1024, 0)
	if err != nil {
		return nil, fmt.Errorf("portmidi: open output %q: %w", name, err)
	}
	return &portmidiOutPort{name: name, stream: stream}, nil
}

type portmidiInPort struct {
	name       string
	stream     *portmidi.Stream
	sampleRate float64
	wg         sync.WaitGroup
	closing    atomic.Bool
}

func (p *portmidiInPort) Name() string { return p.name }

func (p *portmidiInPort) listen(sink MidiSink) {
	defer p.wg.Done()
	rate := p.sampleRate
	if rate <= 0 {
		rate = 48000
	}
	for !p.closing.Load() {
		events, err := p.stream.Read(64)
		if err != nil || len(events) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		for _, ev := range events {
			data := []byte{byte(ev.Status), byte(ev.Data1), byte(ev.Data2)}
			// ev.Timestamp is PortMidi's own millisecond clock; convert to the
			// absolute sample count RtMidiEvent.Time is defined in.
			frame := uint64(float64(ev.Timestamp) * rate / 1000.0)
			sink.Append(RtMidiEvent{Time: frame, Data: newMidiData(data)})
		}
	}
}

func (p *portmidiInPort) Close() error {
	p.closing.Store(true)
	p.wg.Wait()
	return p.stream.Close()
}

type portmidiOutPort struct {
	name   string
	stream *portmidi.Stream
}

func (p *portmidiOutPort) Name() string { return p.name }

func (p *portmidiOutPort) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	status := int64(data[0])
	var d1, d2 int64
	if len(data) > 1 {
		d1 = int64(data[1])
	}
	if len(data) > 2 {
		d2 = int64(data[2])
	}
	return p.stream.WriteShort(status, d1, d2)
}

func (p *portmidiOutPort) Close() error { return p.stream.Close() }
