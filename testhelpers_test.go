package patchrack

import "sync"

// fakePlugin is a minimal, deterministic Plugin used across the test
// suite: it copies input channel c onto output channel c scaled by mul
// (outputs with no matching input are zeroed) and optionally emits a
// single fixed MIDI event.
type fakePlugin struct {
	id         uint32
	audioIn    uint32
	audioOut   uint32
	acceptsMid bool
	producesMid bool
	enabled    bool
	mul        float32
	lockFails  bool

	mu       sync.Mutex
	locked   bool
	gotMidi  []EngineEvent
	emitMidi *EngineEvent
}

func (p *fakePlugin) AudioInCount() uint32  { return p.audioIn }
func (p *fakePlugin) AudioOutCount() uint32 { return p.audioOut }
func (p *fakePlugin) AcceptsMidi() bool     { return p.acceptsMid }
func (p *fakePlugin) ProducesMidi() bool    { return p.producesMid }
func (p *fakePlugin) IsEnabled() bool       { return p.enabled }
func (p *fakePlugin) ID() uint32            { return p.id }

func (p *fakePlugin) TryLock(offline bool) bool {
	if p.lockFails {
		return false
	}
	p.mu.Lock()
	p.locked = true
	return true
}

func (p *fakePlugin) Unlock() {
	p.locked = false
	p.mu.Unlock()
}

func (p *fakePlugin) InitBuffers() {}

func (p *fakePlugin) Process(in, out [][]float32, cvIn, cvOut [][]float32, eventsIn, eventsOut *EventBuffer, nframes uint32) {
	p.gotMidi = nil
	for i := 0; i < eventsIn.Len(); i++ {
		p.gotMidi = append(p.gotMidi, *eventsIn.At(i))
	}
	for c := range out {
		for i := range out[c] {
			var v float32
			if c < len(in) {
				v = in[c][i]
			}
			out[c][i] = v * p.mul
		}
	}
	if p.emitMidi != nil {
		eventsOut.Push(*p.emitMidi)
	}
}

// fakeCallback records every CallbackEvent it receives.
type fakeCallback struct {
	mu     sync.Mutex
	events []CallbackEvent
}

func (c *fakeCallback) Notify(ev CallbackEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *fakeCallback) all() []CallbackEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CallbackEvent, len(c.events))
	copy(out, c.events)
	return out
}

// fakeRackHost is a rackMidiHost for tests that need Connect/Disconnect
// without a real MIDI backend: it records which port names are open and
// fails every open when failOpen is set.
type fakeRackHost struct {
	mu      sync.Mutex
	opened  map[string]bool
	failOpen bool
}

func newFakeRackHost() *fakeRackHost { return &fakeRackHost{opened: map[string]bool{}} }

func (h *fakeRackHost) connectRackMidiInPort(name string) error {
	if h.failOpen {
		return newEngineError(ErrDriverFailure, "cannot open %q", name)
	}
	h.mu.Lock()
	h.opened[name] = true
	h.mu.Unlock()
	return nil
}

func (h *fakeRackHost) connectRackMidiOutPort(name string) error {
	return h.connectRackMidiInPort(name)
}

func (h *fakeRackHost) disconnectRackMidiInPort(name string) error {
	h.mu.Lock()
	delete(h.opened, name)
	h.mu.Unlock()
	return nil
}

func (h *fakeRackHost) disconnectRackMidiOutPort(name string) error {
	return h.disconnectRackMidiInPort(name)
}

// fakeDriver is a minimal Driver for exercising Engine lifecycle/MIDI-port
// wiring without a real backend.
type fakeDriver struct {
	mu         sync.Mutex
	started    bool
	stopped    bool
	startFails bool
	connectInFails bool

	inNames  []string
	outNames []string

	outPorts map[string]*fakeMidiOutPort
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{outPorts: map[string]*fakeMidiOutPort{}}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Start() error {
	if d.startFails {
		return newEngineError(ErrDriverFailure, "driver start failed")
	}
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Stop() error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) BufferSize() uint32  { return 64 }
func (d *fakeDriver) SampleRate() float64 { return 48000 }

func (d *fakeDriver) MidiInNames() []string  { return d.inNames }
func (d *fakeDriver) MidiOutNames() []string { return d.outNames }

func (d *fakeDriver) ConnectIn(name string, sink MidiSink) (MidiInPort, error) {
	if d.connectInFails {
		return nil, newEngineError(ErrDriverFailure, "cannot open %q", name)
	}
	return &fakeMidiInPort{name: name}, nil
}

func (d *fakeDriver) ConnectOut(name string) (MidiOutPort, error) {
	p := &fakeMidiOutPort{name: name}
	d.mu.Lock()
	d.outPorts[name] = p
	d.mu.Unlock()
	return p, nil
}

type fakeMidiInPort struct{ name string }

func (p *fakeMidiInPort) Name() string { return p.name }
func (p *fakeMidiInPort) Close() error { return nil }

type fakeMidiOutPort struct {
	mu     sync.Mutex
	name   string
	closed bool
	sent   [][]byte
}

func (p *fakeMidiOutPort) Name() string { return p.name }

func (p *fakeMidiOutPort) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.sent = append(p.sent, cp)
	return nil
}

func (p *fakeMidiOutPort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
