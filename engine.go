package patchrack

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaban/patchrack/internal/opqueue"
)

// Mode selects which of the two topologies an Engine owns; it never owns
// both at once (§1).
type Mode int

const (
	ModeRack Mode = iota
	ModePatchbay
)

// EngineConfig holds validated construction parameters: a client name, the
// topology mode, and the bounds-checked audio parameters every Engine needs
// before it can build its active graph. The engine's UUID identity lives on
// Engine, not here.
type EngineConfig struct {
	ClientName string
	Mode       Mode
	SampleRate float64
	BufferSize uint32
	Inputs     uint32 // device channel counts, clamped in Patchbay mode; not read in Rack mode
	Outputs    uint32
}

const (
	minSampleRate = 8000
	maxSampleRate = 384000
	defSampleRate = 48000

	minBufferSize = 64
	maxBufferSize = 4096
	defBufferSize = 512
)

func (c *EngineConfig) validate() error {
	if c.SampleRate == 0 {
		c.SampleRate = defSampleRate
	}
	if c.SampleRate < minSampleRate || c.SampleRate > maxSampleRate {
		return newEngineError(ErrInvalidArgument, "sample rate %.0f out of range [%d, %d]", c.SampleRate, minSampleRate, maxSampleRate)
	}
	if c.BufferSize == 0 {
		c.BufferSize = defBufferSize
	}
	if c.BufferSize < minBufferSize || c.BufferSize > maxBufferSize {
		return newEngineError(ErrInvalidArgument, "buffer size %d out of range [%d, %d]", c.BufferSize, minBufferSize, maxBufferSize)
	}
	return nil
}

// Engine is the facade of §4.6: it owns the active graph (Rack xor
// Patchbay), the driver's MIDI port adapters, and the event-in staging.
type Engine struct {
	id   uuid.UUID
	name string

	mu     sync.RWMutex
	config EngineConfig
	mode   Mode

	rack     *RackGraph
	patchbay *PatchbayGraph

	driver  Driver
	cb      HostCallback
	errs    ErrorHandler
	running bool
	isReady atomic.Bool

	dispatcherQueue *opqueue.Queue
	dispatcher      *Dispatcher

	midiIn       *midiInQueue
	midiOutMu    sync.Mutex
	midiOutPorts map[string]MidiOutPort
	midiInPorts  map[string]MidiInPort

	frameCounter uint64

	lastErrMu sync.Mutex
	lastErr   error

	eventsIn  EventBuffer
	eventsOut EventBuffer

	diagStop chan struct{}
	diagDone chan struct{}
}

// GetID/GetIDString address the engine by value internally and by
// string externally, for hosts that want to log or key off an engine's
// identity without holding a typed uuid.UUID.
func (e *Engine) GetID() uuid.UUID   { return e.id }
func (e *Engine) GetIDString() string { return e.id.String() }

// NewEngine validates config, builds the active graph, and wires the
// control-thread dispatcher. The engine does not start processing until
// Start is called.
func NewEngine(config EngineConfig, driver Driver, cb HostCallback, errs ErrorHandler) (*Engine, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if errs == nil {
		errs = NewDefaultErrorHandler(nil)
	}

	e := &Engine{
		id:           uuid.New(),
		name:         config.ClientName,
		config:       config,
		mode:         config.Mode,
		driver:       driver,
		cb:           cb,
		errs:         errs,
		midiIn:       newMidiInQueue(errs),
		midiOutPorts: make(map[string]MidiOutPort),
		midiInPorts:  make(map[string]MidiInPort),
	}

	switch config.Mode {
	case ModeRack:
		e.rack = NewRackGraph(config.BufferSize, e, cb, errs)
	case ModePatchbay:
		e.patchbay = NewPatchbayGraph(config.Inputs, config.Outputs, config.BufferSize, cb, errs)
	default:
		return nil, newEngineError(ErrInvalidArgument, "unknown engine mode")
	}

	e.dispatcherQueue = opqueue.New(100)
	e.dispatcher = NewDispatcher(e.dispatcherQueue, errs)
	return e, nil
}

func (e *Engine) setLastError(err error) {
	e.lastErrMu.Lock()
	e.lastErr = err
	e.lastErrMu.Unlock()
	if err != nil && e.errs != nil {
		e.errs.HandleError(err)
	}
}

// LastError reports the most recent per-call error (§7 propagation
// policy).
func (e *Engine) LastError() error {
	e.lastErrMu.Lock()
	defer e.lastErrMu.Unlock()
	return e.lastErr
}

// Init/Close/IsRunning/IsOffline/CurrentDriverName are §6.3's lifecycle
// surface.
func (e *Engine) Init(clientName string) bool {
	e.mu.Lock()
	e.name = clientName
	e.mu.Unlock()
	return e.Start() == nil
}

func (e *Engine) Close() bool {
	return e.Stop() == nil
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if e.driver != nil {
		if err := e.driver.Start(); err != nil {
			err = fmt.Errorf("engine: start driver: %w", err)
			e.setLastError(err)
			return err
		}
	}
	e.dispatcherQueue.Start()
	e.running = true
	e.isReady.Store(true)

	e.diagStop = make(chan struct{})
	e.diagDone = make(chan struct{})
	go e.runDiagnostics(e.diagStop, e.diagDone)

	if e.cb != nil {
		e.cb.Notify(CallbackEvent{Opcode: EngineStarted, Name: e.name})
	}
	return nil
}

// runDiagnostics is the control-thread consumer of midiIn's lock-free
// warning counters (§5): the audio thread only increments them, this
// goroutine periodically drains and logs them, keeping logrus I/O off
// TryDrain's path.
func (e *Engine) runDiagnostics(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			late, full := e.midiIn.TakeDiagnostics()
			if late > 0 && e.errs != nil {
				e.errs.HandleError(newEngineError(ErrPoolExhaustion, "%d MIDI event(s) in the future, clamped to end of block", late))
			}
			if full > 0 && e.errs != nil {
				e.errs.HandleError(newEngineError(ErrPoolExhaustion, "%d eventsIn buffer overflow(s), MIDI events dropped this block", full))
			}
		}
	}
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	e.isReady.Store(false)
	if e.diagStop != nil {
		close(e.diagStop)
		<-e.diagDone
		e.diagStop, e.diagDone = nil, nil
	}
	e.dispatcherQueue.Close()
	if e.driver != nil {
		if err := e.driver.Stop(); err != nil {
			e.setLastError(err)
		}
	}
	e.running = false
	return nil
}

// Destroy stops the engine and releases every open MIDI port.
func (e *Engine) Destroy() {
	_ = e.Stop()
	e.midiOutMu.Lock()
	for _, p := range e.midiOutPorts {
		_ = p.Close()
	}
	for _, p := range e.midiInPorts {
		_ = p.Close()
	}
	e.midiOutPorts = map[string]MidiOutPort{}
	e.midiInPorts = map[string]MidiInPort{}
	e.midiOutMu.Unlock()
}

func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Engine) IsOffline() bool { return false }

func (e *Engine) CurrentDriverName() string {
	if e.driver == nil {
		return ""
	}
	return e.driver.Name()
}

// connectRackMidiInPort/connectRackMidiOutPort satisfy rackMidiHost
// (§4.6 "Rack MIDI port connection"): open a device-level MIDI port by
// name, start it, keep the handle.
func (e *Engine) connectRackMidiInPort(name string) error {
	if e.driver == nil {
		return newEngineError(ErrDriverFailure, "no driver configured")
	}
	port, err := e.driver.ConnectIn(name, e.midiIn)
	if err != nil {
		e.setLastError(err)
		return err
	}
	e.midiOutMu.Lock()
	e.midiInPorts[name] = port
	e.midiOutMu.Unlock()
	return nil
}

func (e *Engine) connectRackMidiOutPort(name string) error {
	if e.driver == nil {
		return newEngineError(ErrDriverFailure, "no driver configured")
	}
	port, err := e.driver.ConnectOut(name)
	if err != nil {
		e.setLastError(err)
		return err
	}
	e.midiOutMu.Lock()
	e.midiOutPorts[name] = port
	e.midiOutMu.Unlock()
	return nil
}

func (e *Engine) disconnectRackMidiInPort(name string) error {
	e.midiOutMu.Lock()
	port, ok := e.midiInPorts[name]
	delete(e.midiInPorts, name)
	e.midiOutMu.Unlock()
	if !ok {
		return nil
	}
	return port.Close()
}

func (e *Engine) disconnectRackMidiOutPort(name string) error {
	e.midiOutMu.Lock()
	port, ok := e.midiOutPorts[name]
	delete(e.midiOutPorts, name)
	e.midiOutMu.Unlock()
	if !ok {
		return nil
	}
	return port.Close()
}

// OpenMidiIn/OpenMidiOut are the control-thread entry points a host calls
// before connecting Carla:MidiIn/Carla:MidiOut to a newly discovered
// device name (Rack mode only; §6.1's "assigned sequentially").
func (e *Engine) OpenMidiIn(name string) (PortId, error) {
	if e.rack == nil {
		return 0, newEngineError(ErrInvalidArgument, "OpenMidiIn is Rack-mode only")
	}
	var port PortId
	err := e.dispatcher.RunSync(func() error {
		if err := e.connectRackMidiInPort(name); err != nil {
			return err
		}
		port = e.rack.RegisterMidiIn(name)
		return nil
	})
	return port, err
}

func (e *Engine) OpenMidiOut(name string) (PortId, error) {
	if e.rack == nil {
		return 0, newEngineError(ErrInvalidArgument, "OpenMidiOut is Rack-mode only")
	}
	var port PortId
	err := e.dispatcher.RunSync(func() error {
		if err := e.connectRackMidiOutPort(name); err != nil {
			return err
		}
		port = e.rack.RegisterMidiOut(name)
		return nil
	})
	return port, err
}

// PatchbayConnect/PatchbayDisconnect/PatchbayRefresh/GetPatchbayConnections
// /RestorePatchbayConnection are §6.3's facade API surface. They route
// through the dispatcher so topology mutation is always serialized onto
// one control-thread goroutine, regardless of caller.
func (e *Engine) PatchbayConnect(gA GroupId, pA PortId, gB GroupId, pB PortId) bool {
	var err error
	runErr := e.dispatcher.RunSync(func() error {
		_, err = e.activeConnect(gA, pA, gB, pB)
		return err
	})
	if runErr != nil {
		e.setLastError(runErr)
		return false
	}
	if err != nil {
		e.setLastError(err)
		return false
	}
	return true
}

func (e *Engine) activeConnect(gA GroupId, pA PortId, gB GroupId, pB PortId) (Connection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.rack != nil {
		return e.rack.Connect(gA, pA, gB, pB)
	}
	return e.patchbay.Connect(gA, pA, gB, pB)
}

func (e *Engine) PatchbayDisconnect(id ConnectionId) bool {
	var err error
	runErr := e.dispatcher.RunSync(func() error {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.rack != nil {
			err = e.rack.Disconnect(id)
		} else {
			err = e.patchbay.Disconnect(id)
		}
		return err
	})
	if runErr != nil || err != nil {
		e.setLastError(firstNonNil(runErr, err))
		return false
	}
	return true
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// PatchbayRefresh implements §6.3; external=true is only meaningful for
// drivers the core doesn't own, which this implementation never is.
func (e *Engine) PatchbayRefresh(external bool) bool {
	if external {
		e.setLastError(newEngineError(ErrInvalidArgument, "external patchbay refresh not supported"))
		return false
	}
	err := e.dispatcher.RunSync(func() error {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.patchbay != nil {
			e.patchbay.RefreshConnections()
		}
		return nil
	})
	if err != nil {
		e.setLastError(err)
		return false
	}
	return true
}

func (e *Engine) GetPatchbayConnections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.rack != nil {
		return e.rack.GetConnections()
	}
	return e.patchbay.GetConnections()
}

// RestorePatchbayConnection decodes two full port names and issues a
// PatchbayConnect (§6.3).
func (e *Engine) RestorePatchbayConnection(src, dst string) bool {
	gA, pA, ok1 := e.decodeFullName(src)
	gB, pB, ok2 := e.decodeFullName(dst)
	if !ok1 || !ok2 {
		e.setLastError(newEngineError(ErrInvalidArgument, "cannot decode port name"))
		return false
	}
	return e.PatchbayConnect(gA, pA, gB, pB)
}

func (e *Engine) decodeFullName(full string) (GroupId, PortId, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.patchbay != nil {
		return e.patchbay.getGroupAndPortIdFromFullName(full)
	}
	return decodeRackFullName(e.rack, full)
}

// AddPlugin/RemovePlugin/ReplacePlugin delegate to the active graph,
// serialized through the dispatcher (§3 Lifecycles).
func (e *Engine) AddPlugin(p Plugin) error {
	return e.dispatcher.RunSync(func() error {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.rack != nil {
			e.rack.AddPlugin(p)
		} else {
			e.patchbay.AddPlugin(p)
		}
		return nil
	})
}

func (e *Engine) RemovePlugin(id uint32) error {
	return e.dispatcher.RunSync(func() error {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.rack != nil {
			if !e.rack.RemovePlugin(id) {
				return newEngineError(ErrTopologyInconsistency, "plugin %d not found", id)
			}
			return nil
		}
		for gid, n := range e.patchbay.nodes {
			if n.plugin != nil && n.plugin.ID() == id {
				e.patchbay.RemovePlugin(gid)
				return nil
			}
		}
		return newEngineError(ErrTopologyInconsistency, "plugin %d not found", id)
	})
}

// SetBufferSize/SetSampleRate quiesce the engine (clear isReady) for the
// duration of the change, per §5.
func (e *Engine) SetBufferSize(bs uint32) error {
	if bs < minBufferSize || bs > maxBufferSize {
		return newEngineError(ErrInvalidArgument, "buffer size %d out of range", bs)
	}
	return e.dispatcher.RunSync(func() error {
		e.isReady.Store(false)
		defer e.isReady.Store(true)
		e.mu.Lock()
		defer e.mu.Unlock()
		e.config.BufferSize = bs
		if e.rack != nil {
			e.rack.resizeBuffers(bs)
		} else {
			e.patchbay.resizeBuffers(bs)
		}
		return nil
	})
}

func (e *Engine) SetSampleRate(sr float64) error {
	if sr < minSampleRate || sr > maxSampleRate {
		return newEngineError(ErrInvalidArgument, "sample rate %.0f out of range", sr)
	}
	return e.dispatcher.RunSync(func() error {
		e.isReady.Store(false)
		defer e.isReady.Store(true)
		e.mu.Lock()
		e.config.SampleRate = sr
		e.mu.Unlock()
		return nil
	})
}

// AudioCallback is the driver callback entry point of §4.6: drain MIDI,
// run the active graph, dispatch events.out to connected MIDI-out ports.
// The MIDI-in drain and the engine lock are try-locks: on contention the
// drain or the whole block is skipped. The active graph's own lock and
// midiOutMu are taken with a blocking Lock, each held only briefly by
// control-thread callers. It produces silence instead of processing while
// !isReady (§5).
func (e *Engine) AudioCallback(inCh, outCh [][]float32, nframes uint32) {
	for _, ch := range outCh {
		for i := range ch {
			ch[i] = 0
		}
	}
	if !e.isReady.Load() {
		return
	}
	if nframes != e.config.BufferSize {
		e.setLastError(newEngineError(ErrFatal, "buffer size mismatch: got %d, want %d", nframes, e.config.BufferSize))
		return
	}

	e.eventsIn.Reset()
	e.eventsOut.Reset()

	frameBase := e.frameCounter
	e.midiIn.TryDrain(&e.eventsIn, frameBase, nframes)

	if !e.mu.TryRLock() {
		// A control-thread call (SetBufferSize/SetSampleRate) is mid-resize
		// under the write lock; skip this block rather than wait for it.
		return
	}
	if e.rack != nil {
		e.rack.ProcessHelper(inCh, outCh, &e.eventsIn, &e.eventsOut, nframes, false)
	} else {
		e.patchbay.Process(inCh, outCh, &e.eventsIn, &e.eventsOut, nframes)
	}
	e.mu.RUnlock()

	e.dispatchMidiOut(nframes)
	e.frameCounter += uint64(nframes)
}

// dispatchMidiOut implements §4.6 step 6: under midiOutMu (briefly held,
// never blocking other audio operations since nothing else on the audio
// path touches it), convert each event.out to raw bytes and send to
// every connected MIDI-out port.
func (e *Engine) dispatchMidiOut(nframes uint32) {
	e.midiOutMu.Lock()
	defer e.midiOutMu.Unlock()
	if len(e.midiOutPorts) == 0 {
		return
	}
	for i := 0; i < e.eventsOut.Len(); i++ {
		ev := e.eventsOut.At(i)
		var raw []byte
		switch ev.Type {
		case EngineEventControl:
			data := ev.Ctrl.convertToMidiData(ev.Channel)
			raw = data[:]
		case EngineEventMidi:
			raw = ev.Midi.Bytes()
		default:
			continue
		}
		for _, port := range e.midiOutPorts {
			_ = port.Send(raw)
		}
	}
}

func decodeRackFullName(r *RackGraph, full string) (GroupId, PortId, bool) {
	idx := lastColon(full)
	if idx < 0 {
		return 0, 0, false
	}
	group, rest := full[:idx], full[idx+1:]
	switch group {
	case "Carla":
		p := rackPortIdFromShortName(rest)
		if p == RackPortNull {
			return 0, 0, false
		}
		return GroupCarla, p, true
	case "AudioIn":
		if n, ok := parseChannelName(rest); ok {
			return GroupAudioIn, PortId(n), true
		}
	case "AudioOut":
		if n, ok := parseChannelName(rest); ok {
			return GroupAudioOut, PortId(n), true
		}
	case "MidiIn":
		for _, pn := range r.midiIns {
			if pn.ShortName == rest {
				return GroupMidiIn, pn.Port, true
			}
		}
	case "MidiOut":
		for _, pn := range r.midiOuts {
			if pn.ShortName == rest {
				return GroupMidiOut, pn.Port, true
			}
		}
	}
	return 0, 0, false
}
