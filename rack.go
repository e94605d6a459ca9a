package patchrack

import (
	"strconv"
	"sync"
)

// rackMidiHost is the slice of the engine facade the Rack graph needs for
// its MIDI side (§4.4 "MIDI routing is delegated"). The engine implements
// this by opening/closing device-level ports through its Driver.
type rackMidiHost interface {
	connectRackMidiInPort(name string) error
	connectRackMidiOutPort(name string) error
	disconnectRackMidiInPort(name string) error
	disconnectRackMidiOutPort(name string) error
}

// RackGraph is the fixed six-port topology of §3/§4.4: two stereo Carla
// ports, one MIDI-in endpoint, one MIDI-out endpoint, and a linear plugin
// chain between them.
type RackGraph struct {
	// audio.mutex in the original is recursive, acquired once by
	// processHelper and again by subordinate logic. The REDESIGN note
	// (§9) lifts the lock to ProcessHelper exclusively: it is held for
	// the whole block — input distribution, chain, output distribution —
	// and nothing this package calls while it's held re-acquires it.
	mu sync.Mutex

	connectedIn1  []uint32 // device input-channel indices (1-based), additive
	connectedIn2  []uint32
	connectedOut1 []uint32 // device output-channel indices (1-based), additive
	connectedOut2 []uint32

	midiIns  []PortNameToId
	midiOuts []PortNameToId

	plugins []*pluginSlot

	registry *ConnectionRegistry
	cb       HostCallback
	host     rackMidiHost
	errs     ErrorHandler

	bufferSize uint32
	inBuf      [2][]float32 // pre-allocated per §3 invariant 5; resized only on SetBufferSize
	outBuf     [2][]float32
}

// NewRackGraph builds a RackGraph whose Carla-side ports never change;
// only connections to them come and go.
func NewRackGraph(bufferSize uint32, host rackMidiHost, cb HostCallback, errs ErrorHandler) *RackGraph {
	r := &RackGraph{
		registry: NewConnectionRegistry(),
		cb:       cb,
		host:     host,
		errs:     errs,
	}
	r.resizeBuffers(bufferSize)
	return r
}

// resizeBuffers (re)allocates the audio-thread scratch buffers for a given
// block size. It is a control-thread operation, called from NewRackGraph
// and from Engine.SetBufferSize while the engine is quiesced (§5).
func (r *RackGraph) resizeBuffers(bufferSize uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufferSize = bufferSize
	r.inBuf[0] = make([]float32, bufferSize)
	r.inBuf[1] = make([]float32, bufferSize)
	r.outBuf[0] = make([]float32, bufferSize)
	r.outBuf[1] = make([]float32, bufferSize)
}

func (r *RackGraph) notify(ev CallbackEvent) {
	if r.cb != nil {
		r.cb.Notify(ev)
	}
}

// Connect implements §4.4's connect table. Exactly one of gA/gB must be
// GroupCarla; the Carla-side port id determines which vector or MIDI
// endpoint the other side attaches to.
func (r *RackGraph) Connect(gA GroupId, pA PortId, gB GroupId, pB PortId) (Connection, error) {
	var carlaPort PortId
	var otherGroup GroupId
	var otherPort PortId
	switch {
	case gA == GroupCarla && gB != GroupCarla:
		carlaPort, otherGroup, otherPort = pA, gB, pB
	case gB == GroupCarla && gA != GroupCarla:
		carlaPort, otherGroup, otherPort = pB, gA, pA
	default:
		return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
	}

	switch carlaPort {
	case RackPortAudioIn1, RackPortAudioIn2:
		if otherGroup != GroupAudioIn || otherPort == 0 {
			return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
		}
		if !r.addConnectedIndex(carlaPort == RackPortAudioIn2, uint32(otherPort)) {
			return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
		}
	case RackPortAudioOut1, RackPortAudioOut2:
		if otherGroup != GroupAudioOut || otherPort == 0 {
			return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
		}
		if !r.addConnectedOutIndex(carlaPort == RackPortAudioOut2, uint32(otherPort)) {
			return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
		}
	case RackPortMidiIn:
		if otherGroup != GroupMidiIn {
			return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
		}
		name, ok := r.findMidiName(r.midiIns, otherPort)
		if !ok {
			return Connection{}, newEngineError(ErrTopologyInconsistency, "Invalid rack connection")
		}
		if err := r.host.connectRackMidiInPort(name); err != nil {
			return Connection{}, err
		}
	case RackPortMidiOut:
		if otherGroup != GroupMidiOut {
			return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
		}
		name, ok := r.findMidiName(r.midiOuts, otherPort)
		if !ok {
			return Connection{}, newEngineError(ErrTopologyInconsistency, "Invalid rack connection")
		}
		if err := r.host.connectRackMidiOutPort(name); err != nil {
			return Connection{}, err
		}
	default:
		return Connection{}, newEngineError(ErrInvalidArgument, "Invalid rack connection")
	}

	c := r.registry.Add(gA, pA, gB, pB)
	r.notify(CallbackEvent{Opcode: PatchbayConnectionAdded, ConnectionId: c.Id, Payload: connectionPayload(c)})
	return c, nil
}

// Disconnect implements §4.4's disconnect table, the mirror of Connect.
func (r *RackGraph) Disconnect(id ConnectionId) error {
	c, ok := r.registry.Find(id)
	if !ok {
		return newEngineError(ErrTopologyInconsistency, "Failed to find connection")
	}

	var carlaPort PortId
	var otherPort PortId
	if c.GroupA == GroupCarla {
		carlaPort, otherPort = c.PortA, c.PortB
	} else {
		carlaPort, otherPort = c.PortB, c.PortA
	}

	switch carlaPort {
	case RackPortAudioIn1:
		r.removeConnectedIndex(false, uint32(otherPort))
	case RackPortAudioIn2:
		r.removeConnectedIndex(true, uint32(otherPort))
	case RackPortAudioOut1:
		r.removeConnectedOutIndex(false, uint32(otherPort))
	case RackPortAudioOut2:
		r.removeConnectedOutIndex(true, uint32(otherPort))
	case RackPortMidiIn:
		if name, ok := r.findMidiName(r.midiIns, otherPort); ok {
			_ = r.host.disconnectRackMidiInPort(name)
		}
	case RackPortMidiOut:
		if name, ok := r.findMidiName(r.midiOuts, otherPort); ok {
			_ = r.host.disconnectRackMidiOutPort(name)
		}
	}

	r.registry.RemoveIf(func(cc Connection) bool { return cc.Id == id })
	r.notify(CallbackEvent{Opcode: PatchbayConnectionRemoved, ConnectionId: id})
	return nil
}

func (r *RackGraph) ClearConnections() {
	r.mu.Lock()
	r.connectedIn1 = nil
	r.connectedIn2 = nil
	r.connectedOut1 = nil
	r.connectedOut2 = nil
	r.mu.Unlock()
	r.registry.Clear()
}

// GetConnections renders the registry as the "AudioIn:n" / "Carla:AudioInN"
// style string pairs §6.3's getPatchbayConnections returns.
func (r *RackGraph) GetConnections() []string {
	var out []string
	r.registry.ForEach(func(c Connection) {
		a := r.fullName(c.GroupA, c.PortA)
		b := r.fullName(c.GroupB, c.PortB)
		out = append(out, a, b)
	})
	return out
}

func (r *RackGraph) fullName(g GroupId, p PortId) string {
	if g == GroupCarla {
		if name, ok := rackFullPortNameFromId(p); ok {
			return name
		}
	}
	switch g {
	case GroupAudioIn:
		return "AudioIn:" + strconv.FormatUint(uint64(p), 10)
	case GroupAudioOut:
		return "AudioOut:" + strconv.FormatUint(uint64(p), 10)
	case GroupMidiIn:
		if name, ok := r.findMidiName(r.midiIns, p); ok {
			return "MidiIn:" + name
		}
	case GroupMidiOut:
		if name, ok := r.findMidiName(r.midiOuts, p); ok {
			return "MidiOut:" + name
		}
	}
	return ""
}

func (r *RackGraph) addConnectedIndex(second bool, idx uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := &r.connectedIn1
	if second {
		list = &r.connectedIn2
	}
	for _, v := range *list {
		if v == idx {
			return false
		}
	}
	*list = append(*list, idx)
	return true
}

func (r *RackGraph) removeConnectedIndex(second bool, idx uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := &r.connectedIn1
	if second {
		list = &r.connectedIn2
	}
	*list = removeUint32(*list, idx)
}

func (r *RackGraph) addConnectedOutIndex(second bool, idx uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := &r.connectedOut1
	if second {
		list = &r.connectedOut2
	}
	for _, v := range *list {
		if v == idx {
			return false
		}
	}
	*list = append(*list, idx)
	return true
}

func (r *RackGraph) removeConnectedOutIndex(second bool, idx uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := &r.connectedOut1
	if second {
		list = &r.connectedOut2
	}
	*list = removeUint32(*list, idx)
}

func removeUint32(list []uint32, v uint32) []uint32 {
	out := list[:0:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (r *RackGraph) findMidiName(list []PortNameToId, port PortId) (string, bool) {
	for _, pn := range list {
		if pn.Port == port {
			return pn.ShortName, true
		}
	}
	return "", false
}

// RegisterMidiIn/RegisterMidiOut assign the next sequential PortId to a
// newly opened device-level MIDI port and announce it, fulfilling §6.1's
// "MidiIn:<deviceName> — assigned sequentially".
func (r *RackGraph) RegisterMidiIn(name string) PortId {
	port := PortId(len(r.midiIns) + 1)
	r.midiIns = append(r.midiIns, PortNameToId{Group: GroupMidiIn, Port: port, ShortName: name, FullName: "MidiIn:" + name})
	r.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: GroupMidiIn, PortId: port, Flags: PortFlagIsMidi, Name: name})
	return port
}

func (r *RackGraph) RegisterMidiOut(name string) PortId {
	port := PortId(len(r.midiOuts) + 1)
	r.midiOuts = append(r.midiOuts, PortNameToId{Group: GroupMidiOut, Port: port, ShortName: name, FullName: "MidiOut:" + name})
	r.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: GroupMidiOut, PortId: port, Flags: PortFlagIsMidi, Name: name})
	return port
}

// AddPlugin appends a plugin to the end of the chain.
func (r *RackGraph) AddPlugin(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, &pluginSlot{plugin: p})
}

// RemovePlugin removes the first chain entry whose plugin has the given
// id.
func (r *RackGraph) RemovePlugin(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, slot := range r.plugins {
		if slot.plugin.ID() == id {
			r.plugins = append(r.plugins[:i], r.plugins[i+1:]...)
			return true
		}
	}
	return false
}

// ProcessHelper is §4.4's audio-thread entry point: it holds mu for the
// whole block (input distribution, chain, output distribution — see the
// REDESIGN note on mu above), and is the only place on the audio path
// that acquires it.
func (r *RackGraph) ProcessHelper(inHW, outHW [][]float32, eventsIn, eventsOut *EventBuffer, nframes uint32, isOffline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inBuf := [2][]float32{r.inBuf[0][:nframes], r.inBuf[1][:nframes]}
	distributeAdditive(inBuf[0], inHW, r.connectedIn1)
	distributeAdditive(inBuf[1], inHW, r.connectedIn2)

	outBuf := [2][]float32{r.outBuf[0][:nframes], r.outBuf[1][:nframes]}

	r.process(inBuf, outBuf, eventsIn, eventsOut, nframes, isOffline)

	collectAdditive(outHW, outBuf[0], r.connectedOut1)
	collectAdditive(outHW, outBuf[1], r.connectedOut2)
}

func distributeAdditive(dst []float32, hw [][]float32, indices []uint32) {
	for i := range dst {
		dst[i] = 0
	}
	for n, idx := range indices {
		if idx == 0 || int(idx) > len(hw) {
			continue
		}
		src := hw[idx-1]
		if n == 0 {
			copy(dst, src)
		} else {
			for i := range dst {
				if i < len(src) {
					dst[i] += src[i]
				}
			}
		}
	}
}

func collectAdditive(hw [][]float32, src []float32, indices []uint32) {
	for _, idx := range indices {
		if idx == 0 || int(idx) > len(hw) {
			continue
		}
		dst := hw[idx-1]
		for i := range dst {
			if i < len(src) {
				dst[i] += src[i]
			}
		}
	}
}

// process implements §4.4's per-plugin chain loop; it assumes mu is held
// by ProcessHelper.
//
// MIDI merge (§9): a single events.in buffer carries through the whole
// chain. curIn below is that persistent buffer — it starts as the
// engine's input. After a plugin whose ProducesMidi() is true runs, curIn
// is replaced (not merged) by that plugin's events.out; after any other
// plugin, that plugin's events.out is merged into curIn in timestamp order
// (mergeEventsByTime), so the next plugin sees both.
func (r *RackGraph) process(inBuf, outBuf [2][]float32, eventsIn, eventsOut *EventBuffer, nframes uint32, isOffline bool) {
	clearEventBuffer(eventsOut)

	curIn := *eventsIn
	processedAny := false

	for _, slot := range r.plugins {
		p := slot.plugin
		if p == nil || !p.IsEnabled() || !p.TryLock(isOffline) {
			continue
		}

		if processedAny {
			// The previous plugin's output feeds this one: copy it into
			// inBuf, then zero outBuf. The buffers keep their roles, so the
			// chain's final output is in the outBuf ProcessHelper reads.
			for c := range outBuf {
				copy(inBuf[c], outBuf[c])
				for j := range outBuf[c] {
					outBuf[c][j] = 0
				}
			}
		}

		oldAudioInCount := p.AudioInCount()

		p.InitBuffers()
		p.Process(toChannels(inBuf[:], oldAudioInCount), toChannels(outBuf[:], p.AudioOutCount()), nil, nil, &curIn, eventsOut, nframes)
		p.Unlock()

		if p.ProducesMidi() {
			curIn = *eventsOut
		} else if curIn.Len() > 0 {
			var merged EventBuffer
			mergeEventsByTime(&merged, &curIn, eventsOut)
			curIn = merged
		} else {
			curIn = *eventsOut
		}
		clearEventBuffer(eventsOut)

		if oldAudioInCount == 0 {
			// Bypass rule: the plugin's output is independent of inBuf,
			// so the upstream signal must still reach the output.
			for c := 0; c < 2; c++ {
				for j := range outBuf[c] {
					outBuf[c][j] += inBuf[c][j]
				}
			}
		}

		var insPeak, outsPeak float32
		if oldAudioInCount > 0 {
			insPeak = peakOf(toChannels(inBuf[:], oldAudioInCount))
		}
		if p.AudioOutCount() > 0 {
			outsPeak = peakOf(toChannels(outBuf[:], p.AudioOutCount()))
		}
		slot.insPeak = insPeak
		slot.outsPeak = outsPeak

		processedAny = true
	}

	*eventsOut = curIn
	clearEventBuffer(eventsIn)
}

func toChannels(buf [][]float32, count uint32) [][]float32 {
	n := int(count)
	if n > len(buf) {
		n = len(buf)
	}
	return buf[:n]
}

func clearEventBuffer(b *EventBuffer) {
	if b == nil {
		return
	}
	b.Reset()
}

// mergeEventsByTime merges a (the carried-forward engine input) and b (the
// previous plugin's output) into dst in non-decreasing Time order,
// preserving a's events before b's at equal timestamps (a arrived first).
func mergeEventsByTime(dst, a, b *EventBuffer) {
	dst.Reset()
	i, j := 0, 0
	for i < a.Len() && j < b.Len() {
		ea, eb := a.At(i), b.At(j)
		if ea.Time <= eb.Time {
			dst.Push(*ea)
			i++
		} else {
			dst.Push(*eb)
			j++
		}
	}
	for ; i < a.Len(); i++ {
		dst.Push(*a.At(i))
	}
	for ; j < b.Len(); j++ {
		dst.Push(*b.At(j))
	}
}
