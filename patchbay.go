package patchrack

import (
	"strconv"
	"sync"
)

// patchbayEdge is one directed audio or MIDI connection in the underlying
// graph, expressed in raw node/channel terms (not the offset-encoded
// PortIds the facade exposes).
type patchbayEdge struct {
	srcNode GroupId
	srcCh   uint32 // sentinel midiChannelSentinel for MIDI
	dstNode GroupId
	dstCh   uint32
}

const midiChannelSentinel = ^uint32(0)

// patchbayNode is one node of the underlying graph: either a built-in
// pseudo-node (hardware audio-in/out, MIDI-in/out) or a plugin (§3
// Entities, "Node").
type patchbayNode struct {
	id         GroupId
	name       string
	plugin     Plugin // nil for built-in pseudo-nodes
	pluginId   int32  // -1 if not a plugin
	isAudio    bool
	isMIDI     bool
	isOutput   bool // true for AudioOut/MidiOut pseudo-nodes
	audioCount uint32
}

// patchbayNodeBuf is a plugin node's private per-block scratch: its
// audio-in/out channels and MIDI-in/out buffers, sized once to the
// graph's bufferSize and reused every block (§3 invariant 5). Rebuilt
// only by rebuildTopology, a control-thread operation.
type patchbayNodeBuf struct {
	in, out         [][]float32
	midiIn, midiOut EventBuffer
}

// PatchbayGraph is the general directed audio/MIDI processing graph of
// §4.5: every plugin is a node with typed ports; any output port may
// connect to any type-compatible input port.
type PatchbayGraph struct {
	mu sync.Mutex

	nodes    map[GroupId]*patchbayNode
	edges    []patchbayEdge
	nextNode GroupId

	registry *ConnectionRegistry
	cb       HostCallback
	errs     ErrorHandler

	inputs, outputs uint32
	bufferSize      uint32

	// scratchIn holds this block's hardware-input samples (read-only once
	// populated by Process); scratchOut accumulates what plugins route to
	// GroupAudioOut. Keeping them separate avoids an output channel
	// silently inheriting whatever was preloaded into the same-numbered
	// input channel when nothing writes to it this block.
	scratchIn   [][]float32
	scratchOut  [][]float32
	midiScratch EventBuffer

	// order/nodeBufs are rebuilt by rebuildTopology whenever topology or
	// buffer size changes (AddPlugin, RemovePlugin, ReplacePlugin, Connect,
	// Disconnect, ClearConnections, resizeBuffers) — never by Process, so
	// the audio thread only ever reads them (§3 invariant 5).
	order    []GroupId
	nodeBufs map[GroupId]*patchbayNodeBuf
}

// NewPatchbayGraph builds the four built-in pseudo-nodes and clamps
// inputs/outputs to [0, MaxPatchbayPlugins-2] per §4.5.
func NewPatchbayGraph(inputs, outputs, bufferSize uint32, cb HostCallback, errs ErrorHandler) *PatchbayGraph {
	if inputs > MaxPatchbayPlugins-2 {
		inputs = MaxPatchbayPlugins - 2
	}
	if outputs > MaxPatchbayPlugins-2 {
		outputs = MaxPatchbayPlugins - 2
	}

	g := &PatchbayGraph{
		nodes:    make(map[GroupId]*patchbayNode),
		nextNode: FirstPluginGroup,
		registry: NewConnectionRegistry(),
		cb:       cb,
		errs:     errs,
		inputs:   inputs,
		outputs:  outputs,
	}
	g.nodes[GroupAudioIn] = &patchbayNode{id: GroupAudioIn, name: "AudioIn", isAudio: true, audioCount: inputs, pluginId: -1}
	g.nodes[GroupAudioOut] = &patchbayNode{id: GroupAudioOut, name: "AudioOut", isAudio: true, audioCount: outputs, isOutput: true, pluginId: -1}
	g.nodes[GroupMidiIn] = &patchbayNode{id: GroupMidiIn, name: "MidiIn", isMIDI: true, pluginId: -1}
	g.nodes[GroupMidiOut] = &patchbayNode{id: GroupMidiOut, name: "MidiOut", isMIDI: true, isOutput: true, pluginId: -1}
	g.resizeBuffers(bufferSize)
	return g
}

// resizeBuffers reallocates scratchIn/scratchOut and every plugin node's
// private buffers for a new block size, and is the only place bufferSize
// is set. Called from NewPatchbayGraph and from Engine.SetBufferSize while
// the engine is quiesced (§5).
func (g *PatchbayGraph) resizeBuffers(bufferSize uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bufferSize = bufferSize
	g.scratchIn = make([][]float32, g.inputs)
	for i := range g.scratchIn {
		g.scratchIn[i] = make([]float32, bufferSize)
	}
	g.scratchOut = make([][]float32, g.outputs)
	for i := range g.scratchOut {
		g.scratchOut[i] = make([]float32, bufferSize)
	}
	g.rebuildTopology()
}

func (g *PatchbayGraph) notify(ev CallbackEvent) {
	if g.cb != nil {
		g.cb.Notify(ev)
	}
}

// getGroupAndPortIdFromFullName decodes "<processorName>:<channelName>" or
// "<processorName>:events-in"/"events-out" (§4.5, §6.1).
func (g *PatchbayGraph) getGroupAndPortIdFromFullName(fullName string) (GroupId, PortId, bool) {
	idx := lastColon(fullName)
	if idx < 0 {
		return 0, 0, false
	}
	procName, chanName := fullName[:idx], fullName[idx+1:]

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, n := range g.nodes {
		if n.name != procName {
			continue
		}
		switch chanName {
		case "events-in":
			return id, patchbayMidiInOffset, true
		case "events-out":
			return id, patchbayMidiOutOffset, true
		default:
			if ch, ok := parseChannelName(chanName); ok {
				if n.isOutput {
					return id, encodePatchbayAudioOut(ch), true
				}
				return id, encodePatchbayAudioIn(ch), true
			}
		}
	}
	return 0, 0, false
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func parseChannelName(s string) (uint32, bool) {
	if len(s) == 0 {
		return 0, false
	}
	var v uint32
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint32(c-'0')
	}
	return v, true
}

// Connect decodes the port ids, asks the underlying graph to add the
// edge, and on success records it in the registry (§4.5).
func (g *PatchbayGraph) Connect(gA GroupId, pA PortId, gB GroupId, pB PortId) (Connection, error) {
	// §3 invariant: A is always the source (an output port), B always the
	// destination (an input port).
	srcMidi, srcIsInput, srcCh, ok1 := decodePatchbayPort(pA)
	dstMidi, dstIsInput, dstCh, ok2 := decodePatchbayPort(pB)
	if !ok1 || !ok2 || srcMidi != dstMidi || srcIsInput || !dstIsInput {
		return Connection{}, newEngineError(ErrInvalidArgument, "Failed from juce")
	}
	// The hardware pseudo-nodes are fixed-direction: AudioOut/MidiOut only
	// ever receive, AudioIn/MidiIn only ever feed.
	if gA == GroupAudioOut || gA == GroupMidiOut || gB == GroupAudioIn || gB == GroupMidiIn {
		return Connection{}, newEngineError(ErrInvalidArgument, "Failed from juce")
	}

	srcChan, dstChan := srcCh, dstCh
	if srcMidi {
		srcChan, dstChan = midiChannelSentinel, midiChannelSentinel
	}

	g.mu.Lock()
	if _, ok := g.nodes[gA]; !ok {
		g.mu.Unlock()
		return Connection{}, newEngineError(ErrInvalidArgument, "Failed from juce")
	}
	if _, ok := g.nodes[gB]; !ok {
		g.mu.Unlock()
		return Connection{}, newEngineError(ErrInvalidArgument, "Failed from juce")
	}
	for _, e := range g.edges {
		if e.srcNode == gA && e.srcCh == srcChan && e.dstNode == gB && e.dstCh == dstChan {
			g.mu.Unlock()
			return Connection{}, newEngineError(ErrInvalidArgument, "Failed from juce")
		}
	}
	g.edges = append(g.edges, patchbayEdge{srcNode: gA, srcCh: srcChan, dstNode: gB, dstCh: dstChan})
	g.rebuildTopology()
	g.mu.Unlock()

	c := g.registry.Add(gA, pA, gB, pB)
	g.notify(CallbackEvent{Opcode: PatchbayConnectionAdded, ConnectionId: c.Id, Payload: connectionPayload(c)})
	return c, nil
}

// Disconnect finds the connection by id, removes the matching edge, and
// removes the registry entry (§4.5).
func (g *PatchbayGraph) Disconnect(id ConnectionId) error {
	c, ok := g.registry.Find(id)
	if !ok {
		return newEngineError(ErrTopologyInconsistency, "Failed to find connection")
	}
	g.removeEdgeForConnection(c)
	g.registry.RemoveIf(func(cc Connection) bool { return cc.Id == id })
	g.notify(CallbackEvent{Opcode: PatchbayConnectionRemoved, ConnectionId: id})
	return nil
}

func (g *PatchbayGraph) removeEdgeForConnection(c Connection) {
	srcMidi, _, srcCh, ok1 := decodePatchbayPort(c.PortA)
	_, _, dstCh, ok2 := decodePatchbayPort(c.PortB)
	if !ok1 || !ok2 {
		return
	}
	srcChan, dstChan := srcCh, dstCh
	if srcMidi {
		srcChan, dstChan = midiChannelSentinel, midiChannelSentinel
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range g.edges {
		if e.srcNode == c.GroupA && e.srcCh == srcChan && e.dstNode == c.GroupB && e.dstCh == dstChan {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			g.rebuildTopology()
			return
		}
	}
}

// DisconnectGroup removes every registry entry touching gid and fires a
// remove callback for each, without mutating the underlying graph — that
// is only safe as long as the caller's precondition holds: gid's node is
// about to be (or has been) removed, which takes its edges with it (§4.5,
// §9 open question — enforced here as a documented precondition rather
// than inherited as an unchecked assumption).
func (g *PatchbayGraph) DisconnectGroup(gid GroupId) {
	removed := g.registry.RemoveIf(func(c Connection) bool { return c.GroupA == gid || c.GroupB == gid })
	for _, c := range removed {
		g.notify(CallbackEvent{Opcode: PatchbayConnectionRemoved, ConnectionId: c.Id})
	}
}

func (g *PatchbayGraph) ClearConnections() {
	g.mu.Lock()
	g.edges = nil
	g.rebuildTopology()
	g.mu.Unlock()
	g.registry.Clear()
}

// removeIllegalConnections drops any edge referencing a node that no
// longer exists.
func (g *PatchbayGraph) removeIllegalConnections() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeIllegalConnectionsLocked()
	g.rebuildTopology()
}

// removeIllegalConnectionsLocked is removeIllegalConnections' body, for
// callers (RemovePlugin) that already hold mu.
func (g *PatchbayGraph) removeIllegalConnectionsLocked() {
	kept := g.edges[:0:0]
	for _, e := range g.edges {
		if _, ok := g.nodes[e.srcNode]; !ok {
			continue
		}
		if _, ok := g.nodes[e.dstNode]; !ok {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
}

// AddPlugin wraps plugin in a node, assigns it a GroupId, and publishes it
// (§4.5 "addPlugin").
func (g *PatchbayGraph) AddPlugin(p Plugin) GroupId {
	g.mu.Lock()
	id := g.nextNode
	g.nextNode++
	pluginId := int32(g.countPlugins())
	node := &patchbayNode{
		id: id, name: nodeName(p), plugin: p, pluginId: pluginId,
		isAudio: p.AudioInCount() > 0 || p.AudioOutCount() > 0,
		isMIDI:  p.AcceptsMidi() || p.ProducesMidi(),
	}
	g.nodes[id] = node
	g.rebuildTopology()
	g.mu.Unlock()

	g.publishNode(node)
	return id
}

func (g *PatchbayGraph) countPlugins() int {
	n := 0
	for _, node := range g.nodes {
		if node.plugin != nil {
			n++
		}
	}
	return n
}

func nodeName(p Plugin) string {
	return "Plugin" + strconv.FormatUint(uint64(p.ID()), 10)
}

// RemovePlugin disconnects the node's group, removes it, and re-indexes
// the pluginId property on every remaining plugin node so ids stay dense
// (§4.5).
func (g *PatchbayGraph) RemovePlugin(id GroupId) {
	g.DisconnectGroup(id)

	g.mu.Lock()
	delete(g.nodes, id)
	type idNode struct {
		id   GroupId
		node *patchbayNode
	}
	var plugins []idNode
	for gid, n := range g.nodes {
		if n.plugin != nil {
			plugins = append(plugins, idNode{gid, n})
		}
	}
	for i := 0; i < len(plugins); i++ {
		for j := i + 1; j < len(plugins); j++ {
			if plugins[j].id < plugins[i].id {
				plugins[i], plugins[j] = plugins[j], plugins[i]
			}
		}
	}
	for idx, pn := range plugins {
		pn.node.pluginId = int32(idx)
	}
	g.removeIllegalConnectionsLocked()
	g.rebuildTopology()
	g.mu.Unlock()

	g.notify(CallbackEvent{Opcode: PatchbayClientRemoved, GroupId: id})
}

// ReplacePlugin requires matching ID(), removes the old node (with its
// connections), and adds the new one inheriting the same plugin id.
// Existing connections are not re-established (§4.5).
func (g *PatchbayGraph) ReplacePlugin(old, new Plugin) error {
	if old.ID() != new.ID() {
		return newEngineError(ErrInvalidArgument, "replacePlugin: id mismatch")
	}
	g.mu.Lock()
	var oldId GroupId
	var pluginId int32 = -1
	found := false
	for gid, n := range g.nodes {
		if n.plugin == old {
			oldId, pluginId, found = gid, n.pluginId, true
			break
		}
	}
	g.mu.Unlock()
	if !found {
		return newEngineError(ErrTopologyInconsistency, "replacePlugin: old plugin not found")
	}

	g.DisconnectGroup(oldId)
	g.mu.Lock()
	delete(g.nodes, oldId)
	id := g.nextNode
	g.nextNode++
	node := &patchbayNode{
		id: id, name: nodeName(new), plugin: new, pluginId: pluginId,
		isAudio: new.AudioInCount() > 0 || new.AudioOutCount() > 0,
		isMIDI:  new.AcceptsMidi() || new.ProducesMidi(),
	}
	g.nodes[id] = node
	g.removeIllegalConnectionsLocked()
	g.rebuildTopology()
	g.mu.Unlock()

	g.notify(CallbackEvent{Opcode: PatchbayClientRemoved, GroupId: oldId})
	g.publishNode(node)
	return nil
}

func (g *PatchbayGraph) publishNode(n *patchbayNode) {
	g.notify(CallbackEvent{Opcode: PatchbayClientAdded, GroupId: n.id, PluginId: n.pluginId, Name: n.name})
	if n.plugin != nil {
		for c := uint32(0); c < n.plugin.AudioInCount(); c++ {
			g.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: n.id, PortId: encodePatchbayAudioIn(c), Flags: PortFlagIsInput, Name: "audio-in" + strconv.FormatUint(uint64(c+1), 10)})
		}
		for c := uint32(0); c < n.plugin.AudioOutCount(); c++ {
			g.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: n.id, PortId: encodePatchbayAudioOut(c), Name: "audio-out" + strconv.FormatUint(uint64(c+1), 10)})
		}
		if n.plugin.AcceptsMidi() {
			g.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: n.id, PortId: patchbayMidiInOffset, Flags: PortFlagIsMidi | PortFlagIsInput, Name: "events-in"})
		}
		if n.plugin.ProducesMidi() {
			g.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: n.id, PortId: patchbayMidiOutOffset, Flags: PortFlagIsMidi, Name: "events-out"})
		}
		return
	}
	// Pseudo-nodes: AudioIn/MidiIn only feed (output ports), AudioOut/MidiOut
	// only receive (input ports), matching what Connect accepts.
	for c := uint32(0); c < n.audioCount; c++ {
		port, flags := encodePatchbayAudioOut(c), PortFlag(0)
		if n.isOutput {
			port, flags = encodePatchbayAudioIn(c), PortFlagIsInput
		}
		g.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: n.id, PortId: port, Flags: flags, Name: "audio" + strconv.FormatUint(uint64(c+1), 10)})
	}
	if n.isMIDI {
		port, flags := patchbayMidiOutOffset, PortFlag(PortFlagIsMidi)
		if n.isOutput {
			port, flags = patchbayMidiInOffset, PortFlagIsMidi|PortFlagIsInput
		}
		g.notify(CallbackEvent{Opcode: PatchbayPortAdded, GroupId: n.id, PortId: port, Flags: flags, Name: "events"})
	}
}

// RefreshConnections rebuilds observable state from the underlying
// graph's authoritative edges: clear the registry, drop illegal edges,
// republish every node, then republish every edge — nodes strictly
// before edges (§4.5), since a host decoding an edge announcement
// expects both endpoint nodes to already be known.
func (g *PatchbayGraph) RefreshConnections() {
	g.registry.Clear()
	g.removeIllegalConnections()

	g.mu.Lock()
	nodes := make([]*patchbayNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	edges := append([]patchbayEdge(nil), g.edges...)
	g.mu.Unlock()

	for _, n := range nodes {
		g.publishNode(n)
	}

	for _, e := range edges {
		var pA, pB PortId
		if e.srcCh == midiChannelSentinel {
			pA, pB = patchbayMidiOutOffset, patchbayMidiInOffset
		} else {
			pA, pB = encodePatchbayAudioOut(e.srcCh), encodePatchbayAudioIn(e.dstCh)
		}
		c := g.registry.Add(e.srcNode, pA, e.dstNode, pB)
		g.notify(CallbackEvent{Opcode: PatchbayConnectionAdded, ConnectionId: c.Id, Payload: connectionPayload(c)})
	}
}

// GetConnections renders the registry as "src","dst" pairs (§6.3).
func (g *PatchbayGraph) GetConnections() []string {
	var out []string
	g.registry.ForEach(func(c Connection) {
		out = append(out, g.fullName(c.GroupA, c.PortA), g.fullName(c.GroupB, c.PortB))
	})
	return out
}

func (g *PatchbayGraph) fullName(gid GroupId, p PortId) string {
	g.mu.Lock()
	n, ok := g.nodes[gid]
	g.mu.Unlock()
	if !ok {
		return ""
	}
	isMidi, isInput, ch, decOk := decodePatchbayPort(p)
	if !decOk {
		return n.name + ":?"
	}
	if isMidi {
		if isInput {
			return n.name + ":events-in"
		}
		return n.name + ":events-out"
	}
	return n.name + ":" + strconv.FormatUint(uint64(ch+1), 10)
}

// Process implements §4.5's per-block audio-thread entry point.
func (g *PatchbayGraph) Process(inHW, outHW [][]float32, eventsIn, eventsOut *EventBuffer, nframes uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.midiScratch.Reset()
	for i := 0; i < eventsIn.Len(); i++ {
		g.midiScratch.Push(*eventsIn.At(i))
	}

	for c := range g.scratchIn {
		buf := g.scratchIn[c][:nframes]
		if c < len(inHW) {
			copy(buf, inHW[c])
		} else {
			for i := range buf {
				buf[i] = 0
			}
		}
	}
	for c := range g.scratchOut {
		buf := g.scratchOut[c][:nframes]
		for i := range buf {
			buf[i] = 0
		}
	}

	g.processBlock(nframes)

	for c := uint32(0); c < g.outputs && int(c) < len(outHW) && int(c) < len(g.scratchOut); c++ {
		copy(outHW[c], g.scratchOut[c][:nframes])
	}

	clearEventBuffer(eventsOut)
	for i := 0; i < g.midiScratch.Len(); i++ {
		eventsOut.Push(*g.midiScratch.At(i))
	}
	g.midiScratch.Reset()
}

// processBlock orders node execution topologically (fed nodes before
// their consumers; a plugin with no upstream edges this block is an
// orphan and produces whatever it produces from silence) and forwards
// audio via recorded edges, merging multiple sources into a destination
// additively; MIDI routes via the sentinel channel. Callers must hold mu.
func (g *PatchbayGraph) processBlock(nframes uint32) {
	order := g.order

	for _, id := range order {
		buf := g.nodeBufs[id]
		for _, ch := range buf.in {
			for i := range ch[:nframes] {
				ch[i] = 0
			}
		}
		for _, ch := range buf.out {
			for i := range ch[:nframes] {
				ch[i] = 0
			}
		}
		buf.midiIn.Reset()
		buf.midiOut.Reset()
	}

	// Hardware MIDI-in feeds every plugin node that accepts MIDI,
	// mirroring the sentinel-channel routing described in §4.5.
	for _, id := range order {
		n := g.nodes[id]
		if !n.plugin.AcceptsMidi() {
			continue
		}
		buf := g.nodeBufs[id]
		for i := 0; i < g.midiScratch.Len(); i++ {
			buf.midiIn.Push(*g.midiScratch.At(i))
		}
	}

	// AudioIn feeds plugin nodes directly (edges from GroupAudioIn).
	for _, e := range g.edges {
		if e.srcNode != GroupAudioIn || e.srcCh == midiChannelSentinel {
			continue
		}
		if dst, ok := g.nodeBufs[e.dstNode]; ok {
			if int(e.srcCh) < len(g.scratchIn) && int(e.dstCh) < len(dst.in) {
				addInto(dst.in[e.dstCh], g.scratchIn[e.srcCh][:nframes])
			}
		}
	}

	for _, id := range order {
		n := g.nodes[id]
		buf := g.nodeBufs[id]
		// buf.in/buf.out are sized to g.bufferSize by rebuildTopology, and
		// Process is only ever called with nframes == g.bufferSize (the
		// engine enforces this), so they are used as-is: no per-block
		// re-slicing, no allocation.
		in, out := buf.in, buf.out

		if !n.plugin.IsEnabled() || !n.plugin.TryLock(false) {
			// §4.3: a disabled or locked-out plugin silences its outputs
			// and clears incoming MIDI for the block; it contributes
			// nothing to any edge it feeds.
			silenceOutputs(out)
			buf.midiOut.Reset()
			buf.midiIn.Reset()
			continue
		}
		n.plugin.InitBuffers()
		n.plugin.Process(in, out, nil, nil, &buf.midiIn, &buf.midiOut, nframes)
		n.plugin.Unlock()

		for _, e := range g.edges {
			if e.srcNode != id {
				continue
			}
			if e.srcCh == midiChannelSentinel {
				if dst, ok := g.nodeBufs[e.dstNode]; ok {
					for i := 0; i < buf.midiOut.Len(); i++ {
						dst.midiIn.Push(*buf.midiOut.At(i))
					}
				} else if e.dstNode == GroupMidiOut {
					for i := 0; i < buf.midiOut.Len(); i++ {
						g.midiScratch.Push(*buf.midiOut.At(i))
					}
				}
				continue
			}
			if e.dstNode == GroupAudioOut {
				if int(e.srcCh) < len(out) && int(e.dstCh) < len(g.scratchOut) {
					addInto(g.scratchOut[e.dstCh][:nframes], out[e.srcCh])
				}
				continue
			}
			if dst, ok := g.nodeBufs[e.dstNode]; ok {
				if int(e.srcCh) < len(out) && int(e.dstCh) < len(dst.in) {
					addInto(dst.in[e.dstCh], out[e.srcCh])
				}
			}
		}
	}
}

func addInto(dst, src []float32) {
	for i := range dst {
		if i < len(src) {
			dst[i] += src[i]
		}
	}
}

// rebuildTopology recomputes node execution order and reallocates every
// plugin node's private scratch buffers. It runs only from control-thread
// mutators (AddPlugin, RemovePlugin, ReplacePlugin, Connect, Disconnect,
// ClearConnections, resizeBuffers), never from Process, so the audio
// thread only ever reads g.order/g.nodeBufs (§3 invariant 5). Callers
// must hold mu.
func (g *PatchbayGraph) rebuildTopology() {
	g.order = g.computeTopoOrder()
	bufs := make(map[GroupId]*patchbayNodeBuf, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		buf := &patchbayNodeBuf{
			in:  make([][]float32, n.plugin.AudioInCount()),
			out: make([][]float32, n.plugin.AudioOutCount()),
		}
		for i := range buf.in {
			buf.in[i] = make([]float32, g.bufferSize)
		}
		for i := range buf.out {
			buf.out[i] = make([]float32, g.bufferSize)
		}
		bufs[id] = buf
	}
	g.nodeBufs = bufs
}

// computeTopoOrder returns plugin node ids in dependency order (a source
// before anything it feeds), starting the depth-first walk from each node
// in ascending id order. A dependency that is already being visited is
// skipped, so a cycle does not stop the walk: every node still appears
// exactly once, and one edge of each cycle is not honoured. Cycles are not
// rejected. Callers must hold mu.
func (g *PatchbayGraph) computeTopoOrder() []GroupId {
	var plugins []GroupId
	for id, n := range g.nodes {
		if n.plugin != nil {
			plugins = append(plugins, id)
		}
	}
	for i := 0; i < len(plugins); i++ {
		for j := i + 1; j < len(plugins); j++ {
			if plugins[j] < plugins[i] {
				plugins[i], plugins[j] = plugins[j], plugins[i]
			}
		}
	}

	deps := make(map[GroupId]map[GroupId]bool)
	for _, id := range plugins {
		deps[id] = make(map[GroupId]bool)
	}
	for _, e := range g.edges {
		if _, ok := deps[e.dstNode]; ok {
			if _, isPlugin := deps[e.srcNode]; isPlugin {
				deps[e.dstNode][e.srcNode] = true
			}
		}
	}

	var order []GroupId
	visited := make(map[GroupId]bool)
	var visit func(GroupId)
	visit = func(id GroupId) {
		if visited[id] {
			return
		}
		visited[id] = true
		for dep := range deps[id] {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range plugins {
		visit(id)
	}
	return order
}
