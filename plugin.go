package patchrack

// Plugin is the narrow capability the graphs require from an external
// plugin object (§4.3). patchrack never loads or introspects plugins
// itself — that infrastructure is an out-of-scope collaborator (§1); this
// interface is the entire surface it consumes.
type Plugin interface {
	AudioInCount() uint32
	AudioOutCount() uint32
	AcceptsMidi() bool
	ProducesMidi() bool
	IsEnabled() bool

	// TryLock is wait-free in realtime mode; offline may block. Process
	// must only be called after a successful TryLock and is followed by
	// Unlock. Callers only call Unlock when TryLock returned true; a failed
	// TryLock is never matched by an Unlock.
	TryLock(offline bool) bool
	Unlock()

	// InitBuffers is called once per block before Process.
	InitBuffers()

	// Process consumes AudioInCount() input channels from in, writes
	// AudioOutCount() output channels into out, and exchanges MIDI via
	// the event-in/event-out buffers. cvIn/cvOut are reserved for control
	// voltage channels the current domain does not use and are always
	// nil here.
	Process(in, out [][]float32, cvIn, cvOut [][]float32, eventsIn, eventsOut *EventBuffer, nframes uint32)

	// ID is a stable plugin index within the engine.
	ID() uint32
}

// pluginSlot is a graph's private bookkeeping for one chained or
// patched-in plugin: the plugin itself plus the peak-metering state a
// mixer UI would read after each block.
type pluginSlot struct {
	plugin   Plugin
	insPeak  float32
	outsPeak float32
}

// silenceOutputs zeroes every sample of every output channel. It's called
// in place of Process when a plugin is disabled or fails its lock, so a
// muted or contended plugin still produces a well-formed (silent) block
// instead of leaving stale samples from the previous one.
func silenceOutputs(out [][]float32) {
	for _, ch := range out {
		for i := range ch {
			ch[i] = 0
		}
	}
}

func peakOf(channels [][]float32) float32 {
	var peak float32
	for _, ch := range channels {
		for _, v := range ch {
			av := v
			if av < 0 {
				av = -av
			}
			if av > peak {
				peak = av
			}
		}
	}
	if peak > 1.0 {
		peak = 1.0
	}
	return peak
}
