package patchrack

import (
	"sync"
	"sync/atomic"
)

// maxEngineEventInternalCount bounds the per-block event buffers (§4.1,
// "K = maxEngineEventInternalCount (fixed constant, e.g. 512)").
const maxEngineEventInternalCount = 512

// maxMidiDataSize is the inline byte capacity of a raw MIDI event before
// the Ext escape is used, matching Carla's EngineMidiEvent::kDataSize.
const maxMidiDataSize = 4

// maxMidiPoolSize bounds the MIDI-in staging pool (§7 "pool exhaustion").
const maxMidiPoolSize = 1024

// EngineEventType discriminates the two per-block event kinds a plugin's
// event-in/event-out ports carry.
type EngineEventType int

const (
	EngineEventNull EngineEventType = iota
	EngineEventControl
	EngineEventMidi
)

// ControlEvent is a normalised control-change-like event (CC, program
// change, all-sound-off, ...), converted to raw MIDI bytes only at the
// point of dispatch to a device output (§4.6 "convert control events via
// convertToMidiData").
type ControlEvent struct {
	Param uint16
	Value float32
}

// convertToMidiData renders a ControlEvent as a 3-byte MIDI CC message on
// the given channel.
func (c ControlEvent) convertToMidiData(channel uint8) [3]byte {
	cc := byte(c.Param & 0x7f)
	val := byte(clampFloat(c.Value, 0, 1) * 127)
	return [3]byte{0xB0 | (channel & 0x0f), cc, val}
}

func clampFloat(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MidiData is a raw MIDI payload. Payloads that fit in maxMidiDataSize
// bytes live inline in Data; longer ones (sysex) escape into Ext, which
// the audio thread never allocates — Ext is only populated on the
// producer side, before the event reaches the audio thread's buffers.
type MidiData struct {
	Size uint8
	Data [maxMidiDataSize]byte
	Ext  []byte
}

// Bytes returns the payload regardless of which storage it used.
func (m MidiData) Bytes() []byte {
	if int(m.Size) > maxMidiDataSize {
		return m.Ext
	}
	return m.Data[:m.Size]
}

func newMidiData(raw []byte) MidiData {
	m := MidiData{Size: uint8(len(raw))}
	if len(raw) > maxMidiDataSize {
		m.Ext = append([]byte(nil), raw...)
		return m
	}
	copy(m.Data[:], raw)
	return m
}

// EngineEvent is one slot of the per-block eventsIn/eventsOut arrays
// handed to a graph's process call (§4.1, §4.3).
type EngineEvent struct {
	Type    EngineEventType
	Time    uint32 // sample offset within the current block, [0, nframes)
	Channel uint8
	Ctrl    ControlEvent
	Midi    MidiData
}

// EventBuffer is a fixed-capacity, pre-allocated array of EngineEvents —
// no append, no growth, matching §4.1's "no allocation on the audio
// thread" invariant. count tracks how many leading slots are live.
type EventBuffer struct {
	events [maxEngineEventInternalCount]EngineEvent
	count  int
}

func (b *EventBuffer) Reset() {
	b.count = 0
	for i := range b.events {
		b.events[i] = EngineEvent{}
	}
}

func (b *EventBuffer) Len() int { return b.count }

func (b *EventBuffer) At(i int) *EngineEvent { return &b.events[i] }

// Push appends an event if capacity remains; returns false (dropped) once
// full.
func (b *EventBuffer) Push(ev EngineEvent) bool {
	if b.count >= len(b.events) {
		return false
	}
	b.events[b.count] = ev
	b.count++
	return true
}

// RtMidiEvent is a pool-allocated incoming MIDI message, timestamped in
// absolute sample-counter units (§3 Entities).
type RtMidiEvent struct {
	Time uint64
	Data MidiData
}

// midiInQueue is the MIDI-in staging structure of §4.1: a producer-side
// pending list and a consumer-side data list sharing one mutex, which the
// audio thread only ever try-locks. swapBuf is the other half of a
// double-buffer TryDrain rotates with pending, so draining never calls
// make (§3 invariant 5). lateEvents/bufferFull are lock-free diagnostic
// counters for the two warning paths TryDrain can hit on the audio
// thread; logging them is the control thread's job, via TakeDiagnostics.
type midiInQueue struct {
	mu      sync.Mutex
	pending []RtMidiEvent
	swapBuf []RtMidiEvent
	errs    ErrorHandler

	lateEvents atomic.Int64
	bufferFull atomic.Int64
}

func newMidiInQueue(errs ErrorHandler) *midiInQueue {
	return &midiInQueue{
		pending: make([]RtMidiEvent, 0, 64),
		swapBuf: make([]RtMidiEvent, 0, 64),
		errs:    errs,
	}
}

// TakeDiagnostics returns the counts of late-clamped and dropped MIDI-in
// events accumulated since the last call, resetting both to zero. Meant
// to be polled periodically by the control thread and forwarded to the
// error handler, since the audio thread that observes them cannot log
// directly (§5).
func (q *midiInQueue) TakeDiagnostics() (late, full int64) {
	return q.lateEvents.Swap(0), q.bufferFull.Swap(0)
}

// Append is the producer path: the driver's MIDI-input thread blocks to
// acquire the lock (it is not the audio thread) and appends.
func (q *midiInQueue) Append(ev RtMidiEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= maxMidiPoolSize {
		// Pool exhaustion (§7): drop the oldest pending event, warn, keep
		// the new one — an unresponsive consumer should lose history, not
		// new input.
		copy(q.pending, q.pending[1:])
		q.pending = q.pending[:len(q.pending)-1]
		if q.errs != nil {
			q.errs.HandleError(newEngineError(ErrPoolExhaustion, "MIDI-in pool full, dropping oldest pending event"))
		}
	}
	q.pending = append(q.pending, ev)
}

// TryDrain is the consumer path (§4.1): try_lock; on failure, skip this
// block's drain entirely (events stay queued, delayed by at most one
// block) and return false. On success, splice pending into a local batch,
// normalise each event's time into [0, nframes) relative to frameBase, and
// push into out. Events beyond out's capacity are dropped with a warning;
// late events are clamped to nframes-1 with a warning (§4.1, scenario S5).
// This is the only consumer entry point — the audio thread must never
// block here.
func (q *midiInQueue) TryDrain(out *EventBuffer, frameBase uint64, nframes uint32) bool {
	if !q.mu.TryLock() {
		return false
	}
	batch := q.pending
	q.pending, q.swapBuf = q.swapBuf[:0], q.pending
	q.mu.Unlock()

	for i := range batch {
		ev := batch[i]
		var t uint32
		switch {
		case ev.Time < frameBase:
			t = 0
		case ev.Time >= frameBase+uint64(nframes):
			t = nframes - 1
			q.lateEvents.Add(1)
		default:
			t = uint32(ev.Time - frameBase)
		}
		if !out.Push(EngineEvent{Type: EngineEventMidi, Time: t, Midi: ev.Data}) {
			q.bufferFull.Add(1)
			break
		}
	}
	return true
}
