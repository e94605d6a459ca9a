package patchrack

import "fmt"

// GroupId names a client (a "group" of ports) in the topology. The five
// built-in ids are fixed across both Rack and Patchbay mode; plugin nodes
// in patchbay mode are assigned by the graph starting at FirstPluginGroup.
type GroupId uint32

const (
	GroupNull     GroupId = 0
	GroupCarla    GroupId = 1
	GroupAudioIn  GroupId = 2
	GroupAudioOut GroupId = 3
	GroupMidiIn   GroupId = 4
	GroupMidiOut  GroupId = 5

	// FirstPluginGroup is the first group id the patchbay graph hands out
	// to a plugin node.
	FirstPluginGroup GroupId = 6
)

// PortId names a port within its group. Rack mode uses the six fixed ids
// below; patchbay mode derives ids from a per-node channel index using the
// patchbay*Offset constants further down.
type PortId uint32

// Rack's fixed Carla-side port ids (§3, §6.1).
const (
	RackPortNull PortId = iota
	RackPortAudioIn1
	RackPortAudioIn2
	RackPortAudioOut1
	RackPortAudioOut2
	RackPortMidiIn
	RackPortMidiOut
	rackPortMax
)

// MaxPatchbayPlugins bounds the number of plugin nodes a PatchbayGraph can
// hold; it also sizes the port-offset planes below, so a patchbay port id
// uniquely encodes (audio|midi, in|out, channel index) without a separate
// type field.
const MaxPatchbayPlugins = 200

const (
	patchbayAudioInOffset  PortId = MaxPatchbayPlugins * 1
	patchbayAudioOutOffset PortId = MaxPatchbayPlugins * 2
	patchbayMidiInOffset   PortId = MaxPatchbayPlugins * 3
	patchbayMidiOutOffset  PortId = MaxPatchbayPlugins*3 + 1
)

// ConnectionId is a monotonic, never-reused (within a graph's lifetime)
// identifier for an active Connection. 0 means "invalid".
type ConnectionId uint32

// Connection is a directed edge from an output port to a type-compatible
// input port. A is always the source, B the destination.
type Connection struct {
	Id     ConnectionId
	GroupA GroupId
	PortA  PortId
	GroupB GroupId
	PortB  PortId
}

// PortNameToId records the external name assigned to a dynamically
// discovered port (external MIDI device ports in Rack mode) so that names
// announced to a host can be translated back to internal ids.
type PortNameToId struct {
	Group     GroupId
	Port      PortId
	ShortName string
	FullName  string
}

func encodePatchbayAudioIn(channel uint32) PortId  { return patchbayAudioInOffset + PortId(channel) }
func encodePatchbayAudioOut(channel uint32) PortId { return patchbayAudioOutOffset + PortId(channel) }

// decodePatchbayPort classifies an encoded patchbay port id and returns
// whether it names MIDI or audio, its direction, and (for audio) the raw
// channel index within the node. It rejects ids outside the four offset
// planes rather than silently wrapping them: an out-of-range id is a hard
// connect failure, not a value to be truncated into range.
func decodePatchbayPort(p PortId) (isMidi, isInput bool, channel uint32, ok bool) {
	switch {
	case p >= patchbayMidiOutOffset && p < patchbayMidiOutOffset+1:
		return true, false, 0, true
	case p >= patchbayMidiInOffset && p < patchbayMidiInOffset+1:
		return true, true, 0, true
	case p >= patchbayAudioOutOffset && p < patchbayAudioOutOffset+PortId(MaxPatchbayPlugins):
		return false, false, uint32(p - patchbayAudioOutOffset), true
	case p >= patchbayAudioInOffset && p < patchbayAudioInOffset+PortId(MaxPatchbayPlugins):
		return false, true, uint32(p - patchbayAudioInOffset), true
	default:
		return false, false, 0, false
	}
}

// rackPortIdFromShortName implements §6.1's decode table, accepting both
// the canonical spelling and a lowercase-hyphen fallback spelling some
// older hosts still send.
func rackPortIdFromShortName(shortName string) PortId {
	switch shortName {
	case "AudioIn1", "audio-in1":
		return RackPortAudioIn1
	case "AudioIn2", "audio-in2":
		return RackPortAudioIn2
	case "AudioOut1", "audio-out1":
		return RackPortAudioOut1
	case "AudioOut2", "audio-out2":
		return RackPortAudioOut2
	case "MidiIn", "midi-in":
		return RackPortMidiIn
	case "MidiOut", "midi-out":
		return RackPortMidiOut
	default:
		return RackPortNull
	}
}

func rackFullPortNameFromId(port PortId) (string, bool) {
	switch port {
	case RackPortAudioIn1:
		return "Carla:AudioIn1", true
	case RackPortAudioIn2:
		return "Carla:AudioIn2", true
	case RackPortAudioOut1:
		return "Carla:AudioOut1", true
	case RackPortAudioOut2:
		return "Carla:AudioOut2", true
	case RackPortMidiIn:
		return "Carla:MidiIn", true
	case RackPortMidiOut:
		return "Carla:MidiOut", true
	default:
		return "", false
	}
}

func (g GroupId) String() string {
	switch g {
	case GroupCarla:
		return "Carla"
	case GroupAudioIn:
		return "AudioIn"
	case GroupAudioOut:
		return "AudioOut"
	case GroupMidiIn:
		return "MidiIn"
	case GroupMidiOut:
		return "MidiOut"
	default:
		return fmt.Sprintf("Group(%d)", uint32(g))
	}
}
