package patchrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRack() (*RackGraph, *fakeRackHost, *fakeCallback) {
	host := newFakeRackHost()
	cb := &fakeCallback{}
	r := NewRackGraph(64, host, cb, nil)
	return r, host, cb
}

func TestRackRegisterAndConnectMidi(t *testing.T) {
	r, host, cb := newTestRack()
	port := r.RegisterMidiIn("USB MIDI 1")
	assert.Equal(t, PortId(1), port)

	c, err := r.Connect(GroupCarla, PortId(RackPortMidiIn), GroupMidiIn, port)
	require.NoError(t, err)
	assert.Equal(t, ConnectionId(1), c.Id)
	assert.True(t, host.opened["USB MIDI 1"])

	names := r.GetConnections()
	assert.Contains(t, names, "Carla:MidiIn")
	assert.Contains(t, names, "MidiIn:USB MIDI 1")

	events := cb.all()
	require.NotEmpty(t, events)
	assert.Equal(t, PatchbayConnectionAdded, events[len(events)-1].Opcode)
}

func TestRackConnectRejectsTwoNonCarlaSides(t *testing.T) {
	r, _, _ := newTestRack()
	_, err := r.Connect(GroupAudioIn, 1, GroupAudioOut, 1)
	assert.Error(t, err)
}

func TestRackConnectAudioIndicesAreAdditiveAndDeduped(t *testing.T) {
	r, _, _ := newTestRack()
	_, err := r.Connect(GroupCarla, PortId(RackPortAudioIn1), GroupAudioIn, 1)
	require.NoError(t, err)
	_, err = r.Connect(GroupCarla, PortId(RackPortAudioIn1), GroupAudioIn, 1)
	assert.Error(t, err, "the same device channel index cannot be connected twice to the same rack input")
}

func TestRackDisconnectMirrorsConnect(t *testing.T) {
	r, host, _ := newTestRack()
	port := r.RegisterMidiOut("USB MIDI Out")
	c, err := r.Connect(GroupCarla, PortId(RackPortMidiOut), GroupMidiOut, port)
	require.NoError(t, err)

	require.NoError(t, r.Disconnect(c.Id))
	assert.False(t, host.opened["USB MIDI Out"])
	_, err = r.Connect(GroupCarla, PortId(RackPortMidiOut), GroupMidiOut, port)
	require.NoError(t, err, "disconnect must fully release state so a reconnect succeeds")
}

func TestRackBypassPassesInputThroughWhenPluginHasNoAudioIn(t *testing.T) {
	r, _, _ := newTestRack()
	_, _ = r.Connect(GroupCarla, PortId(RackPortAudioIn1), GroupAudioIn, 1)
	_, _ = r.Connect(GroupCarla, PortId(RackPortAudioOut1), GroupAudioOut, 1)

	gen := &fakePlugin{id: 1, audioIn: 0, audioOut: 2, enabled: true, mul: 1}
	r.AddPlugin(gen)

	inHW := [][]float32{{1, 2, 3, 4}}
	outHW := [][]float32{{0, 0, 0, 0}}
	var in, out EventBuffer
	r.ProcessHelper(inHW, outHW, &in, &out, 4, false)

	assert.Equal(t, []float32{1, 2, 3, 4}, outHW[0], "a zero-audio-in plugin must not silence the upstream bypass path")
}

func TestRackProcessMergesMidiAcrossNonMidiPlugin(t *testing.T) {
	r, _, _ := newTestRack()
	silent := &fakePlugin{id: 1, audioIn: 0, audioOut: 0, enabled: true, mul: 1, producesMid: false}
	r.AddPlugin(silent)

	var in, out EventBuffer
	in.Push(EngineEvent{Type: EngineEventMidi, Time: 2})

	inHW := [][]float32{{0}}
	outHW := [][]float32{{0}}
	r.ProcessHelper(inHW, outHW, &in, &out, 1, false)

	require.Equal(t, 1, out.Len(), "a plugin that does not produce MIDI must not swallow the carried-forward input event")
	assert.Equal(t, uint32(2), out.At(0).Time)
}

func TestRackProcessSupersedesMidiOnceAMidiCapablePluginRuns(t *testing.T) {
	r, _, _ := newTestRack()
	emitted := EngineEvent{Type: EngineEventMidi, Time: 9}
	synth := &fakePlugin{id: 1, audioIn: 0, audioOut: 0, enabled: true, producesMid: true, emitMidi: &emitted}
	r.AddPlugin(synth)

	var in, out EventBuffer
	in.Push(EngineEvent{Type: EngineEventMidi, Time: 2})

	inHW := [][]float32{{0}}
	outHW := [][]float32{{0}}
	r.ProcessHelper(inHW, outHW, &in, &out, 1, false)

	require.Equal(t, 1, out.Len())
	assert.Equal(t, uint32(9), out.At(0).Time, "a plugin that produces MIDI supersedes the carried-forward input, per the §9 merge decision")
}

func TestRackRemovePlugin(t *testing.T) {
	r, _, _ := newTestRack()
	p := &fakePlugin{id: 42, enabled: true}
	r.AddPlugin(p)
	assert.True(t, r.RemovePlugin(42))
	assert.False(t, r.RemovePlugin(42))
}
