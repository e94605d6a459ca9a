package patchrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatConnectionPayload(t *testing.T) {
	assert.Equal(t, "1:2:3:4", formatConnectionPayload(1, 2, 3, 4))
	assert.Equal(t, "0:0:0:0", formatConnectionPayload(0, 0, 0, 0))
}

func TestConnectionPayloadMatchesConnectionFields(t *testing.T) {
	c := Connection{Id: 1, GroupA: GroupAudioIn, PortA: 3, GroupB: GroupCarla, PortB: PortId(RackPortAudioIn1)}
	assert.Equal(t, formatConnectionPayload(uint32(c.GroupA), uint32(c.PortA), uint32(c.GroupB), uint32(c.PortB)), connectionPayload(c))
}

func TestHostCallbackFuncAdapter(t *testing.T) {
	var got CallbackEvent
	var f HostCallback = HostCallbackFunc(func(ev CallbackEvent) { got = ev })
	f.Notify(CallbackEvent{Opcode: EngineStarted, Name: "x"})
	assert.Equal(t, EngineStarted, got.Opcode)
	assert.Equal(t, "x", got.Name)
}

func TestCallbackOpcodeString(t *testing.T) {
	assert.Equal(t, "PatchbayConnectionAdded", PatchbayConnectionAdded.String())
	assert.Equal(t, "Unknown", CallbackOpcode(99).String())
}
