package patchrack

// Driver is the capability the engine facade is parameterised by (§9
// "re-architect as a single facade parameterised by a Driver capability").
// The facade owns the graph; the driver owns the device callback and
// device-level MIDI port lookup/open/close. Two concrete implementations
// are provided: driver_gomidi.go (gitlab.com/gomidi/midi/v2 + rtmididrv)
// and driver_portmidi.go (github.com/rakyll/portmidi).
type Driver interface {
	Name() string
	Start() error
	Stop() error

	BufferSize() uint32
	SampleRate() float64

	// MidiInNames/MidiOutNames list the device-level MIDI ports currently
	// visible to the driver, for Rack mode's MidiIn:<deviceName> /
	// MidiOut:<deviceName> naming (§6.1).
	MidiInNames() []string
	MidiOutNames() []string

	// ConnectIn opens the named MIDI input and starts delivering its
	// messages to sink. ConnectOut opens the named MIDI output for later
	// Send calls. Both are control-thread operations (§4.6 "Rack MIDI
	// port connection").
	ConnectIn(name string, sink MidiSink) (MidiInPort, error)
	ConnectOut(name string) (MidiOutPort, error)
}

// MidiSink receives raw incoming MIDI bytes from a driver's background
// listener goroutine, timestamped in the same absolute sample-counter
// units as RtMidiEvent.Time. The engine's midiInQueue.Append satisfies
// this.
type MidiSink interface {
	Append(ev RtMidiEvent)
}

// MidiInPort is a device-level MIDI input opened via Driver.ConnectIn.
type MidiInPort interface {
	Name() string
	Close() error
}

// MidiOutPort is a device-level MIDI output opened via Driver.ConnectOut.
type MidiOutPort interface {
	Name() string
	Send(data []byte) error
	Close() error
}
