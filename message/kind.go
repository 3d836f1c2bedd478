package message

import "fmt"

// Kind identifies the type of an Event. The numeric value is the wire code
// ("msg") of the UI protocol; codes 0-7 are shared with older front-ends.
//
//exhaustive:enforce
type Kind uint8

const (
	ParameterChange Kind = iota // parameter change, both directions
	ControllerChange            // MIDI controller feedback for the UI
	ModuleChange                // request (UI) or confirmation (engine)
	InputDeviceAdded            // advertise an input device to the UI
	OutputDeviceAdded           // advertise an output device to the UI
	UILoaded                    // UI finished loading the current module view
	Exit                        // application quit
	ModuleAdded                 // advertise a registry entry to the UI
	InputDeviceSelected         // UI selected an input device
	OutputDeviceSelected        // UI selected an output device
	NoteOn                      // note from the UI's virtual keyboard
	NoteOff
	Failure // display-able error for the UI

	kindCount
)

var kindNames = [kindCount]string{
	ParameterChange:      "ParameterChange",
	ControllerChange:     "ControllerChange",
	ModuleChange:         "ModuleChange",
	InputDeviceAdded:     "InputDeviceAdded",
	OutputDeviceAdded:    "OutputDeviceAdded",
	UILoaded:             "UILoaded",
	Exit:                 "Exit",
	ModuleAdded:          "ModuleAdded",
	InputDeviceSelected:  "InputDeviceSelected",
	OutputDeviceSelected: "OutputDeviceSelected",
	NoteOn:               "NoteOn",
	NoteOff:              "NoteOff",
	Failure:              "Failure",
}

// Kinds returns every defined kind in wire-code order.
func Kinds() []Kind {
	out := make([]Kind, kindCount)
	for i := range out {
		out[i] = Kind(i)
	}
	return out
}

// Valid reports whether k is a defined kind.
func (k Kind) Valid() bool {
	return k < kindCount
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Destination names the actor a UI-originated event is delivered to.
type Destination int

const (
	ToNowhere Destination = iota // not meaningful coming from a UI
	ToEngine                     // engine inbox, drained by the audio callback
	ToGate                       // UI gate (handshake traffic)
)

// RouteFromUI returns where an event produced by a UI surface must go.
func RouteFromUI(k Kind) Destination {
	switch k {
	case ParameterChange, ModuleChange, InputDeviceSelected, OutputDeviceSelected,
		NoteOn, NoteOff, Exit:
		return ToEngine
	case UILoaded:
		return ToGate
	case ControllerChange, InputDeviceAdded, OutputDeviceAdded, ModuleAdded, Failure:
		return ToNowhere
	case kindCount:
		return ToNowhere
	}
	return ToNowhere
}

// Failure classes carried in the Index of a Failure event.
const (
	FailureLoad uint32 = iota + 1
	FailureOpen
	FailureConfiguration
	FailureStream
)
