package message

import "fmt"

// Event is the unit carried by the bus and spoken on the UI protocol.
// Events are values; the Bytes payload is copied in and out, so an Event
// can be handed across goroutines without further synchronisation.
type Event struct {
	Kind  Kind   `json:"msg" msgpack:"msg"`
	Index uint32 `json:"index" msgpack:"index"`
	Value Value  `json:"value" msgpack:"value"`
}

func New(kind Kind, index uint32, value Value) Event {
	return Event{Kind: kind, Index: index, Value: value}
}

// Param builds a ParameterChange event.
func Param(index uint32, value Value) Event {
	return Event{Kind: ParameterChange, Index: index, Value: value}
}

// Fail builds a Failure event of the given class.
func Fail(class uint32, err error) Event {
	return Event{Kind: Failure, Index: class, Value: String(err.Error())}
}

func ExitEvent() Event {
	return Event{Kind: Exit, Value: Int(0)}
}

func (e Event) String() string {
	return fmt.Sprintf("%s[%d]=%s", e.Kind, e.Index, e.Value)
}
