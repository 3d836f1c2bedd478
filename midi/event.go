package midi

import (
	"fmt"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// MIDI channel voice message types (status high nibble)
const (
	NoteOff         uint8 = 0x80
	NoteOn          uint8 = 0x90
	PolyPressure    uint8 = 0xA0
	CC              uint8 = 0xB0
	ProgramChange   uint8 = 0xC0
	ChannelPressure uint8 = 0xD0
	PitchBend       uint8 = 0xE0
)

// Message is a decoded channel voice message forwarded to the engine.
type Message struct {
	Type    uint8 // NoteOn, NoteOff, ...
	Channel uint8 // 0-15
	Data1   uint8 // note, controller or program
	Data2   uint8 // velocity, value, pressure (0 when absent)
}

// Decode classifies one channel voice message with gomidi's accessors.
// System messages are not decoded. A note-on with velocity 0 is reported
// as NoteOff.
func Decode(msg gomidi.Message) (Message, bool) {
	var ch, a, b uint8
	switch {
	case msg.GetNoteStart(&ch, &a, &b):
		return Message{Type: NoteOn, Channel: ch, Data1: a, Data2: b}, true
	case msg.GetNoteOff(&ch, &a, &b):
		return Message{Type: NoteOff, Channel: ch, Data1: a, Data2: b}, true
	case msg.GetNoteEnd(&ch, &a):
		return Message{Type: NoteOff, Channel: ch, Data1: a}, true
	case msg.GetControlChange(&ch, &a, &b):
		return Message{Type: CC, Channel: ch, Data1: a, Data2: b}, true
	case msg.GetPolyAfterTouch(&ch, &a, &b):
		return Message{Type: PolyPressure, Channel: ch, Data1: a, Data2: b}, true
	case msg.GetProgramChange(&ch, &a):
		return Message{Type: ProgramChange, Channel: ch, Data1: a}, true
	case msg.GetAfterTouch(&ch, &a):
		return Message{Type: ChannelPressure, Channel: ch, Data1: a}, true
	}
	var abs uint16
	if msg.GetPitchBend(&ch, nil, &abs) {
		return Message{Type: PitchBend, Channel: ch, Data1: uint8(abs & 0x7F), Data2: uint8(abs >> 7)}, true
	}
	return Message{}, false
}

// IsNote reports whether m is a note-on or note-off.
func (m Message) IsNote() bool {
	return m.Type == NoteOn || m.Type == NoteOff
}

// Bend returns the pitch bend amount in -8192..8191.
func (m Message) Bend() int16 {
	return int16(uint16(m.Data2)<<7|uint16(m.Data1)) - 8192
}

func (m Message) String() string {
	switch m.Type {
	case NoteOn:
		return fmt.Sprintf("NoteOn ch=%d key=%d vel=%d", m.Channel, m.Data1, m.Data2)
	case NoteOff:
		return fmt.Sprintf("NoteOff ch=%d key=%d vel=%d", m.Channel, m.Data1, m.Data2)
	case CC:
		return fmt.Sprintf("CC ch=%d cc=%d val=%d", m.Channel, m.Data1, m.Data2)
	case PitchBend:
		return fmt.Sprintf("PitchBend ch=%d value=%d", m.Channel, m.Bend())
	}
	return fmt.Sprintf("0x%02X ch=%d %d %d", m.Type, m.Channel, m.Data1, m.Data2)
}
