package message

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/vmihailenco/msgpack/v5"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownKind is returned when a decoded event carries an undefined msg code.
var ErrUnknownKind = errors.New("unknown message kind")

// Codec serialises events for a UI transport.
type Codec interface {
	Name() string
	Marshal(Event) ([]byte, error)
	Unmarshal([]byte) (Event, error)
}

var (
	JSON    Codec = jsonCodec{}
	MsgPack Codec = msgpackCodec{}
)

// CodecFor returns the codec registered under name, or JSON.
func CodecFor(name string) Codec {
	if name == MsgPack.Name() {
		return MsgPack
	}
	return JSON
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "aa.json" }

func (jsonCodec) Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func (jsonCodec) Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if !e.Kind.Valid() {
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	return e, nil
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "aa.msgpack" }

func (msgpackCodec) Marshal(e Event) ([]byte, error) {
	return msgpack.Marshal(&e)
}

func (msgpackCodec) Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if !e.Kind.Valid() {
		return Event{}, fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	return e, nil
}

type taggedValue struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var data any
	switch v.typ {
	case TypeInt:
		data = v.i
	case TypeFloat:
		if v.f != v.f || v.f > 3.4028235e38 || v.f < -3.4028235e38 {
			return nil, fmt.Errorf("value %s has no JSON form", v)
		}
		data = v.f
	case TypeString:
		data = v.s
	case TypePair:
		data = []int{int(v.pair[0]), int(v.pair[1])}
	case TypeBytes:
		ints := make([]int, len(v.b))
		for i, u := range v.b {
			ints[i] = int(u)
		}
		data = ints
	case TypeView:
		data = v.view
	default:
		return nil, fmt.Errorf("value type %d has no JSON form", v.typ)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{Type: v.typ.String(), Data: raw})
}

// UnmarshalJSON accepts the tagged form written by MarshalJSON and the
// untagged scalars and arrays used by older front-ends and descriptors.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty value")
	}
	switch data[0] {
	case '{':
		var t taggedValue
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		typ, ok := parseValueType(t.Type)
		if !ok {
			return fmt.Errorf("unknown value type %q", t.Type)
		}
		return v.decodeTagged(typ, t.Data)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '[':
		b, err := decodeByteArray(data)
		if err != nil {
			return err
		}
		// [note, velocity] from front-ends is a pair; any other length is bytes.
		if len(b) == 2 {
			*v = Pair(b[0], b[1])
		} else {
			*v = Value{typ: TypeBytes, b: b}
		}
		return nil
	}
	return v.decodeNumber(data)
}

func (v *Value) decodeTagged(typ ValueType, data []byte) error {
	switch typ {
	case TypeInt:
		var i int32
		if err := json.Unmarshal(data, &i); err != nil {
			return err
		}
		*v = Int(i)
	case TypeFloat:
		var f float32
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Float(f)
	case TypeString:
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case TypePair:
		b, err := decodeByteArray(data)
		if err != nil {
			return err
		}
		if len(b) != 2 {
			return fmt.Errorf("pair needs 2 elements, got %d", len(b))
		}
		*v = Pair(b[0], b[1])
	case TypeBytes:
		b, err := decodeByteArray(data)
		if err != nil {
			return err
		}
		*v = Value{typ: TypeBytes, b: b}
	case TypeView:
		var view View
		if err := json.Unmarshal(data, &view); err != nil {
			return err
		}
		*v = Value{typ: TypeView, view: view}
	}
	return nil
}

func (v *Value) decodeNumber(data []byte) error {
	s := string(data)
	if !bytes.ContainsAny(data, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 32); err == nil {
			*v = Int(int32(i))
			return nil
		}
	}
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return fmt.Errorf("value %q is not a number, string or array", s)
	}
	*v = Float(float32(f))
	return nil
}

func decodeByteArray(data []byte) ([]byte, error) {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, err
	}
	out := make([]byte, len(ints))
	for i, n := range ints {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("element %d out of byte range: %d", i, n)
		}
		out[i] = byte(n)
	}
	return out, nil
}

var (
	_ msgpack.CustomEncoder = Value{}
	_ msgpack.CustomDecoder = (*Value)(nil)
)

// EncodeMsgpack writes the value as a two element array [type, data].
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeString(v.typ.String()); err != nil {
		return err
	}
	switch v.typ {
	case TypeInt:
		return enc.EncodeInt(int64(v.i))
	case TypeFloat:
		return enc.EncodeFloat32(v.f)
	case TypeString:
		return enc.EncodeString(v.s)
	case TypePair:
		return enc.EncodeBytes(v.pair[:])
	case TypeBytes:
		return enc.EncodeBytes(v.b)
	case TypeView:
		return enc.Encode(&v.view)
	}
	return fmt.Errorf("value type %d has no msgpack form", v.typ)
}

func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("value array has %d elements, want 2", n)
	}
	name, err := dec.DecodeString()
	if err != nil {
		return err
	}
	typ, ok := parseValueType(name)
	if !ok {
		return fmt.Errorf("unknown value type %q", name)
	}
	switch typ {
	case TypeInt:
		i, err := dec.DecodeInt32()
		if err != nil {
			return err
		}
		*v = Int(i)
	case TypeFloat:
		f, err := dec.DecodeFloat32()
		if err != nil {
			return err
		}
		*v = Float(f)
	case TypeString:
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		*v = String(s)
	case TypePair:
		b, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		if len(b) != 2 {
			return fmt.Errorf("pair needs 2 bytes, got %d", len(b))
		}
		*v = Pair(b[0], b[1])
	case TypeBytes:
		b, err := dec.DecodeBytes()
		if err != nil {
			return err
		}
		*v = Value{typ: TypeBytes, b: b}
	case TypeView:
		var view View
		if err := dec.Decode(&view); err != nil {
			return err
		}
		*v = Value{typ: TypeView, view: view}
	}
	return nil
}
