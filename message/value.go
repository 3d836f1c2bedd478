package message

import (
	"math"
	"strconv"
	"strings"
)

// ValueType tags the variant held by a Value.
type ValueType uint8

const (
	TypeInt ValueType = iota
	TypeFloat
	TypeString
	TypePair
	TypeBytes
	TypeView
)

var valueTypeNames = [...]string{
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeString: "string",
	TypePair:   "pair",
	TypeBytes:  "bytes",
	TypeView:   "view",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return "unknown"
}

func parseValueType(s string) (ValueType, bool) {
	for i, name := range valueTypeNames {
		if name == s {
			return ValueType(i), true
		}
	}
	return 0, false
}

// View describes where and how large the UI page of a module is.
type View struct {
	URL    string `json:"url" msgpack:"url"`
	Width  int32  `json:"width" msgpack:"width"`
	Height int32  `json:"height" msgpack:"height"`
}

// Value is the payload of an Event. The zero Value is Int(0).
type Value struct {
	typ  ValueType
	i    int32
	f    float32
	s    string
	pair [2]uint8
	b    []byte
	view View
}

func Int(v int32) Value     { return Value{typ: TypeInt, i: v} }
func Float(v float32) Value { return Value{typ: TypeFloat, f: v} }
func String(v string) Value { return Value{typ: TypeString, s: v} }

func Pair(a, b uint8) Value { return Value{typ: TypePair, pair: [2]uint8{a, b}} }

// Bytes copies p, so later changes to p do not affect the Value.
func Bytes(p []byte) Value {
	return Value{typ: TypeBytes, b: append([]byte(nil), p...)}
}

func ViewOf(url string, width, height int32) Value {
	return Value{typ: TypeView, view: View{URL: url, Width: width, Height: height}}
}

func (v Value) Type() ValueType { return v.typ }

func (v Value) AsInt() (int32, bool)     { return v.i, v.typ == TypeInt }
func (v Value) AsFloat() (float32, bool) { return v.f, v.typ == TypeFloat }
func (v Value) AsString() (string, bool) { return v.s, v.typ == TypeString }
func (v Value) AsPair() (uint8, uint8, bool) {
	return v.pair[0], v.pair[1], v.typ == TypePair
}
func (v Value) AsView() (View, bool) { return v.view, v.typ == TypeView }

// AsBytes returns a copy of the byte payload.
func (v Value) AsBytes() ([]byte, bool) {
	if v.typ != TypeBytes {
		return nil, false
	}
	return append([]byte(nil), v.b...), true
}

// Int32 converts to an integer: floats truncate toward zero (saturating,
// NaN is 0), ints are exact, every other variant is 0.
func (v Value) Int32() int32 {
	switch v.typ {
	case TypeInt:
		return v.i
	case TypeFloat:
		return truncate(v.f)
	case TypeString, TypePair, TypeBytes, TypeView:
		return 0
	}
	return 0
}

func truncate(f float32) int32 {
	switch {
	case f != f:
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

// String renders the value for display.
func (v Value) String() string {
	switch v.typ {
	case TypeInt:
		return strconv.FormatInt(int64(v.i), 10)
	case TypeFloat:
		return formatFloat(v.f)
	case TypeString:
		return v.s
	case TypePair:
		return "[" + strconv.Itoa(int(v.pair[0])) + "," + strconv.Itoa(int(v.pair[1])) + "]"
	case TypeBytes:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, u := range v.b {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Itoa(int(u)))
		}
		sb.WriteByte(']')
		return sb.String()
	case TypeView:
		return "[" + v.view.URL + "," + strconv.Itoa(int(v.view.Width)) + "," + strconv.Itoa(int(v.view.Height)) + "]"
	}
	return ""
}

func formatFloat(f float32) string {
	switch {
	case math.IsInf(float64(f), 1):
		return "inf"
	case math.IsInf(float64(f), -1):
		return "-inf"
	case f != f:
		return "NaN"
	}
	return strconv.FormatFloat(float64(f), 'f', -1, 32)
}

// ParseInt re-parses a display string produced by String for the numeric
// variants, truncating fractional values toward zero.
func ParseInt(s string) (int32, error) {
	if i, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int32(i), nil
	}
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return truncate(float32(f)), nil
}

// Equal reports whether two values hold the same variant and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeInt:
		return v.i == o.i
	case TypeFloat:
		return v.f == o.f || (v.f != v.f && o.f != o.f)
	case TypeString:
		return v.s == o.s
	case TypePair:
		return v.pair == o.pair
	case TypeBytes:
		return string(v.b) == string(o.b)
	case TypeView:
		return v.view == o.view
	}
	return false
}
