package rtmp

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	apperrors "github.com/aminofox/rtmpingest/pkg/errors"
)

// AMF0 type markers
const (
	amf0Number      byte = 0x00
	amf0Boolean     byte = 0x01
	amf0String      byte = 0x02
	amf0Object      byte = 0x03
	amf0Null        byte = 0x05
	amf0Undefined   byte = 0x06
	amf0EcmaArray   byte = 0x08
	amf0ObjectEnd   byte = 0x09
	amf0StrictArray byte = 0x0A
	amf0Date        byte = 0x0B
	amf0LongString  byte = 0x0C
)

// ValueType tags the kind of value held by a Value.
type ValueType int

const (
	TypeNumber ValueType = iota
	TypeBoolean
	TypeString
	TypeLongString
	TypeObject
	TypeEcmaArray
	TypeStrictArray
	TypeNull
	TypeUndefined
	TypeDate
)

// Pair is a single ordered member of an Object or EcmaArray value.
type Pair struct {
	Key   string
	Value Value
}

// ObjectValue is an insertion-ordered string-keyed map. Key order is
// significant on the wire and is preserved through the encode/decode
// round trip.
type ObjectValue struct {
	Pairs []Pair
}

// NewObjectValue builds an ObjectValue from the given pairs, in order.
func NewObjectValue(pairs ...Pair) *ObjectValue {
	return &ObjectValue{Pairs: append([]Pair(nil), pairs...)}
}

// Set appends key/v, or overwrites it in place if key is already present.
func (o *ObjectValue) Set(key string, v Value) {
	for i := range o.Pairs {
		if o.Pairs[i].Key == key {
			o.Pairs[i].Value = v
			return
		}
	}
	o.Pairs = append(o.Pairs, Pair{Key: key, Value: v})
}

// Get returns the value for key and whether it was present.
func (o *ObjectValue) Get(key string) (Value, bool) {
	for _, p := range o.Pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Value is a tagged AMF0 value.
type Value struct {
	Type ValueType

	number  float64
	boolean bool
	str     string
	object  *ObjectValue
	array   []Value
	dateTZ  int16
}

// Num constructs a Number value.
func Num(n float64) Value { return Value{Type: TypeNumber, number: n} }

// Bool constructs a Boolean value.
func Bool(b bool) Value { return Value{Type: TypeBoolean, boolean: b} }

// Str constructs a String value (promoted to LongString on encode if
// its UTF-8 length exceeds 65535 bytes).
func Str(s string) Value { return Value{Type: TypeString, str: s} }

// LongStr constructs a value that is always encoded as AMF0 LongString.
func LongStr(s string) Value { return Value{Type: TypeLongString, str: s} }

// Null constructs the Null value.
func Null() Value { return Value{Type: TypeNull} }

// Undefined constructs the Undefined value.
func Undefined() Value { return Value{Type: TypeUndefined} }

// Obj constructs an Object value from an *ObjectValue.
func Obj(o *ObjectValue) Value { return Value{Type: TypeObject, object: o} }

// EcmaArr constructs an EcmaArray value from an *ObjectValue.
func EcmaArr(o *ObjectValue) Value { return Value{Type: TypeEcmaArray, object: o} }

// StrictArr constructs a StrictArray value.
func StrictArr(items ...Value) Value { return Value{Type: TypeStrictArray, array: items} }

// Date constructs a Date value; tz is always written as 0 .
func Date(millis float64) Value { return Value{Type: TypeDate, number: millis} }

// AsNumber returns the numeric payload, valid for TypeNumber and TypeDate.
func (v Value) AsNumber() float64 { return v.number }

// AsBool returns the boolean payload, valid for TypeBoolean.
func (v Value) AsBool() bool { return v.boolean }

// AsString returns the string payload, valid for TypeString/TypeLongString.
func (v Value) AsString() string { return v.str }

// AsObject returns the ordered map payload, valid for TypeObject/TypeEcmaArray.
func (v Value) AsObject() *ObjectValue { return v.object }

// AsArray returns the sequence payload, valid for TypeStrictArray.
func (v Value) AsArray() []Value { return v.array }

// Equal performs a deep, order-sensitive comparison of two values. Used
// to assert the decode(encode(v)) == v round-trip property.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case TypeNumber, TypeDate:
		return v.number == other.number
	case TypeBoolean:
		return v.boolean == other.boolean
	case TypeString, TypeLongString:
		return v.str == other.str
	case TypeNull, TypeUndefined:
		return true
	case TypeObject, TypeEcmaArray:
		if v.object == nil || other.object == nil {
			return v.object == other.object
		}
		if len(v.object.Pairs) != len(other.object.Pairs) {
			return false
		}
		for i := range v.object.Pairs {
			if v.object.Pairs[i].Key != other.object.Pairs[i].Key {
				return false
			}
			if !v.object.Pairs[i].Value.Equal(other.object.Pairs[i].Value) {
				return false
			}
		}
		return true
	case TypeStrictArray:
		if len(v.array) != len(other.array) {
			return false
		}
		for i := range v.array {
			if !v.array[i].Equal(other.array[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Encoder writes a sequence of AMF0 values to an io.Writer.
type Encoder struct {
	w io.Writer
}

// NewEncoder creates an AMF0 encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// EncodeValue writes a single value.
func (e *Encoder) EncodeValue(v Value) error {
	switch v.Type {
	case TypeNumber:
		return e.encodeNumber(v.number)
	case TypeBoolean:
		return e.encodeBoolean(v.boolean)
	case TypeString:
		return e.encodeString(v.str)
	case TypeLongString:
		return e.encodeLongString(v.str)
	case TypeObject:
		return e.encodeObject(v.object)
	case TypeEcmaArray:
		return e.encodeEcmaArray(v.object)
	case TypeStrictArray:
		return e.encodeStrictArray(v.array)
	case TypeNull:
		return e.writeByte(amf0Null)
	case TypeUndefined:
		return e.writeByte(amf0Undefined)
	case TypeDate:
		return e.encodeDate(v.number)
	default:
		return apperrors.New(apperrors.ErrCodeAmfDecode, fmt.Sprintf("amf0: cannot encode value type %d", v.Type))
	}
}

// EncodeValues writes each value in order, as a top-level sequence.
func (e *Encoder) EncodeValues(values ...Value) error {
	for _, v := range values {
		if err := e.EncodeValue(v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeNumber(n float64) error {
	if err := e.writeByte(amf0Number); err != nil {
		return err
	}
	return binary.Write(e.w, binary.BigEndian, math.Float64bits(n))
}

func (e *Encoder) encodeBoolean(b bool) error {
	if err := e.writeByte(amf0Boolean); err != nil {
		return err
	}
	if b {
		return e.writeByte(0x01)
	}
	return e.writeByte(0x00)
}

func (e *Encoder) encodeString(s string) error {
	if len(s) > 0xFFFF {
		return e.encodeLongString(s)
	}
	if err := e.writeByte(amf0String); err != nil {
		return err
	}
	return e.writeShortString(s)
}

func (e *Encoder) encodeLongString(s string) error {
	if err := e.writeByte(amf0LongString); err != nil {
		return err
	}
	if err := binary.Write(e.w, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

// writeShortString writes a bare u16-length-prefixed string with no type
// marker; used both for top-level strings and for object property names.
func (e *Encoder) writeShortString(s string) error {
	if err := binary.Write(e.w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeObject(o *ObjectValue) error {
	if err := e.writeByte(amf0Object); err != nil {
		return err
	}
	return e.encodeMemberList(o)
}

func (e *Encoder) encodeEcmaArray(o *ObjectValue) error {
	if err := e.writeByte(amf0EcmaArray); err != nil {
		return err
	}
	count := uint32(0)
	if o != nil {
		count = uint32(len(o.Pairs))
	}
	if err := binary.Write(e.w, binary.BigEndian, count); err != nil {
		return err
	}
	return e.encodeMemberList(o)
}

func (e *Encoder) encodeMemberList(o *ObjectValue) error {
	if o != nil {
		for _, p := range o.Pairs {
			if err := e.writeShortString(p.Key); err != nil {
				return err
			}
			if err := e.EncodeValue(p.Value); err != nil {
				return err
			}
		}
	}
	if err := binary.Write(e.w, binary.BigEndian, uint16(0)); err != nil {
		return err
	}
	return e.writeByte(amf0ObjectEnd)
}

func (e *Encoder) encodeStrictArray(items []Value) error {
	if err := e.writeByte(amf0StrictArray); err != nil {
		return err
	}
	if err := binary.Write(e.w, binary.BigEndian, uint32(len(items))); err != nil {
		return err
	}
	for _, it := range items {
		if err := e.EncodeValue(it); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeDate(millis float64) error {
	if err := e.writeByte(amf0Date); err != nil {
		return err
	}
	if err := binary.Write(e.w, binary.BigEndian, math.Float64bits(millis)); err != nil {
		return err
	}
	return binary.Write(e.w, binary.BigEndian, int16(0))
}

func (e *Encoder) writeByte(b byte) error {
	_, err := e.w.Write([]byte{b})
	return err
}

// Decoder reads a sequence of AMF0 values from an io.Reader.
type Decoder struct {
	r io.Reader
}

// NewDecoder creates an AMF0 decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// DecodeValue reads one top-level value.
func (d *Decoder) DecodeValue() (Value, error) {
	marker, err := d.readByte()
	if err != nil {
		return Value{}, err
	}
	return d.decodeByMarker(marker)
}

// DecodeAll reads values until the underlying reader is exhausted.
func (d *Decoder) DecodeAll() ([]Value, error) {
	var values []Value
	for {
		v, err := d.DecodeValue()
		if err != nil {
			if err == io.EOF {
				return values, nil
			}
			return values, err
		}
		values = append(values, v)
	}
}

func (d *Decoder) decodeByMarker(marker byte) (Value, error) {
	switch marker {
	case amf0Number:
		return d.decodeNumber()
	case amf0Boolean:
		return d.decodeBoolean()
	case amf0String:
		s, err := d.readShortString()
		if err != nil {
			return Value{}, err
		}
		return Str(s), nil
	case amf0LongString:
		s, err := d.decodeLongString()
		if err != nil {
			return Value{}, err
		}
		return LongStr(s), nil
	case amf0Object:
		o, err := d.decodeMemberList()
		if err != nil {
			return Value{}, err
		}
		return Obj(o), nil
	case amf0EcmaArray:
		o, err := d.decodeEcmaArray()
		if err != nil {
			return Value{}, err
		}
		return EcmaArr(o), nil
	case amf0StrictArray:
		return d.decodeStrictArray()
	case amf0Null:
		return Null(), nil
	case amf0Undefined:
		return Undefined(), nil
	case amf0Date:
		return d.decodeDate()
	case amf0ObjectEnd:
		return Value{}, apperrors.New(apperrors.ErrCodeAmfDecode, "amf0: unexpected object-end marker")
	default:
		return Value{}, apperrors.New(apperrors.ErrCodeAmfDecode, fmt.Sprintf("amf0: unknown marker 0x%02x", marker))
	}
}

func (d *Decoder) decodeNumber() (Value, error) {
	var bits uint64
	if err := binary.Read(d.r, binary.BigEndian, &bits); err != nil {
		return Value{}, wrapAmfIOError(err)
	}
	return Num(math.Float64frombits(bits)), nil
}

func (d *Decoder) decodeBoolean() (Value, error) {
	b, err := d.readByte()
	if err != nil {
		return Value{}, err
	}
	return Bool(b != 0), nil
}

func (d *Decoder) decodeDate() (Value, error) {
	var bits uint64
	if err := binary.Read(d.r, binary.BigEndian, &bits); err != nil {
		return Value{}, wrapAmfIOError(err)
	}
	var tz int16
	if err := binary.Read(d.r, binary.BigEndian, &tz); err != nil {
		return Value{}, wrapAmfIOError(err)
	}
	v := Date(math.Float64frombits(bits))
	v.dateTZ = tz
	return v, nil
}

func (d *Decoder) readShortString() (string, error) {
	var length uint16
	if err := binary.Read(d.r, binary.BigEndian, &length); err != nil {
		return "", wrapAmfIOError(err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", wrapAmfIOError(err)
	}
	if !utf8.Valid(buf) {
		return "", apperrors.New(apperrors.ErrCodeAmfDecode, "amf0: invalid utf-8 in string")
	}
	return string(buf), nil
}

func (d *Decoder) decodeLongString() (string, error) {
	var length uint32
	if err := binary.Read(d.r, binary.BigEndian, &length); err != nil {
		return "", wrapAmfIOError(err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", wrapAmfIOError(err)
	}
	if !utf8.Valid(buf) {
		return "", apperrors.New(apperrors.ErrCodeAmfDecode, "amf0: invalid utf-8 in long string")
	}
	return string(buf), nil
}

// decodeMemberList reads (key, value) pairs until it observes the
// empty-key + object-end sentinel. It trusts the sentinel, never a
// count, .
func (d *Decoder) decodeMemberList() (*ObjectValue, error) {
	o := &ObjectValue{}
	for {
		key, err := d.readShortString()
		if err != nil {
			return nil, err
		}
		if key == "" {
			marker, err := d.readByte()
			if err != nil {
				return nil, err
			}
			if marker != amf0ObjectEnd {
				return nil, apperrors.New(apperrors.ErrCodeAmfDecode, fmt.Sprintf("amf0: expected object-end marker, got 0x%02x", marker))
			}
			return o, nil
		}
		val, err := d.DecodeValue()
		if err != nil {
			return nil, err
		}
		o.Set(key, val)
	}
}

// decodeEcmaArray reads the advisory count and then a member list. The
// count MAY disagree with the decoded pair count; only the
// end marker governs termination.
func (d *Decoder) decodeEcmaArray() (*ObjectValue, error) {
	var count uint32
	if err := binary.Read(d.r, binary.BigEndian, &count); err != nil {
		return nil, wrapAmfIOError(err)
	}
	return d.decodeMemberList()
}

func (d *Decoder) decodeStrictArray() (Value, error) {
	var count uint32
	if err := binary.Read(d.r, binary.BigEndian, &count); err != nil {
		return Value{}, wrapAmfIOError(err)
	}
	items := make([]Value, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := d.DecodeValue()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
	return StrictArr(items...), nil
}

func (d *Decoder) readByte() (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, apperrors.Wrap(apperrors.ErrCodeAmfDecode, "amf0: truncated input", err)
		}
		return 0, err
	}
	return buf[0], nil
}

func wrapAmfIOError(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return apperrors.Wrap(apperrors.ErrCodeAmfDecode, "amf0: truncated input", err)
	}
	return err
}
