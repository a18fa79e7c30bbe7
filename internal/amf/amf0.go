// Package amf encodes the AMF0 values carried in FLV script data tags.
package amf

import (
	"github.com/Eyevinn/streammux/internal/bitio"
)

// AMF0 type markers
const (
	numberMarker      = 0x00
	booleanMarker     = 0x01
	stringMarker      = 0x02
	objectMarker      = 0x03
	nullMarker        = 0x05
	ecmaArrayMarker   = 0x08
	objectEndMarker   = 0x09
	strictArrayMarker = 0x0A
	longStringMarker  = 0x0C
)

// Value is an AMF0 value.
type Value interface {
	bitio.Serializable
}

type Number float64

func (Number) Size() int { return 9 }

func (n Number) Write(w *bitio.Writer) {
	w.WriteUint8(numberMarker)
	w.WriteFloat64(float64(n))
}

type Boolean bool

func (Boolean) Size() int { return 2 }

func (b Boolean) Write(w *bitio.Writer) {
	w.WriteUint8(booleanMarker)
	if b {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

// String is written as a long string when it does not fit a 16 bit length.
type String string

func (s String) long() bool {
	return len(s) > 0xFFFF
}

func (s String) Size() int {
	if s.long() {
		return 5 + len(s)
	}
	return 3 + len(s)
}

func (s String) Write(w *bitio.Writer) {
	if s.long() {
		w.WriteUint8(longStringMarker)
		w.WriteUint32(uint32(len(s)))
	} else {
		w.WriteUint8(stringMarker)
		w.WriteUint16(uint16(len(s)))
	}
	w.WriteString(string(s), false)
}

type Null struct{}

func (Null) Size() int { return 1 }

func (Null) Write(w *bitio.Writer) {
	w.WriteUint8(nullMarker)
}

// Property is a key/value pair of an Object or ECMA array. Keys are limited to 65535 bytes.
type Property struct {
	Key   string
	Value Value
}

func (p Property) Size() int {
	return 2 + len(p.Key) + p.Value.Size()
}

func (p Property) Write(w *bitio.Writer) {
	w.WriteUint16(uint16(len(p.Key)))
	w.WriteString(p.Key, false)
	p.Value.Write(w)
}

func propertiesSize(props []Property) int {
	size := 3 // end marker
	for _, p := range props {
		size += p.Size()
	}
	return size
}

func writeProperties(w *bitio.Writer, props []Property) {
	for _, p := range props {
		p.Write(w)
	}
	w.WriteUint16(0)
	w.WriteUint8(objectEndMarker)
}

// Object is an anonymous object with ordered properties.
type Object []Property

func (o Object) Size() int {
	return 1 + propertiesSize(o)
}

func (o Object) Write(w *bitio.Writer) {
	w.WriteUint8(objectMarker)
	writeProperties(w, o)
}

// ECMAArray is an associative array with ordered properties.
type ECMAArray []Property

func (a ECMAArray) Size() int {
	return 5 + propertiesSize(a)
}

func (a ECMAArray) Write(w *bitio.Writer) {
	w.WriteUint8(ecmaArrayMarker)
	w.WriteUint32(uint32(len(a)))
	writeProperties(w, a)
}

type StrictArray []Value

func (a StrictArray) Size() int {
	size := 5
	for _, v := range a {
		size += v.Size()
	}
	return size
}

func (a StrictArray) Write(w *bitio.Writer) {
	w.WriteUint8(strictArrayMarker)
	w.WriteUint32(uint32(len(a)))
	for _, v := range a {
		v.Write(w)
	}
}

// Sequence is a concatenation of values, as in a script data body.
type Sequence []Value

func (s Sequence) Size() int {
	size := 0
	for _, v := range s {
		size += v.Size()
	}
	return size
}

func (s Sequence) Write(w *bitio.Writer) {
	for _, v := range s {
		v.Write(w)
	}
}
