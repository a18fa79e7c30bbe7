// Package bitio writes bit and byte aligned fields into pre-sized buffers.
//
// Every serializable structure in the module first computes its size and is then written into
// a buffer of exactly that size. Writing past the end of the buffer is a programming error and
// panics with common.ErrBufferOverflow.
package bitio

import (
	"fmt"
	"math"

	"github.com/Eyevinn/streammux/common"
)

// Serializable is implemented by every table, tag, box and record.
type Serializable interface {
	// Size returns the number of bytes Write will produce.
	Size() int
	// Write serializes into w, consuming exactly Size() bytes.
	Write(w *Writer)
}

// Marshal allocates Size() bytes and writes s into them.
func Marshal(s Serializable) []byte {
	w := NewWriter(s.Size())
	s.Write(w)
	w.MustBeFull()
	return w.Bytes()
}

// MarshalTo writes s at the start of buf and returns the number of bytes written.
func MarshalTo(s Serializable, buf []byte) int {
	size := s.Size()
	w := NewWriterFromSlice(buf[:size])
	s.Write(w)
	w.MustBeFull()
	return size
}

// Writer writes into a fixed slice. Bit writes are accumulated MSB first and flushed on byte
// boundaries.
type Writer struct {
	buf  []byte
	off  int
	acc  uint64
	nAcc int
}

func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, size)}
}

func NewWriterFromSlice(buf []byte) *Writer {
	return &Writer{buf: buf}
}

func (w *Writer) overflow(n int) {
	panic(fmt.Errorf("%w: writing %d bytes at offset %d of %d", common.ErrBufferOverflow, n, w.off, len(w.buf)))
}

func (w *Writer) reserve(n int) []byte {
	if w.nAcc != 0 {
		panic(fmt.Errorf("%w: byte write with %d pending bits", common.ErrBufferOverflow, w.nAcc))
	}
	if w.off+n > len(w.buf) {
		w.overflow(n)
	}
	b := w.buf[w.off : w.off+n]
	w.off += n
	return b
}

// WriteBits writes the n least significant bits of v, 1 <= n <= 64.
func (w *Writer) WriteBits(v uint64, n int) {
	if n < 1 || n > 64 {
		panic(fmt.Errorf("bitio: invalid bit count %d", n))
	}
	for n > 0 {
		free := 8 - w.nAcc
		take := n
		if take > free {
			take = free
		}
		chunk := (v >> uint(n-take)) & (1<<uint(take) - 1)
		w.acc = w.acc<<uint(take) | chunk
		w.nAcc += take
		n -= take
		if w.nAcc == 8 {
			if w.off >= len(w.buf) {
				w.overflow(1)
			}
			w.buf[w.off] = byte(w.acc)
			w.off++
			w.acc, w.nAcc = 0, 0
		}
	}
}

func (w *Writer) WriteFlag(f bool) {
	if f {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

// Align pads to the next byte boundary with zero or one bits.
func (w *Writer) Align(ones bool) {
	if w.nAcc == 0 {
		return
	}
	n := 8 - w.nAcc
	if ones {
		w.WriteBits(1<<uint(n)-1, n)
	} else {
		w.WriteBits(0, n)
	}
}

func (w *Writer) WriteUint8(v uint8) {
	w.reserve(1)[0] = v
}

func (w *Writer) WriteUint16(v uint16) {
	b := w.reserve(2)
	b[0], b[1] = byte(v>>8), byte(v)
}

func (w *Writer) WriteUint24(v uint32) {
	b := w.reserve(3)
	b[0], b[1], b[2] = byte(v>>16), byte(v>>8), byte(v)
}

func (w *Writer) WriteUint32(v uint32) {
	b := w.reserve(4)
	b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

func (w *Writer) WriteUint48(v uint64) {
	b := w.reserve(6)
	for i := 0; i < 6; i++ {
		b[i] = byte(v >> uint(40-8*i))
	}
}

func (w *Writer) WriteUint64(v uint64) {
	b := w.reserve(8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

func (w *Writer) WriteInt16(v int16) { w.WriteUint16(uint16(v)) }
func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

// WriteFloat64 writes an IEEE-754 double, big endian.
func (w *Writer) WriteFloat64(f float64) {
	w.WriteUint64(math.Float64bits(f))
}

// WriteFixed16_16 writes a signed 16.16 fixed point number.
func (w *Writer) WriteFixed16_16(f float64) {
	w.WriteInt32(int32(math.Round(f * (1 << 16))))
}

// WriteFixed8_8 writes a signed 8.8 fixed point number.
func (w *Writer) WriteFixed8_8(f float64) {
	w.WriteInt16(int16(math.Round(f * (1 << 8))))
}

// WriteFixed2_30 writes a signed 2.30 fixed point number.
func (w *Writer) WriteFixed2_30(f float64) {
	w.WriteInt32(int32(math.Round(f * (1 << 30))))
}

func (w *Writer) WriteBytes(p []byte) {
	copy(w.reserve(len(p)), p)
}

// WriteRepeated writes n copies of b.
func (w *Writer) WriteRepeated(b byte, n int) {
	dst := w.reserve(n)
	for i := range dst {
		dst[i] = b
	}
}

func (w *Writer) WriteZeros(n int) {
	w.WriteRepeated(0, n)
}

// WriteString writes s, followed by a NUL byte when nulTerminated.
func (w *Writer) WriteString(s string, nulTerminated bool) {
	copy(w.reserve(len(s)), s)
	if nulTerminated {
		w.WriteUint8(0)
	}
}

// WriteFourCC writes a four character code. Shorter codes are padded with spaces.
func (w *Writer) WriteFourCC(code string) {
	b := w.reserve(4)
	for i := range b {
		if i < len(code) {
			b[i] = code[i]
		} else {
			b[i] = ' '
		}
	}
}

func (w *Writer) WriteMatrix(m Matrix) {
	m.Write(w)
}

// Offset is the number of complete bytes written.
func (w *Writer) Offset() int {
	return w.off
}

// Len is the capacity declared at construction.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Remaining() int {
	return len(w.buf) - w.off
}

// Bytes returns the written part of the buffer.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.off]
}

// MustBeFull panics unless every declared byte has been written.
func (w *Writer) MustBeFull() {
	if w.nAcc != 0 || w.off != len(w.buf) {
		panic(fmt.Errorf("%w: wrote %d bytes and %d bits, declared %d", common.ErrBufferOverflow, w.off, w.nAcc, len(w.buf)))
	}
}
