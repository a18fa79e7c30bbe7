// Package flv implements an FLV muxer with enhanced RTMP video codecs.
package flv

import (
	"encoding/binary"

	"github.com/Eyevinn/streammux/internal/bitio"
)

// Tag types.
const (
	TagTypeAudio  = 8
	TagTypeVideo  = 9
	TagTypeScript = 18
)

// Video frame types and packet types.
const (
	FrameTypeKey   = 1
	FrameTypeInter = 2

	CodecIDAVC = 7

	AVCPacketTypeSequenceHeader = 0
	AVCPacketTypeNALU           = 1

	PacketTypeSequenceStart = 0
	PacketTypeCodedFrames   = 1
)

// AAC audio settings: sound format 10, 44 kHz, 16 bit, stereo. The real values are in the
// AudioSpecificConfig.
const (
	aacSoundHeader = 10<<4 | 3<<2 | 1<<1 | 1

	AACPacketTypeSequenceHeader = 0
	AACPacketTypeRaw            = 1
)

const (
	tagHeaderSize       = 11
	previousTagSizeSize = 4
)

// FileHeader is the 9 byte FLV header followed by PreviousTagSize0.
type FileHeader struct {
	HasAudio bool
	HasVideo bool
}

func (FileHeader) Size() int {
	return 9 + previousTagSizeSize
}

func (h FileHeader) Write(w *bitio.Writer) {
	w.WriteString("FLV", false)
	w.WriteUint8(1)
	w.WriteBits(0, 5)
	w.WriteFlag(h.HasAudio)
	w.WriteFlag(false)
	w.WriteFlag(h.HasVideo)
	w.WriteUint32(9)
	w.WriteUint32(0)
}

// Tag is an FLV tag without its trailing PreviousTagSize.
type Tag struct {
	Type      byte
	Timestamp uint32 // ms
	Body      bitio.Serializable
}

func (t Tag) Size() int {
	return tagHeaderSize + t.Body.Size()
}

func (t Tag) Write(w *bitio.Writer) {
	w.WriteUint8(t.Type)
	w.WriteUint24(uint32(t.Body.Size()))
	w.WriteUint24(t.Timestamp & 0xFFFFFF)
	w.WriteUint8(byte(t.Timestamp >> 24))
	w.WriteUint24(0) // stream id
	t.Body.Write(w)
}

// marshalTag returns the tag followed by its PreviousTagSize.
func marshalTag(t Tag) []byte {
	size := t.Size()
	out := make([]byte, size+previousTagSizeSize)
	bitio.MarshalTo(t, out)
	binary.BigEndian.PutUint32(out[size:], uint32(size))
	return out
}

type rawData []byte

func (r rawData) Size() int              { return len(r) }
func (r rawData) Write(w *bitio.Writer) { w.WriteBytes(r) }

// AVCVideoBody is a classic video tag body with codec id 7.
type AVCVideoBody struct {
	FrameType       byte
	PacketType      byte
	CompositionTime int32 // ms
	Data            bitio.Serializable
}

func (b AVCVideoBody) Size() int {
	return 5 + b.Data.Size()
}

func (b AVCVideoBody) Write(w *bitio.Writer) {
	w.WriteBits(uint64(b.FrameType), 4)
	w.WriteBits(CodecIDAVC, 4)
	w.WriteUint8(b.PacketType)
	w.WriteUint24(uint32(b.CompositionTime) & 0xFFFFFF)
	b.Data.Write(w)
}

// ExVideoBody is an enhanced RTMP video tag body identified by a FourCC.
type ExVideoBody struct {
	FrameType       byte
	PacketType      byte
	FourCC          string
	CompositionTime int32 // ms, only written when HasCompositionTime
	// HasCompositionTime is set for HEVC coded frames.
	HasCompositionTime bool
	Data               bitio.Serializable
}

func (b ExVideoBody) Size() int {
	n := 5 + b.Data.Size()
	if b.HasCompositionTime {
		n += 3
	}
	return n
}

func (b ExVideoBody) Write(w *bitio.Writer) {
	w.WriteFlag(true) // IsExHeader
	w.WriteBits(uint64(b.FrameType), 3)
	w.WriteBits(uint64(b.PacketType), 4)
	w.WriteFourCC(b.FourCC)
	if b.HasCompositionTime {
		w.WriteUint24(uint32(b.CompositionTime) & 0xFFFFFF)
	}
	b.Data.Write(w)
}

// AACAudioBody is an audio tag body with sound format 10.
type AACAudioBody struct {
	PacketType byte
	Data       bitio.Serializable
}

func (b AACAudioBody) Size() int {
	return 2 + b.Data.Size()
}

func (b AACAudioBody) Write(w *bitio.Writer) {
	w.WriteUint8(aacSoundHeader)
	w.WriteUint8(b.PacketType)
	b.Data.Write(w)
}
