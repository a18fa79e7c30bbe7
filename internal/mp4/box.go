// Package mp4 writes progressive and fragmented ISO BMFF files.
package mp4

import (
	"math"

	"github.com/Eyevinn/streammux/internal/bitio"
)

const (
	boxHeaderSize     = 8
	fullBoxHeaderSize = 12
)

func writeBoxHeader(w *bitio.Writer, size int, boxType string) {
	w.WriteUint32(uint32(size))
	w.WriteFourCC(boxType)
}

func writeFullBoxHeader(w *bitio.Writer, size int, boxType string, version byte, flags uint32) {
	writeBoxHeader(w, size, boxType)
	w.WriteUint8(version)
	w.WriteUint24(flags)
}

// ContainerBox is a box holding only child boxes.
type ContainerBox struct {
	Type     string
	Children []bitio.Serializable
}

func NewContainer(boxType string, children ...bitio.Serializable) *ContainerBox {
	return &ContainerBox{Type: boxType, Children: children}
}

func (b *ContainerBox) Add(child bitio.Serializable) {
	b.Children = append(b.Children, child)
}

func (b *ContainerBox) Size() int {
	n := boxHeaderSize
	for _, c := range b.Children {
		n += c.Size()
	}
	return n
}

func (b *ContainerBox) Write(w *bitio.Writer) {
	writeBoxHeader(w, b.Size(), b.Type)
	for _, c := range b.Children {
		c.Write(w)
	}
}

// PayloadBox wraps a record, like avcC, hvcC, av1C or dOps, in a plain box.
type PayloadBox struct {
	Type    string
	Payload bitio.Serializable
}

func (b *PayloadBox) Size() int {
	return boxHeaderSize + b.Payload.Size()
}

func (b *PayloadBox) Write(w *bitio.Writer) {
	writeBoxHeader(w, b.Size(), b.Type)
	b.Payload.Write(w)
}

// FullPayloadBox wraps a record in a full box, as vpcC does.
type FullPayloadBox struct {
	Type    string
	Version byte
	Flags   uint32
	Payload bitio.Serializable
}

func (b *FullPayloadBox) Size() int {
	return fullBoxHeaderSize + b.Payload.Size()
}

func (b *FullPayloadBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), b.Type, b.Version, b.Flags)
	b.Payload.Write(w)
}

type FtypBox struct {
	MajorBrand       string
	MinorVersion     uint32
	CompatibleBrands []string
}

func (b *FtypBox) Size() int {
	return boxHeaderSize + 8 + 4*len(b.CompatibleBrands)
}

func (b *FtypBox) Write(w *bitio.Writer) {
	writeBoxHeader(w, b.Size(), "ftyp")
	w.WriteFourCC(b.MajorBrand)
	w.WriteUint32(b.MinorVersion)
	for _, c := range b.CompatibleBrands {
		w.WriteFourCC(c)
	}
}

// timeVersion is 1 when a duration needs the 64-bit fields of mvhd, tkhd and mdhd.
func timeVersion(duration uint64) byte {
	if duration > math.MaxUint32 {
		return 1
	}
	return 0
}

// writeTimes writes creation and modification time as zero, with 64-bit fields in version 1.
func writeTimes(w *bitio.Writer, version byte) {
	if version == 1 {
		w.WriteUint64(0)
		w.WriteUint64(0)
		return
	}
	w.WriteUint32(0)
	w.WriteUint32(0)
}

func writeDuration(w *bitio.Writer, version byte, d uint64) {
	if version == 1 {
		w.WriteUint64(d)
		return
	}
	w.WriteUint32(uint32(d))
}

// MvhdBox is written as version 1 only when the duration does not fit 32 bits.
type MvhdBox struct {
	Timescale   uint32
	Duration    uint64
	NextTrackID uint32
}

func (b *MvhdBox) Size() int {
	return fullBoxHeaderSize + 96 + 12*int(timeVersion(b.Duration))
}

func (b *MvhdBox) Write(w *bitio.Writer) {
	v := timeVersion(b.Duration)
	writeFullBoxHeader(w, b.Size(), "mvhd", v, 0)
	writeTimes(w, v)
	w.WriteUint32(b.Timescale)
	writeDuration(w, v, b.Duration)
	w.WriteFixed16_16(1) // rate
	w.WriteFixed8_8(1)   // volume
	w.WriteZeros(10)
	w.WriteMatrix(bitio.IdentityMatrix)
	w.WriteZeros(24)
	w.WriteUint32(b.NextTrackID)
}

const tkhdEnabledInMovie = 0x000003

type TkhdBox struct {
	TrackID  uint32
	Duration uint64
	Volume   float64
	Width    int
	Height   int
	Matrix   bitio.Matrix
}

func (b *TkhdBox) Size() int {
	return fullBoxHeaderSize + 80 + 12*int(timeVersion(b.Duration))
}

func (b *TkhdBox) Write(w *bitio.Writer) {
	v := timeVersion(b.Duration)
	writeFullBoxHeader(w, b.Size(), "tkhd", v, tkhdEnabledInMovie)
	writeTimes(w, v)
	w.WriteUint32(b.TrackID)
	w.WriteUint32(0)
	writeDuration(w, v, b.Duration)
	w.WriteZeros(8)
	w.WriteUint16(0) // layer
	w.WriteUint16(0) // alternate_group
	w.WriteFixed8_8(b.Volume)
	w.WriteUint16(0)
	w.WriteMatrix(b.Matrix)
	w.WriteFixed16_16(float64(b.Width))
	w.WriteFixed16_16(float64(b.Height))
}

type MdhdBox struct {
	Timescale uint32
	Duration  uint64
}

func (b *MdhdBox) Size() int {
	return fullBoxHeaderSize + 20 + 12*int(timeVersion(b.Duration))
}

// packed ISO-639-2/T code "und"
const languageUndetermined = 0x55C4

func (b *MdhdBox) Write(w *bitio.Writer) {
	v := timeVersion(b.Duration)
	writeFullBoxHeader(w, b.Size(), "mdhd", v, 0)
	writeTimes(w, v)
	w.WriteUint32(b.Timescale)
	writeDuration(w, v, b.Duration)
	w.WriteUint16(languageUndetermined)
	w.WriteUint16(0)
}

type HdlrBox struct {
	HandlerType string
	Name        string
}

func (b *HdlrBox) Size() int {
	return fullBoxHeaderSize + 20 + len(b.Name) + 1
}

func (b *HdlrBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "hdlr", 0, 0)
	w.WriteUint32(0)
	w.WriteFourCC(b.HandlerType)
	w.WriteZeros(12)
	w.WriteString(b.Name, true)
}

type VmhdBox struct{}

func (VmhdBox) Size() int { return fullBoxHeaderSize + 8 }

func (b VmhdBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "vmhd", 0, 1)
	w.WriteZeros(8) // graphicsmode, opcolor
}

type SmhdBox struct{}

func (SmhdBox) Size() int { return fullBoxHeaderSize + 4 }

func (b SmhdBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "smhd", 0, 0)
	w.WriteZeros(4)
}

// DrefBox has a single self-contained url entry.
type DrefBox struct{}

func (DrefBox) Size() int { return fullBoxHeaderSize + 4 + fullBoxHeaderSize }

func (b DrefBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "dref", 0, 0)
	w.WriteUint32(1)
	writeFullBoxHeader(w, fullBoxHeaderSize, "url ", 0, 1)
}

type StsdBox struct {
	Entries []bitio.Serializable
}

func (b *StsdBox) Size() int {
	n := fullBoxHeaderSize + 4
	for _, e := range b.Entries {
		n += e.Size()
	}
	return n
}

func (b *StsdBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "stsd", 0, 0)
	w.WriteUint32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		e.Write(w)
	}
}

// VisualSampleEntry is avc1, hvc1, vp09 or av01 with its configuration box.
type VisualSampleEntry struct {
	Type   string
	Width  int
	Height int
	Config bitio.Serializable
}

func (e *VisualSampleEntry) Size() int {
	return boxHeaderSize + 78 + e.Config.Size()
}

func (e *VisualSampleEntry) Write(w *bitio.Writer) {
	writeBoxHeader(w, e.Size(), e.Type)
	w.WriteZeros(6)
	w.WriteUint16(1) // data_reference_index
	w.WriteZeros(16)
	w.WriteUint16(uint16(e.Width))
	w.WriteUint16(uint16(e.Height))
	w.WriteFixed16_16(72)
	w.WriteFixed16_16(72)
	w.WriteUint32(0)
	w.WriteUint16(1) // frame_count
	w.WriteZeros(32) // compressorname
	w.WriteUint16(0x0018)
	w.WriteInt16(-1)
	e.Config.Write(w)
}

// AudioSampleEntry is mp4a or Opus with its configuration box.
type AudioSampleEntry struct {
	Type         string
	ChannelCount int
	SampleSize   int
	SampleRate   int
	Config       bitio.Serializable
}

func (e *AudioSampleEntry) Size() int {
	return boxHeaderSize + 28 + e.Config.Size()
}

func (e *AudioSampleEntry) Write(w *bitio.Writer) {
	writeBoxHeader(w, e.Size(), e.Type)
	w.WriteZeros(6)
	w.WriteUint16(1)
	w.WriteZeros(8)
	w.WriteUint16(uint16(e.ChannelCount))
	w.WriteUint16(uint16(e.SampleSize))
	w.WriteZeros(4)
	rate := e.SampleRate
	if rate > 0xFFFF {
		rate = 0
	}
	w.WriteUint32(uint32(rate) << 16)
	e.Config.Write(w)
}

// EsdsBox carries the AudioSpecificConfig in an MPEG-4 ES descriptor.
type EsdsBox struct {
	ESID       uint16
	MaxBitrate uint32
	AvgBitrate uint32
	ASC        []byte
}

const (
	esDescrTag            = 0x03
	decoderConfigDescrTag = 0x04
	decSpecificInfoTag    = 0x05
	slConfigDescrTag      = 0x06
	objectTypeAudioISO    = 0x40
	streamTypeAudio       = 0x05
)

func (b *EsdsBox) decSpecificLen() int { return len(b.ASC) }
func (b *EsdsBox) decConfigLen() int   { return 13 + 2 + b.decSpecificLen() }
func (b *EsdsBox) esLen() int          { return 3 + 2 + b.decConfigLen() + 3 }

func (b *EsdsBox) Size() int {
	return fullBoxHeaderSize + 2 + b.esLen()
}

// Descriptor lengths are below 128 and fit one byte.
func (b *EsdsBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "esds", 0, 0)
	w.WriteUint8(esDescrTag)
	w.WriteUint8(byte(b.esLen()))
	w.WriteUint16(b.ESID)
	w.WriteUint8(0) // flags
	w.WriteUint8(decoderConfigDescrTag)
	w.WriteUint8(byte(b.decConfigLen()))
	w.WriteUint8(objectTypeAudioISO)
	w.WriteUint8(streamTypeAudio<<2 | 1)
	w.WriteUint24(0) // bufferSizeDB
	w.WriteUint32(b.MaxBitrate)
	w.WriteUint32(b.AvgBitrate)
	w.WriteUint8(decSpecificInfoTag)
	w.WriteUint8(byte(b.decSpecificLen()))
	w.WriteBytes(b.ASC)
	w.WriteUint8(slConfigDescrTag)
	w.WriteUint8(1)
	w.WriteUint8(0x02)
}
