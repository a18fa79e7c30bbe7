package mp4

import (
	"github.com/Eyevinn/streammux/internal/bitio"
)

// SttsEntry is a run of samples with the same duration.
type SttsEntry struct {
	Count uint32
	Delta uint32
}

type SttsBox struct {
	Entries []SttsEntry
}

func (b *SttsBox) Size() int { return fullBoxHeaderSize + 4 + 8*len(b.Entries) }

func (b *SttsBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "stts", 0, 0)
	w.WriteUint32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		w.WriteUint32(e.Count)
		w.WriteUint32(e.Delta)
	}
}

type CttsEntry struct {
	Count  uint32
	Offset int32
}

// CttsBox switches to version 1 when an offset is negative.
type CttsBox struct {
	Entries []CttsEntry
}

func (b *CttsBox) Size() int { return fullBoxHeaderSize + 4 + 8*len(b.Entries) }

func (b *CttsBox) Write(w *bitio.Writer) {
	var version byte
	for _, e := range b.Entries {
		if e.Offset < 0 {
			version = 1
			break
		}
	}
	writeFullBoxHeader(w, b.Size(), "ctts", version, 0)
	w.WriteUint32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		w.WriteUint32(e.Count)
		w.WriteInt32(e.Offset)
	}
}

type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

type StscBox struct {
	Entries []StscEntry
}

// NewStscBox run-length compresses the number of samples of each chunk.
func NewStscBox(samplesPerChunk []uint32) *StscBox {
	b := &StscBox{}
	for i, n := range samplesPerChunk {
		if len(b.Entries) > 0 && b.Entries[len(b.Entries)-1].SamplesPerChunk == n {
			continue
		}
		b.Entries = append(b.Entries, StscEntry{FirstChunk: uint32(i + 1), SamplesPerChunk: n, SampleDescriptionIndex: 1})
	}
	return b
}

func (b *StscBox) Size() int { return fullBoxHeaderSize + 4 + 12*len(b.Entries) }

func (b *StscBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "stsc", 0, 0)
	w.WriteUint32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		w.WriteUint32(e.FirstChunk)
		w.WriteUint32(e.SamplesPerChunk)
		w.WriteUint32(e.SampleDescriptionIndex)
	}
}

type StszBox struct {
	SampleSizes []uint32
}

func (b *StszBox) Size() int { return fullBoxHeaderSize + 8 + 4*len(b.SampleSizes) }

func (b *StszBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "stsz", 0, 0)
	w.WriteUint32(0)
	w.WriteUint32(uint32(len(b.SampleSizes)))
	for _, s := range b.SampleSizes {
		w.WriteUint32(s)
	}
}

// ChunkOffsetBox is stco, or co64 when Large.
type ChunkOffsetBox struct {
	Large   bool
	Offsets []uint64
}

func (b *ChunkOffsetBox) Size() int {
	width := 4
	if b.Large {
		width = 8
	}
	return fullBoxHeaderSize + 4 + width*len(b.Offsets)
}

func (b *ChunkOffsetBox) Write(w *bitio.Writer) {
	boxType := "stco"
	if b.Large {
		boxType = "co64"
	}
	writeFullBoxHeader(w, b.Size(), boxType, 0, 0)
	w.WriteUint32(uint32(len(b.Offsets)))
	for _, o := range b.Offsets {
		if b.Large {
			w.WriteUint64(o)
		} else {
			w.WriteUint32(uint32(o))
		}
	}
}

// StssBox lists the 1-based numbers of the sync samples.
type StssBox struct {
	SampleNumbers []uint32
}

func (b *StssBox) Size() int { return fullBoxHeaderSize + 4 + 4*len(b.SampleNumbers) }

func (b *StssBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "stss", 0, 0)
	w.WriteUint32(uint32(len(b.SampleNumbers)))
	for _, n := range b.SampleNumbers {
		w.WriteUint32(n)
	}
}

type TrexBox struct {
	TrackID uint32
}

func (b *TrexBox) Size() int { return fullBoxHeaderSize + 20 }

func (b *TrexBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "trex", 0, 0)
	w.WriteUint32(b.TrackID)
	w.WriteUint32(1) // default_sample_description_index
	w.WriteUint32(0)
	w.WriteUint32(0)
	w.WriteUint32(0)
}

// MdatHeader is the header of a media data box. The payload is written separately.
type MdatHeader struct {
	PayloadSize uint64
}

func (h MdatHeader) large() bool {
	return h.PayloadSize+boxHeaderSize > 0xFFFFFFFF
}

func (h MdatHeader) Size() int {
	if h.large() {
		return 16
	}
	return boxHeaderSize
}

func (h MdatHeader) Write(w *bitio.Writer) {
	if h.large() {
		w.WriteUint32(1)
		w.WriteFourCC("mdat")
		w.WriteUint64(h.PayloadSize + 16)
		return
	}
	writeBoxHeader(w, int(h.PayloadSize)+boxHeaderSize, "mdat")
}
