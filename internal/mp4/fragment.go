package mp4

import (
	"github.com/Eyevinn/streammux/internal/bitio"
)

// Sample flags of ISO/IEC 14496-12 8.8.3.1.
const (
	SampleFlagsSync    uint32 = 0x02000000 // sample_depends_on = 2
	SampleFlagsNonSync uint32 = 0x01010000 // sample_depends_on = 1, is_non_sync_sample
)

const (
	tfhdDefaultSampleDuration = 0x000008
	tfhdDefaultSampleFlags    = 0x000020
	tfhdDefaultBaseIsMoof     = 0x020000

	trunDataOffset       = 0x000001
	trunFirstSampleFlags = 0x000004
	trunSampleDuration   = 0x000100
	trunSampleSize       = 0x000200
	trunSampleFlags      = 0x000400
	trunSampleCTO        = 0x000800
)

type MfhdBox struct {
	SequenceNumber uint32
}

func (b *MfhdBox) Size() int { return fullBoxHeaderSize + 4 }

func (b *MfhdBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "mfhd", 0, 0)
	w.WriteUint32(b.SequenceNumber)
}

type TfhdBox struct {
	TrackID               uint32
	DefaultSampleDuration uint32
	DefaultSampleFlags    uint32
}

func (b *TfhdBox) Size() int { return fullBoxHeaderSize + 12 }

func (b *TfhdBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "tfhd", 0, tfhdDefaultBaseIsMoof|tfhdDefaultSampleDuration|tfhdDefaultSampleFlags)
	w.WriteUint32(b.TrackID)
	w.WriteUint32(b.DefaultSampleDuration)
	w.WriteUint32(b.DefaultSampleFlags)
}

// TfdtBox is always version 1.
type TfdtBox struct {
	BaseMediaDecodeTime uint64
}

func (b *TfdtBox) Size() int { return fullBoxHeaderSize + 8 }

func (b *TfdtBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "tfdt", 1, 0)
	w.WriteUint64(b.BaseMediaDecodeTime)
}

type TrunSample struct {
	Duration uint32
	Size     uint32
	Flags    uint32
	CTO      int32
}

// TrunBox picks its optional fields from the samples and the default flags of its tfhd.
type TrunBox struct {
	DataOffset   int32
	DefaultFlags uint32
	Samples      []TrunSample
}

func (b *TrunBox) flags() uint32 {
	flags := uint32(trunDataOffset | trunSampleDuration | trunSampleSize)
	for _, s := range b.Samples {
		if s.CTO != 0 {
			flags |= trunSampleCTO
			break
		}
	}
	for i, s := range b.Samples {
		if s.Flags == b.DefaultFlags {
			continue
		}
		if i == 0 {
			flags |= trunFirstSampleFlags
			continue
		}
		flags &^= trunFirstSampleFlags
		flags |= trunSampleFlags
		break
	}
	return flags
}

func (b *TrunBox) Size() int {
	flags := b.flags()
	n := fullBoxHeaderSize + 4 + 4 // sample_count, data_offset
	if flags&trunFirstSampleFlags != 0 {
		n += 4
	}
	per := 8
	if flags&trunSampleFlags != 0 {
		per += 4
	}
	if flags&trunSampleCTO != 0 {
		per += 4
	}
	return n + per*len(b.Samples)
}

func (b *TrunBox) Write(w *bitio.Writer) {
	flags := b.flags()
	var version byte
	if flags&trunSampleCTO != 0 {
		version = 1
	}
	writeFullBoxHeader(w, b.Size(), "trun", version, flags)
	w.WriteUint32(uint32(len(b.Samples)))
	w.WriteInt32(b.DataOffset)
	if flags&trunFirstSampleFlags != 0 {
		w.WriteUint32(b.Samples[0].Flags)
	}
	for _, s := range b.Samples {
		w.WriteUint32(s.Duration)
		w.WriteUint32(s.Size)
		if flags&trunSampleFlags != 0 {
			w.WriteUint32(s.Flags)
		}
		if flags&trunSampleCTO != 0 {
			w.WriteInt32(s.CTO)
		}
	}
}

type TfraEntry struct {
	Time       uint64
	MoofOffset uint64
}

// TfraBox is version 1 with one byte traf, trun and sample numbers, all equal to 1.
type TfraBox struct {
	TrackID uint32
	Entries []TfraEntry
}

func (b *TfraBox) Size() int { return fullBoxHeaderSize + 12 + 19*len(b.Entries) }

func (b *TfraBox) Write(w *bitio.Writer) {
	writeFullBoxHeader(w, b.Size(), "tfra", 1, 0)
	w.WriteUint32(b.TrackID)
	w.WriteUint32(0) // length_size_of_traf_num, trun_num, sample_num
	w.WriteUint32(uint32(len(b.Entries)))
	for _, e := range b.Entries {
		w.WriteUint64(e.Time)
		w.WriteUint64(e.MoofOffset)
		w.WriteUint8(1)
		w.WriteUint8(1)
		w.WriteUint8(1)
	}
}

// MfraBox ends with an mfro holding the size of the whole mfra.
type MfraBox struct {
	Tfras []*TfraBox
}

func (b *MfraBox) Size() int {
	n := boxHeaderSize + fullBoxHeaderSize + 4
	for _, t := range b.Tfras {
		n += t.Size()
	}
	return n
}

func (b *MfraBox) Write(w *bitio.Writer) {
	size := b.Size()
	writeBoxHeader(w, size, "mfra")
	for _, t := range b.Tfras {
		t.Write(w)
	}
	writeFullBoxHeader(w, fullBoxHeaderSize+4, "mfro", 0, 0)
	w.WriteUint32(uint32(size))
}
