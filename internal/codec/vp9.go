package codec

import (
	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
)

// VPCodecConfigurationRecord is the payload of a version 1 vpcC box.
type VPCodecConfigurationRecord struct {
	Profile                 byte
	Level                   byte
	BitDepth                byte
	ChromaSubsampling       byte
	VideoFullRangeFlag      bool
	ColourPrimaries         byte
	TransferCharacteristics byte
	MatrixCoefficients      byte
	CodecInitData           []byte
}

// VP9 chroma subsampling values.
const (
	ChromaSubsampling420Vertical   = 0
	ChromaSubsampling420Colocated  = 1
	ChromaSubsampling422           = 2
	ChromaSubsampling444           = 3
	colourBT709                    = 1
	defaultVP9Level                = 31
	defaultVP9BitDepth             = 8
	defaultVP9ChromaSubsampling420 = ChromaSubsampling420Colocated
)

// NewVPCodecConfigurationRecord derives the record from the stream configuration. Profile and
// Level are taken as is, the colour description defaults to BT.709 limited range.
func NewVPCodecConfigurationRecord(cfg common.StreamConfig) *VPCodecConfigurationRecord {
	r := &VPCodecConfigurationRecord{
		Profile:                 byte(cfg.Profile),
		Level:                   byte(cfg.Level),
		BitDepth:                defaultVP9BitDepth,
		ChromaSubsampling:       defaultVP9ChromaSubsampling420,
		ColourPrimaries:         colourBT709,
		TransferCharacteristics: colourBT709,
		MatrixCoefficients:      colourBT709,
	}
	if r.Level == 0 {
		r.Level = defaultVP9Level
	}
	if cfg.Profile >= 2 {
		r.BitDepth = 10
	}
	return r
}

func (r *VPCodecConfigurationRecord) Size() int {
	return 8 + len(r.CodecInitData)
}

func (r *VPCodecConfigurationRecord) Write(w *bitio.Writer) {
	w.WriteUint8(r.Profile)
	w.WriteUint8(r.Level)
	w.WriteBits(uint64(r.BitDepth), 4)
	w.WriteBits(uint64(r.ChromaSubsampling), 3)
	w.WriteFlag(r.VideoFullRangeFlag)
	w.WriteUint8(r.ColourPrimaries)
	w.WriteUint8(r.TransferCharacteristics)
	w.WriteUint8(r.MatrixCoefficients)
	w.WriteUint16(uint16(len(r.CodecInitData)))
	w.WriteBytes(r.CodecInitData)
}
