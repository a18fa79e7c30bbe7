package codec

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
)

// HEVCDecoderConfigurationRecord is the hvcC payload of ISO/IEC 14496-15 8.3.3.
type HEVCDecoderConfigurationRecord struct {
	GeneralProfileSpace              byte
	GeneralTierFlag                  bool
	GeneralProfileIDC                byte
	GeneralProfileCompatibilityFlags uint32
	GeneralConstraintIndicatorFlags  uint64 // 48 bits
	GeneralLevelIDC                  byte
	ChromaFormatIDC                  byte
	BitDepthLumaMinus8               byte
	BitDepthChromaMinus8             byte
	NumTemporalLayers                byte
	TemporalIDNested                 bool

	VPS [][]byte
	SPS [][]byte
	PPS [][]byte
}

// NewHEVCDecoderConfigurationRecord builds the record from VPS, SPS and PPS NAL units.
//
// The profile_tier_level is read from the fixed position it has in every SPS. Chroma format
// and bit depths come from a full SPS parse and default to 4:2:0 8 bit.
func NewHEVCDecoderConfigurationRecord(vpss, spss, ppss [][]byte) (*HEVCDecoderConfigurationRecord, error) {
	if len(vpss) == 0 || len(spss) == 0 || len(ppss) == 0 {
		return nil, fmt.Errorf("%w: hevc needs vps, sps and pps", common.ErrMissingConfiguration)
	}
	r := &HEVCDecoderConfigurationRecord{ChromaFormatIDC: 1}
	for _, v := range vpss {
		r.VPS = append(r.VPS, stripStartCode(v))
	}
	for _, s := range spss {
		r.SPS = append(r.SPS, stripStartCode(s))
	}
	for _, p := range ppss {
		r.PPS = append(r.PPS, stripStartCode(p))
	}
	rbsp := unescapeRBSP(r.SPS[0])
	// nal header (2), vps id/max sub layers/nesting (1), profile_tier_level general part (12)
	if len(rbsp) < 15 {
		return nil, fmt.Errorf("%w: hevc sps too short (%d bytes)", common.ErrMissingConfiguration, len(rbsp))
	}
	r.NumTemporalLayers = (rbsp[2]>>1)&0x07 + 1
	r.TemporalIDNested = rbsp[2]&0x01 == 1
	ptl := rbsp[3:15]
	r.GeneralProfileSpace = ptl[0] >> 6
	r.GeneralTierFlag = ptl[0]&0x20 != 0
	r.GeneralProfileIDC = ptl[0] & 0x1F
	r.GeneralProfileCompatibilityFlags = uint32(ptl[1])<<24 | uint32(ptl[2])<<16 | uint32(ptl[3])<<8 | uint32(ptl[4])
	for _, b := range ptl[5:11] {
		r.GeneralConstraintIndicatorFlags = r.GeneralConstraintIndicatorFlags<<8 | uint64(b)
	}
	r.GeneralLevelIDC = ptl[11]

	if sps, err := hevc.ParseSPSNALUnit(r.SPS[0]); err == nil {
		if chroma := byte(sps.ChromaFormatIDC); chroma <= 3 {
			r.ChromaFormatIDC = chroma
		}
		if bd := byte(sps.BitDepthLumaMinus8); bd <= 7 {
			r.BitDepthLumaMinus8 = bd
		}
		if bd := byte(sps.BitDepthChromaMinus8); bd <= 7 {
			r.BitDepthChromaMinus8 = bd
		}
	}
	return r, nil
}

func (r *HEVCDecoderConfigurationRecord) arrays() []struct {
	naluType byte
	nalus    [][]byte
} {
	return []struct {
		naluType byte
		nalus    [][]byte
	}{
		{byte(hevc.NALU_VPS), r.VPS},
		{byte(hevc.NALU_SPS), r.SPS},
		{byte(hevc.NALU_PPS), r.PPS},
	}
}

func (r *HEVCDecoderConfigurationRecord) Size() int {
	size := 23
	for _, a := range r.arrays() {
		if len(a.nalus) == 0 {
			continue
		}
		size += 3
		for _, n := range a.nalus {
			size += 2 + len(n)
		}
	}
	return size
}

func (r *HEVCDecoderConfigurationRecord) Write(w *bitio.Writer) {
	w.WriteUint8(1)
	w.WriteBits(uint64(r.GeneralProfileSpace), 2)
	w.WriteFlag(r.GeneralTierFlag)
	w.WriteBits(uint64(r.GeneralProfileIDC), 5)
	w.WriteUint32(r.GeneralProfileCompatibilityFlags)
	w.WriteUint48(r.GeneralConstraintIndicatorFlags)
	w.WriteUint8(r.GeneralLevelIDC)
	w.WriteBits(0xF, 4)
	w.WriteBits(0, 12) // min_spatial_segmentation_idc
	w.WriteBits(0x3F, 6)
	w.WriteBits(0, 2) // parallelismType
	w.WriteBits(0x3F, 6)
	w.WriteBits(uint64(r.ChromaFormatIDC), 2)
	w.WriteBits(0x1F, 5)
	w.WriteBits(uint64(r.BitDepthLumaMinus8), 3)
	w.WriteBits(0x1F, 5)
	w.WriteBits(uint64(r.BitDepthChromaMinus8), 3)
	w.WriteUint16(0) // avgFrameRate
	w.WriteBits(0, 2)
	w.WriteBits(uint64(r.NumTemporalLayers), 3)
	w.WriteFlag(r.TemporalIDNested)
	w.WriteBits(3, 2) // lengthSizeMinusOne
	nArrays := 0
	for _, a := range r.arrays() {
		if len(a.nalus) > 0 {
			nArrays++
		}
	}
	w.WriteUint8(byte(nArrays))
	for _, a := range r.arrays() {
		if len(a.nalus) == 0 {
			continue
		}
		w.WriteFlag(true) // array_completeness
		w.WriteFlag(false)
		w.WriteBits(uint64(a.naluType), 6)
		w.WriteUint16(uint16(len(a.nalus)))
		for _, n := range a.nalus {
			w.WriteUint16(uint16(len(n)))
			w.WriteBytes(n)
		}
	}
}
