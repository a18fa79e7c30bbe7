// Package codec builds the codec configuration records and elementary stream headers needed
// by the container engines.
package codec

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/Eyevinn/streammux/common"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// Access unit delimiters in Annex-B form.
var (
	AVCAccessUnitDelimiter  = []byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}
	HEVCAccessUnitDelimiter = []byte{0x00, 0x00, 0x00, 0x01, 0x46, 0x01, 0x50}
)

// HasStartCode reports whether buf begins with a 3 or 4 byte Annex-B start code.
func HasStartCode(buf []byte) bool {
	return bytes.HasPrefix(buf, startCode) || bytes.HasPrefix(buf, startCode[1:])
}

// SplitNalus returns the NAL units of buf. A buffer without start code is one NAL unit.
func SplitNalus(buf []byte) [][]byte {
	if len(buf) == 0 {
		return nil
	}
	if !HasStartCode(buf) {
		return [][]byte{buf}
	}
	return avc.ExtractNalusFromByteStream(buf)
}

// ParameterSets holds the out-of-band configuration NAL units of an H.264 or HEVC stream,
// without start codes.
type ParameterSets struct {
	VPS [][]byte
	SPS [][]byte
	PPS [][]byte
}

func (p ParameterSets) Empty() bool {
	return len(p.SPS) == 0 && len(p.PPS) == 0 && len(p.VPS) == 0
}

// Complete reports whether the sets needed for a decoder configuration record are present.
func (p ParameterSets) Complete(mime string) bool {
	if len(p.SPS) == 0 || len(p.PPS) == 0 {
		return false
	}
	return mime != common.MimeVideoHEVC || len(p.VPS) > 0
}

// AnnexB joins the parameter sets in VPS, SPS, PPS order with 4 byte start codes.
func (p ParameterSets) AnnexB() []byte {
	var buf bytes.Buffer
	for _, group := range [][][]byte{p.VPS, p.SPS, p.PPS} {
		for _, nalu := range group {
			buf.Write(startCode)
			buf.Write(nalu)
		}
	}
	return buf.Bytes()
}

// ExtractParameterSets classifies the NAL units found in bufs.
func ExtractParameterSets(mime string, bufs [][]byte) (ParameterSets, error) {
	var ps ParameterSets
	switch mime {
	case common.MimeVideoAVC:
		for _, b := range bufs {
			for _, nalu := range SplitNalus(b) {
				if len(nalu) == 0 {
					continue
				}
				switch avc.GetNaluType(nalu[0]) {
				case avc.NALU_SPS:
					ps.SPS = append(ps.SPS, nalu)
				case avc.NALU_PPS:
					ps.PPS = append(ps.PPS, nalu)
				}
			}
		}
	case common.MimeVideoHEVC:
		for _, b := range bufs {
			for _, nalu := range SplitNalus(b) {
				if len(nalu) == 0 {
					continue
				}
				switch hevc.GetNaluType(nalu[0]) {
				case hevc.NALU_VPS:
					ps.VPS = append(ps.VPS, nalu)
				case hevc.NALU_SPS:
					ps.SPS = append(ps.SPS, nalu)
				case hevc.NALU_PPS:
					ps.PPS = append(ps.PPS, nalu)
				}
			}
		}
	default:
		return ps, fmt.Errorf("%w: no parameter sets for %q", common.ErrUnsupportedCodec, mime)
	}
	return ps, nil
}

// IsParameterSet reports whether nalu is a VPS, SPS or PPS of the given codec.
func IsParameterSet(mime string, nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	switch mime {
	case common.MimeVideoAVC:
		t := avc.GetNaluType(nalu[0])
		return t == avc.NALU_SPS || t == avc.NALU_PPS
	case common.MimeVideoHEVC:
		t := hevc.GetNaluType(nalu[0])
		return t == hevc.NALU_VPS || t == hevc.NALU_SPS || t == hevc.NALU_PPS
	}
	return false
}

// StartsWithAUD reports whether the first NAL unit of an Annex-B access unit is an access unit
// delimiter.
func StartsWithAUD(mime string, nalus [][]byte) bool {
	if len(nalus) == 0 || len(nalus[0]) == 0 {
		return false
	}
	switch mime {
	case common.MimeVideoAVC:
		return avc.GetNaluType(nalus[0][0]) == avc.NALU_AUD
	case common.MimeVideoHEVC:
		return hevc.GetNaluType(nalus[0][0]) == hevc.NALU_AUD
	}
	return false
}

// AccessUnitDelimiter returns the Annex-B AUD for mime, or nil.
func AccessUnitDelimiter(mime string) []byte {
	switch mime {
	case common.MimeVideoAVC:
		return AVCAccessUnitDelimiter
	case common.MimeVideoHEVC:
		return HEVCAccessUnitDelimiter
	}
	return nil
}

// unescapeRBSP removes emulation prevention bytes.
func unescapeRBSP(nalu []byte) []byte {
	out := make([]byte, 0, len(nalu))
	zeros := 0
	for _, b := range nalu {
		if zeros >= 2 && b == 0x03 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
