package probe

import (
	"bytes"
	"encoding/hex"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/asticode/go-astits"
)

type NaluFrameData struct {
	PID   uint16     `json:"pid"`
	RAI   bool       `json:"rai"`
	PTS   int64      `json:"pts"`
	DTS   int64      `json:"dts,omitempty"`
	NALUS []NaluData `json:"nalus,omitempty"`
}

type NaluData struct {
	Type string `json:"type"`
	Len  int    `json:"len"`
}

type PsInfo struct {
	PID          uint16 `json:"pid"`
	ParameterSet string `json:"parameterSet"`
	Hex          string `json:"hex"`
	Length       int    `json:"length"`
}

func (p *JsonPrinter) PrintPS(pid uint16, psKind string, ps []byte, show bool) {
	p.Print(PsInfo{PID: pid, ParameterSet: psKind, Hex: hex.EncodeToString(ps), Length: len(ps)}, show)
}

type psKey struct {
	pid  uint16
	kind string
}

// parameterSets remembers the last parameter set of each kind per PID, so that only new or
// changed ones are printed.
type parameterSets map[psKey][]byte

func (s parameterSets) changed(pid uint16, kind string, nalu []byte) bool {
	k := psKey{pid, kind}
	if prev, ok := s[k]; ok && bytes.Equal(prev, nalu) {
		return false
	}
	s[k] = append([]byte(nil), nalu...)
	return true
}

// parseVideoPES prints the NAL units of an AVC or HEVC PES and any parameter set it carries
// that differs from the previous one.
func parseVideoPES(jp *JsonPrinter, d *astits.DemuxerData, codec string, seen parameterSets, o Options) {
	oh := d.PES.Header.OptionalHeader
	if oh == nil || oh.PTS == nil {
		return
	}
	nfd := NaluFrameData{PID: d.PID, PTS: oh.PTS.Base}
	if oh.DTS != nil {
		nfd.DTS = oh.DTS.Base
	}
	if fp := d.FirstPacket; fp != nil && fp.AdaptationField != nil {
		nfd.RAI = fp.AdaptationField.RandomAccessIndicator
	}
	for _, nalu := range avc.ExtractNalusFromByteStream(d.PES.Data) {
		if len(nalu) == 0 {
			continue
		}
		var name, psKind string
		if codec == "HEVC" {
			t := hevc.GetNaluType(nalu[0])
			name = t.String()
			switch t {
			case hevc.NALU_VPS:
				psKind = "VPS"
			case hevc.NALU_SPS:
				psKind = "SPS"
			case hevc.NALU_PPS:
				psKind = "PPS"
			}
		} else {
			t := avc.GetNaluType(nalu[0])
			name = t.String()
			switch t {
			case avc.NALU_SPS:
				psKind = "SPS"
			case avc.NALU_PPS:
				psKind = "PPS"
			}
		}
		if psKind != "" && seen.changed(d.PID, psKind, nalu) {
			jp.PrintPS(d.PID, psKind, nalu, o.ShowPS)
		}
		nfd.NALUS = append(nfd.NALUS, NaluData{Type: name, Len: len(nalu)})
	}
	jp.Print(nfd, o.ShowNALU)
}
