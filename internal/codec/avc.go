package codec

import (
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
)

// AVCDecoderConfigurationRecord is the avcC payload of ISO/IEC 14496-15 5.3.3.1.
type AVCDecoderConfigurationRecord struct {
	ProfileIndication    byte
	ProfileCompatibility byte
	LevelIndication      byte
	SPS                  [][]byte
	PPS                  [][]byte

	// Only written for the high profiles.
	ChromaFormat         byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// NewAVCDecoderConfigurationRecord builds the record from SPS and PPS NAL units. Start codes
// are stripped if present.
func NewAVCDecoderConfigurationRecord(spss, ppss [][]byte) (*AVCDecoderConfigurationRecord, error) {
	if len(spss) == 0 || len(ppss) == 0 {
		return nil, fmt.Errorf("%w: avc needs sps and pps", common.ErrMissingConfiguration)
	}
	r := &AVCDecoderConfigurationRecord{ChromaFormat: 1}
	for _, s := range spss {
		r.SPS = append(r.SPS, stripStartCode(s))
	}
	for _, p := range ppss {
		r.PPS = append(r.PPS, stripStartCode(p))
	}
	sps := r.SPS[0]
	if len(sps) < 4 {
		return nil, fmt.Errorf("%w: sps too short (%d bytes)", common.ErrMissingConfiguration, len(sps))
	}
	r.ProfileIndication = sps[1]
	r.ProfileCompatibility = sps[2]
	r.LevelIndication = sps[3]
	if r.hasHighProfileTail() {
		if parsed, err := avc.ParseSPSNALUnit(sps, false); err == nil {
			r.ChromaFormat = byte(parsed.ChromaFormatIDC)
			r.BitDepthLumaMinus8 = byte(parsed.BitDepthLumaMinus8)
			r.BitDepthChromaMinus8 = byte(parsed.BitDepthChromaMinus8)
		}
	}
	return r, nil
}

func (r *AVCDecoderConfigurationRecord) hasHighProfileTail() bool {
	switch r.ProfileIndication {
	case 100, 110, 122, 144:
		return true
	}
	return false
}

func (r *AVCDecoderConfigurationRecord) Size() int {
	size := 7
	for _, s := range r.SPS {
		size += 2 + len(s)
	}
	for _, p := range r.PPS {
		size += 2 + len(p)
	}
	if r.hasHighProfileTail() {
		size += 4
	}
	return size
}

func (r *AVCDecoderConfigurationRecord) Write(w *bitio.Writer) {
	w.WriteUint8(1)
	w.WriteUint8(r.ProfileIndication)
	w.WriteUint8(r.ProfileCompatibility)
	w.WriteUint8(r.LevelIndication)
	w.WriteUint8(0xFF) // lengthSizeMinusOne = 3
	w.WriteUint8(0xE0 | byte(len(r.SPS)))
	for _, s := range r.SPS {
		w.WriteUint16(uint16(len(s)))
		w.WriteBytes(s)
	}
	w.WriteUint8(byte(len(r.PPS)))
	for _, p := range r.PPS {
		w.WriteUint16(uint16(len(p)))
		w.WriteBytes(p)
	}
	if r.hasHighProfileTail() {
		w.WriteUint8(0xFC | r.ChromaFormat&0x03)
		w.WriteUint8(0xF8 | r.BitDepthLumaMinus8&0x07)
		w.WriteUint8(0xF8 | r.BitDepthChromaMinus8&0x07)
		w.WriteUint8(0)
	}
}

// Codec returns the RFC 6381 codec string, e.g. avc1.42c01e.
func (r *AVCDecoderConfigurationRecord) Codec() string {
	return fmt.Sprintf("avc1.%02x%02x%02x", r.ProfileIndication, r.ProfileCompatibility, r.LevelIndication)
}

func stripStartCode(b []byte) []byte {
	switch {
	case len(b) >= 4 && b[0] == 0 && b[1] == 0 && b[2] == 0 && b[3] == 1:
		return b[4:]
	case len(b) >= 3 && b[0] == 0 && b[1] == 0 && b[2] == 1:
		return b[3:]
	}
	return b
}
