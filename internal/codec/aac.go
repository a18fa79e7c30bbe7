package codec

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// ADTSHeaderSize is the size of an ADTS header without CRC.
const ADTSHeaderSize = 7

var adtsSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}

// SampleRateIndex maps a sample rate to its MPEG-4 index, 15 when it has none.
func SampleRateIndex(rate int) byte {
	for i, r := range adtsSampleRates {
		if r == rate {
			return byte(i)
		}
	}
	return 15
}

// SampleRateFromIndex is the inverse of SampleRateIndex. It returns 0 for reserved indexes.
func SampleRateFromIndex(idx byte) int {
	if int(idx) >= len(adtsSampleRates) {
		return 0
	}
	return adtsSampleRates[idx]
}

// ChannelConfiguration maps a channel count to the MPEG-4 channel configuration.
// 1 to 6 channels map directly, 8 channels is configuration 7, anything else is 0.
func ChannelConfiguration(channels int) byte {
	switch {
	case channels >= 1 && channels <= 6:
		return byte(channels)
	case channels == 8:
		return 7
	}
	return 0
}

// ADTSHeader is a 7 byte ADTS header without CRC.
type ADTSHeader struct {
	ObjectType      byte // 2 for AAC-LC
	SampleRateIndex byte
	ChannelConfig   byte
	FrameLength     int // header included
}

// NewADTSHeader returns the header for an AAC-LC payload of the given size.
func NewADTSHeader(cfg common.StreamConfig, payloadSize int) ADTSHeader {
	return ADTSHeader{
		ObjectType:      byte(mpeg4audio.ObjectTypeAACLC),
		SampleRateIndex: SampleRateIndex(cfg.SampleRate),
		ChannelConfig:   ChannelConfiguration(cfg.ChannelCount),
		FrameLength:     payloadSize + ADTSHeaderSize,
	}
}

func (h ADTSHeader) Size() int {
	return ADTSHeaderSize
}

func (h ADTSHeader) Write(w *bitio.Writer) {
	w.WriteBits(0xFFF, 12) // syncword
	w.WriteBits(0, 1)      // MPEG-4
	w.WriteBits(0, 2)      // layer
	w.WriteBits(1, 1)      // protection absent
	w.WriteBits(uint64(h.ObjectType-1), 2)
	w.WriteBits(uint64(h.SampleRateIndex), 4)
	w.WriteBits(0, 1)
	w.WriteBits(uint64(h.ChannelConfig), 3)
	w.WriteBits(0, 4) // original, home, copyright bits
	w.WriteBits(uint64(h.FrameLength), 13)
	w.WriteBits(0x7FF, 11) // buffer fullness, VBR
	w.WriteBits(0, 2)      // one raw data block
}

// HasADTSSync reports whether buf starts with an ADTS syncword.
func HasADTSSync(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == 0xFF && buf[1]&0xF6 == 0xF0
}

// ParseADTSHeader decodes the fixed and variable header of an ADTS frame.
func ParseADTSHeader(buf []byte) (ADTSHeader, error) {
	if len(buf) < ADTSHeaderSize || !HasADTSSync(buf) {
		return ADTSHeader{}, fmt.Errorf("no adts header")
	}
	r := bits.NewReader(bytes.NewReader(buf[:ADTSHeaderSize]))
	_ = r.Read(12) // syncword
	_ = r.Read(1)  // id
	_ = r.Read(2)  // layer
	_ = r.Read(1)  // protection absent
	var h ADTSHeader
	h.ObjectType = byte(r.Read(2)) + 1
	h.SampleRateIndex = byte(r.Read(4))
	_ = r.Read(1)
	h.ChannelConfig = byte(r.Read(3))
	_ = r.Read(4)
	h.FrameLength = int(r.Read(13))
	if err := r.AccError(); err != nil {
		return ADTSHeader{}, fmt.Errorf("reading adts header: %w", err)
	}
	if h.FrameLength < ADTSHeaderSize {
		return ADTSHeader{}, fmt.Errorf("invalid adts frame length %d", h.FrameLength)
	}
	return h, nil
}

// ADTSHeaderLength is 7, or 9 when the protection_absent bit says a CRC follows.
func ADTSHeaderLength(buf []byte) int {
	if len(buf) > 1 && buf[1]&0x01 == 0 {
		return ADTSHeaderSize + 2
	}
	return ADTSHeaderSize
}

// AudioSpecificConfig returns the ASC for an AAC stream. A two or more byte extra buffer that
// decodes as an ASC is used as is, otherwise an AAC-LC config is derived from cfg.
func AudioSpecificConfig(cfg common.StreamConfig, extra [][]byte) ([]byte, error) {
	for _, e := range extra {
		if len(e) < 2 || HasADTSSync(e) {
			continue
		}
		var asc mpeg4audio.AudioSpecificConfig
		if err := asc.Unmarshal(e); err == nil {
			return e, nil
		}
	}
	if cfg.SampleRate <= 0 || cfg.ChannelCount <= 0 {
		return nil, fmt.Errorf("%w: aac needs sample rate and channel count", common.ErrMissingConfiguration)
	}
	asc := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.ChannelCount,
	}
	buf, err := asc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrMissingConfiguration, err)
	}
	return buf, nil
}
