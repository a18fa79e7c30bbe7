package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
)

var opusHeadMagic = []byte("OpusHead")

const defaultOpusPreSkip = 312

// OpusHead is the identification header of RFC 7845 5.1.
type OpusHead struct {
	Version              byte
	OutputChannelCount   byte
	PreSkip              uint16
	InputSampleRate      uint32
	OutputGain           int16
	ChannelMappingFamily byte
	StreamCount          byte
	CoupledCount         byte
	ChannelMapping       []byte
}

// ParseOpusHead decodes a little endian OpusHead packet.
func ParseOpusHead(buf []byte) (*OpusHead, error) {
	if len(buf) < 19 || !bytes.HasPrefix(buf, opusHeadMagic) {
		return nil, fmt.Errorf("%w: not an OpusHead packet", common.ErrMissingConfiguration)
	}
	h := &OpusHead{
		Version:              buf[8],
		OutputChannelCount:   buf[9],
		PreSkip:              binary.LittleEndian.Uint16(buf[10:12]),
		InputSampleRate:      binary.LittleEndian.Uint32(buf[12:16]),
		OutputGain:           int16(binary.LittleEndian.Uint16(buf[16:18])),
		ChannelMappingFamily: buf[18],
	}
	if h.ChannelMappingFamily != 0 {
		n := int(h.OutputChannelCount)
		if len(buf) < 21+n {
			return nil, fmt.Errorf("%w: truncated OpusHead channel mapping", common.ErrMissingConfiguration)
		}
		h.StreamCount = buf[19]
		h.CoupledCount = buf[20]
		h.ChannelMapping = append([]byte(nil), buf[21:21+n]...)
	}
	return h, nil
}

// OpusHeadFor returns the OpusHead found in extra or one derived from cfg.
func OpusHeadFor(cfg common.StreamConfig, extra [][]byte) *OpusHead {
	for _, e := range extra {
		if h, err := ParseOpusHead(e); err == nil {
			return h
		}
	}
	return &OpusHead{
		Version:            1,
		OutputChannelCount: byte(cfg.ChannelCount),
		PreSkip:            defaultOpusPreSkip,
		InputSampleRate:    uint32(cfg.SampleRate),
	}
}

// OpusSpecificBox is the big endian dOps payload of the Opus in ISOBMFF mapping.
type OpusSpecificBox struct {
	Head *OpusHead
}

func (d OpusSpecificBox) Size() int {
	size := 11
	if d.Head.ChannelMappingFamily != 0 {
		size += 2 + len(d.Head.ChannelMapping)
	}
	return size
}

func (d OpusSpecificBox) Write(w *bitio.Writer) {
	h := d.Head
	w.WriteUint8(0) // version
	w.WriteUint8(h.OutputChannelCount)
	w.WriteUint16(h.PreSkip)
	w.WriteUint32(h.InputSampleRate)
	w.WriteInt16(h.OutputGain)
	w.WriteUint8(h.ChannelMappingFamily)
	if h.ChannelMappingFamily != 0 {
		w.WriteUint8(h.StreamCount)
		w.WriteUint8(h.CoupledCount)
		w.WriteBytes(h.ChannelMapping)
	}
}

// OpusControlHeader is the opus_control_header of the Opus in MPEG-2 TS mapping, without trim or
// extension fields: 11 bit prefix 0x3ff, flags zero, then the payload size in 0xff steps.
type OpusControlHeader struct {
	PayloadSize int
}

func (o OpusControlHeader) Size() int {
	return 2 + o.PayloadSize/255 + 1
}

func (o OpusControlHeader) Write(w *bitio.Writer) {
	w.WriteUint16(0x7FE0)
	n := o.PayloadSize
	for n >= 255 {
		w.WriteUint8(0xFF)
		n -= 255
	}
	w.WriteUint8(byte(n))
}
