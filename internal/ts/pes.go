package ts

import (
	"github.com/Eyevinn/streammux/internal/bitio"
)

// PES stream ids.
const (
	StreamIDPrivate1 = 0xBD
	StreamIDAudio    = 0xC0
	StreamIDVideo    = 0xE0
)

const maxPESPacketLength = 0xFFFF

// PESHeader is a PES packet header with the optional header carrying PTS and, when it
// differs, DTS. Timestamps are 33 bit 90 kHz values.
type PESHeader struct {
	StreamID   byte
	PTS        int64
	DTS        int64
	PayloadLen int
	// Unbounded sets PES_packet_length to 0, which is only allowed for video.
	Unbounded bool
}

func (h *PESHeader) hasDTS() bool {
	return h.DTS != h.PTS
}

func (h *PESHeader) headerDataLength() int {
	if h.hasDTS() {
		return 10
	}
	return 5
}

func (h *PESHeader) Size() int {
	return 9 + h.headerDataLength()
}

// PacketLength is the PES_packet_length field value.
func (h *PESHeader) PacketLength() int {
	n := 3 + h.headerDataLength() + h.PayloadLen
	if h.Unbounded || n > maxPESPacketLength {
		return 0
	}
	return n
}

func (h *PESHeader) Write(w *bitio.Writer) {
	w.WriteUint24(0x000001)
	w.WriteUint8(h.StreamID)
	w.WriteUint16(uint16(h.PacketLength()))
	w.WriteBits(0x2, 2)
	w.WriteBits(0, 2) // scrambling
	w.WriteFlag(false)
	w.WriteFlag(true) // data_alignment_indicator
	w.WriteFlag(false)
	w.WriteFlag(false)
	if h.hasDTS() {
		w.WriteBits(0x3, 2)
	} else {
		w.WriteBits(0x2, 2)
	}
	w.WriteBits(0, 6) // ESCR, ES_rate, trick mode, additional copy info, CRC, extension
	w.WriteUint8(byte(h.headerDataLength()))
	if h.hasDTS() {
		writeTimestamp(w, 0x3, h.PTS)
		writeTimestamp(w, 0x1, h.DTS)
	} else {
		writeTimestamp(w, 0x2, h.PTS)
	}
}

func writeTimestamp(w *bitio.Writer, prefix uint64, ts int64) {
	v := uint64(ts) & (1<<33 - 1)
	w.WriteBits(prefix, 4)
	w.WriteBits(v>>30, 3)
	w.WriteBits(1, 1)
	w.WriteBits((v>>15)&0x7FFF, 15)
	w.WriteBits(1, 1)
	w.WriteBits(v&0x7FFF, 15)
	w.WriteBits(1, 1)
}
