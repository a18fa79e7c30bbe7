package ts

import (
	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
)

const (
	syncByte          = 0x47
	packetHeaderSize  = 4
	packetPayloadSize = common.TSPacketSize - packetHeaderSize
	pcrSize           = 6
)

// adaptationField covers the fields this muxer sets: random access, PCR and stuffing.
type adaptationField struct {
	RandomAccess bool
	HasPCR       bool
	PCR          int64 // 27 MHz
	Stuffing     int
	// lengthOnly is a single 0x00 byte, used to stuff exactly one byte.
	lengthOnly bool
}

func (a *adaptationField) Size() int {
	if a.lengthOnly {
		return 1
	}
	n := 2 + a.Stuffing
	if a.HasPCR {
		n += pcrSize
	}
	return n
}

func (a *adaptationField) Write(w *bitio.Writer) {
	w.WriteUint8(byte(a.Size() - 1))
	if a.lengthOnly {
		return
	}
	w.WriteFlag(false) // discontinuity
	w.WriteFlag(a.RandomAccess)
	w.WriteFlag(false) // ES priority
	w.WriteFlag(a.HasPCR)
	w.WriteBits(0, 4) // OPCR, splicing point, private data, extension
	if a.HasPCR {
		base := (a.PCR / 300) % common.PtsWrap
		ext := a.PCR % 300
		w.WriteBits(uint64(base), 33)
		w.WriteBits(0x3F, 6)
		w.WriteBits(uint64(ext), 9)
	}
	w.WriteRepeated(0xFF, a.Stuffing)
}

// addStuffing grows the field, or creates it, by n bytes.
func addStuffing(af *adaptationField, n int) *adaptationField {
	if n <= 0 {
		return af
	}
	if af != nil {
		af.Stuffing += n
		return af
	}
	if n == 1 {
		return &adaptationField{lengthOnly: true}
	}
	return &adaptationField{Stuffing: n - 2}
}

type packetHeader struct {
	PUSI bool
	PID  uint16
	CC   byte
	AF   bool
}

func (h packetHeader) Write(w *bitio.Writer) {
	w.WriteUint8(syncByte)
	w.WriteFlag(false) // transport_error_indicator
	w.WriteFlag(h.PUSI)
	w.WriteFlag(false) // transport_priority
	w.WriteBits(uint64(h.PID), 13)
	w.WriteBits(0, 2) // not scrambled
	if h.AF {
		w.WriteBits(0x3, 2)
	} else {
		w.WriteBits(0x1, 2)
	}
	w.WriteBits(uint64(h.CC&0x0F), 4)
}

// continuityCounter is the 4 bit per-PID packet counter.
type continuityCounter struct {
	next byte
}

func (c *continuityCounter) take() byte {
	v := c.next
	c.next = (c.next + 1) & 0x0F
	return v
}

func (c *continuityCounter) reset() {
	c.next = 0
}

// packetize splits data into 188 byte packets. The first packet gets PUSI and first, if set,
// as its adaptation field. The last packet is padded through adaptation field stuffing.
func packetize(pid uint16, cc *continuityCounter, data []byte, first *adaptationField) []byte {
	nPackets := 0
	{
		remaining := len(data)
		room := packetPayloadSize
		if first != nil {
			room -= first.Size()
		}
		nPackets = 1
		remaining -= room
		for remaining > 0 {
			nPackets++
			remaining -= packetPayloadSize
		}
	}
	out := make([]byte, nPackets*common.TSPacketSize)
	off := 0
	for i := 0; i < nPackets; i++ {
		var af *adaptationField
		if i == 0 {
			af = first
		}
		room := packetPayloadSize
		if af != nil {
			room -= af.Size()
		}
		remaining := len(data) - off
		if remaining < room {
			af = addStuffing(af, room-remaining)
		}
		w := bitio.NewWriterFromSlice(out[i*common.TSPacketSize : (i+1)*common.TSPacketSize])
		packetHeader{PUSI: i == 0, PID: pid, CC: cc.take(), AF: af != nil}.Write(w)
		if af != nil {
			af.Write(w)
		}
		n := w.Remaining()
		w.WriteBytes(data[off : off+n])
		off += n
	}
	return out
}

// packetizeSection carries one PSI section, with pointer_field 0 and 0xFF filling.
func packetizeSection(pid uint16, cc *continuityCounter, section []byte) []byte {
	n := (1 + len(section) + packetPayloadSize - 1) / packetPayloadSize
	out := make([]byte, n*common.TSPacketSize)
	payload := make([]byte, n*packetPayloadSize)
	payload[0] = 0 // pointer_field
	copy(payload[1:], section)
	for i := 1 + len(section); i < len(payload); i++ {
		payload[i] = 0xFF
	}
	for i := 0; i < n; i++ {
		w := bitio.NewWriterFromSlice(out[i*common.TSPacketSize : (i+1)*common.TSPacketSize])
		packetHeader{PUSI: i == 0, PID: pid, CC: cc.take()}.Write(w)
		w.WriteBytes(payload[i*packetPayloadSize : (i+1)*packetPayloadSize])
	}
	return out
}
