package common

import "bytes"

// PacketType is a coarse transport hint attached to every emitted buffer.
type PacketType int

const (
	PacketOther PacketType = iota
	PacketAudio
	PacketVideo
)

func (t PacketType) String() string {
	switch t {
	case PacketAudio:
		return "AUDIO"
	case PacketVideo:
		return "VIDEO"
	}
	return "OTHER"
}

// Packet is one container emission unit.
type Packet struct {
	Buffer    []byte
	Timestamp int64 // µs
	Type      PacketType
}

// PacketWriter consumes emitted packets in order. WritePacket must not retain Buffer after
// returning unless it copies it.
type PacketWriter interface {
	WritePacket(pkt Packet) error
}

// PacketWriterFunc adapts a function to PacketWriter.
type PacketWriterFunc func(pkt Packet) error

func (f PacketWriterFunc) WritePacket(pkt Packet) error {
	return f(pkt)
}

// PacketRecorder keeps copies of all packets written to it. Mostly useful in tests and probes.
type PacketRecorder struct {
	Packets []Packet
}

func (r *PacketRecorder) WritePacket(pkt Packet) error {
	pkt.Buffer = append([]byte(nil), pkt.Buffer...)
	r.Packets = append(r.Packets, pkt)
	return nil
}

// Bytes returns the concatenation of all recorded buffers.
func (r *PacketRecorder) Bytes() []byte {
	var buf bytes.Buffer
	for _, p := range r.Packets {
		buf.Write(p.Buffer)
	}
	return buf.Bytes()
}

func (r *PacketRecorder) Reset() {
	r.Packets = nil
}
