package ts

import (
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/Eyevinn/streammux/internal/crc"
)

// Table ids and well known PIDs.
const (
	TableIDPAT = 0x00
	TableIDPMT = 0x02
	TableIDSDT = 0x42

	PidPAT = 0x0000
	PidSDT = 0x0011

	DefaultOriginalNetworkID = 0xFF01
)

// writeCRC appends the CRC of the section that started at offset start.
func writeCRC(w *bitio.Writer, start int) {
	w.WriteUint32(crc.Checksum(w.Bytes()[start:]))
}

func writeSectionSyntax(w *bitio.Writer, tableID byte, privateBit bool, sectionLength int, tableIDExt uint16, version byte) {
	w.WriteUint8(tableID)
	w.WriteFlag(true) // section_syntax_indicator
	w.WriteFlag(privateBit)
	w.WriteBits(0x3, 2)
	w.WriteBits(uint64(sectionLength), 12)
	w.WriteUint16(tableIDExt)
	w.WriteBits(0x3, 2)
	w.WriteBits(uint64(version&0x1F), 5)
	w.WriteFlag(true) // current_next_indicator
	w.WriteUint8(0)   // section_number
	w.WriteUint8(0)   // last_section_number
}

// PATEntry maps a program number to its PMT PID.
type PATEntry struct {
	ProgramNumber uint16
	PMTPID        uint16
}

// PAT is a program association section.
type PAT struct {
	TransportStreamID uint16
	Version           byte
	Programs          []PATEntry
}

func (p *PAT) sectionLength() int {
	return 5 + 4*len(p.Programs) + 4
}

func (p *PAT) Size() int {
	return 3 + p.sectionLength()
}

func (p *PAT) Write(w *bitio.Writer) {
	start := w.Offset()
	writeSectionSyntax(w, TableIDPAT, false, p.sectionLength(), p.TransportStreamID, p.Version)
	for _, e := range p.Programs {
		w.WriteUint16(e.ProgramNumber)
		w.WriteBits(0x7, 3)
		w.WriteBits(uint64(e.PMTPID), 13)
	}
	writeCRC(w, start)
}

// Descriptor is a raw descriptor: tag, length and payload.
type Descriptor struct {
	Tag  byte
	Data []byte
}

func (d Descriptor) Size() int {
	return 2 + len(d.Data)
}

func (d Descriptor) Write(w *bitio.Writer) {
	w.WriteUint8(d.Tag)
	w.WriteUint8(byte(len(d.Data)))
	w.WriteBytes(d.Data)
}

func descriptorsSize(ds []Descriptor) int {
	n := 0
	for _, d := range ds {
		n += d.Size()
	}
	return n
}

// PMTStream is one elementary stream entry of a PMT.
type PMTStream struct {
	StreamType  byte
	PID         uint16
	Descriptors []Descriptor
}

// PMT is a program map section.
type PMT struct {
	ProgramNumber uint16
	Version       byte
	PCRPID        uint16
	Streams       []PMTStream
}

func (p *PMT) sectionLength() int {
	n := 9 + 4
	for _, s := range p.Streams {
		n += 5 + descriptorsSize(s.Descriptors)
	}
	return n
}

func (p *PMT) Size() int {
	return 3 + p.sectionLength()
}

func (p *PMT) Write(w *bitio.Writer) {
	start := w.Offset()
	writeSectionSyntax(w, TableIDPMT, false, p.sectionLength(), p.ProgramNumber, p.Version)
	w.WriteBits(0x7, 3)
	w.WriteBits(uint64(p.PCRPID), 13)
	w.WriteBits(0xF, 4)
	w.WriteBits(0, 12) // program_info_length
	for _, s := range p.Streams {
		w.WriteUint8(s.StreamType)
		w.WriteBits(0x7, 3)
		w.WriteBits(uint64(s.PID), 13)
		w.WriteBits(0xF, 4)
		w.WriteBits(uint64(descriptorsSize(s.Descriptors)), 12)
		for _, d := range s.Descriptors {
			d.Write(w)
		}
	}
	writeCRC(w, start)
}

// SDTService is one service entry with its service descriptor.
type SDTService struct {
	ServiceID   uint16
	ServiceType byte
	Provider    string
	Name        string
}

const (
	serviceDescriptorTag = 0x48
	runningStatusRunning = 4
)

func (s SDTService) descriptorSize() int {
	return 2 + 3 + len(s.Provider) + len(s.Name)
}

// SDT is a service description section for the actual transport stream.
type SDT struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	Version           byte
	Services          []SDTService
}

func (s *SDT) sectionLength() int {
	n := 8 + 4
	for _, svc := range s.Services {
		n += 5 + svc.descriptorSize()
	}
	return n
}

func (s *SDT) Size() int {
	return 3 + s.sectionLength()
}

func (s *SDT) Write(w *bitio.Writer) {
	start := w.Offset()
	writeSectionSyntax(w, TableIDSDT, true, s.sectionLength(), s.TransportStreamID, s.Version)
	w.WriteUint16(s.OriginalNetworkID)
	w.WriteUint8(0xFF) // reserved_future_use
	for _, svc := range s.Services {
		w.WriteUint16(svc.ServiceID)
		w.WriteBits(0x3F, 6)
		w.WriteFlag(false) // EIT_schedule_flag
		w.WriteFlag(false) // EIT_present_following_flag
		w.WriteBits(runningStatusRunning, 3)
		w.WriteFlag(false) // free_CA_mode
		w.WriteBits(uint64(svc.descriptorSize()), 12)
		w.WriteUint8(serviceDescriptorTag)
		w.WriteUint8(byte(svc.descriptorSize() - 2))
		w.WriteUint8(svc.ServiceType)
		w.WriteUint8(byte(len(svc.Provider)))
		w.WriteString(svc.Provider, false)
		w.WriteUint8(byte(len(svc.Name)))
		w.WriteString(svc.Name, false)
	}
	writeCRC(w, start)
}
