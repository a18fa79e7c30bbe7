package ts

import (
	"fmt"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/codec"
)

// Stream types carried in the PMT.
const (
	StreamTypeAAC  = 0x0F
	StreamTypeH264 = 0x1B
	StreamTypeHEVC = 0x24
	StreamTypeOpus = 0x06 // private PES data, identified by descriptors
)

// DVB service types.
const (
	ServiceTypeDigitalTV    = 0x01
	ServiceTypeDigitalRadio = 0x02
)

const (
	registrationDescriptorTag = 0x05
	extensionDescriptorTag    = 0x7F
	opusExtensionTag          = 0x80
	maxServiceTextLength      = 255
)

// ServiceInfo identifies a program of the transport stream.
type ServiceInfo struct {
	ID       uint16 `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	Provider string `json:"provider" mapstructure:"provider"`
	// Type defaults to digital television, or digital radio for audio only services.
	Type byte `json:"type,omitempty" mapstructure:"type"`
}

func (s ServiceInfo) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty service name", common.ErrInvalidServiceInfo)
	}
	if len(s.Name) > maxServiceTextLength || len(s.Provider) > maxServiceTextLength {
		return fmt.Errorf("%w: service name or provider longer than %d bytes", common.ErrInvalidServiceInfo, maxServiceTextLength)
	}
	return nil
}

// Service is a registered program with its PMT state.
type Service struct {
	Info    ServiceInfo
	PMTPID  uint16
	PCRPID  uint16
	Streams []*Stream

	pmtVersion byte
	pmtCC      continuityCounter
}

// ServiceType returns the configured type or derives it from the streams.
func (s *Service) ServiceType() byte {
	if s.Info.Type != 0 {
		return s.Info.Type
	}
	for _, st := range s.Streams {
		if st.Config.IsVideo() {
			return ServiceTypeDigitalTV
		}
	}
	if len(s.Streams) > 0 {
		return ServiceTypeDigitalRadio
	}
	return ServiceTypeDigitalTV
}

// PMTVersion is the current version_number of the service PMT.
func (s *Service) PMTVersion() byte {
	return s.pmtVersion
}

func (s *Service) bumpPMT() {
	s.pmtVersion = (s.pmtVersion + 1) & 0x1F
}

// pickPCR selects the first video stream, or the first stream, as PCR carrier.
func (s *Service) pickPCR() {
	s.PCRPID = 0x1FFF
	for _, st := range s.Streams {
		if st.Config.IsVideo() {
			s.PCRPID = st.PID
			return
		}
	}
	if len(s.Streams) > 0 {
		s.PCRPID = s.Streams[0].PID
	}
}

func (s *Service) pmt() *PMT {
	p := &PMT{ProgramNumber: s.Info.ID, Version: s.pmtVersion, PCRPID: s.PCRPID}
	for _, st := range s.Streams {
		p.Streams = append(p.Streams, PMTStream{StreamType: st.StreamType, PID: st.PID, Descriptors: st.descriptors()})
	}
	return p
}

// Stream is an elementary stream registered in a service. Its id is its PID.
type Stream struct {
	Config     common.StreamConfig
	PID        uint16
	StreamID   byte
	StreamType byte

	service *Service
	cc      continuityCounter
	ps      codec.ParameterSets
}

func (st *Stream) descriptors() []Descriptor {
	if st.StreamType != StreamTypeOpus {
		return nil
	}
	return []Descriptor{
		{Tag: registrationDescriptorTag, Data: []byte("Opus")},
		{Tag: extensionDescriptorTag, Data: []byte{opusExtensionTag, byte(st.Config.ChannelCount)}},
	}
}

func streamTypeFor(cfg common.StreamConfig) (byte, error) {
	switch cfg.MimeType {
	case common.MimeVideoAVC:
		return StreamTypeH264, nil
	case common.MimeVideoHEVC:
		return StreamTypeHEVC, nil
	case common.MimeAudioAAC:
		return StreamTypeAAC, nil
	case common.MimeAudioOpus:
		return StreamTypeOpus, nil
	}
	return 0, fmt.Errorf("%w: %q in mpeg-ts", common.ErrUnsupportedCodec, cfg.MimeType)
}

// nextStreamID numbers video and AAC streams of a service from their base id.
func (s *Service) nextStreamID(cfg common.StreamConfig) byte {
	if cfg.MimeType == common.MimeAudioOpus {
		return StreamIDPrivate1
	}
	base := byte(StreamIDAudio)
	if cfg.IsVideo() {
		base = StreamIDVideo
	}
	used := make(map[byte]bool)
	for _, st := range s.Streams {
		used[st.StreamID] = true
	}
	id := base
	for used[id] && id < base+0x0F {
		id++
	}
	return id
}
