// Package ts implements an MPEG-2 transport stream muxer with PAT, PMT and SDT management.
package ts

import (
	"fmt"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// Default table retransmission periods, counted in PES packets.
const (
	DefaultPATPeriod = 40
	DefaultSDTPeriod = 200
)

// Config holds the transport stream wide settings.
type Config struct {
	TransportStreamID uint16
	OriginalNetworkID uint16
	PATPeriod         int
	SDTPeriod         int
	Logger            logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.TransportStreamID == 0 {
		c.TransportStreamID = 1
	}
	if c.OriginalNetworkID == 0 {
		c.OriginalNetworkID = DefaultOriginalNetworkID
	}
	if c.PATPeriod <= 0 {
		c.PATPeriod = DefaultPATPeriod
	}
	if c.SDTPeriod <= 0 {
		c.SDTPeriod = DefaultSDTPeriod
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Muxer writes a transport stream to a PacketWriter. It is not safe for concurrent use.
type Muxer struct {
	cfg Config
	log logrus.FieldLogger
	out common.PacketWriter

	pids     *pidAllocator
	services []*Service
	streams  map[uint16]*Stream

	patVersion  byte
	sdtVersion  byte
	patCC       continuityCounter
	sdtCC       continuityCounter
	pesSincePAT int
	pesSinceSDT int
	// tablesDirty forces PAT, PMTs and SDT before the next PES.
	tablesDirty bool
}

func NewMuxer(out common.PacketWriter, cfg Config) *Muxer {
	cfg.setDefaults()
	return &Muxer{
		cfg:         cfg,
		log:         cfg.Logger.WithField("container", "ts"),
		out:         out,
		pids:        newPidAllocator(),
		streams:     make(map[uint16]*Stream),
		tablesDirty: true,
	}
}

// AddService registers a program. Its PMT PID comes from the shared PID pool.
func (m *Muxer) AddService(info ServiceInfo) (*Service, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if m.Service(info.ID) != nil {
		return nil, fmt.Errorf("%w: duplicate service id %d", common.ErrInvalidServiceInfo, info.ID)
	}
	pid, err := m.pids.allocate()
	if err != nil {
		return nil, err
	}
	s := &Service{Info: info, PMTPID: pid, PCRPID: 0x1FFF}
	m.services = append(m.services, s)
	m.bumpPATAndSDT()
	m.log.WithFields(logrus.Fields{"service": info.ID, "pid": pid}).Info("service added")
	return s, nil
}

// RemoveService removes a program and all of its streams.
func (m *Muxer) RemoveService(id uint16) error {
	idx := slices.IndexFunc(m.services, func(s *Service) bool { return s.Info.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: unknown service id %d", common.ErrInvalidServiceInfo, id)
	}
	s := m.services[idx]
	for _, st := range s.Streams {
		m.pids.release(st.PID)
		delete(m.streams, st.PID)
	}
	m.pids.release(s.PMTPID)
	m.services = slices.Delete(m.services, idx, idx+1)
	m.bumpPATAndSDT()
	m.log.WithField("service", id).Info("service removed")
	return nil
}

func (m *Muxer) Service(id uint16) *Service {
	for _, s := range m.services {
		if s.Info.ID == id {
			return s
		}
	}
	return nil
}

func (m *Muxer) Services() []*Service {
	return m.services
}

// Stream returns the stream with the given PID, or nil.
func (m *Muxer) Stream(pid uint16) *Stream {
	return m.streams[pid]
}

// PATVersion and SDTVersion are the current table versions.
func (m *Muxer) PATVersion() byte { return m.patVersion }
func (m *Muxer) SDTVersion() byte { return m.sdtVersion }

func (m *Muxer) bumpPATAndSDT() {
	m.patVersion = (m.patVersion + 1) & 0x1F
	m.sdtVersion = (m.sdtVersion + 1) & 0x1F
	m.tablesDirty = true
}

// AddStreams adds streams to the first registered service.
func (m *Muxer) AddStreams(configs ...common.StreamConfig) ([]int, error) {
	if len(m.services) == 0 {
		return nil, fmt.Errorf("%w: no service registered", common.ErrInvalidServiceInfo)
	}
	return m.AddServiceStreams(m.services[0].Info.ID, configs...)
}

// AddServiceStreams allocates a PID per config and bumps the service PMT version. The returned
// stream ids are the PIDs. Nothing is registered if any config is rejected.
func (m *Muxer) AddServiceStreams(serviceID uint16, configs ...common.StreamConfig) ([]int, error) {
	s := m.Service(serviceID)
	if s == nil {
		return nil, fmt.Errorf("%w: unknown service id %d", common.ErrInvalidServiceInfo, serviceID)
	}
	types := make([]byte, len(configs))
	for i, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		st, err := streamTypeFor(cfg)
		if err != nil {
			return nil, err
		}
		types[i] = st
	}
	ids := make([]int, 0, len(configs))
	added := make([]*Stream, 0, len(configs))
	for i, cfg := range configs {
		pid, err := m.pids.allocate()
		if err != nil {
			for _, st := range added {
				m.pids.release(st.PID)
			}
			s.Streams = s.Streams[:len(s.Streams)-len(added)]
			return nil, err
		}
		st := &Stream{Config: cfg, PID: pid, StreamType: types[i], StreamID: s.nextStreamID(cfg), service: s}
		s.Streams = append(s.Streams, st)
		added = append(added, st)
		ids = append(ids, int(pid))
	}
	for _, st := range added {
		m.streams[st.PID] = st
		m.log.WithFields(logrus.Fields{"service": serviceID, "pid": st.PID, "streamId": st.StreamID}).
			Infof("stream added: %s", st.Config)
	}
	s.pickPCR()
	s.bumpPMT()
	m.tablesDirty = true
	return ids, nil
}

// RemoveStreams removes streams by id and bumps the PMT version of their services.
func (m *Muxer) RemoveStreams(ids ...int) error {
	for _, id := range ids {
		if m.streams[uint16(id)] == nil {
			return fmt.Errorf("%w: %d", common.ErrUnknownStreamPid, id)
		}
	}
	for _, id := range ids {
		st := m.streams[uint16(id)]
		if st == nil {
			// repeated id
			continue
		}
		s := st.service
		s.Streams = slices.DeleteFunc(s.Streams, func(x *Stream) bool { return x == st })
		delete(m.streams, st.PID)
		m.pids.release(st.PID)
		s.pickPCR()
		s.bumpPMT()
		m.log.WithFields(logrus.Fields{"service": s.Info.ID, "pid": st.PID}).Info("stream removed")
	}
	m.tablesDirty = true
	return nil
}

// Encode muxes one frame as a single PES. PAT and PMTs precede it every PATPeriod PES packets
// and on every video key frame, the SDT every SDTPeriod PES packets.
func (m *Muxer) Encode(f *common.Frame, streamID int) error {
	st := m.streams[uint16(streamID)]
	if st == nil {
		return fmt.Errorf("%w: %d", common.ErrUnknownStreamPid, streamID)
	}
	payload, err := st.payload(f)
	if err != nil {
		return err
	}
	isVideo := st.Config.IsVideo()

	if m.tablesDirty || m.pesSincePAT >= m.cfg.PATPeriod || (isVideo && f.IsKeyFrame) {
		if err := m.writePATAndPMTs(f.PTS); err != nil {
			return err
		}
	}
	if m.tablesDirty || m.pesSinceSDT >= m.cfg.SDTPeriod {
		if err := m.writeSDT(f.PTS); err != nil {
			return err
		}
	}
	m.tablesDirty = false

	pts := common.MicrosTo90k(f.PTS)
	dts := common.MicrosTo90k(f.DecodeTimestamp())
	hdr := &PESHeader{StreamID: st.StreamID, PTS: pts, DTS: dts, PayloadLen: len(payload), Unbounded: isVideo}
	pes := make([]byte, hdr.Size()+len(payload))
	n := bitio.MarshalTo(hdr, pes)
	copy(pes[n:], payload)

	var af *adaptationField
	if st.PID == st.service.PCRPID || (isVideo && f.IsKeyFrame) {
		af = &adaptationField{RandomAccess: isVideo && f.IsKeyFrame}
		if st.PID == st.service.PCRPID {
			af.HasPCR = true
			af.PCR = dts * 300
		}
	}
	pkt := common.Packet{Buffer: packetize(st.PID, &st.cc, pes, af), Timestamp: f.PTS, Type: st.Config.PacketType()}
	m.pesSincePAT++
	m.pesSinceSDT++
	return m.out.WritePacket(pkt)
}

func (m *Muxer) pat() *PAT {
	p := &PAT{TransportStreamID: m.cfg.TransportStreamID, Version: m.patVersion}
	for _, s := range m.services {
		p.Programs = append(p.Programs, PATEntry{ProgramNumber: s.Info.ID, PMTPID: s.PMTPID})
	}
	return p
}

func (m *Muxer) sdt() *SDT {
	t := &SDT{TransportStreamID: m.cfg.TransportStreamID, OriginalNetworkID: m.cfg.OriginalNetworkID, Version: m.sdtVersion}
	for _, s := range m.services {
		t.Services = append(t.Services, SDTService{
			ServiceID:   s.Info.ID,
			ServiceType: s.ServiceType(),
			Provider:    s.Info.Provider,
			Name:        s.Info.Name,
		})
	}
	return t
}

func (m *Muxer) writePATAndPMTs(ts int64) error {
	buf := packetizeSection(PidPAT, &m.patCC, bitio.Marshal(m.pat()))
	for _, s := range m.services {
		buf = append(buf, packetizeSection(s.PMTPID, &s.pmtCC, bitio.Marshal(s.pmt()))...)
	}
	m.pesSincePAT = 0
	return m.out.WritePacket(common.Packet{Buffer: buf, Timestamp: ts, Type: common.PacketOther})
}

func (m *Muxer) writeSDT(ts int64) error {
	buf := packetizeSection(PidSDT, &m.sdtCC, bitio.Marshal(m.sdt()))
	m.pesSinceSDT = 0
	return m.out.WritePacket(common.Packet{Buffer: buf, Timestamp: ts, Type: common.PacketOther})
}

// Reset clears emission state so the next Encode starts a fresh transport stream with the
// current services, streams and table versions.
func (m *Muxer) Reset() {
	m.patCC.reset()
	m.sdtCC.reset()
	for _, s := range m.services {
		s.pmtCC.reset()
		for _, st := range s.Streams {
			st.cc.reset()
		}
	}
	m.pesSincePAT = 0
	m.pesSinceSDT = 0
	m.tablesDirty = true
}

// Release drops all services and streams, returns their PIDs to the pool and restarts the
// table versions.
func (m *Muxer) Release() {
	m.services = nil
	m.streams = make(map[uint16]*Stream)
	m.pids.reset()
	m.patVersion = 0
	m.sdtVersion = 0
	m.Reset()
}

// Restart prepares the muxer for a new session. Streams are dropped, the PID pool and all table
// versions start over and the services are registered again, in their order, with new PMT PIDs.
// The result is the state of a new muxer that had the same AddService calls.
func (m *Muxer) Restart() {
	infos := make([]ServiceInfo, 0, len(m.services))
	for _, s := range m.services {
		infos = append(infos, s.Info)
	}
	m.Release()
	for _, info := range infos {
		if _, err := m.AddService(info); err != nil {
			m.log.WithError(err).WithField("service", info.ID).Error("service not restored")
		}
	}
}
