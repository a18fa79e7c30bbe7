package mp4

import (
	"fmt"
	"time"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// MovieTimescale is the timescale of mvhd and tkhd.
const MovieTimescale = 1000

const DefaultFragmentDuration = 2 * time.Second

// Config of an MP4 muxer. Fragmented selects fMP4 output.
type Config struct {
	Fragmented       bool
	FragmentDuration time.Duration
	Logger           logrus.FieldLogger
}

// Muxer writes progressive MP4 at Flush, or fragmented MP4 as the frames arrive. It is not
// safe for concurrent use.
type Muxer struct {
	cfg Config
	log logrus.FieldLogger
	out common.PacketWriter

	tracks      []*track
	nextID      int
	nextTrackID uint32
	gate        common.StartGate

	// progressive mode, samples in arrival order
	order []*track

	// fragmented mode
	initSent  bool
	seqNum    uint32
	fragStart int64
	written   uint64
}

func NewMuxer(out common.PacketWriter, cfg Config) *Muxer {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.FragmentDuration <= 0 {
		cfg.FragmentDuration = DefaultFragmentDuration
	}
	container := "mp4"
	if cfg.Fragmented {
		container = "fmp4"
	}
	return &Muxer{cfg: cfg, log: cfg.Logger.WithField("container", container), out: out, nextTrackID: 1}
}

func (m *Muxer) AddStreams(configs ...common.StreamConfig) ([]int, error) {
	if m.cfg.Fragmented && m.initSent {
		return nil, fmt.Errorf("%w: tracks are fixed once the init segment is written", common.ErrUnsupportedStreamCount)
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	ids := make([]int, 0, len(configs))
	for _, cfg := range configs {
		t := newTrack(m.nextID, m.nextTrackID, cfg)
		m.nextID++
		m.nextTrackID++
		m.tracks = append(m.tracks, t)
		ids = append(ids, t.id)
		m.log.WithFields(logrus.Fields{"streamId": t.id, "trackId": t.trackID}).Infof("stream added: %s", cfg)
	}
	m.updateGate()
	return ids, nil
}

func (m *Muxer) RemoveStreams(ids ...int) error {
	for _, id := range ids {
		if m.track(id) == nil {
			return fmt.Errorf("%w: %d", common.ErrUnknownStreamPid, id)
		}
	}
	for _, id := range ids {
		t := m.track(id)
		m.tracks = slices.DeleteFunc(m.tracks, func(o *track) bool { return o == t })
		m.order = slices.DeleteFunc(m.order, func(o *track) bool { return o == t })
	}
	m.updateGate()
	return nil
}

func (m *Muxer) updateGate() {
	m.gate.HasVideo = slices.IndexFunc(m.tracks, (*track).isVideo) >= 0
}

func (m *Muxer) track(id int) *track {
	if i := slices.IndexFunc(m.tracks, func(t *track) bool { return t.id == id }); i >= 0 {
		return m.tracks[i]
	}
	return nil
}

// Encode buffers the sample of f. In fragmented mode a fragment is written first when f
// starts a new one.
func (m *Muxer) Encode(f *common.Frame, streamID int) error {
	t := m.track(streamID)
	if t == nil {
		return fmt.Errorf("%w: %d", common.ErrUnknownStreamPid, streamID)
	}
	gateWasOpen := m.gate.Started()
	pts, dts, ok := m.gate.Admit(f, t.isVideo())
	if !ok {
		m.log.WithFields(logrus.Fields{"streamId": streamID, "pts": f.PTS}).Debug("frame dropped before start")
		return nil
	}
	s, err := m.sample(t, f, pts, dts)
	if err != nil {
		if !gateWasOpen {
			m.gate.Reset()
		}
		return err
	}

	if !m.cfg.Fragmented {
		t.samples = append(t.samples, s)
		m.order = append(m.order, t)
		return nil
	}
	if m.startsFragment(t, s) {
		if err := m.writeFragment(t, s.dts); err != nil {
			return err
		}
	}
	if len(m.pendingTracks()) == 0 {
		m.fragStart = s.dtsUs
	}
	t.samples = append(t.samples, s)
	if !m.initSent && m.allReady() {
		return m.writeInit()
	}
	return nil
}

func (m *Muxer) sample(t *track, f *common.Frame, pts, dts int64) (sample, error) {
	if err := t.update(f); err != nil {
		return sample{}, err
	}
	data, err := t.sampleData(f)
	if err != nil {
		return sample{}, err
	}
	mdts := common.MicrosToTimescale(dts, t.timescale)
	return sample{
		dtsUs: dts,
		dts:   mdts,
		cto:   int32(common.MicrosToTimescale(pts, t.timescale) - mdts),
		sync:  f.IsKeyFrame || !t.isVideo(),
		data:  data,
	}, nil
}

func (m *Muxer) allReady() bool {
	for _, t := range m.tracks {
		if !t.ready() {
			return false
		}
	}
	return len(m.tracks) > 0
}

func (m *Muxer) pendingTracks() []*track {
	var pending []*track
	for _, t := range m.tracks {
		if len(t.samples) > 0 {
			pending = append(pending, t)
		}
	}
	return pending
}

// startsFragment reports whether s must open a new fragment: enough media is buffered and s
// is a video key frame, or any sample when there is no video track.
func (m *Muxer) startsFragment(t *track, s sample) bool {
	if !m.initSent || len(m.pendingTracks()) == 0 {
		return false
	}
	if s.dtsUs-m.fragStart < m.cfg.FragmentDuration.Microseconds() {
		return false
	}
	if m.gate.HasVideo {
		return t.isVideo() && s.sync
	}
	return true
}

func (m *Muxer) ftyp() *FtypBox {
	if m.cfg.Fragmented {
		return &FtypBox{MajorBrand: "iso6", CompatibleBrands: []string{"iso6", "isom", "mp41"}}
	}
	return &FtypBox{MajorBrand: "isom", MinorVersion: 0x200, CompatibleBrands: []string{"isom", "iso2", "mp41"}}
}

func (m *Muxer) emit(buf []byte, ts int64, typ common.PacketType) error {
	m.written += uint64(len(buf))
	return m.out.WritePacket(common.Packet{Buffer: buf, Timestamp: ts, Type: typ})
}

func (m *Muxer) writeInit() error {
	moov := NewContainer("moov", &MvhdBox{Timescale: MovieTimescale, NextTrackID: m.nextTrackID})
	mvex := NewContainer("mvex")
	for _, t := range m.tracks {
		moov.Add(t.trak(0, 0, &SttsBox{}, &StscBox{}, &StszBox{}, &ChunkOffsetBox{}))
		mvex.Add(&TrexBox{TrackID: t.trackID})
	}
	moov.Add(mvex)
	seg := append(bitio.Marshal(m.ftyp()), bitio.Marshal(moov)...)
	m.initSent = true
	m.log.WithField("tracks", len(m.tracks)).Info("init segment written")
	return m.emit(seg, 0, common.PacketOther)
}

// writeFragment writes the buffered samples as one moof and mdat. next is the decode time of
// the sample that follows in track cut.
func (m *Muxer) writeFragment(cut *track, next int64) error {
	pending := m.pendingTracks()
	if len(pending) == 0 {
		return nil
	}
	m.seqNum++
	moof := NewContainer("moof", &MfhdBox{SequenceNumber: m.seqNum})
	truns := make([]*TrunBox, 0, len(pending))
	pktType := common.PacketAudio
	var payload uint64
	for _, t := range pending {
		if t == cut {
			t.setDurations(next)
		} else {
			t.setDurations(-1)
		}
		trun := &TrunBox{DefaultFlags: t.defaultFlags()}
		for _, s := range t.samples {
			flags := SampleFlagsNonSync
			if s.sync {
				flags = SampleFlagsSync
			}
			trun.Samples = append(trun.Samples, TrunSample{Duration: s.duration, Size: uint32(len(s.data)), Flags: flags, CTO: s.cto})
			payload += uint64(len(s.data))
		}
		truns = append(truns, trun)
		tfhd := &TfhdBox{TrackID: t.trackID, DefaultSampleDuration: t.samples[0].duration, DefaultSampleFlags: t.defaultFlags()}
		moof.Add(NewContainer("traf", tfhd, &TfdtBox{BaseMediaDecodeTime: uint64(t.samples[0].dts)}, trun))
		if t.isVideo() {
			pktType = common.PacketVideo
		}
	}
	mdat := MdatHeader{PayloadSize: payload}
	offset := moof.Size() + mdat.Size()
	for i, t := range pending {
		truns[i].DataOffset = int32(offset)
		for _, s := range t.samples {
			offset += len(s.data)
		}
		if t.samples[0].sync {
			t.tfra = append(t.tfra, TfraEntry{Time: uint64(t.samples[0].dts), MoofOffset: m.written})
		}
	}

	buf := make([]byte, 0, offset)
	buf = append(buf, bitio.Marshal(moof)...)
	buf = append(buf, bitio.Marshal(mdat)...)
	for _, t := range pending {
		for _, s := range t.samples {
			buf = append(buf, s.data...)
		}
		t.samples = t.samples[:0]
	}
	m.log.WithFields(logrus.Fields{"sequence": m.seqNum, "size": len(buf)}).Debug("fragment written")
	return m.emit(buf, m.fragStart, pktType)
}

func (m *Muxer) writeMfra() error {
	mfra := &MfraBox{}
	for _, t := range m.tracks {
		if len(t.tfra) > 0 {
			mfra.Tfras = append(mfra.Tfras, &TfraBox{TrackID: t.trackID, Entries: t.tfra})
		}
	}
	return m.emit(bitio.Marshal(mfra), 0, common.PacketOther)
}

// Flush completes the output. A progressive file is written as a whole, a fragmented one gets
// its last fragment and the mfra. Nothing is written before the first usable frame.
func (m *Muxer) Flush() error {
	if !m.cfg.Fragmented {
		return m.writeFile()
	}
	if !m.initSent {
		if len(m.pendingTracks()) > 0 {
			m.log.Warn("stopped before every track had its decoder configuration, samples dropped")
		}
		return nil
	}
	if err := m.writeFragment(nil, -1); err != nil {
		return err
	}
	return m.writeMfra()
}

type chunkLayout struct {
	samplesPerChunk []uint32
	offsets         []uint64
}

// layout groups the samples into chunks, runs of consecutive samples of one track, and
// returns the chunk offsets relative to the start of the mdat payload.
func (m *Muxer) layout() (map[*track]*chunkLayout, uint64) {
	chunks := make(map[*track]*chunkLayout, len(m.tracks))
	for _, t := range m.tracks {
		chunks[t] = &chunkLayout{}
	}
	next := make(map[*track]int, len(m.tracks))
	var offset uint64
	var prev *track
	for _, t := range m.order {
		c := chunks[t]
		if t != prev {
			c.samplesPerChunk = append(c.samplesPerChunk, 0)
			c.offsets = append(c.offsets, offset)
			prev = t
		}
		c.samplesPerChunk[len(c.samplesPerChunk)-1]++
		offset += uint64(len(t.samples[next[t]].data))
		next[t]++
	}
	return chunks, offset
}

func (m *Muxer) moov(chunks map[*track]*chunkLayout, base uint64, large bool) *ContainerBox {
	mvhd := &MvhdBox{Timescale: MovieTimescale, NextTrackID: m.nextTrackID}
	moov := NewContainer("moov", mvhd)
	for _, t := range m.tracks {
		if len(t.samples) == 0 {
			continue
		}
		c := chunks[t]
		mediaDuration := t.mediaDuration()
		movieDuration := toMovieTime(mediaDuration, t.timescale)
		if movieDuration > mvhd.Duration {
			mvhd.Duration = movieDuration
		}
		offsets := make([]uint64, len(c.offsets))
		for i, o := range c.offsets {
			offsets[i] = base + o
		}
		moov.Add(t.trak(movieDuration, mediaDuration, sampleTables(t, c.samplesPerChunk, &ChunkOffsetBox{Large: large, Offsets: offsets})...))
	}
	return moov
}

func sampleTables(t *track, samplesPerChunk []uint32, stco *ChunkOffsetBox) []bitio.Serializable {
	stts := &SttsBox{}
	ctts := &CttsBox{}
	stsz := &StszBox{SampleSizes: make([]uint32, 0, len(t.samples))}
	stss := &StssBox{}
	hasCTO := false
	for i, s := range t.samples {
		if n := len(stts.Entries); n > 0 && stts.Entries[n-1].Delta == s.duration {
			stts.Entries[n-1].Count++
		} else {
			stts.Entries = append(stts.Entries, SttsEntry{Count: 1, Delta: s.duration})
		}
		if n := len(ctts.Entries); n > 0 && ctts.Entries[n-1].Offset == s.cto {
			ctts.Entries[n-1].Count++
		} else {
			ctts.Entries = append(ctts.Entries, CttsEntry{Count: 1, Offset: s.cto})
		}
		hasCTO = hasCTO || s.cto != 0
		stsz.SampleSizes = append(stsz.SampleSizes, uint32(len(s.data)))
		if s.sync {
			stss.SampleNumbers = append(stss.SampleNumbers, uint32(i+1))
		}
	}
	tables := []bitio.Serializable{stts}
	if hasCTO {
		tables = append(tables, ctts)
	}
	tables = append(tables, NewStscBox(samplesPerChunk), stsz, stco)
	if t.isVideo() && len(stss.SampleNumbers) < len(t.samples) {
		tables = append(tables, stss)
	}
	return tables
}

// writeFile emits ftyp, moov and mdat of a progressive file. The chunk offsets switch to
// co64 when the last one does not fit 32 bits.
func (m *Muxer) writeFile() error {
	if len(m.order) == 0 {
		return nil
	}
	for _, t := range m.tracks {
		t.setDurations(-1)
	}
	chunks, payload := m.layout()
	ftyp := m.ftyp()
	mdat := MdatHeader{PayloadSize: payload}

	large := false
	moov := m.moov(chunks, 0, large)
	base := uint64(ftyp.Size() + moov.Size() + mdat.Size())
	var last uint64
	for _, c := range chunks {
		if n := len(c.offsets); n > 0 && c.offsets[n-1] > last {
			last = c.offsets[n-1]
		}
	}
	if base+last > 0xFFFFFFFF {
		large = true
		moov = m.moov(chunks, 0, large)
		base = uint64(ftyp.Size() + moov.Size() + mdat.Size())
	}
	moov = m.moov(chunks, base, large)

	head := make([]byte, 0, base)
	head = append(head, bitio.Marshal(ftyp)...)
	head = append(head, bitio.Marshal(moov)...)
	head = append(head, bitio.Marshal(mdat)...)
	if err := m.emit(head, 0, common.PacketOther); err != nil {
		return err
	}
	next := make(map[*track]int, len(m.tracks))
	for _, t := range m.order {
		s := t.samples[next[t]]
		next[t]++
		if err := m.emit(s.data, s.dtsUs, t.cfg.PacketType()); err != nil {
			return err
		}
	}
	m.log.WithFields(logrus.Fields{"samples": len(m.order), "size": m.written}).Info("file written")
	return nil
}

// Reset returns to the state before the first frame and drops buffered samples. Registered
// streams are kept, new sample entries are built from the next frames.
func (m *Muxer) Reset() {
	m.gate.Reset()
	m.order = nil
	m.initSent = false
	m.seqNum = 0
	m.fragStart = 0
	m.written = 0
	for _, t := range m.tracks {
		t.reset()
	}
}

// Release drops the registered streams and restarts stream and track ids.
func (m *Muxer) Release() {
	m.Reset()
	m.tracks = nil
	m.nextID = 0
	m.nextTrackID = 1
	m.updateGate()
}

// Restart prepares the muxer for a new file, which has to register its streams again.
func (m *Muxer) Restart() {
	m.Release()
}
