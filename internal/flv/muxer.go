package flv

import (
	"fmt"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/amf"
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/Eyevinn/streammux/internal/codec"
	"github.com/sirupsen/logrus"
)

// Config of an FLV muxer. WriteHeader is set for file outputs, RTMP publishers skip it.
type Config struct {
	WriteHeader bool
	Logger      logrus.FieldLogger
}

type track struct {
	id     int
	cfg    common.StreamConfig
	ps     codec.ParameterSets
	extra  [][]byte
	seqHdr bool
}

// Muxer writes at most one audio and one video stream as FLV tags. It is not safe for
// concurrent use.
type Muxer struct {
	cfg Config
	log logrus.FieldLogger
	out common.PacketWriter

	video  *track
	audio  *track
	nextID int

	gate           common.StartGate
	headerSent     bool
	resendVideoHdr bool
	resendAudioHdr bool
}

func NewMuxer(out common.PacketWriter, cfg Config) *Muxer {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Muxer{cfg: cfg, log: cfg.Logger.WithField("container", "flv"), out: out}
}

// fourCC returns the enhanced RTMP FourCC, empty for classic AVC.
func fourCC(mime string) string {
	switch mime {
	case common.MimeVideoHEVC:
		return "hvc1"
	case common.MimeVideoVP9:
		return "vp09"
	case common.MimeVideoAV1:
		return "av01"
	}
	return ""
}

// AddStreams registers one video and one audio stream at most. Nothing is registered if any
// config is rejected.
func (m *Muxer) AddStreams(configs ...common.StreamConfig) ([]int, error) {
	hasVideo, hasAudio := m.video != nil, m.audio != nil
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		switch {
		case cfg.IsVideo():
			if hasVideo {
				return nil, fmt.Errorf("%w: flv carries one video stream", common.ErrUnsupportedStreamCount)
			}
			hasVideo = true
		case cfg.MimeType == common.MimeAudioAAC:
			if hasAudio {
				return nil, fmt.Errorf("%w: flv carries one audio stream", common.ErrUnsupportedStreamCount)
			}
			hasAudio = true
		default:
			return nil, fmt.Errorf("%w: %q in flv", common.ErrUnsupportedCodec, cfg.MimeType)
		}
	}
	ids := make([]int, 0, len(configs))
	for _, cfg := range configs {
		t := &track{id: m.nextID, cfg: cfg}
		m.nextID++
		if cfg.IsVideo() {
			m.video = t
		} else {
			m.audio = t
		}
		ids = append(ids, t.id)
		m.log.WithField("streamId", t.id).Infof("stream added: %s", cfg)
	}
	m.gate.HasVideo = m.video != nil
	return ids, nil
}

func (m *Muxer) RemoveStreams(ids ...int) error {
	for _, id := range ids {
		if m.track(id) == nil {
			return fmt.Errorf("%w: %d", common.ErrUnknownStreamPid, id)
		}
	}
	for _, id := range ids {
		switch m.track(id) {
		case nil:
			// repeated id
		case m.video:
			m.video = nil
		case m.audio:
			m.audio = nil
		}
	}
	m.gate.HasVideo = m.video != nil
	return nil
}

func (m *Muxer) track(id int) *track {
	switch {
	case m.video != nil && m.video.id == id:
		return m.video
	case m.audio != nil && m.audio.id == id:
		return m.audio
	}
	return nil
}

// RequestHeaders makes the muxer send the sequence headers again, the video one before the
// next key frame.
func (m *Muxer) RequestHeaders() {
	m.resendVideoHdr = true
	m.resendAudioHdr = true
}

// Encode writes the tags of one frame. Frames before the first usable one, and frames that
// would have a negative timestamp after rebasing, are dropped without error.
func (m *Muxer) Encode(f *common.Frame, streamID int) error {
	t := m.track(streamID)
	if t == nil {
		return fmt.Errorf("%w: %d", common.ErrUnknownStreamPid, streamID)
	}
	isVideo := t.cfg.IsVideo()
	gateWasOpen := m.gate.Started()
	pts, dts, ok := m.gate.Admit(f, isVideo)
	if !ok {
		m.log.WithFields(logrus.Fields{"streamId": streamID, "pts": f.PTS}).Debug("frame dropped before start")
		return nil
	}

	var tags [][]byte
	var err error
	if isVideo {
		tags, err = m.videoTags(t, f, pts, dts)
	} else {
		tags, err = m.audioTags(t, f, dts)
	}
	if err != nil {
		if !gateWasOpen {
			m.gate.Reset()
		}
		return err
	}
	if !m.headerSent {
		if err := m.writeHeaderAndMetadata(); err != nil {
			return err
		}
	}
	pktType := t.cfg.PacketType()
	for _, tag := range tags {
		if err := m.out.WritePacket(common.Packet{Buffer: tag, Timestamp: dts, Type: pktType}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Muxer) writeHeaderAndMetadata() error {
	m.headerSent = true
	if m.cfg.WriteHeader {
		hdr := FileHeader{HasAudio: m.audio != nil, HasVideo: m.video != nil}
		if err := m.out.WritePacket(common.Packet{Buffer: bitio.Marshal(hdr), Type: common.PacketOther}); err != nil {
			return err
		}
	}
	var video, audio *common.StreamConfig
	if m.video != nil {
		video = &m.video.cfg
	}
	if m.audio != nil {
		audio = &m.audio.cfg
	}
	meta := Tag{Type: TagTypeScript, Body: amf.OnMetadata(video, audio)}
	return m.out.WritePacket(common.Packet{Buffer: marshalTag(meta), Type: common.PacketOther})
}

func msTimestamp(us int64) uint32 {
	return uint32(us / 1000)
}

func (m *Muxer) videoTags(t *track, f *common.Frame, pts, dts int64) ([][]byte, error) {
	mime := t.cfg.MimeType
	if len(f.Extra) > 0 {
		t.extra = f.Extra
	}
	if mime == common.MimeVideoAVC || mime == common.MimeVideoHEVC {
		for _, bufs := range [][][]byte{f.Extra, {f.Buffer}} {
			ps, err := codec.ExtractParameterSets(mime, bufs)
			if err != nil {
				return nil, err
			}
			if ps.Complete(mime) {
				t.ps = ps
			}
		}
	}

	var tags [][]byte
	ts := msTimestamp(dts)
	if f.IsKeyFrame && (!t.seqHdr || m.resendVideoHdr) {
		record, err := m.videoConfigRecord(t)
		if err != nil {
			return nil, err
		}
		tags = append(tags, marshalTag(Tag{Type: TagTypeVideo, Timestamp: ts, Body: m.videoBody(t, FrameTypeKey, true, 0, record)}))
		t.seqHdr = true
		m.resendVideoHdr = false
	}
	if !t.seqHdr {
		return nil, nil
	}

	var data []byte
	switch mime {
	case common.MimeVideoAVC, common.MimeVideoHEVC:
		var err error
		data, err = codec.ToAVCC(mime, codec.SplitNalus(f.Buffer), true)
		if err != nil {
			return nil, err
		}
	default:
		data = f.Buffer
	}
	frameType := byte(FrameTypeInter)
	if f.IsKeyFrame {
		frameType = FrameTypeKey
	}
	cts := int32((pts - dts) / 1000)
	tags = append(tags, marshalTag(Tag{Type: TagTypeVideo, Timestamp: ts, Body: m.videoBody(t, frameType, false, cts, rawData(data))}))
	return tags, nil
}

func (m *Muxer) videoBody(t *track, frameType byte, sequenceStart bool, cts int32, data bitio.Serializable) bitio.Serializable {
	mime := t.cfg.MimeType
	if mime == common.MimeVideoAVC {
		pt := byte(AVCPacketTypeNALU)
		if sequenceStart {
			pt = AVCPacketTypeSequenceHeader
		}
		return AVCVideoBody{FrameType: frameType, PacketType: pt, CompositionTime: cts, Data: data}
	}
	b := ExVideoBody{FrameType: frameType, PacketType: PacketTypeCodedFrames, FourCC: fourCC(mime), Data: data}
	if sequenceStart {
		b.PacketType = PacketTypeSequenceStart
	} else if mime == common.MimeVideoHEVC {
		b.HasCompositionTime = true
		b.CompositionTime = cts
	}
	return b
}

func (m *Muxer) videoConfigRecord(t *track) (bitio.Serializable, error) {
	switch t.cfg.MimeType {
	case common.MimeVideoAVC:
		return codec.NewAVCDecoderConfigurationRecord(t.ps.SPS, t.ps.PPS)
	case common.MimeVideoHEVC:
		return codec.NewHEVCDecoderConfigurationRecord(t.ps.VPS, t.ps.SPS, t.ps.PPS)
	case common.MimeVideoVP9:
		return codec.NewVPCodecConfigurationRecord(t.cfg), nil
	case common.MimeVideoAV1:
		return codec.NewAV1CodecConfigurationRecord(t.extra)
	}
	return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedCodec, t.cfg.MimeType)
}

func (m *Muxer) audioTags(t *track, f *common.Frame, dts int64) ([][]byte, error) {
	if len(f.Extra) > 0 {
		t.extra = f.Extra
	}
	var tags [][]byte
	ts := msTimestamp(dts)
	if !t.seqHdr || m.resendAudioHdr {
		asc, err := codec.AudioSpecificConfig(t.cfg, t.extra)
		if err != nil {
			return nil, err
		}
		tags = append(tags, marshalTag(Tag{Type: TagTypeAudio, Timestamp: ts, Body: AACAudioBody{PacketType: AACPacketTypeSequenceHeader, Data: rawData(asc)}}))
		t.seqHdr = true
		m.resendAudioHdr = false
	}
	data := f.Buffer
	if codec.HasADTSSync(data) {
		data = data[codec.ADTSHeaderLength(data):]
	}
	tags = append(tags, marshalTag(Tag{Type: TagTypeAudio, Timestamp: ts, Body: AACAudioBody{PacketType: AACPacketTypeRaw, Data: rawData(data)}}))
	return tags, nil
}

// Reset returns to the state before the first frame. Registered streams are kept.
func (m *Muxer) Reset() {
	m.gate.Reset()
	m.headerSent = false
	m.resendVideoHdr = false
	m.resendAudioHdr = false
	for _, t := range []*track{m.video, m.audio} {
		if t != nil {
			t.seqHdr = false
		}
	}
}

// Release drops the registered streams and restarts the stream ids.
func (m *Muxer) Release() {
	m.Reset()
	m.video = nil
	m.audio = nil
	m.nextID = 0
	m.gate.HasVideo = false
}

// Restart prepares the muxer for a new session, which has to register its streams again.
func (m *Muxer) Restart() {
	m.Release()
}
