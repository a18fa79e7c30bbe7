package mp4

import (
	"fmt"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/Eyevinn/streammux/internal/codec"
)

// VideoTimescale is the media timescale of video tracks. Audio tracks use their sample rate.
const VideoTimescale = 90000

type sample struct {
	dtsUs    int64
	dts      int64 // media timescale
	cto      int32
	duration uint32
	sync     bool
	data     []byte
}

type track struct {
	id        int
	trackID   uint32
	cfg       common.StreamConfig
	timescale uint32

	ps    codec.ParameterSets
	extra [][]byte
	entry bitio.Serializable

	samples      []sample
	lastDuration uint32
	tfra         []TfraEntry
}

func newTrack(id int, trackID uint32, cfg common.StreamConfig) *track {
	t := &track{id: id, trackID: trackID, cfg: cfg, timescale: VideoTimescale}
	if cfg.IsAudio() {
		t.timescale = uint32(cfg.SampleRate)
	}
	return t
}

func (t *track) reset() {
	t.ps = codec.ParameterSets{}
	t.extra = nil
	t.entry = nil
	t.samples = nil
	t.lastDuration = 0
	t.tfra = nil
}

func (t *track) isVideo() bool {
	return t.cfg.IsVideo()
}

// defaultDuration is used for a sample whose successor is unknown and no earlier duration exists.
func (t *track) defaultDuration() uint32 {
	switch t.cfg.MimeType {
	case common.MimeAudioAAC:
		return 1024
	case common.MimeAudioOpus:
		return t.timescale / 50
	}
	return uint32(float64(t.timescale) / t.cfg.VideoFrameRate())
}

func (t *track) defaultFlags() uint32 {
	if t.isVideo() {
		return SampleFlagsNonSync
	}
	return SampleFlagsSync
}

// update caches the decoder configuration carried by f and builds the sample entry once it is
// complete.
func (t *track) update(f *common.Frame) error {
	mime := t.cfg.MimeType
	if len(f.Extra) > 0 {
		t.extra = f.Extra
	}
	if mime == common.MimeVideoAVC || mime == common.MimeVideoHEVC {
		for _, bufs := range [][][]byte{f.Extra, {f.Buffer}} {
			ps, err := codec.ExtractParameterSets(mime, bufs)
			if err != nil {
				return err
			}
			if ps.Complete(mime) {
				t.ps = ps
			}
		}
	}
	if t.entry != nil {
		return nil
	}
	entry, err := t.sampleEntry()
	if err != nil {
		return err
	}
	t.entry = entry
	return nil
}

func (t *track) ready() bool {
	if t.entry == nil {
		if entry, err := t.sampleEntry(); err == nil {
			t.entry = entry
		}
	}
	return t.entry != nil
}

func (t *track) sampleEntry() (bitio.Serializable, error) {
	cfg := t.cfg
	switch cfg.MimeType {
	case common.MimeVideoAVC:
		rec, err := codec.NewAVCDecoderConfigurationRecord(t.ps.SPS, t.ps.PPS)
		if err != nil {
			return nil, err
		}
		return &VisualSampleEntry{Type: "avc1", Width: cfg.Width, Height: cfg.Height, Config: &PayloadBox{Type: "avcC", Payload: rec}}, nil
	case common.MimeVideoHEVC:
		rec, err := codec.NewHEVCDecoderConfigurationRecord(t.ps.VPS, t.ps.SPS, t.ps.PPS)
		if err != nil {
			return nil, err
		}
		return &VisualSampleEntry{Type: "hvc1", Width: cfg.Width, Height: cfg.Height, Config: &PayloadBox{Type: "hvcC", Payload: rec}}, nil
	case common.MimeVideoVP9:
		rec := codec.NewVPCodecConfigurationRecord(cfg)
		return &VisualSampleEntry{Type: "vp09", Width: cfg.Width, Height: cfg.Height, Config: &FullPayloadBox{Type: "vpcC", Version: 1, Payload: rec}}, nil
	case common.MimeVideoAV1:
		rec, err := codec.NewAV1CodecConfigurationRecord(t.extra)
		if err != nil {
			return nil, err
		}
		return &VisualSampleEntry{Type: "av01", Width: cfg.Width, Height: cfg.Height, Config: &PayloadBox{Type: "av1C", Payload: rec}}, nil
	case common.MimeAudioAAC:
		asc, err := codec.AudioSpecificConfig(cfg, t.extra)
		if err != nil {
			return nil, err
		}
		esds := &EsdsBox{ESID: uint16(t.trackID), MaxBitrate: uint32(cfg.StartBitrate), AvgBitrate: uint32(cfg.StartBitrate), ASC: asc}
		return &AudioSampleEntry{Type: "mp4a", ChannelCount: cfg.ChannelCount, SampleSize: cfg.AudioBitDepth(), SampleRate: cfg.SampleRate, Config: esds}, nil
	case common.MimeAudioOpus:
		head := codec.OpusHeadFor(cfg, t.extra)
		dops := &PayloadBox{Type: "dOps", Payload: codec.OpusSpecificBox{Head: head}}
		return &AudioSampleEntry{Type: "Opus", ChannelCount: cfg.ChannelCount, SampleSize: 16, SampleRate: 48000, Config: dops}, nil
	}
	return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedCodec, cfg.MimeType)
}

// sampleData returns the payload stored in mdat: length prefixed NAL units without parameter
// sets or access unit delimiter, raw AAC, or the frame as is.
func (t *track) sampleData(f *common.Frame) ([]byte, error) {
	mime := t.cfg.MimeType
	switch mime {
	case common.MimeVideoAVC, common.MimeVideoHEVC:
		nalus := codec.SplitNalus(f.Buffer)
		if codec.StartsWithAUD(mime, nalus) {
			nalus = nalus[1:]
		}
		return codec.ToAVCC(mime, nalus, true)
	case common.MimeAudioAAC:
		if codec.HasADTSSync(f.Buffer) {
			return append([]byte(nil), f.Buffer[codec.ADTSHeaderLength(f.Buffer):]...), nil
		}
	}
	return append([]byte(nil), f.Buffer...), nil
}

// setDurations fills the durations of the buffered samples. next is the decode time of the
// sample following the last one, or -1 when unknown.
func (t *track) setDurations(next int64) {
	for i := range t.samples {
		var d int64 = -1
		if i+1 < len(t.samples) {
			d = t.samples[i+1].dts - t.samples[i].dts
		} else if next >= 0 {
			d = next - t.samples[i].dts
		}
		switch {
		case d >= 0:
			t.samples[i].duration = uint32(d)
			t.lastDuration = uint32(d)
		case t.lastDuration > 0:
			t.samples[i].duration = t.lastDuration
		default:
			t.samples[i].duration = t.defaultDuration()
		}
	}
}

func (t *track) mediaDuration() uint64 {
	var d uint64
	for _, s := range t.samples {
		d += uint64(s.duration)
	}
	return d
}

func (t *track) handler() *HdlrBox {
	if t.isVideo() {
		return &HdlrBox{HandlerType: "vide", Name: "VideoHandler"}
	}
	return &HdlrBox{HandlerType: "soun", Name: "SoundHandler"}
}

func (t *track) mediaHeader() bitio.Serializable {
	if t.isVideo() {
		return VmhdBox{}
	}
	return SmhdBox{}
}

// trak builds the track box around the given sample table children.
func (t *track) trak(movieDuration, mediaDuration uint64, tables ...bitio.Serializable) *ContainerBox {
	tkhd := &TkhdBox{TrackID: t.trackID, Duration: movieDuration, Matrix: bitio.IdentityMatrix}
	if t.isVideo() {
		tkhd.Width, tkhd.Height = t.cfg.Width, t.cfg.Height
	} else {
		tkhd.Volume = 1
	}
	stbl := NewContainer("stbl", &StsdBox{Entries: []bitio.Serializable{t.entry}})
	stbl.Children = append(stbl.Children, tables...)
	minf := NewContainer("minf", t.mediaHeader(), NewContainer("dinf", DrefBox{}), stbl)
	mdia := NewContainer("mdia", &MdhdBox{Timescale: t.timescale, Duration: mediaDuration}, t.handler(), minf)
	return NewContainer("trak", tkhd, mdia)
}

func toMovieTime(d uint64, timescale uint32) uint64 {
	if timescale == 0 {
		return 0
	}
	return d * MovieTimescale / uint64(timescale)
}
