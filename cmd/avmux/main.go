package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal"
	"github.com/Eyevinn/streammux/internal/codec"
	"github.com/Eyevinn/streammux/internal/config"
	"github.com/Eyevinn/streammux/internal/esreader"
	"github.com/Eyevinn/streammux/internal/muxer"
	"github.com/Eyevinn/streammux/internal/sink"
	"github.com/sirupsen/logrus"
)

type options struct {
	ConfigFile  string
	Container   string
	Output      string
	VideoFile   string
	VideoCodec  string
	AudioFile   string
	Width       int
	Height      int
	FrameRate   float64
	ServiceName string
	LogLevel    string
	Realtime    bool
	Version     bool
}

func parseOptions() options {
	opts := options{}
	flag.StringVar(&opts.ConfigFile, "config", "", "config file (yaml, json or toml)")
	flag.StringVar(&opts.Container, "container", "", "container: ts, flv, mp4 or fmp4")
	flag.StringVar(&opts.Output, "o", "", "output file or URL (- for stdout, rtmp://, ws://)")
	flag.StringVar(&opts.VideoFile, "video", "", "H.264 or HEVC Annex-B elementary stream")
	flag.StringVar(&opts.VideoCodec, "vcodec", "", "video codec: avc or hevc (default from file extension)")
	flag.StringVar(&opts.AudioFile, "audio", "", "AAC ADTS elementary stream")
	flag.IntVar(&opts.Width, "width", 0, "video width (default from SPS)")
	flag.IntVar(&opts.Height, "height", 0, "video height (default from SPS)")
	flag.Float64Var(&opts.FrameRate, "fps", 0, "video frame rate (default 30)")
	flag.StringVar(&opts.ServiceName, "service", "", "MPEG-TS service name")
	flag.StringVar(&opts.LogLevel, "loglevel", "", "log level")
	flag.BoolVar(&opts.Realtime, "realtime", false, "pace output at the frame rate")
	flag.BoolVar(&opts.Version, "version", false, "print version")

	flag.Usage = func() {
		parts := strings.Split(os.Args[0], "/")
		name := parts[len(parts)-1]
		fmt.Fprintf(os.Stderr, usg, name, name)
		fmt.Fprintf(os.Stderr, "\nRun as: %s [options] with options:\n\n", name)
		flag.PrintDefaults()
	}

	flag.Parse()
	return opts
}

var usg = `Usage of %s:

%s muxes H.264/HEVC Annex-B video and AAC ADTS audio into MPEG-TS, FLV, MP4 or
fragmented MP4 and writes it to a file, stdout, an RTMP server or a WebSocket.
Settings can come from a config file and STREAMMUX_* environment variables.
Command line options override both.
`

func main() {
	o := parseOptions()
	if o.Version {
		fmt.Printf("avmux version %s\n", internal.GetVersion())
		os.Exit(0)
	}
	if o.VideoFile == "" && o.AudioFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()

	if err := run(ctx, o); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, o options) error {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return err
	}
	applyOptions(cfg, o)

	var video *videoSource
	if o.VideoFile != "" {
		fh, err := os.Open(o.VideoFile)
		if err != nil {
			return err
		}
		defer fh.Close()
		if video, err = newVideoSource(fh, cfg, o); err != nil {
			return err
		}
	}
	var audio *audioSource
	if o.AudioFile != "" {
		fh, err := os.Open(o.AudioFile)
		if err != nil {
			return err
		}
		defer fh.Close()
		if audio, err = newAudioSource(fh, cfg); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logger()
	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}
	snk, err := sink.DefaultRegistry(logger).New(cfg.Output)
	if err != nil {
		return err
	}
	if isNetworkOutput(cfg.Output) {
		snk = sink.NewAsync(snk, networkQueueDepth)
	}
	ep, err := muxer.NewEndpoint(snk, opts)
	if err != nil {
		return err
	}
	if err := ep.Open(ctx); err != nil {
		return errors.Join(err, ep.Close())
	}
	err = mux(ctx, ep.Muxer, cfg, video, audio, o.Realtime, logger)
	return errors.Join(err, ep.Close())
}

// networkQueueDepth bounds the packets buffered in front of a network sink.
const networkQueueDepth = 256

func isNetworkOutput(output string) bool {
	scheme, _, found := strings.Cut(output, "://")
	if !found {
		return false
	}
	switch strings.ToLower(scheme) {
	case "rtmp", "ws", "wss":
		return true
	}
	return false
}

func applyOptions(cfg *config.Config, o options) {
	if o.Container != "" {
		cfg.Container = o.Container
	}
	if o.Output != "" {
		cfg.Output = o.Output
	}
	if o.ServiceName != "" {
		cfg.Service.Name = o.ServiceName
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
}

// videoMime picks the codec from -vcodec or the file extension.
func videoMime(o options) (string, error) {
	name := strings.ToLower(o.VideoCodec)
	if name == "" {
		name = strings.TrimPrefix(strings.ToLower(filepath.Ext(o.VideoFile)), ".")
	}
	switch name {
	case "avc", "h264", "264":
		return common.MimeVideoAVC, nil
	case "hevc", "h265", "265":
		return common.MimeVideoHEVC, nil
	}
	return "", fmt.Errorf("%w: cannot tell video codec of %q, use -vcodec", common.ErrUnsupportedCodec, o.VideoFile)
}

type videoSource struct {
	rd   *esreader.AnnexBReader
	next *esreader.AccessUnit
	n    int64
	fps  float64
	id   int
}

func newVideoSource(r io.Reader, cfg *config.Config, o options) (*videoSource, error) {
	mime, err := videoMime(o)
	if err != nil {
		return nil, err
	}
	rd, err := esreader.NewAnnexBReader(r, mime)
	if err != nil {
		return nil, err
	}
	first, err := rd.ReadAccessUnit()
	if err != nil {
		return nil, fmt.Errorf("reading first access unit of %s: %w", o.VideoFile, err)
	}
	if cfg.Video == nil {
		cfg.Video = &common.StreamConfig{MimeType: mime}
	}
	v := cfg.Video
	if o.Width > 0 && o.Height > 0 {
		v.Width, v.Height = o.Width, o.Height
	}
	if o.FrameRate > 0 {
		v.FrameRate = o.FrameRate
	}
	if v.FrameRate <= 0 {
		v.FrameRate = 30
	}
	if (v.Width <= 0 || v.Height <= 0) && mime == common.MimeVideoAVC {
		if ps, err := codec.ExtractParameterSets(mime, [][]byte{first.Data}); err == nil && len(ps.SPS) > 0 {
			if sps, err := avc.ParseSPSNALUnit(ps.SPS[0], false); err == nil {
				v.Width, v.Height = int(sps.Width), int(sps.Height)
			}
		}
	}
	return &videoSource{rd: rd, next: first, fps: v.FrameRate}, nil
}

func (s *videoSource) pts() int64 {
	return int64(float64(s.n) * 1e6 / s.fps)
}

func (s *videoSource) advance() error {
	au, err := s.rd.ReadAccessUnit()
	if err == io.EOF {
		s.next = nil
		return nil
	}
	s.next = au
	s.n++
	return err
}

type audioSource struct {
	rd   *esreader.ADTSReader
	next *esreader.AACFrame
	n    int64
	rate int
	id   int
}

func newAudioSource(r io.Reader, cfg *config.Config) (*audioSource, error) {
	rd := esreader.NewADTSReader(r)
	first, err := rd.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading first adts frame: %w", err)
	}
	if cfg.Audio == nil {
		cfg.Audio = &common.StreamConfig{MimeType: common.MimeAudioAAC, SampleRate: first.SampleRate, ChannelCount: first.ChannelCount}
	}
	if first.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: reserved adts sample rate", common.ErrMissingConfiguration)
	}
	return &audioSource{rd: rd, next: first, rate: first.SampleRate}, nil
}

func (s *audioSource) pts() int64 {
	return s.n * esreader.SamplesPerAACFrame * 1_000_000 / int64(s.rate)
}

func (s *audioSource) advance() error {
	f, err := s.rd.ReadFrame()
	if err == io.EOF {
		s.next = nil
		return nil
	}
	s.next = f
	s.n++
	return err
}

// mux feeds both sources to the session in presentation order, video first on ties.
func mux(ctx context.Context, sess *muxer.Session, cfg *config.Config, video *videoSource, audio *audioSource, realtime bool, log logrus.FieldLogger) error {
	var configs []common.StreamConfig
	if video != nil {
		configs = append(configs, *cfg.Video)
	}
	if audio != nil {
		configs = append(configs, *cfg.Audio)
	}
	ids, err := sess.AddStreams(configs...)
	if err != nil {
		return err
	}
	if video != nil {
		video.id, ids = ids[0], ids[1:]
	}
	if audio != nil {
		audio.id = ids[0]
	}
	if err := sess.Start(); err != nil {
		return err
	}

	pool := common.NewFramePool()
	start := time.Now()
	nrFrames := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted")
			return nil
		default:
		}
		useVideo := video != nil && video.next != nil
		useAudio := audio != nil && audio.next != nil
		if !useVideo && !useAudio {
			break
		}
		if useVideo && useAudio {
			useVideo = video.pts() <= audio.pts()
		}
		var f *common.Frame
		var id int
		if useVideo {
			f = pool.Wrap(video.next.Data, video.pts(), video.next.IsKeyFrame)
			id = video.id
			err = video.advance()
		} else {
			f = pool.Wrap(audio.next.Payload, audio.pts(), true)
			id = audio.id
			err = audio.advance()
		}
		if err != nil {
			f.Close()
			return err
		}
		if realtime {
			if d := time.Duration(f.PTS)*time.Microsecond - time.Since(start); d > 0 {
				time.Sleep(d)
			}
		}
		if err := sess.Encode(f, id); err != nil {
			if common.IsFatal(err) {
				return err
			}
			log.WithError(err).Warn("frame dropped")
		}
		nrFrames++
	}
	log.WithField("frames", nrFrames).Info("input exhausted")
	return nil
}
