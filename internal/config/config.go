// Package config loads session settings from a config file and STREAMMUX_ environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/muxer"
	"github.com/Eyevinn/streammux/internal/ts"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "STREAMMUX"

type Config struct {
	Container         string               `mapstructure:"container"`
	Output            string               `mapstructure:"output"`
	Service           ts.ServiceInfo       `mapstructure:"service"`
	TransportStreamID uint16               `mapstructure:"transportStreamId"`
	PATPeriod         int                  `mapstructure:"patPeriod"`
	SDTPeriod         int                  `mapstructure:"sdtPeriod"`
	FragmentDuration  time.Duration        `mapstructure:"fragmentDuration"`
	LogLevel          string               `mapstructure:"logLevel"`
	Video             *common.StreamConfig `mapstructure:"video"`
	Audio             *common.StreamConfig `mapstructure:"audio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("container", string(common.ContainerTS))
	v.SetDefault("output", "-")
	v.SetDefault("service.id", muxer.DefaultService.ID)
	v.SetDefault("service.name", muxer.DefaultService.Name)
	v.SetDefault("service.provider", muxer.DefaultService.Provider)
	v.SetDefault("transportStreamId", 1)
	v.SetDefault("patPeriod", ts.DefaultPATPeriod)
	v.SetDefault("sdtPeriod", ts.DefaultSDTPeriod)
	v.SetDefault("fragmentDuration", "2s")
	v.SetDefault("logLevel", "info")
}

// Load reads path, when set, on top of the defaults. Environment variables override both,
// STREAMMUX_SERVICE_NAME sets service.name.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"video.mimeType", "video.width", "video.height", "video.frameRate", "audio.mimeType", "audio.sampleRate", "audio.channelCount"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	dropEmptyStream(&c.Video)
	dropEmptyStream(&c.Audio)
	return &c, nil
}

func dropEmptyStream(cfg **common.StreamConfig) {
	if *cfg != nil && (*cfg).MimeType == "" {
		*cfg = nil
	}
}

// ContainerType parses Container.
func (c *Config) ContainerType() (common.ContainerType, error) {
	return common.ParseContainerType(c.Container)
}

// Streams returns the configured streams, video first.
func (c *Config) Streams() []common.StreamConfig {
	var streams []common.StreamConfig
	for _, s := range []*common.StreamConfig{c.Video, c.Audio} {
		if s != nil {
			streams = append(streams, *s)
		}
	}
	return streams
}

func (c *Config) Validate() error {
	container, err := c.ContainerType()
	if err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if container == common.ContainerTS {
		if err := c.Service.Validate(); err != nil {
			return err
		}
	}
	if c.Video != nil && !c.Video.IsVideo() {
		return fmt.Errorf("%w: %q configured as video", common.ErrUnsupportedCodec, c.Video.MimeType)
	}
	if c.Audio != nil && !c.Audio.IsAudio() {
		return fmt.Errorf("%w: %q configured as audio", common.ErrUnsupportedCodec, c.Audio.MimeType)
	}
	streams := c.Streams()
	if len(streams) == 0 {
		return errors.New("no stream configured")
	}
	for _, s := range streams {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Options returns the session options of the configuration.
func (c *Config) Options(log logrus.FieldLogger) (muxer.Options, error) {
	container, err := c.ContainerType()
	if err != nil {
		return muxer.Options{}, err
	}
	return muxer.Options{
		Container:         container,
		Service:           c.Service,
		TransportStreamID: c.TransportStreamID,
		PATPeriod:         c.PATPeriod,
		SDTPeriod:         c.SDTPeriod,
		FragmentDuration:  c.FragmentDuration,
		Logger:            log,
	}, nil
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	return l
}
