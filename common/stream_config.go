package common

import (
	"fmt"
	"strings"
)

// Mime types of the supported elementary streams.
const (
	MimeVideoAVC  = "video/avc"
	MimeVideoHEVC = "video/hevc"
	MimeVideoVP9  = "video/x-vnd.on2.vp9"
	MimeVideoAV1  = "video/av01"
	MimeAudioAAC  = "audio/mp4a-latm"
	MimeAudioOpus = "audio/opus"
)

// ContainerType selects the engine of a muxing session.
type ContainerType string

const (
	ContainerTS   ContainerType = "ts"
	ContainerFLV  ContainerType = "flv"
	ContainerMP4  ContainerType = "mp4"
	ContainerFMP4 ContainerType = "fmp4"
)

func ParseContainerType(s string) (ContainerType, error) {
	switch c := ContainerType(strings.ToLower(s)); c {
	case ContainerTS, ContainerFLV, ContainerMP4, ContainerFMP4:
		return c, nil
	case "mpegts", "m2ts":
		return ContainerTS, nil
	}
	return "", fmt.Errorf("unknown container type %q", s)
}

// StreamConfig describes one elementary stream. It must not be mutated after registration.
type StreamConfig struct {
	MimeType     string `json:"mimeType"`
	StartBitrate int    `json:"startBitrate"`

	// Audio
	SampleRate   int `json:"sampleRate,omitempty"`
	ChannelCount int `json:"channelCount,omitempty"`
	BitDepth     int `json:"bitDepth,omitempty"`

	// Video
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	FrameRate float64 `json:"frameRate,omitempty"`
	Profile   int     `json:"profile,omitempty"`
	Level     int     `json:"level,omitempty"`
}

func (c StreamConfig) IsVideo() bool {
	return strings.HasPrefix(c.MimeType, "video/")
}

func (c StreamConfig) IsAudio() bool {
	return strings.HasPrefix(c.MimeType, "audio/")
}

// PacketType returns the transport hint for frames of this stream.
func (c StreamConfig) PacketType() PacketType {
	switch {
	case c.IsVideo():
		return PacketVideo
	case c.IsAudio():
		return PacketAudio
	}
	return PacketOther
}

// Validate checks that the mime type is known and that the mandatory fields are set.
func (c StreamConfig) Validate() error {
	switch c.MimeType {
	case MimeVideoAVC, MimeVideoHEVC, MimeVideoVP9, MimeVideoAV1:
		if c.Width <= 0 || c.Height <= 0 {
			return fmt.Errorf("%w: invalid resolution %dx%d", ErrMissingConfiguration, c.Width, c.Height)
		}
	case MimeAudioAAC, MimeAudioOpus:
		if c.SampleRate <= 0 || c.ChannelCount <= 0 {
			return fmt.Errorf("%w: invalid audio format %d Hz %d ch", ErrMissingConfiguration, c.SampleRate, c.ChannelCount)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedCodec, c.MimeType)
	}
	return nil
}

// AudioBitDepth returns BitDepth or the 16 bit default.
func (c StreamConfig) AudioBitDepth() int {
	if c.BitDepth <= 0 {
		return 16
	}
	return c.BitDepth
}

// VideoFrameRate returns FrameRate or the 30 fps default.
func (c StreamConfig) VideoFrameRate() float64 {
	if c.FrameRate <= 0 {
		return 30
	}
	return c.FrameRate
}

func (c StreamConfig) String() string {
	if c.IsVideo() {
		return fmt.Sprintf("%s %dx%d@%g %d bps", c.MimeType, c.Width, c.Height, c.VideoFrameRate(), c.StartBitrate)
	}
	return fmt.Sprintf("%s %d Hz %d ch %d bps", c.MimeType, c.SampleRate, c.ChannelCount, c.StartBitrate)
}
