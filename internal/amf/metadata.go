package amf

import (
	"github.com/Eyevinn/streammux/common"
)

// Codec ids used in onMetaData.
const (
	VideoCodecIDAVC = 7
	AudioCodecIDAAC = 10
)

// FourCCNumber interprets a four character code as a big endian number, as enhanced RTMP
// does for videocodecid.
func FourCCNumber(code string) float64 {
	var v uint32
	for i := 0; i < 4 && i < len(code); i++ {
		v = v<<8 | uint32(code[i])
	}
	return float64(v)
}

// VideoCodecID returns the onMetaData videocodecid for a video mime type.
func VideoCodecID(mime string) (float64, bool) {
	switch mime {
	case common.MimeVideoAVC:
		return VideoCodecIDAVC, true
	case common.MimeVideoHEVC:
		return FourCCNumber("hvc1"), true
	case common.MimeVideoVP9:
		return FourCCNumber("vp09"), true
	case common.MimeVideoAV1:
		return FourCCNumber("av01"), true
	}
	return 0, false
}

// OnMetadata builds the onMetaData script body for at most one audio and one video stream.
// Keys appear in a fixed order: duration, audio keys, then video keys.
func OnMetadata(video, audio *common.StreamConfig) Sequence {
	props := ECMAArray{{Key: "duration", Value: Number(0)}}
	if audio != nil {
		props = append(props,
			Property{"audiocodecid", Number(AudioCodecIDAAC)},
			Property{"audiodatarate", Number(float64(audio.StartBitrate) / 1000)},
			Property{"audiosamplerate", Number(audio.SampleRate)},
			Property{"audiosamplesize", Number(audio.AudioBitDepth())},
			Property{"stereo", Boolean(audio.ChannelCount >= 2)},
		)
	}
	if video != nil {
		id, _ := VideoCodecID(video.MimeType)
		props = append(props,
			Property{"videocodecid", Number(id)},
			Property{"videodatarate", Number(float64(video.StartBitrate) / 1000)},
			Property{"width", Number(video.Width)},
			Property{"height", Number(video.Height)},
			Property{"framerate", Number(video.VideoFrameRate())},
		)
	}
	return Sequence{String("onMetaData"), props}
}
