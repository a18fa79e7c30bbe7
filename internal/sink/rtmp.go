package sink

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/Eyevinn/streammux/common"
	"github.com/sirupsen/logrus"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

const (
	rtmpDefaultPort = "1935"
	rtmpChunkSize   = 128

	rtmpAudioChunkStreamID = 4
	rtmpVideoChunkStreamID = 6
	rtmpDataChunkStreamID  = 8

	flvTagHeaderSize = 11
	flvTagAudio      = 8
	flvTagVideo      = 9
	flvTagScript     = 18
)

// RTMPSink publishes FLV tags to an RTMP server. The URL path holds the application and the
// stream name, rtmp://host[:port]/app/name. The FLV muxer feeding it must not write a file
// header.
type RTMPSink struct {
	u   *url.URL
	log logrus.FieldLogger

	client *rtmp.ClientConn
	stream *rtmp.Stream
}

func NewRTMPSink(u *url.URL, log logrus.FieldLogger) *RTMPSink {
	return &RTMPSink{u: u, log: log}
}

func newRTMPSinkFromURL(u *url.URL, log logrus.FieldLogger) (Sink, error) {
	if _, _, err := splitRTMPPath(u.Path); err != nil {
		return nil, err
	}
	return NewRTMPSink(u, log), nil
}

func splitRTMPPath(path string) (app, name string, err error) {
	path = strings.TrimPrefix(path, "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", fmt.Errorf("rtmp sink: path %q is not /app/stream", path)
	}
	return path[:i], path[i+1:], nil
}

func (s *RTMPSink) Open(ctx context.Context) error {
	app, name, err := splitRTMPPath(s.u.Path)
	if err != nil {
		return err
	}
	host := s.u.Host
	if s.u.Port() == "" {
		host = net.JoinHostPort(s.u.Hostname(), rtmpDefaultPort)
	}
	client, err := rtmp.Dial("rtmp", host, &rtmp.ConnConfig{Logger: s.log})
	if err != nil {
		return fmt.Errorf("rtmp dial %s: %w", host, err)
	}
	tcURL := fmt.Sprintf("rtmp://%s/%s", s.u.Host, app)
	if err := client.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{App: app, Type: "nonprivate", FlashVer: "FMLE/3.0", TCURL: tcURL},
	}); err != nil {
		client.Close()
		return fmt.Errorf("rtmp connect: %w", err)
	}
	stream, err := client.CreateStream(nil, rtmpChunkSize)
	if err != nil {
		client.Close()
		return fmt.Errorf("rtmp create stream: %w", err)
	}
	if err := stream.Publish(&rtmpmsg.NetStreamPublish{PublishingName: name, PublishingType: "live"}); err != nil {
		client.Close()
		return fmt.Errorf("rtmp publish: %w", err)
	}
	s.client, s.stream = client, stream
	s.log.WithFields(logrus.Fields{"app": app, "stream": name}).Info("rtmp publishing")
	return nil
}

// flvTag splits one FLV tag followed by its PreviousTagSize.
func flvTag(buf []byte) (tagType byte, timestamp uint32, body []byte, err error) {
	if len(buf) < flvTagHeaderSize {
		return 0, 0, nil, fmt.Errorf("rtmp sink: short flv tag of %d bytes", len(buf))
	}
	size := int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	if len(buf) < flvTagHeaderSize+size {
		return 0, 0, nil, fmt.Errorf("rtmp sink: flv tag body of %d bytes truncated to %d", size, len(buf)-flvTagHeaderSize)
	}
	timestamp = uint32(buf[7])<<24 | uint32(buf[4])<<16 | uint32(buf[5])<<8 | uint32(buf[6])
	return buf[0], timestamp, buf[flvTagHeaderSize : flvTagHeaderSize+size], nil
}

func (s *RTMPSink) WritePacket(pkt common.Packet) error {
	if s.stream == nil {
		return ErrNotOpen
	}
	if bytes.HasPrefix(pkt.Buffer, []byte("FLV")) {
		return nil
	}
	tagType, ts, body, err := flvTag(pkt.Buffer)
	if err != nil {
		return err
	}
	switch tagType {
	case flvTagAudio:
		return s.stream.Write(rtmpAudioChunkStreamID, ts, &rtmpmsg.AudioMessage{Payload: bytes.NewReader(body)})
	case flvTagVideo:
		return s.stream.Write(rtmpVideoChunkStreamID, ts, &rtmpmsg.VideoMessage{Payload: bytes.NewReader(body)})
	case flvTagScript:
		return s.stream.Write(rtmpDataChunkStreamID, ts, &rtmpmsg.DataMessage{
			Name:     "@setDataFrame",
			Encoding: rtmpmsg.EncodingTypeAMF0,
			Body:     bytes.NewReader(body),
		})
	}
	return fmt.Errorf("rtmp sink: unexpected flv tag type %d", tagType)
}

func (s *RTMPSink) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client, s.stream = nil, nil
	return err
}
