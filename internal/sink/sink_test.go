package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Eyevinn/streammux/common"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry(quietLogger())
	require.Equal(t, []string{"file", "rtmp", "stdout", "ws", "wss"}, r.Schemes())

	cases := []struct {
		url  string
		want any
	}{
		{"-", &WriterSink{}},
		{"out.ts", &FileSink{}},
		{"/tmp/out.flv", &FileSink{}},
		{"file:///tmp/out.mp4", &FileSink{}},
		{"rtmp://localhost/live/stream", &RTMPSink{}},
		{"ws://localhost:8080/ingest", &WebSocketSink{}},
	}
	for _, c := range cases {
		t.Run(c.url, func(t *testing.T) {
			s, err := r.New(c.url)
			require.NoError(t, err)
			require.IsType(t, c.want, s)
		})
	}

	_, err := r.New("srt://localhost:9000")
	require.ErrorIs(t, err, ErrUnknownScheme)
	_, err = r.New("rtmp://localhost/stream")
	require.Error(t, err)
}

func TestFileSinkPaths(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Register("file", newFileSinkFromURL)
	for in, want := range map[string]string{
		"out.ts":              "out.ts",
		"dir/out.ts":          "dir/out.ts",
		"/abs/out.ts":         "/abs/out.ts",
		"file:///abs/out.mp4": "/abs/out.mp4",
	} {
		s, err := r.New(in)
		require.NoError(t, err)
		require.Equal(t, want, s.(*FileSink).path)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.ts")
	s := NewFileSink(path, quietLogger())
	require.ErrorIs(t, s.WritePacket(common.Packet{Buffer: []byte{1}}), ErrNotOpen)
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.WritePacket(common.Packet{Buffer: []byte{1, 2}}))
	require.NoError(t, s.WritePacket(common.Packet{Buffer: []byte{3}}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, data)
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := &WriterSink{W: &buf}
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.WritePacket(common.Packet{Buffer: []byte("abc")}))
	require.NoError(t, s.Close())
	require.Equal(t, "abc", buf.String())
}

type recordingSink struct {
	mu      sync.Mutex
	packets [][]byte
	failAt  int
	closed  bool
}

func (s *recordingSink) Open(context.Context) error { return nil }

func (s *recordingSink) WritePacket(pkt common.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.packets)+1 == s.failAt {
		return errors.New("disk full")
	}
	s.packets = append(s.packets, pkt.Buffer)
	return nil
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

func TestAsyncSinkKeepsOrder(t *testing.T) {
	next := &recordingSink{}
	s := NewAsync(next, 2)
	require.ErrorIs(t, s.WritePacket(common.Packet{Buffer: []byte{0}}), ErrNotOpen)
	require.NoError(t, s.Open(context.Background()))
	buf := []byte{0}
	for i := 0; i < 100; i++ {
		buf[0] = byte(i)
		require.NoError(t, s.WritePacket(common.Packet{Buffer: buf}))
	}
	require.NoError(t, s.Close())
	require.True(t, next.closed)
	require.Len(t, next.packets, 100)
	for i, p := range next.packets {
		require.Equal(t, []byte{byte(i)}, p)
	}
	require.ErrorIs(t, s.WritePacket(common.Packet{Buffer: buf}), ErrClosed)
}

func TestAsyncSinkReportsError(t *testing.T) {
	s := NewAsync(&recordingSink{failAt: 3}, 1)
	require.NoError(t, s.Open(context.Background()))
	for i := 0; i < 5; i++ {
		_ = s.WritePacket(common.Packet{Buffer: []byte{byte(i)}})
	}
	require.ErrorContains(t, s.Close(), "disk full")
}

func TestAsyncSinkCloseWithoutOpen(t *testing.T) {
	next := &recordingSink{}
	require.NoError(t, NewAsync(next, 0).Close())
	require.True(t, next.closed)
}

func TestFLVTagSplit(t *testing.T) {
	tag := []byte{9, 0, 0, 2, 0x12, 0x34, 0x56, 0x01, 0, 0, 0, 0xAA, 0xBB, 0, 0, 0, 13}
	typ, ts, body, err := flvTag(tag)
	require.NoError(t, err)
	require.Equal(t, byte(9), typ)
	require.Equal(t, uint32(0x01123456), ts)
	require.Equal(t, []byte{0xAA, 0xBB}, body)

	_, _, _, err = flvTag(tag[:12])
	require.Error(t, err)
}

func TestSplitRTMPPath(t *testing.T) {
	app, name, err := splitRTMPPath("/live/cam1")
	require.NoError(t, err)
	require.Equal(t, "live", app)
	require.Equal(t, "cam1", name)

	app, name, err = splitRTMPPath("/a/b/key")
	require.NoError(t, err)
	require.Equal(t, "a/b", app)
	require.Equal(t, "key", name)

	for _, p := range []string{"", "/live", "/live/"} {
		_, _, err = splitRTMPPath(p)
		require.Error(t, err, p)
	}
}

func TestWebSocketSink(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				close(received)
				return
			}
			if mt == websocket.BinaryMessage {
				received <- data
			}
		}
	}))
	defer srv.Close()

	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http") + "/ingest")
	require.NoError(t, err)
	s := NewWebSocketSink(u, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.WritePacket(common.Packet{Buffer: []byte{0x47, 1}}))
	require.NoError(t, s.WritePacket(common.Packet{Buffer: []byte{0x47, 2}}))
	require.NoError(t, s.Close())

	var got [][]byte
	for data := range received {
		got = append(got, data)
	}
	require.Equal(t, [][]byte{{0x47, 1}, {0x47, 2}}, got)
}

type rtmpTestHandler struct {
	rtmp.DefaultHandler
	published chan string
	video     chan []byte
	audio     chan []byte
}

func (h *rtmpTestHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	h.published <- cmd.PublishingName
	return nil
}

func (h *rtmpTestHandler) OnVideo(_ uint32, payload io.Reader) error {
	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	h.video <- data
	return nil
}

func (h *rtmpTestHandler) OnAudio(_ uint32, payload io.Reader) error {
	data, err := io.ReadAll(payload)
	if err != nil {
		return err
	}
	h.audio <- data
	return nil
}

func TestRTMPSinkPublishes(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	h := &rtmpTestHandler{published: make(chan string, 1), video: make(chan []byte, 4), audio: make(chan []byte, 4)}
	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{Handler: h, Logger: quietLogger()}
		},
	})
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	u, err := url.Parse("rtmp://" + ln.Addr().String() + "/live/cam1")
	require.NoError(t, err)
	s := NewRTMPSink(u, quietLogger())
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	select {
	case name := <-h.published:
		require.Equal(t, "cam1", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no publish")
	}

	require.NoError(t, s.WritePacket(common.Packet{Buffer: []byte("FLV\x01\x05\x00\x00\x00\x09\x00\x00\x00\x00")}))
	video := []byte{9, 0, 0, 3, 0, 0, 40, 0, 0, 0, 0, 0x17, 0x01, 0x00, 0, 0, 0, 14}
	require.NoError(t, s.WritePacket(common.Packet{Buffer: video}))
	audio := []byte{8, 0, 0, 2, 0, 0, 40, 0, 0, 0, 0, 0xAF, 0x01, 0, 0, 0, 13}
	require.NoError(t, s.WritePacket(common.Packet{Buffer: audio}))

	select {
	case data := <-h.video:
		require.Equal(t, []byte{0x17, 0x01, 0x00}, data)
	case <-time.After(5 * time.Second):
		t.Fatal("no video message")
	}
	select {
	case data := <-h.audio:
		require.Equal(t, []byte{0xAF, 0x01}, data)
	case <-time.After(5 * time.Second):
		t.Fatal("no audio message")
	}
}
