package sink

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/Eyevinn/streammux/common"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 5 * time.Second

// WebSocketSink sends every packet as one binary message.
type WebSocketSink struct {
	u    *url.URL
	log  logrus.FieldLogger
	conn *websocket.Conn
}

func NewWebSocketSink(u *url.URL, log logrus.FieldLogger) *WebSocketSink {
	return &WebSocketSink{u: u, log: log}
}

func newWebSocketSinkFromURL(u *url.URL, log logrus.FieldLogger) (Sink, error) {
	return NewWebSocketSink(u, log), nil
}

func (s *WebSocketSink) Open(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.u.String(), nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", s.u.Redacted(), err)
	}
	s.conn = conn
	s.log.WithField("url", s.u.Redacted()).Info("websocket sink connected")
	return nil
}

func (s *WebSocketSink) WritePacket(pkt common.Packet) error {
	if s.conn == nil {
		return ErrNotOpen
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, pkt.Buffer)
}

func (s *WebSocketSink) Close() error {
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout)); err != nil {
		s.log.WithError(err).Debug("websocket close message not sent")
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
