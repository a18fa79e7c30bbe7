package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/Eyevinn/streammux/common"
	"github.com/sirupsen/logrus"
)

// FileSink writes the packets back to back into a file.
type FileSink struct {
	path string
	log  logrus.FieldLogger
	f    *os.File
	w    *bufio.Writer
}

func NewFileSink(path string, log logrus.FieldLogger) *FileSink {
	return &FileSink{path: path, log: log}
}

func newFileSinkFromURL(u *url.URL, log logrus.FieldLogger) (Sink, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + u.Path
	}
	if path == "" {
		return nil, fmt.Errorf("file sink: empty path")
	}
	return NewFileSink(path, log), nil
}

func (s *FileSink) Open(ctx context.Context) error {
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("file sink: %w", err)
	}
	s.f = f
	s.w = bufio.NewWriterSize(f, 1<<16)
	s.log.WithField("path", s.path).Info("file sink opened")
	return nil
}

func (s *FileSink) WritePacket(pkt common.Packet) error {
	if s.w == nil {
		return ErrNotOpen
	}
	_, err := s.w.Write(pkt.Buffer)
	return err
}

func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.w.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f, s.w = nil, nil
	return err
}

// WriterSink writes the packets to an io.Writer it does not own.
type WriterSink struct {
	W io.Writer
}

func newStdoutSinkFromURL(_ *url.URL, _ logrus.FieldLogger) (Sink, error) {
	return &WriterSink{W: os.Stdout}, nil
}

func (s *WriterSink) Open(ctx context.Context) error { return nil }

func (s *WriterSink) WritePacket(pkt common.Packet) error {
	_, err := s.W.Write(pkt.Buffer)
	return err
}

func (s *WriterSink) Close() error {
	if f, ok := s.W.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
