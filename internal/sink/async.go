package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/Eyevinn/streammux/common"
)

var ErrClosed = errors.New("sink closed")

// AsyncSink decouples the muxer from a slow sink. Packets are copied into a bounded queue and
// written by one goroutine. The first write error is returned by the following WritePacket
// and by Close.
type AsyncSink struct {
	next  Sink
	queue chan common.Packet
	done  chan struct{}

	// sendMu guards closed and sends on queue.
	sendMu  sync.RWMutex
	closed  bool
	started bool

	errMu sync.Mutex
	err   error
}

func NewAsync(next Sink, depth int) *AsyncSink {
	if depth <= 0 {
		depth = 64
	}
	return &AsyncSink{next: next, queue: make(chan common.Packet, depth), done: make(chan struct{})}
}

func (s *AsyncSink) Open(ctx context.Context) error {
	if err := s.next.Open(ctx); err != nil {
		return err
	}
	s.sendMu.Lock()
	s.started = true
	s.sendMu.Unlock()
	go s.run()
	return nil
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for pkt := range s.queue {
		if s.failed() != nil {
			continue
		}
		if err := s.next.WritePacket(pkt); err != nil {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
		}
	}
}

func (s *AsyncSink) failed() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// WritePacket blocks while the queue is full.
func (s *AsyncSink) WritePacket(pkt common.Packet) error {
	if err := s.failed(); err != nil {
		return err
	}
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	switch {
	case s.closed:
		return ErrClosed
	case !s.started:
		return ErrNotOpen
	}
	pkt.Buffer = append([]byte(nil), pkt.Buffer...)
	s.queue <- pkt
	return nil
}

// Close drains the queue and closes the wrapped sink.
func (s *AsyncSink) Close() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.queue)
	s.sendMu.Unlock()
	if started {
		<-s.done
	}
	return errors.Join(s.failed(), s.next.Close())
}
