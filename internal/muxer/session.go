package muxer

import (
	"fmt"
	"sync"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/ts"
	"github.com/sirupsen/logrus"
)

// Session serializes all calls into one engine and tracks whether muxing has started.
type Session struct {
	mu      sync.Mutex
	engine  Engine
	log     logrus.FieldLogger
	started bool
	// fatal is set by an error that leaves the engine unusable.
	fatal error
}

func NewSession(out common.PacketWriter, opts Options) (*Session, error) {
	engine, err := NewEngine(out, opts)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{engine: engine, log: log.WithField("session", string(opts.Container))}, nil
}

// NewSessionWithEngine wraps an existing engine.
func NewSessionWithEngine(engine Engine, log logrus.FieldLogger) *Session {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{engine: engine, log: log}
}

func (s *Session) check(err error) error {
	if err != nil && common.IsFatal(err) {
		s.fatal = err
		s.log.WithError(err).Error("session failed")
	}
	return err
}

func (s *Session) failed() error {
	if s.fatal != nil {
		return fmt.Errorf("session failed: %w", s.fatal)
	}
	return nil
}

func (s *Session) AddStreams(configs ...common.StreamConfig) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	ids, err := s.engine.AddStreams(configs...)
	return ids, s.check(err)
}

func (s *Session) RemoveStreams(ids ...int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	return s.check(s.engine.RemoveStreams(ids...))
}

func (s *Session) tsEngine() (*ts.Muxer, error) {
	m, ok := s.engine.(*ts.Muxer)
	if !ok {
		return nil, fmt.Errorf("%w: services are a transport stream feature", common.ErrInvalidServiceInfo)
	}
	return m, nil
}

// AddService registers another program. Only transport stream sessions have services.
func (s *Session) AddService(info ts.ServiceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	m, err := s.tsEngine()
	if err != nil {
		return err
	}
	_, err = m.AddService(info)
	return s.check(err)
}

func (s *Session) RemoveService(id uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	m, err := s.tsEngine()
	if err != nil {
		return err
	}
	return s.check(m.RemoveService(id))
}

// AddServiceStreams adds streams to a given program of a transport stream session.
func (s *Session) AddServiceStreams(serviceID uint16, configs ...common.StreamConfig) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return nil, err
	}
	m, err := s.tsEngine()
	if err != nil {
		return nil, err
	}
	ids, err := m.AddServiceStreams(serviceID, configs...)
	return ids, s.check(err)
}

func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	if s.started {
		return common.ErrDoubleStart
	}
	s.started = true
	s.log.Info("started")
	return nil
}

func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Encode muxes f into the stream streamID. The frame is released on every path.
func (s *Session) Encode(f *common.Frame, streamID int) error {
	defer f.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failed(); err != nil {
		return err
	}
	if !s.started {
		return common.ErrEncodeBeforeStart
	}
	return s.check(s.engine.Encode(f, streamID))
}

// RequestHeaders asks the engine to resend its codec headers when it supports it.
func (s *Session) RequestHeaders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hr, ok := s.engine.(HeaderRequester); ok {
		hr.RequestHeaders()
	}
}

// Stop completes the output and resets all per-session state: streams, PID allocations,
// table versions and first-frame gating. The next session registers its streams again and
// gets the ids and PIDs a new session would get. Transport stream services are kept.
// Stopping a session that is not started does nothing.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	var err error
	if fl, ok := s.engine.(Flusher); ok && s.fatal == nil {
		err = fl.Flush()
	}
	s.engine.Restart()
	s.fatal = nil
	s.log.Info("stopped")
	return err
}

// Release stops without completing the output and drops every stream.
func (s *Session) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.fatal = nil
	s.engine.Release()
}
