// Package sink delivers muxed packets to files, writers and network endpoints.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Eyevinn/streammux/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	ErrUnknownScheme = errors.New("unknown sink scheme")
	ErrNotOpen       = errors.New("sink not open")
)

// Sink accepts the ordered packets of one session.
type Sink interface {
	common.PacketWriter
	Open(ctx context.Context) error
	Close() error
}

// Factory creates a sink for a parsed URL.
type Factory func(u *url.URL, log logrus.FieldLogger) (Sink, error)

// Registry maps URL schemes to sink factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	log       logrus.FieldLogger
}

func NewRegistry(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{factories: make(map[string]Factory), log: log}
}

// DefaultRegistry knows file, stdout, rtmp, ws and wss.
func DefaultRegistry(log logrus.FieldLogger) *Registry {
	r := NewRegistry(log)
	r.Register("file", newFileSinkFromURL)
	r.Register("stdout", newStdoutSinkFromURL)
	r.Register("rtmp", newRTMPSinkFromURL)
	r.Register("ws", newWebSocketSinkFromURL)
	r.Register("wss", newWebSocketSinkFromURL)
	return r
}

func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Schemes returns the registered schemes in sorted order.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := maps.Keys(r.factories)
	slices.Sort(schemes)
	return schemes
}

// New creates the sink for rawURL. "-" means stdout and a plain path means a file.
func (r *Registry) New(rawURL string) (Sink, error) {
	switch {
	case rawURL == "-":
		rawURL = "stdout:"
	case !strings.Contains(rawURL, "://") && !strings.HasSuffix(rawURL, ":"):
		rawURL = "file://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse sink url: %w", err)
	}
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return f(u, r.log.WithField("sink", u.Scheme))
}
