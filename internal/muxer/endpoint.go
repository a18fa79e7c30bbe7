package muxer

import (
	"context"
	"errors"

	"github.com/Eyevinn/streammux/internal/sink"
)

// Endpoint is a session writing into a sink.
type Endpoint struct {
	Muxer *Session
	Sink  sink.Sink
}

// NewEndpoint creates a session whose engine writes into snk. RTMP sinks get FLV without the
// file header.
func NewEndpoint(snk sink.Sink, opts Options) (*Endpoint, error) {
	if _, ok := snk.(*sink.RTMPSink); ok {
		opts.OmitFLVHeader = true
	}
	s, err := NewSession(snk, opts)
	if err != nil {
		return nil, err
	}
	return &Endpoint{Muxer: s, Sink: snk}, nil
}

func (e *Endpoint) Open(ctx context.Context) error {
	return e.Sink.Open(ctx)
}

func (e *Endpoint) Start() error {
	return e.Muxer.Start()
}

func (e *Endpoint) Stop() error {
	return e.Muxer.Stop()
}

// Close stops the session, releases it and closes the sink.
func (e *Endpoint) Close() error {
	err := e.Muxer.Stop()
	e.Muxer.Release()
	return errors.Join(err, e.Sink.Close())
}
