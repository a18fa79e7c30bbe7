// Package muxer puts one container engine behind a session with a start/stop lifecycle and
// composes it with a sink.
package muxer

import (
	"fmt"
	"time"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/flv"
	"github.com/Eyevinn/streammux/internal/mp4"
	"github.com/Eyevinn/streammux/internal/ts"
	"github.com/sirupsen/logrus"
)

// Engine is a container muxer. Engines assume serialized access.
type Engine interface {
	AddStreams(configs ...common.StreamConfig) ([]int, error)
	RemoveStreams(ids ...int) error
	Encode(f *common.Frame, streamID int) error
	// Reset returns to the state before the first frame, keeping the registered streams.
	Reset()
	// Restart returns to the state of a new engine. Streams, stream ids, PID allocations,
	// table versions and first-frame gating all start over.
	Restart()
	// Release drops everything.
	Release()
}

// Flusher is implemented by engines that complete their output at stop.
type Flusher interface {
	Flush() error
}

// HeaderRequester is implemented by engines that can resend their codec headers.
type HeaderRequester interface {
	RequestHeaders()
}

// Options select and configure the engine of a session.
type Options struct {
	Container common.ContainerType
	// Service is the program of a transport stream. A zero value gets DefaultService.
	Service           ts.ServiceInfo
	TransportStreamID uint16
	PATPeriod         int
	SDTPeriod         int
	// OmitFLVHeader is set for RTMP outputs.
	OmitFLVHeader    bool
	FragmentDuration time.Duration
	Logger           logrus.FieldLogger
}

var DefaultService = ts.ServiceInfo{ID: 1, Name: "streammux", Provider: "Eyevinn"}

// NewEngine creates the engine for opts.Container writing to out.
func NewEngine(out common.PacketWriter, opts Options) (Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	switch opts.Container {
	case common.ContainerTS:
		m := ts.NewMuxer(out, ts.Config{
			TransportStreamID: opts.TransportStreamID,
			PATPeriod:         opts.PATPeriod,
			SDTPeriod:         opts.SDTPeriod,
			Logger:            opts.Logger,
		})
		service := opts.Service
		if service == (ts.ServiceInfo{}) {
			service = DefaultService
		}
		if _, err := m.AddService(service); err != nil {
			return nil, err
		}
		return m, nil
	case common.ContainerFLV:
		return flv.NewMuxer(out, flv.Config{WriteHeader: !opts.OmitFLVHeader, Logger: opts.Logger}), nil
	case common.ContainerMP4, common.ContainerFMP4:
		return mp4.NewMuxer(out, mp4.Config{
			Fragmented:       opts.Container == common.ContainerFMP4,
			FragmentDuration: opts.FragmentDuration,
			Logger:           opts.Logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown container type %q", opts.Container)
}
