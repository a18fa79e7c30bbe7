package common

import "errors"

// Configuration errors. Raised from AddStreams/AddService or the first Encode of a stream.
var (
	ErrUnsupportedCodec       = errors.New("unsupported codec")
	ErrUnsupportedStreamCount = errors.New("unsupported stream count")
	ErrMissingConfiguration   = errors.New("missing codec configuration")
	ErrInvalidServiceInfo     = errors.New("invalid service info")
)

// ErrNoAvailablePid is fatal to the session.
var ErrNoAvailablePid = errors.New("no available pid")

// Protocol and state errors.
var (
	ErrUnknownStreamPid  = errors.New("unknown stream pid")
	ErrEncodeBeforeStart = errors.New("encode before start")
	ErrDoubleStart       = errors.New("muxer already started")
)

// ErrBufferOverflow signals a size/write disagreement in a serializer.
var ErrBufferOverflow = errors.New("buffer overflow")

// IsFatal reports whether err leaves the session unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNoAvailablePid) || errors.Is(err, ErrBufferOverflow)
}
