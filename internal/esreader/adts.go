package esreader

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/Eyevinn/streammux/internal/codec"
)

// SamplesPerAACFrame is the frame length of AAC-LC.
const SamplesPerAACFrame = 1024

// maxResyncBytes bounds the garbage skipped while looking for the next syncword.
const maxResyncBytes = 8192

// AACFrame is one raw AAC frame with the ADTS header removed.
type AACFrame struct {
	Payload      []byte
	SampleRate   int
	ChannelCount int
}

// ADTSReader reads AAC frames from an ADTS stream.
type ADTSReader struct {
	rd *bufio.Reader
	// Skipped counts bytes discarded to regain sync.
	Skipped int
}

func NewADTSReader(r io.Reader) *ADTSReader {
	return &ADTSReader{rd: bufio.NewReaderSize(r, readChunkSize)}
}

// ReadFrame returns the next frame, or io.EOF at the end of the stream.
func (r *ADTSReader) ReadFrame() (*AACFrame, error) {
	skipped := 0
	for {
		hdr, err := r.rd.Peek(codec.ADTSHeaderSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(hdr) == 0 {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("reading adts header: %w", err)
		}
		h, err := codec.ParseADTSHeader(hdr)
		if err != nil {
			if skipped >= maxResyncBytes {
				return nil, fmt.Errorf("no adts sync in %d bytes: %w", skipped, err)
			}
			_, _ = r.rd.Discard(1)
			skipped++
			r.Skipped++
			continue
		}
		frame := make([]byte, h.FrameLength)
		if _, err := io.ReadFull(r.rd, frame); err != nil {
			return nil, fmt.Errorf("reading adts frame: %w", err)
		}
		hl := codec.ADTSHeaderLength(frame)
		if hl > len(frame) {
			return nil, fmt.Errorf("adts frame length %d shorter than header", h.FrameLength)
		}
		channels := int(h.ChannelConfig)
		if channels == 7 {
			channels = 8
		}
		return &AACFrame{
			Payload:      frame[hl:],
			SampleRate:   codec.SampleRateFromIndex(h.SampleRateIndex),
			ChannelCount: channels,
		}, nil
	}
}
