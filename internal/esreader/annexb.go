// Package esreader splits raw elementary stream files into frames: H.264 and HEVC Annex-B
// byte streams into access units and ADTS streams into AAC frames.
package esreader

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/Eyevinn/streammux/common"
)

const readChunkSize = 64 * 1024

var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// AccessUnit is one coded picture in Annex-B form with 4 byte start codes.
type AccessUnit struct {
	Data       []byte
	IsKeyFrame bool
	NrNalus    int
}

// AnnexBReader reads access units from an H.264 or HEVC Annex-B byte stream.
type AnnexBReader struct {
	mime string
	rd   io.Reader

	buf     []byte
	scanned int
	synced  bool
	eof     bool

	nalus   [][]byte
	hasVCL  bool
	key     bool
	pending []byte
}

func NewAnnexBReader(r io.Reader, mime string) (*AnnexBReader, error) {
	if mime != common.MimeVideoAVC && mime != common.MimeVideoHEVC {
		return nil, fmt.Errorf("%w: no annex-b reader for %q", common.ErrUnsupportedCodec, mime)
	}
	return &AnnexBReader{mime: mime, rd: bufio.NewReaderSize(r, readChunkSize)}, nil
}

func (r *AnnexBReader) fill() error {
	chunk := make([]byte, readChunkSize)
	n, err := r.rd.Read(chunk)
	r.buf = append(r.buf, chunk[:n]...)
	if err == io.EOF {
		r.eof = true
		return nil
	}
	return err
}

// nextNALU returns the next NAL unit without start code and trailing zero bytes.
func (r *AnnexBReader) nextNALU() ([]byte, error) {
	for {
		if !r.synced {
			if i := bytes.Index(r.buf, startCode3); i >= 0 {
				r.buf = r.buf[i+len(startCode3):]
				r.synced = true
				r.scanned = 0
				continue
			}
			if r.eof {
				return nil, io.EOF
			}
			if len(r.buf) > 2 {
				r.buf = r.buf[len(r.buf)-2:]
			}
		} else {
			if i := bytes.Index(r.buf[r.scanned:], startCode3); i >= 0 {
				end := r.scanned + i
				nalu := bytes.TrimRight(r.buf[:end], "\x00")
				r.buf = r.buf[end+len(startCode3):]
				r.scanned = 0
				if len(nalu) == 0 {
					continue
				}
				return append([]byte(nil), nalu...), nil
			}
			if r.eof {
				nalu := bytes.TrimRight(r.buf, "\x00")
				r.buf = nil
				r.synced = false
				if len(nalu) == 0 {
					return nil, io.EOF
				}
				return append([]byte(nil), nalu...), nil
			}
			// A start code may straddle the chunk border.
			if len(r.buf) > 2 {
				r.scanned = len(r.buf) - 2
			}
		}
		if err := r.fill(); err != nil {
			return nil, fmt.Errorf("reading annex-b stream: %w", err)
		}
	}
}

// ReadAccessUnit returns the next access unit, or io.EOF when the stream is exhausted.
func (r *AnnexBReader) ReadAccessUnit() (*AccessUnit, error) {
	for {
		nalu := r.pending
		r.pending = nil
		if nalu == nil {
			var err error
			nalu, err = r.nextNALU()
			if err == io.EOF {
				if len(r.nalus) > 0 {
					return r.flush(), nil
				}
				return nil, io.EOF
			}
			if err != nil {
				return nil, err
			}
		}
		if r.hasVCL && r.startsAccessUnit(nalu) {
			r.pending = nalu
			return r.flush(), nil
		}
		r.nalus = append(r.nalus, nalu)
		if vcl, key := r.classify(nalu); vcl {
			r.hasVCL = true
			r.key = r.key || key
		}
	}
}

func (r *AnnexBReader) flush() *AccessUnit {
	size := 0
	for _, n := range r.nalus {
		size += len(startCode4) + len(n)
	}
	au := &AccessUnit{Data: make([]byte, 0, size), IsKeyFrame: r.key, NrNalus: len(r.nalus)}
	for _, n := range r.nalus {
		au.Data = append(au.Data, startCode4...)
		au.Data = append(au.Data, n...)
	}
	r.nalus, r.hasVCL, r.key = nil, false, false
	return au
}

// classify reports whether nalu is a slice and whether it belongs to a random access picture.
func (r *AnnexBReader) classify(nalu []byte) (vcl, key bool) {
	if r.mime == common.MimeVideoAVC {
		t := avc.GetNaluType(nalu[0])
		return t >= 1 && t <= 5, t == avc.NALU_IDR
	}
	t := hevc.GetNaluType(nalu[0])
	return t < 32, t >= 16 && t <= 21
}

// startsAccessUnit applies the first-NAL-unit rules of H.264 7.4.1.2.3 and H.265 7.4.2.4.4
// to a NAL unit that follows a slice.
func (r *AnnexBReader) startsAccessUnit(nalu []byte) bool {
	if r.mime == common.MimeVideoAVC {
		t := avc.GetNaluType(nalu[0])
		switch {
		case t == avc.NALU_AUD || t == avc.NALU_SPS || t == avc.NALU_PPS || t == avc.NALU_SEI:
			return true
		case t >= 14 && t <= 18:
			return true
		case t >= 1 && t <= 5:
			// first_mb_in_slice is ue(v), so 0 is a single set bit
			return len(nalu) > 1 && nalu[1]&0x80 != 0
		}
		return false
	}
	t := hevc.GetNaluType(nalu[0])
	switch {
	case t == hevc.NALU_AUD || t == hevc.NALU_VPS || t == hevc.NALU_SPS || t == hevc.NALU_PPS:
		return true
	case t == 39 || (t >= 41 && t <= 44) || (t >= 48 && t <= 55):
		return true
	case t < 32:
		// first_slice_segment_in_pic_flag
		return len(nalu) > 2 && nalu[2]&0x80 != 0
	}
	return false
}
