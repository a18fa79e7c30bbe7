package ts

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/Eyevinn/streammux/internal/codec"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// payload turns an encoded frame into the elementary stream bytes carried in its PES.
func (st *Stream) payload(f *common.Frame) ([]byte, error) {
	switch st.Config.MimeType {
	case common.MimeVideoAVC, common.MimeVideoHEVC:
		return st.videoPayload(f)
	case common.MimeAudioAAC:
		if codec.HasADTSSync(f.Buffer) {
			return f.Buffer, nil
		}
		hdr := codec.NewADTSHeader(st.Config, len(f.Buffer))
		out := make([]byte, hdr.Size()+len(f.Buffer))
		n := bitio.MarshalTo(hdr, out)
		copy(out[n:], f.Buffer)
		return out, nil
	case common.MimeAudioOpus:
		hdr := codec.OpusControlHeader{PayloadSize: len(f.Buffer)}
		out := make([]byte, hdr.Size()+len(f.Buffer))
		n := bitio.MarshalTo(hdr, out)
		copy(out[n:], f.Buffer)
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", common.ErrUnsupportedCodec, st.Config.MimeType)
}

// videoPayload emits AUD, then parameter sets on key frames, then the frame NAL units.
// Parameter sets from the frame extra data are cached for later key frames.
func (st *Stream) videoPayload(f *common.Frame) ([]byte, error) {
	mime := st.Config.MimeType
	if len(f.Extra) > 0 {
		ps, err := codec.ExtractParameterSets(mime, f.Extra)
		if err != nil {
			return nil, err
		}
		if !ps.Empty() {
			st.ps = ps
		}
	}
	nalus := codec.SplitNalus(f.Buffer)
	inBand, err := codec.ExtractParameterSets(mime, [][]byte{f.Buffer})
	if err != nil {
		return nil, err
	}
	if inBand.Complete(mime) {
		st.ps = inBand
	}

	var buf bytes.Buffer
	buf.Grow(len(f.Buffer) + 64)
	if codec.StartsWithAUD(mime, nalus) {
		buf.Write(startCode)
		buf.Write(nalus[0])
		nalus = nalus[1:]
	} else {
		buf.Write(codec.AccessUnitDelimiter(mime))
	}
	if f.IsKeyFrame && !inBand.Complete(mime) {
		if !st.ps.Complete(mime) {
			return nil, fmt.Errorf("%w: key frame on pid %d without parameter sets", common.ErrMissingConfiguration, st.PID)
		}
		buf.Write(st.ps.AnnexB())
	}
	for _, n := range nalus {
		buf.Write(startCode)
		buf.Write(n)
	}
	return buf.Bytes(), nil
}
