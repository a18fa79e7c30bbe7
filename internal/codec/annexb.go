package codec

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// ToAVCC converts NAL units to 4 byte length prefixed form. Parameter sets are dropped when
// dropParameterSets is set, as they travel in the decoder configuration record.
func ToAVCC(mime string, nalus [][]byte, dropParameterSets bool) ([]byte, error) {
	keep := make([][]byte, 0, len(nalus))
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if dropParameterSets && IsParameterSet(mime, n) {
			continue
		}
		keep = append(keep, n)
	}
	if len(keep) == 0 {
		return nil, nil
	}
	out, err := h264.AVCC(keep).Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal avcc: %w", err)
	}
	return out, nil
}

// AnnexBToAVCC parses an Annex-B access unit and converts it to length prefixed form.
func AnnexBToAVCC(mime string, buf []byte, dropParameterSets bool) ([]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(buf); err != nil {
		return ToAVCC(mime, SplitNalus(buf), dropParameterSets)
	}
	return ToAVCC(mime, au, dropParameterSets)
}
