package codec

import (
	"fmt"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
)

// av1C marker (1) and version (7 bits) of the first byte.
const av1ConfigMarker = 0x81

// AV1CodecConfigurationRecord carries the encoder supplied av1C payload unchanged.
type AV1CodecConfigurationRecord struct {
	Raw []byte
}

// NewAV1CodecConfigurationRecord picks the first extra buffer starting with the av1C marker.
func NewAV1CodecConfigurationRecord(extra [][]byte) (*AV1CodecConfigurationRecord, error) {
	for _, e := range extra {
		if len(e) >= 4 && e[0] == av1ConfigMarker {
			return &AV1CodecConfigurationRecord{Raw: e}, nil
		}
	}
	return nil, fmt.Errorf("%w: no av1C record in codec extra data", common.ErrMissingConfiguration)
}

func (r *AV1CodecConfigurationRecord) Size() int {
	return len(r.Raw)
}

func (r *AV1CodecConfigurationRecord) Write(w *bitio.Writer) {
	w.WriteBytes(r.Raw)
}
