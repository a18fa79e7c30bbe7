package mp4

import (
	"testing"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/bitio"
	"github.com/Eyevinn/streammux/internal/codec"
	"github.com/stretchr/testify/require"
)

func TestStscGolden(t *testing.T) {
	stsc := NewStscBox([]uint32{435, 435, 432, 48})
	require.Equal(t, []StscEntry{{1, 435, 1}, {3, 432, 1}, {4, 48, 1}}, stsc.Entries)
	want := []byte{
		0x00, 0x00, 0x00, 0x34, 's', 't', 's', 'c', 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x03,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x01, 0xB3, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x03, 0x00, 0x00, 0x01, 0xB0, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x30, 0x00, 0x00, 0x00, 0x01,
	}
	require.Equal(t, 52, stsc.Size())
	require.Equal(t, want, bitio.Marshal(stsc))
}

func TestBoxSizes(t *testing.T) {
	avcC, err := codec.NewAVCDecoderConfigurationRecord([][]byte{{0x67, 0x42, 0xC0, 0x1E}}, [][]byte{{0x68, 0xCE}})
	require.NoError(t, err)
	aac := common.StreamConfig{MimeType: common.MimeAudioAAC, SampleRate: 48000, ChannelCount: 2}
	opus := common.StreamConfig{MimeType: common.MimeAudioOpus, SampleRate: 48000, ChannelCount: 2}
	vp9 := common.StreamConfig{MimeType: common.MimeVideoVP9, Width: 1280, Height: 720}

	cases := []struct {
		name string
		box  bitio.Serializable
		size int
	}{
		{"ftyp", &FtypBox{MajorBrand: "isom", CompatibleBrands: []string{"isom", "iso2"}}, 24},
		{"mvhd", &MvhdBox{Timescale: 1000, NextTrackID: 2}, 108},
		{"tkhd", &TkhdBox{TrackID: 1, Width: 640, Height: 480, Matrix: bitio.IdentityMatrix}, 92},
		{"mdhd", &MdhdBox{Timescale: 90000}, 32},
		{"mvhd v1", &MvhdBox{Timescale: 1000, Duration: 1 << 32, NextTrackID: 2}, 120},
		{"tkhd v1", &TkhdBox{TrackID: 1, Duration: 1 << 32, Matrix: bitio.IdentityMatrix}, 104},
		{"mdhd v1", &MdhdBox{Timescale: 90000, Duration: 1 << 32}, 44},
		{"hdlr", &HdlrBox{HandlerType: "vide", Name: "VideoHandler"}, 45},
		{"vmhd", VmhdBox{}, 20},
		{"smhd", SmhdBox{}, 16},
		{"dinf", NewContainer("dinf", DrefBox{}), 36},
		{"avc1", &VisualSampleEntry{Type: "avc1", Width: 640, Height: 480, Config: &PayloadBox{Type: "avcC", Payload: avcC}}, 86 + 8 + avcC.Size()},
		{"vp09", &VisualSampleEntry{Type: "vp09", Width: 1280, Height: 720, Config: &FullPayloadBox{Type: "vpcC", Version: 1, Payload: codec.NewVPCodecConfigurationRecord(vp9)}}, 86 + 12 + 8},
		{"mp4a", &AudioSampleEntry{Type: "mp4a", ChannelCount: 2, SampleSize: 16, SampleRate: 48000, Config: &EsdsBox{ESID: 1, ASC: []byte{0x11, 0x90}}}, 36 + 12 + 2 + 3 + 2 + 13 + 2 + 2 + 3},
		{"Opus", &AudioSampleEntry{Type: "Opus", ChannelCount: 2, SampleSize: 16, SampleRate: 48000, Config: &PayloadBox{Type: "dOps", Payload: codec.OpusSpecificBox{Head: codec.OpusHeadFor(opus, nil)}}}, 36 + 8 + 11},
		{"esds", &EsdsBox{ESID: 1, ASC: mustASC(t, aac)}, 12 + 2 + 3 + 2 + 13 + 2 + 2 + 3},
		{"stts", &SttsBox{Entries: []SttsEntry{{3, 3600}}}, 24},
		{"ctts negative", &CttsBox{Entries: []CttsEntry{{1, -3600}, {2, 0}}}, 32},
		{"stsz", &StszBox{SampleSizes: []uint32{1, 2, 3}}, 32},
		{"stco", &ChunkOffsetBox{Offsets: []uint64{100, 200}}, 24},
		{"co64", &ChunkOffsetBox{Large: true, Offsets: []uint64{100, 1 << 33}}, 32},
		{"stss", &StssBox{SampleNumbers: []uint32{1, 31}}, 24},
		{"trex", &TrexBox{TrackID: 1}, 32},
		{"mfhd", &MfhdBox{SequenceNumber: 1}, 16},
		{"tfhd", &TfhdBox{TrackID: 1}, 24},
		{"tfdt", &TfdtBox{BaseMediaDecodeTime: 1 << 40}, 20},
		{"tfra", &TfraBox{TrackID: 1, Entries: []TfraEntry{{0, 0}, {90000, 1234}}}, 24 + 38},
		{"mfra", &MfraBox{Tfras: []*TfraBox{{TrackID: 1, Entries: []TfraEntry{{0, 0}}}}}, 8 + 24 + 19 + 16},
		{"mdat", MdatHeader{PayloadSize: 10}, 8},
		{"large mdat", MdatHeader{PayloadSize: 1 << 32}, 16},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.size, c.box.Size())
			require.Len(t, bitio.Marshal(c.box), c.size)
		})
	}
}

func mustASC(t *testing.T, cfg common.StreamConfig) []byte {
	asc, err := codec.AudioSpecificConfig(cfg, nil)
	require.NoError(t, err)
	return asc
}

func TestTrunFlags(t *testing.T) {
	sync, nonSync := SampleFlagsSync, SampleFlagsNonSync
	cases := []struct {
		name    string
		samples []TrunSample
		flags   uint32
		size    int
	}{
		{"all default", []TrunSample{{Flags: nonSync}, {Flags: nonSync}}, 0x000301, 20 + 2*8},
		{"first differs", []TrunSample{{Flags: sync}, {Flags: nonSync}, {Flags: nonSync}}, 0x000305, 24 + 3*8},
		{"mixed", []TrunSample{{Flags: sync}, {Flags: nonSync}, {Flags: sync}}, 0x000701, 20 + 3*12},
		{"composition offsets", []TrunSample{{Flags: sync, CTO: 3600}, {Flags: nonSync, CTO: -3600}}, 0x000B05, 24 + 2*12},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			trun := &TrunBox{DefaultFlags: nonSync, Samples: c.samples}
			require.Equal(t, c.flags, trun.flags())
			out := bitio.Marshal(trun)
			require.Len(t, out, c.size)
			require.Equal(t, byte(c.flags>>8), out[10])
			require.Equal(t, byte(c.flags), out[11])
		})
	}
}

func TestMdatLargeHeader(t *testing.T) {
	out := bitio.Marshal(MdatHeader{PayloadSize: 1 << 32})
	require.Equal(t, []byte{0, 0, 0, 1, 'm', 'd', 'a', 't', 0, 0, 0, 1, 0, 0, 0, 16}, out)
}

func TestMfroHoldsMfraSize(t *testing.T) {
	mfra := &MfraBox{Tfras: []*TfraBox{{TrackID: 1, Entries: []TfraEntry{{0, 0}}}}}
	out := bitio.Marshal(mfra)
	require.Equal(t, []byte{0, 0, 0, byte(len(out))}, out[len(out)-4:])
}

func TestLongDurationUsesVersion1(t *testing.T) {
	// 14 hours at 90 kHz does not fit 32 bits
	d := uint64(14 * 3600 * 90000)
	data := bitio.Marshal(&MdhdBox{Timescale: 90000, Duration: d})
	require.Equal(t, byte(1), data[8])
	require.Equal(t, []byte{0, 0x01, 0x5F, 0x90}, data[28:32], "timescale after two 64-bit times")
	require.Equal(t, []byte{0, 0, 0, 0x01, 0x0E, 0x5D, 0xDE, 0x00}, data[32:40])

	short := bitio.Marshal(&MdhdBox{Timescale: 90000, Duration: 90000})
	require.Equal(t, byte(0), short[8])
}
