package mp4

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/Eyevinn/streammux/common"
	"github.com/abema/go-mp4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xAB, 0xCD}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
)

func annexB(nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		out = append(out, 0, 0, 0, 1)
		out = append(out, n...)
	}
	return out
}

func newTestMuxer(cfg Config) (*Muxer, *common.PacketRecorder) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	cfg.Logger = l
	rec := &common.PacketRecorder{}
	return NewMuxer(rec, cfg), rec
}

func avcConfig() common.StreamConfig {
	return common.StreamConfig{MimeType: common.MimeVideoAVC, Width: 640, Height: 480, FrameRate: 25, StartBitrate: 1_000_000}
}

func aacConfig() common.StreamConfig {
	return common.StreamConfig{MimeType: common.MimeAudioAAC, SampleRate: 44100, ChannelCount: 2, StartBitrate: 128_000}
}

func keyFrame(pts int64) *common.Frame {
	return &common.Frame{Buffer: annexB(codecAUD, []byte{0x65, 0x88, 0x84}), PTS: pts, IsKeyFrame: true, Extra: [][]byte{annexB(testSPS, testPPS)}}
}

func interFrame(pts int64) *common.Frame {
	return &common.Frame{Buffer: annexB([]byte{0x41, 0x9A, 0x02}), PTS: pts}
}

func audioFrame(pts int64) *common.Frame {
	return &common.Frame{Buffer: []byte{0x21, 0x10, 0x05}, PTS: pts}
}

var codecAUD = []byte{0x09, 0xF0}

// boxTypes parses every supported box and returns the top level types.
func boxTypes(t *testing.T, data []byte) []string {
	t.Helper()
	var top []string
	_, err := mp4.ReadBoxStructure(bytes.NewReader(data), func(h *mp4.ReadHandle) (interface{}, error) {
		if len(h.Path) == 1 {
			top = append(top, h.BoxInfo.Type.String())
		}
		if h.BoxInfo.Type == mp4.BoxTypeMdat() || !h.BoxInfo.IsSupportedType() {
			return nil, nil
		}
		if _, _, err := h.ReadPayload(); err != nil {
			return nil, err
		}
		return h.Expand()
	})
	require.NoError(t, err)
	return top
}

func extract(t *testing.T, data []byte, path ...mp4.BoxType) []*mp4.BoxInfoWithPayload {
	t.Helper()
	boxes, err := mp4.ExtractBoxWithPayload(bytes.NewReader(data), nil, mp4.BoxPath(path))
	require.NoError(t, err)
	return boxes
}

func extractInfo(t *testing.T, data []byte, path ...mp4.BoxType) []*mp4.BoxInfo {
	t.Helper()
	infos, err := mp4.ExtractBox(bytes.NewReader(data), nil, mp4.BoxPath(path))
	require.NoError(t, err)
	return infos
}

func stblPath(leaf mp4.BoxType) []mp4.BoxType {
	return []mp4.BoxType{mp4.BoxTypeMoov(), mp4.BoxTypeTrak(), mp4.BoxTypeMdia(), mp4.BoxTypeMinf(), mp4.BoxTypeStbl(), leaf}
}

func TestProgressiveFile(t *testing.T) {
	m, rec := newTestMuxer(Config{})
	ids, err := m.AddStreams(avcConfig(), aacConfig())
	require.NoError(t, err)
	video, audio := ids[0], ids[1]

	require.NoError(t, m.Encode(audioFrame(0), audio)) // before the key frame
	require.NoError(t, m.Encode(keyFrame(0), video))
	require.NoError(t, m.Encode(audioFrame(0), audio))
	require.NoError(t, m.Encode(audioFrame(23_220), audio))
	require.NoError(t, m.Encode(interFrame(40_000), video))
	require.NoError(t, m.Encode(interFrame(80_000), video))
	require.NoError(t, m.Encode(audioFrame(46_440), audio))
	require.Empty(t, rec.Packets)

	require.NoError(t, m.Flush())
	require.Len(t, rec.Packets, 7)
	data := rec.Bytes()
	require.Equal(t, []string{"ftyp", "moov", "mdat"}, boxTypes(t, data))

	mvhd := extract(t, data, mp4.BoxTypeMoov(), mp4.BoxTypeMvhd())[0].Payload.(*mp4.Mvhd)
	require.Equal(t, uint32(MovieTimescale), mvhd.Timescale)
	require.Equal(t, uint32(120), mvhd.DurationV0)

	stsc := extract(t, data, stblPath(mp4.BoxTypeStsc())...)
	require.Len(t, stsc, 2)
	require.Equal(t, []mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: 1, SampleDescriptionIndex: 1}, {FirstChunk: 2, SamplesPerChunk: 2, SampleDescriptionIndex: 1}}, stsc[0].Payload.(*mp4.Stsc).Entries)
	require.Equal(t, []mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: 2, SampleDescriptionIndex: 1}, {FirstChunk: 2, SamplesPerChunk: 1, SampleDescriptionIndex: 1}}, stsc[1].Payload.(*mp4.Stsc).Entries)

	mdat := extractInfo(t, data, mp4.BoxTypeMdat())[0]
	base := uint32(mdat.Offset + mdat.HeaderSize)
	stco := extract(t, data, stblPath(mp4.BoxTypeStco())...)
	require.Equal(t, []uint32{base, base + 13}, stco[0].Payload.(*mp4.Stco).ChunkOffset)
	require.Equal(t, []uint32{base + 7, base + 27}, stco[1].Payload.(*mp4.Stco).ChunkOffset)
	require.Equal(t, []byte{0, 0, 0, 3, 0x65, 0x88, 0x84}, data[base:base+7], "aud and parameter sets are not stored")

	stsz := extract(t, data, stblPath(mp4.BoxTypeStsz())...)
	require.Equal(t, []uint32{7, 7, 7}, stsz[0].Payload.(*mp4.Stsz).EntrySize)
	require.Equal(t, []uint32{3, 3, 3}, stsz[1].Payload.(*mp4.Stsz).EntrySize)

	stts := extract(t, data, stblPath(mp4.BoxTypeStts())...)
	require.Equal(t, []mp4.SttsEntry{{SampleCount: 3, SampleDelta: 3600}}, stts[0].Payload.(*mp4.Stts).Entries)
	require.Equal(t, []mp4.SttsEntry{{SampleCount: 3, SampleDelta: 1024}}, stts[1].Payload.(*mp4.Stts).Entries)

	stss := extract(t, data, stblPath(mp4.BoxTypeStss())...)
	require.Len(t, stss, 1)
	require.Equal(t, []uint32{1}, stss[0].Payload.(*mp4.Stss).SampleNumber)
	require.Empty(t, extract(t, data, stblPath(mp4.BoxTypeCtts())...))

	require.Len(t, extract(t, data, append(stblPath(mp4.BoxTypeStsd()), mp4.BoxTypeAvc1(), mp4.BoxTypeAvcC())...), 1)
	require.Len(t, extract(t, data, append(stblPath(mp4.BoxTypeStsd()), mp4.BoxTypeMp4a(), mp4.BoxTypeEsds())...), 1)
}

func TestProgressiveCompositionOffsets(t *testing.T) {
	m, rec := newTestMuxer(Config{})
	ids, err := m.AddStreams(avcConfig())
	require.NoError(t, err)
	frames := []*common.Frame{keyFrame(40_000), interFrame(120_000), interFrame(80_000)}
	for i, dts := range []int64{0, 40_000, 80_000} {
		frames[i].DTS, frames[i].HasDTS = dts, true
		require.NoError(t, m.Encode(frames[i], ids[0]))
	}
	require.NoError(t, m.Flush())
	data := rec.Bytes()
	ctts := extract(t, data, stblPath(mp4.BoxTypeCtts())...)
	require.Len(t, ctts, 1)
	entries := ctts[0].Payload.(*mp4.Ctts).Entries
	require.Len(t, entries, 3)
	require.Equal(t, []uint32{3600, 7200, 0}, []uint32{entries[0].SampleOffsetV0, entries[1].SampleOffsetV0, entries[2].SampleOffsetV0})
}

func TestFragmented(t *testing.T) {
	m, rec := newTestMuxer(Config{Fragmented: true, FragmentDuration: time.Second})
	ids, err := m.AddStreams(avcConfig(), aacConfig())
	require.NoError(t, err)
	video, audio := ids[0], ids[1]

	require.NoError(t, m.Encode(keyFrame(0), video))
	require.Len(t, rec.Packets, 1, "init segment once every track is configured")
	_, err = m.AddStreams(aacConfig())
	require.ErrorIs(t, err, common.ErrUnsupportedStreamCount)

	require.NoError(t, m.Encode(audioFrame(0), audio))
	require.NoError(t, m.Encode(interFrame(500_000), video))
	require.NoError(t, m.Encode(keyFrame(1_000_000), video))
	require.Len(t, rec.Packets, 2)
	require.Equal(t, common.PacketVideo, rec.Packets[1].Type)
	require.NoError(t, m.Encode(audioFrame(1_000_000), audio))
	require.NoError(t, m.Encode(interFrame(1_500_000), video))
	require.NoError(t, m.Flush())
	require.Len(t, rec.Packets, 4)

	data := rec.Bytes()
	require.Equal(t, []string{"ftyp", "moov", "moof", "mdat", "moof", "mdat", "mfra"}, boxTypes(t, data))
	require.Len(t, extract(t, data, mp4.BoxTypeMoov(), mp4.BoxTypeMvex(), mp4.BoxTypeTrex()), 2)

	var tfdts []uint64
	for _, b := range extract(t, data, mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTfdt()) {
		tfdts = append(tfdts, b.Payload.(*mp4.Tfdt).BaseMediaDecodeTimeV1)
	}
	require.Equal(t, []uint64{0, 0, 90000, 44100}, tfdts)

	moofs := extractInfo(t, data, mp4.BoxTypeMoof())
	require.Len(t, moofs, 2)
	require.Equal(t, uint64(len(rec.Packets[0].Buffer)), moofs[0].Offset)

	truns := extract(t, data, mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTrun())
	require.Len(t, truns, 4)
	first := truns[0].Payload.(*mp4.Trun)
	require.Equal(t, uint32(2), first.SampleCount)
	require.Equal(t, int32(moofs[0].Size+8), first.DataOffset)
	require.Equal(t, SampleFlagsSync, first.FirstSampleFlags)
	require.Equal(t, uint32(45000), first.Entries[0].SampleDuration)
	require.Equal(t, uint32(45000), first.Entries[1].SampleDuration)
	start := moofs[0].Offset + uint64(first.DataOffset)
	require.Equal(t, []byte{0, 0, 0, 3, 0x65, 0x88, 0x84}, data[start:start+7])
	audioTrun := truns[1].Payload.(*mp4.Trun)
	require.Equal(t, first.DataOffset+14, audioTrun.DataOffset)
	require.Equal(t, uint32(1024), audioTrun.Entries[0].SampleDuration)

	tfras := extract(t, data, mp4.BoxTypeMfra(), mp4.BoxTypeTfra())
	require.Len(t, tfras, 2)
	for _, b := range tfras {
		tfra := b.Payload.(*mp4.Tfra)
		require.Len(t, tfra.Entries, 2)
		require.Equal(t, moofs[0].Offset, tfra.Entries[0].MoofOffsetV1)
		require.Equal(t, moofs[1].Offset, tfra.Entries[1].MoofOffsetV1)
	}
	require.Equal(t, uint64(90000), tfras[0].Payload.(*mp4.Tfra).Entries[1].TimeV1)

	mfra := extractInfo(t, data, mp4.BoxTypeMfra())[0]
	mfro := extract(t, data, mp4.BoxTypeMfra(), mp4.BoxTypeMfro())[0].Payload.(*mp4.Mfro)
	require.Equal(t, uint32(mfra.Size), mfro.Size)
}

func TestFragmentedAudioOnlyCutsOnAnySample(t *testing.T) {
	m, rec := newTestMuxer(Config{Fragmented: true, FragmentDuration: 100 * time.Millisecond})
	ids, err := m.AddStreams(aacConfig())
	require.NoError(t, err)
	for pts := int64(0); pts <= 200_000; pts += 50_000 {
		require.NoError(t, m.Encode(audioFrame(pts), ids[0]))
	}
	require.NoError(t, m.Flush())
	data := rec.Bytes()
	require.Len(t, extractInfo(t, data, mp4.BoxTypeMoof()), 3)
	require.Len(t, extract(t, data, mp4.BoxTypeMfra(), mp4.BoxTypeTfra())[0].Payload.(*mp4.Tfra).Entries, 3)
}

func TestMissingParameterSets(t *testing.T) {
	m, rec := newTestMuxer(Config{Fragmented: true})
	ids, err := m.AddStreams(avcConfig())
	require.NoError(t, err)

	bare := keyFrame(0)
	bare.Extra = nil
	require.ErrorIs(t, m.Encode(bare, ids[0]), common.ErrMissingConfiguration)
	require.Empty(t, rec.Packets)

	require.NoError(t, m.Encode(keyFrame(40_000), ids[0]))
	require.NoError(t, m.Flush())
	tfdt := extract(t, rec.Bytes(), mp4.BoxTypeMoof(), mp4.BoxTypeTraf(), mp4.BoxTypeTfdt())
	require.Len(t, tfdt, 1)
	require.Equal(t, uint64(0), tfdt[0].Payload.(*mp4.Tfdt).BaseMediaDecodeTimeV1)
}

func TestFlushWithoutFrames(t *testing.T) {
	for _, fragmented := range []bool{false, true} {
		m, rec := newTestMuxer(Config{Fragmented: fragmented})
		_, err := m.AddStreams(avcConfig())
		require.NoError(t, err)
		require.NoError(t, m.Flush())
		require.Empty(t, rec.Packets)
	}
}

func TestResetDropsBufferedSamples(t *testing.T) {
	m, rec := newTestMuxer(Config{})
	ids, err := m.AddStreams(avcConfig())
	require.NoError(t, err)
	require.NoError(t, m.Encode(keyFrame(0), ids[0]))
	m.Reset()
	require.NoError(t, m.Flush())
	require.Empty(t, rec.Packets)

	require.NoError(t, m.Encode(keyFrame(5_000_000), ids[0]))
	require.NoError(t, m.Flush())
	require.Equal(t, []string{"ftyp", "moov", "mdat"}, boxTypes(t, rec.Bytes()))
}

func TestUnknownAndRemovedStreams(t *testing.T) {
	m, _ := newTestMuxer(Config{})
	ids, err := m.AddStreams(avcConfig(), aacConfig())
	require.NoError(t, err)
	require.ErrorIs(t, m.Encode(audioFrame(0), 42), common.ErrUnknownStreamPid)
	require.ErrorIs(t, m.RemoveStreams(42), common.ErrUnknownStreamPid)
	require.NoError(t, m.RemoveStreams(ids[0]))
	require.ErrorIs(t, m.Encode(keyFrame(0), ids[0]), common.ErrUnknownStreamPid)
	require.False(t, m.gate.HasVideo)
}

func TestRemoveStreamsRepeatedID(t *testing.T) {
	m, _ := newTestMuxer(Config{})
	ids, err := m.AddStreams(avcConfig(), aacConfig())
	require.NoError(t, err)
	require.NoError(t, m.RemoveStreams(ids[0], ids[0]))
	require.Nil(t, m.track(ids[0]))
	require.NotNil(t, m.track(ids[1]))
	require.Len(t, m.tracks, 1)
}

func TestRestartWritesSameFile(t *testing.T) {
	m, rec := newTestMuxer(Config{})
	write := func() ([]int, []byte) {
		rec.Reset()
		ids, err := m.AddStreams(avcConfig(), aacConfig())
		require.NoError(t, err)
		require.NoError(t, m.Encode(keyFrame(0), ids[0]))
		require.NoError(t, m.Encode(audioFrame(10_000), ids[1]))
		require.NoError(t, m.Flush())
		return ids, append([]byte(nil), rec.Bytes()...)
	}
	ids, first := write()
	m.Restart()
	again, second := write()
	require.Equal(t, ids, again)
	require.Equal(t, first, second, "track ids start over")
}
