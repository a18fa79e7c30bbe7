package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/Eyevinn/streammux/common"
	"github.com/Eyevinn/streammux/internal/ts"
	"github.com/asticode/go-astits"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	update = flag.Bool("update", false, "update the golden files of this test")
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

func newMuxer(t *testing.T) (*ts.Muxer, *common.PacketRecorder, []int) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	rec := &common.PacketRecorder{}
	m := ts.NewMuxer(rec, ts.Config{Logger: log})
	_, err := m.AddService(ts.ServiceInfo{ID: 1, Name: "probe", Provider: "streammux"})
	require.NoError(t, err)
	ids, err := m.AddStreams(
		common.StreamConfig{MimeType: common.MimeVideoAVC, Width: 640, Height: 360, FrameRate: 25},
		common.StreamConfig{MimeType: common.MimeAudioAAC, SampleRate: 48000, ChannelCount: 2},
	)
	require.NoError(t, err)
	return m, rec, ids
}

// muxFrames writes nrVideo frames at 25 Hz with a key frame every 5 frames and audio at 50 Hz.
func muxFrames(t *testing.T, m *ts.Muxer, ids []int, nrVideo int, start int64) {
	t.Helper()
	for i := 0; i < nrVideo; i++ {
		pts := start + int64(i)*40_000
		f := &common.Frame{Buffer: annexB(bytes.Repeat([]byte{0x41, 0x9A}, 150)), PTS: pts}
		if i%5 == 0 {
			f.Buffer = annexB([]byte{0x65, 0x88, 0x84, 0x21, 0xA0})
			f.IsKeyFrame = true
			f.Extra = [][]byte{annexB(testSPS, testPPS)}
		}
		require.NoError(t, m.Encode(f, ids[0]))
		for j := int64(0); j < 2; j++ {
			a := &common.Frame{Buffer: bytes.Repeat([]byte{0x21}, 200), PTS: pts + j*20_000}
			require.NoError(t, m.Encode(a, ids[1]))
		}
	}
}

func TestParseInfo(t *testing.T) {
	m, rec, ids := newMuxer(t)
	muxFrames(t, m, ids, 5, 1_000_000)

	buf := bytes.Buffer{}
	err := ParseInfo(context.TODO(), &buf, bytes.NewReader(rec.Bytes()), Options{ShowStreamInfo: true, ShowService: true})
	require.NoError(t, err)
	compareUpdateGolden(t, buf.String(), "testdata/golden_info.txt", *update)
}

func decodeLines(t *testing.T, out string) []map[string]any {
	t.Helper()
	var lines []map[string]any
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), sc.Text())
		lines = append(lines, m)
	}
	return lines
}

func TestParseAllStatistics(t *testing.T) {
	m, rec, ids := newMuxer(t)
	muxFrames(t, m, ids, 11, 1_000_000)

	buf := bytes.Buffer{}
	err := ParseAll(context.TODO(), &buf, bytes.NewReader(rec.Bytes()), Options{ShowStatistics: true})
	require.NoError(t, err)
	lines := decodeLines(t, buf.String())
	require.Len(t, lines, 2)

	video, audio := lines[0], lines[1]
	require.Equal(t, "AVC", video["streamType"])
	require.Equal(t, float64(257), video["pid"])
	require.Equal(t, float64(25), video["frameRate"])
	require.InDelta(t, 0.2, video["raiInterval"], 1e-9)
	require.Nil(t, video["errors"])

	require.Equal(t, "AAC", audio["streamType"])
	require.Equal(t, float64(50), audio["frameRate"])
	require.Nil(t, audio["raiInterval"])
	require.Nil(t, audio["errors"])
}

func TestParseAllReportsLayoutChanges(t *testing.T) {
	m, rec, ids := newMuxer(t)
	muxFrames(t, m, ids, 3, 0)
	_, err := m.AddStreams(common.StreamConfig{MimeType: common.MimeVideoHEVC, Width: 320, Height: 180})
	require.NoError(t, err)
	muxFrames(t, m, ids, 3, 120_000)

	buf := bytes.Buffer{}
	err = ParseAll(context.TODO(), &buf, bytes.NewReader(rec.Bytes()), Options{ShowStreamInfo: true, ShowService: true})
	require.NoError(t, err)
	lines := decodeLines(t, buf.String())

	var codecs []string
	sdts := 0
	for _, l := range lines {
		if c, ok := l["codec"]; ok {
			codecs = append(codecs, c.(string))
		}
		if _, ok := l["SDT"]; ok {
			sdts++
		}
	}
	require.Equal(t, []string{"AVC", "AAC", "AVC", "AAC", "HEVC"}, codecs)
	require.Equal(t, 1, sdts)
}

func TestElementaryStreamInfoFor(t *testing.T) {
	opus := &astits.PMTElementaryStream{
		ElementaryPID: 0x103,
		StreamType:    astits.StreamTypePrivateData,
		ElementaryStreamDescriptors: []*astits.Descriptor{
			{Tag: astits.DescriptorTagRegistration, Registration: &astits.DescriptorRegistration{FormatIdentifier: opusFormatIdentifier}},
		},
	}
	require.Equal(t, &ElementaryStreamInfo{ProgramNumber: 2, PID: 0x103, Codec: "Opus", Type: "audio"},
		ElementaryStreamInfoFor(2, 0x101, opus))

	private := &astits.PMTElementaryStream{ElementaryPID: 0x104, StreamType: astits.StreamTypePrivateData}
	require.Nil(t, ElementaryStreamInfoFor(2, 0x101, private))

	hevc := &astits.PMTElementaryStream{ElementaryPID: 0x101, StreamType: astits.StreamTypeH265Video}
	require.Equal(t, &ElementaryStreamInfo{ProgramNumber: 2, PID: 0x101, Codec: "HEVC", Type: "video", PCR: true},
		ElementaryStreamInfoFor(2, 0x101, hevc))
}

func TestParseAllMaxPictures(t *testing.T) {
	m, rec, ids := newMuxer(t)
	muxFrames(t, m, ids, 10, 0)

	buf := bytes.Buffer{}
	err := ParseAll(context.TODO(), &buf, bytes.NewReader(rec.Bytes()), Options{MaxNrPictures: 3, ShowStatistics: true})
	require.NoError(t, err)
	lines := decodeLines(t, buf.String())
	require.NotEmpty(t, lines)
	require.Equal(t, float64(3), lines[0]["pesCount"])
}

func TestScanTables(t *testing.T) {
	m, rec, ids := newMuxer(t)
	muxFrames(t, m, ids, 3, 0)
	_, err := m.AddStreams(common.StreamConfig{MimeType: common.MimeAudioAAC, SampleRate: 44100, ChannelCount: 1})
	require.NoError(t, err)
	muxFrames(t, m, ids, 3, 120_000)

	rep, err := ScanTables(context.TODO(), bytes.NewReader(rec.Bytes()))
	require.NoError(t, err)
	require.Equal(t, len(rec.Bytes())/common.TSPacketSize, rep.Packets)
	require.Zero(t, rep.CCErrors())

	byKind := map[string]*PIDReport{}
	for _, pr := range rep.Sorted() {
		if pr.Kind != "pes" {
			byKind[pr.Kind] = pr
		}
	}
	require.Equal(t, []int{1}, byKind["PAT"].Versions)
	require.Equal(t, []int{1}, byKind["SDT"].Versions)
	require.Equal(t, uint16(0x100), byKind["PMT"].PID)
	require.Equal(t, []int{1, 2}, byKind["PMT"].Versions)
	require.Equal(t, []*PIDReport{rep.PIDs[0], rep.PIDs[0x11], rep.PIDs[0x100], rep.PIDs[0x101], rep.PIDs[0x102]},
		rep.Sorted()[:5])
}

func TestCheckTablesContinuityError(t *testing.T) {
	m, rec, ids := newMuxer(t)
	muxFrames(t, m, ids, 3, 0)
	data := rec.Bytes()

	buf := bytes.Buffer{}
	require.NoError(t, CheckTables(context.TODO(), &buf, bytes.NewReader(data), Options{ShowTables: true}))
	lines := decodeLines(t, buf.String())
	require.Equal(t, "PAT", lines[0]["kind"])
	require.Equal(t, []any{float64(1)}, lines[0]["versions"])

	// Drop the second video packet.
	var cut []byte
	seen := 0
	for off := 0; off < len(data); off += common.TSPacketSize {
		pkt := data[off : off+common.TSPacketSize]
		pid := int(pkt[1]&0x1F)<<8 | int(pkt[2])
		if pid == 0x101 {
			seen++
			if seen == 2 {
				continue
			}
		}
		cut = append(cut, pkt...)
	}
	require.Greater(t, seen, 2)
	err := CheckTables(context.TODO(), io.Discard, bytes.NewReader(cut), Options{})
	require.ErrorContains(t, err, "1 continuity counter errors")
}

func TestScanTablesLostSync(t *testing.T) {
	data := make([]byte, common.TSPacketSize)
	_, err := ScanTables(context.TODO(), bytes.NewReader(data))
	require.ErrorContains(t, err, "lost sync")
}

func getExpectedOutput(t *testing.T, file string) string {
	t.Helper()
	expected, err := os.ReadFile(file)
	require.NoError(t, err)
	return strings.ReplaceAll(string(expected), "\r\n", "\n")
}

func compareUpdateGolden(t *testing.T, actual string, goldenFile string, update bool) {
	t.Helper()
	if update {
		err := os.WriteFile(goldenFile, []byte(actual), 0644)
		require.NoError(t, err)
	} else {
		expected := getExpectedOutput(t, goldenFile)
		require.Equal(t, expected, actual, "should produce expected output")
	}
}

// TestMain is to set flags for tests. In particular, the update flag to update golden files.
func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

func TestParseAllNalus(t *testing.T) {
	m, rec, ids := newMuxer(t)
	muxFrames(t, m, ids, 6, 0)

	buf := bytes.Buffer{}
	err := ParseAll(context.TODO(), &buf, bytes.NewReader(rec.Bytes()), Options{ShowNALU: true, ShowPS: true})
	require.NoError(t, err)
	lines := decodeLines(t, buf.String())

	var frames [][]string
	var rais []bool
	var ps []string
	for _, l := range lines {
		if kind, ok := l["parameterSet"]; ok {
			ps = append(ps, kind.(string)+":"+l["hex"].(string))
			continue
		}
		var types []string
		for _, n := range l["nalus"].([]any) {
			types = append(types, n.(map[string]any)["type"].(string))
		}
		frames = append(frames, types)
		rais = append(rais, l["rai"].(bool))
	}
	require.Equal(t, []string{"SPS:6742c01eabcd", "PPS:68ce3c80"}, ps, "parameter sets are only listed when they change")
	require.Len(t, frames, 6)
	require.Equal(t, []string{"AUD_9", "SPS_7", "PPS_8", "IDR_5"}, frames[0])
	require.Equal(t, []string{"AUD_9", "NonIDR_1"}, frames[1])
	require.Equal(t, []string{"AUD_9", "SPS_7", "PPS_8", "IDR_5"}, frames[5])
	require.Equal(t, []bool{true, false, false, false, false, true}, rais)
}
