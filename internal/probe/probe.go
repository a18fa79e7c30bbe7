// Package probe inspects MPEG-2 transport streams and reports services, elementary streams,
// table versions, continuity and timestamp statistics as JSON lines.
package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Eyevinn/streammux/common"
	"github.com/asticode/go-astits"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const opusFormatIdentifier = 0x4F707573 // "Opus"

type Options struct {
	MaxNrPictures  int
	Version        bool
	Indent         bool
	ShowStreamInfo bool
	ShowService    bool
	ShowStatistics bool
	ShowTables     bool
	ShowNALU       bool
	ShowPS         bool
}

type RunableFunc func(ctx context.Context, w io.Writer, f io.Reader, o Options) error

type ElementaryStreamInfo struct {
	ProgramNumber uint16 `json:"program"`
	PID           uint16 `json:"pid"`
	Codec         string `json:"codec"`
	Type          string `json:"type"`
	PCR           bool   `json:"pcr,omitempty"`
}

// ElementaryStreamInfoFor classifies a PMT entry. Unknown stream types return nil.
func ElementaryStreamInfoFor(program, pcrPID uint16, es *astits.PMTElementaryStream) *ElementaryStreamInfo {
	info := &ElementaryStreamInfo{ProgramNumber: program, PID: es.ElementaryPID, PCR: es.ElementaryPID == pcrPID}
	switch es.StreamType {
	case astits.StreamTypeH264Video:
		info.Codec, info.Type = "AVC", "video"
	case astits.StreamTypeH265Video:
		info.Codec, info.Type = "HEVC", "video"
	case astits.StreamTypeAACAudio:
		info.Codec, info.Type = "AAC", "audio"
	case astits.StreamTypePrivateData:
		if !hasOpusRegistration(es.ElementaryStreamDescriptors) {
			return nil
		}
		info.Codec, info.Type = "Opus", "audio"
	default:
		return nil
	}
	return info
}

func hasOpusRegistration(descs []*astits.Descriptor) bool {
	for _, d := range descs {
		if d.Tag == astits.DescriptorTagRegistration && d.Registration != nil &&
			d.Registration.FormatIdentifier == opusFormatIdentifier {
			return true
		}
	}
	return false
}

func nextData(dmx *astits.Demuxer) (*astits.DemuxerData, error) {
	d, err := dmx.NextData()
	if err != nil {
		if errors.Is(err, astits.ErrNoMorePackets) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading next data %w", err)
	}
	return d, nil
}

// ParseAll prints stream info for every new PMT layout, SDT changes and, at the end,
// timestamp statistics per elementary stream.
func ParseAll(ctx context.Context, w io.Writer, f io.Reader, o Options) error {
	rd := bufio.NewReaderSize(f, 1000*common.TSPacketSize)
	dmx := astits.NewDemuxer(ctx, rd)
	jp := &JsonPrinter{W: w, Indent: o.Indent}
	esKinds := make(map[uint16]*ElementaryStreamInfo)
	pmtLayouts := make(map[uint16][]ElementaryStreamInfo)
	statistics := make(map[uint16]*StreamStatistics)
	seenPS := make(parameterSets)
	var lastSdt *sdtInfo
	nrPics := 0
dataLoop:
	for {
		select {
		case <-ctx.Done():
			break dataLoop
		default:
		}

		d, err := nextData(dmx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if d.SDT != nil {
			info := toSdtInfo(d.SDT)
			if lastSdt == nil || !equalSdt(*lastSdt, info) {
				jp.Print(info, o.ShowService)
				lastSdt = &info
			}
		}

		if d.PMT != nil {
			layout := make([]ElementaryStreamInfo, 0, len(d.PMT.ElementaryStreams))
			for _, es := range d.PMT.ElementaryStreams {
				if info := ElementaryStreamInfoFor(d.PMT.ProgramNumber, d.PMT.PCRPID, es); info != nil {
					layout = append(layout, *info)
					esKinds[info.PID] = info
				}
			}
			if prev, ok := pmtLayouts[d.PMT.ProgramNumber]; !ok || !slices.Equal(prev, layout) {
				for _, info := range layout {
					jp.Print(info, o.ShowStreamInfo)
				}
				pmtLayouts[d.PMT.ProgramNumber] = layout
			}
		}

		if d.PES == nil {
			continue
		}
		info := esKinds[d.PID]
		if info == nil {
			continue
		}
		s := statistics[d.PID]
		if s == nil {
			s = &StreamStatistics{Type: info.Codec, Pid: d.PID}
			statistics[d.PID] = s
		}
		addPES(s, d)
		if info.Type == "video" {
			if o.ShowNALU || o.ShowPS {
				parseVideoPES(jp, d, info.Codec, seenPS, o)
			}
			nrPics++
		}

		if o.MaxNrPictures > 0 && nrPics >= o.MaxNrPictures {
			break dataLoop
		}
	}

	pids := maps.Keys(statistics)
	slices.Sort(pids)
	for _, pid := range pids {
		jp.PrintStatistics(*statistics[pid], o.ShowStatistics)
	}
	return jp.Error()
}

func addPES(s *StreamStatistics, d *astits.DemuxerData) {
	s.PESCount++
	s.Bytes += len(d.PES.Data)
	oh := d.PES.Header.OptionalHeader
	if oh == nil || oh.PTS == nil {
		s.Errors = append(s.Errors, "PES without PTS")
		return
	}
	ts := oh.PTS.Base
	if oh.DTS != nil {
		ts = oh.DTS.Base
	}
	s.TimeStamps = append(s.TimeStamps, ts)
	if fp := d.FirstPacket; fp != nil && fp.AdaptationField != nil && fp.AdaptationField.RandomAccessIndicator {
		s.RAIPTS = append(s.RAIPTS, oh.PTS.Base)
	}
}

// ParseInfo prints the streams of the first PMT and then the first SDT, and stops as soon as
// both are known.
func ParseInfo(ctx context.Context, w io.Writer, f io.Reader, o Options) error {
	rd := bufio.NewReaderSize(f, 1000*common.TSPacketSize)
	dmx := astits.NewDemuxer(ctx, rd)
	jp := &JsonPrinter{W: w, Indent: o.Indent}
	var pmt *astits.PMTData
	var sdt *astits.SDTData
dataLoop:
	for pmt == nil || (o.ShowService && sdt == nil) {
		select {
		case <-ctx.Done():
			break dataLoop
		default:
		}

		d, err := nextData(dmx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if pmt == nil && d.PMT != nil {
			pmt = d.PMT
		}
		if sdt == nil && d.SDT != nil {
			sdt = d.SDT
		}
	}

	if pmt != nil {
		for _, es := range pmt.ElementaryStreams {
			if info := ElementaryStreamInfoFor(pmt.ProgramNumber, pmt.PCRPID, es); info != nil {
				jp.Print(info, o.ShowStreamInfo)
			}
		}
	}
	if sdt != nil {
		jp.PrintSdtInfo(sdt, o.ShowService)
	}
	return jp.Error()
}
