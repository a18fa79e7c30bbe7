package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Comcast/gots/v2/packet"
	"github.com/Comcast/gots/v2/psi"
	"github.com/Eyevinn/streammux/common"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	pidPAT   = 0x0000
	pidSDT   = 0x0011
	pidNull  = 0x1FFF
	syncByte = 0x47
)

// PIDReport summarizes one PID of a transport stream.
type PIDReport struct {
	PID      uint16 `json:"pid"`
	Kind     string `json:"kind"`
	Packets  int    `json:"packets"`
	CCErrors int    `json:"ccErrors,omitempty"`
	// Versions lists the table version_number values in order of appearance, without repeats.
	Versions []int `json:"versions,omitempty"`

	lastCC int
}

// TableReport is the packet level view of a transport stream.
type TableReport struct {
	Packets int                   `json:"packets"`
	PIDs    map[uint16]*PIDReport `json:"-"`
}

// CCErrors is the number of continuity counter discontinuities over all PIDs.
func (r *TableReport) CCErrors() int {
	n := 0
	for _, p := range r.PIDs {
		n += p.CCErrors
	}
	return n
}

// Sorted returns the PID reports by increasing PID.
func (r *TableReport) Sorted() []*PIDReport {
	pids := maps.Keys(r.PIDs)
	slices.Sort(pids)
	out := make([]*PIDReport, 0, len(pids))
	for _, pid := range pids {
		out = append(out, r.PIDs[pid])
	}
	return out
}

// ScanTables reads whole packets from r, checks continuity counters of payload carrying
// packets and records PAT, PMT and SDT version changes.
func ScanTables(ctx context.Context, r io.Reader) (*TableReport, error) {
	rd := bufio.NewReaderSize(r, 1000*common.TSPacketSize)
	rep := &TableReport{PIDs: make(map[uint16]*PIDReport)}
	pmtPIDs := make(map[int]bool)
	var pkt packet.Packet
	for {
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		default:
		}
		if _, err := io.ReadFull(rd, pkt[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return rep, nil
			}
			return rep, fmt.Errorf("reading packet %d %w", rep.Packets, err)
		}
		if pkt[0] != syncByte {
			return rep, fmt.Errorf("packet %d: lost sync", rep.Packets)
		}
		rep.Packets++
		pid := pkt.PID()
		if pid == pidNull {
			continue
		}
		pr := rep.PIDs[uint16(pid)]
		if pr == nil {
			pr = &PIDReport{PID: uint16(pid), Kind: "pes", lastCC: -1}
			rep.PIDs[uint16(pid)] = pr
		}
		pr.Packets++
		if !pkt.HasPayload() {
			continue
		}
		cc := pkt.ContinuityCounter()
		if pr.lastCC >= 0 && cc != (pr.lastCC+1)&0x0F {
			pr.CCErrors++
		}
		pr.lastCC = cc

		isTable := pid == pidPAT || pid == pidSDT || pmtPIDs[pid]
		if !isTable || !pkt.PayloadUnitStartIndicator() {
			continue
		}
		pay, err := packet.Payload(&pkt)
		if err != nil {
			return rep, fmt.Errorf("payload of pid %d %w", pid, err)
		}
		version, ok := sectionVersion(pay)
		if !ok {
			continue
		}
		switch {
		case pid == pidPAT:
			pr.Kind = "PAT"
			if pat, err := psi.NewPAT(pay); err == nil {
				for _, pmtPID := range pat.ProgramMap() {
					pmtPIDs[pmtPID] = true
				}
			}
		case pid == pidSDT:
			pr.Kind = "SDT"
		default:
			pr.Kind = "PMT"
		}
		if n := len(pr.Versions); n == 0 || pr.Versions[n-1] != version {
			pr.Versions = append(pr.Versions, version)
		}
	}
}

// sectionVersion extracts version_number from a payload starting with a pointer field.
func sectionVersion(pay []byte) (int, bool) {
	if len(pay) < 1 {
		return 0, false
	}
	start := 1 + int(pay[0])
	if len(pay) < start+6 {
		return 0, false
	}
	return int(pay[start+5]>>1) & 0x1F, true
}

// CheckTables prints one report line per PID and fails on continuity errors.
func CheckTables(ctx context.Context, w io.Writer, f io.Reader, o Options) error {
	rep, err := ScanTables(ctx, f)
	if err != nil {
		return err
	}
	jp := &JsonPrinter{W: w, Indent: o.Indent}
	for _, pr := range rep.Sorted() {
		jp.Print(pr, o.ShowTables)
	}
	if err := jp.Error(); err != nil {
		return err
	}
	if n := rep.CCErrors(); n > 0 {
		return fmt.Errorf("%d continuity counter errors", n)
	}
	return nil
}
