package common

// StartGate withholds frames until the first usable one and rebases timestamps against it.
//
// With a video stream present the first video key frame opens the gate, otherwise the first
// audio frame does. Frames whose rebased timestamp is negative are dropped, never reordered.
type StartGate struct {
	HasVideo bool

	started   bool
	startTime int64
}

// Admit reports whether the frame may be muxed and returns its rebased PTS and DTS.
func (g *StartGate) Admit(f *Frame, isVideo bool) (pts, dts int64, ok bool) {
	if !g.started {
		if g.HasVideo && !(isVideo && f.IsKeyFrame) {
			return 0, 0, false
		}
		g.started = true
		g.startTime = f.DecodeTimestamp()
	}
	pts = f.PTS - g.startTime
	dts = f.DecodeTimestamp() - g.startTime
	if pts < 0 || dts < 0 {
		return 0, 0, false
	}
	return pts, dts, true
}

func (g *StartGate) Started() bool {
	return g.started
}

func (g *StartGate) StartTime() int64 {
	return g.startTime
}

func (g *StartGate) Reset() {
	g.started = false
	g.startTime = 0
}
