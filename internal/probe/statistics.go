package probe

import "github.com/Eyevinn/streammux/common"

type StreamStatistics struct {
	Type       string  `json:"streamType"`
	Pid        uint16  `json:"pid"`
	PESCount   int     `json:"pesCount"`
	Bytes      int     `json:"bytes"`
	FrameRate  float64 `json:"frameRate"`
	TimeStamps []int64 `json:"-"`
	MaxStep    int64   `json:"maxStep,omitempty"`
	MinStep    int64   `json:"minStep,omitempty"`
	AvgStep    int64   `json:"avgStep,omitempty"`
	// RAI-markers
	RAIPTS      []int64 `json:"-"`
	RAIInterval float64 `json:"raiInterval,omitempty"`
	// Errors
	Errors []string `json:"errors,omitempty"`
}

func (p *JsonPrinter) PrintStatistics(s StreamStatistics, show bool) {
	s.calculateFrameRate(common.TimeScale)
	s.calculateRAIInterval(common.TimeScale)
	p.Print(s, show)
}

func sliceMinMaxAverage(values []int64) (min, max, avg int64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	min, max = values[0], values[0]
	sum := int64(0)
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
		sum += v
	}
	return min, max, sum / int64(len(values))
}

// CalculateSteps returns the differences between consecutive 33-bit timestamps.
func CalculateSteps(timestamps []int64) []int64 {
	if len(timestamps) < 2 {
		return nil
	}
	steps := make([]int64, len(timestamps)-1)
	for i := 0; i < len(timestamps)-1; i++ {
		steps[i] = common.SignedPTSDiff(timestamps[i+1], timestamps[i])
	}
	return steps
}

func (s *StreamStatistics) calculateFrameRate(timescale int64) {
	if len(s.TimeStamps) < 2 {
		s.Errors = append(s.Errors, "too few timestamps to calculate frame rate")
		return
	}
	minStep, maxStep, avgStep := sliceMinMaxAverage(CalculateSteps(s.TimeStamps))
	if minStep <= 0 {
		s.Errors = append(s.Errors, "non-increasing timestamps")
	}
	if maxStep != minStep {
		s.Errors = append(s.Errors, "irregular PTS/DTS steps")
		s.MinStep, s.MaxStep, s.AvgStep = minStep, maxStep, avgStep
	}
	if avgStep > 0 {
		s.FrameRate = float64(timescale) / float64(avgStep)
	}
}

func (s *StreamStatistics) calculateRAIInterval(timescale int64) {
	if len(s.RAIPTS) < 2 {
		return
	}
	_, _, avg := sliceMinMaxAverage(CalculateSteps(s.RAIPTS))
	s.RAIInterval = float64(avg) / float64(timescale)
}
