package common

const (
	TSPacketSize = 188
	PtsWrap      = 1 << 33
	PcrWrap      = PtsWrap * 300
	TimeScale    = 90000
)

func SignedPTSDiff(p2, p1 int64) int64 {
	return (p2-p1+3*PtsWrap/2)%PtsWrap - PtsWrap/2
}

func UnsignedPTSDiff(p2, p1 int64) int64 {
	return (p2 - p1 + 2*PtsWrap) % PtsWrap
}

func AddPTS(p1, p2 int64) int64 {
	return (p1 + p2) % PtsWrap
}

// MicrosToTimescale converts a timestamp in microseconds to ticks of the given timescale.
func MicrosToTimescale(us int64, timescale uint32) int64 {
	return us * int64(timescale) / 1_000_000
}

// MicrosTo90k converts microseconds to the 33-bit 90 kHz MPEG clock.
func MicrosTo90k(us int64) int64 {
	return MicrosToTimescale(us, TimeScale) % PtsWrap
}
