package common

import (
	"sync"
	"sync/atomic"
)

// Frame is one encoded access unit. The muxer borrows it for the duration of Encode and
// the frame is returned to its pool exactly once by Close.
type Frame struct {
	Buffer     []byte
	PTS        int64 // µs
	DTS        int64 // µs, valid when HasDTS
	HasDTS     bool
	IsKeyFrame bool
	// Extra holds out-of-band parameter sets (SPS/PPS/VPS, ASC, OpusHead...).
	Extra [][]byte

	pool     *FramePool
	released atomic.Bool
}

// DecodeTimestamp returns DTS when set, PTS otherwise.
func (f *Frame) DecodeTimestamp() int64 {
	if f.HasDTS {
		return f.DTS
	}
	return f.PTS
}

// Close releases the frame to its pool. Calling it more than once has no effect.
func (f *Frame) Close() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.pool != nil {
		f.pool.put(f)
	}
}

// Released reports whether Close has been called.
func (f *Frame) Released() bool {
	return f.released.Load()
}

// FramePool recycles frames and their payload buffers. One pool is owned per session or
// per encoder, never shared process-wide.
type FramePool struct {
	pool     sync.Pool
	inUse    atomic.Int64
	returned atomic.Int64
}

func NewFramePool() *FramePool {
	return &FramePool{}
}

// Get returns a frame whose Buffer has length size.
func (p *FramePool) Get(size int) *Frame {
	var f *Frame
	if v := p.pool.Get(); v != nil {
		f = v.(*Frame)
	} else {
		f = &Frame{}
	}
	if cap(f.Buffer) < size {
		f.Buffer = make([]byte, size)
	}
	f.Buffer = f.Buffer[:size]
	f.pool = p
	f.released.Store(false)
	p.inUse.Add(1)
	return f
}

// Wrap returns a pooled frame carrying a copy of data.
func (p *FramePool) Wrap(data []byte, pts int64, isKeyFrame bool) *Frame {
	f := p.Get(len(data))
	copy(f.Buffer, data)
	f.PTS = pts
	f.IsKeyFrame = isKeyFrame
	return f
}

// InUse is the number of frames handed out and not yet closed.
func (p *FramePool) InUse() int64 {
	return p.inUse.Load()
}

// Returned counts Close calls that reached the pool.
func (p *FramePool) Returned() int64 {
	return p.returned.Load()
}

func (p *FramePool) put(f *Frame) {
	f.PTS, f.DTS, f.HasDTS, f.IsKeyFrame = 0, 0, false, false
	f.Extra = nil
	p.inUse.Add(-1)
	p.returned.Add(1)
	p.pool.Put(f)
}
