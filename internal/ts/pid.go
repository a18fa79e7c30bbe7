package ts

import (
	"fmt"

	"github.com/Eyevinn/streammux/common"
)

// PID pool bounds for PMTs and elementary streams.
const (
	MinPID = 0x0100
	MaxPID = 0x1FFA
)

// pidAllocator hands out PIDs sequentially from a moving cursor. A released PID is only
// handed out again after the cursor has wrapped around the pool.
type pidAllocator struct {
	cursor uint16
	inUse  map[uint16]bool
}

func newPidAllocator() *pidAllocator {
	return &pidAllocator{cursor: MinPID, inUse: make(map[uint16]bool)}
}

func (a *pidAllocator) allocate() (uint16, error) {
	size := MaxPID - MinPID + 1
	for i := 0; i < size; i++ {
		pid := a.cursor
		a.cursor++
		if a.cursor > MaxPID {
			a.cursor = MinPID
		}
		if !a.inUse[pid] {
			a.inUse[pid] = true
			return pid, nil
		}
	}
	return 0, fmt.Errorf("%w: all %d pids in use", common.ErrNoAvailablePid, size)
}

func (a *pidAllocator) release(pid uint16) {
	delete(a.inUse, pid)
}

func (a *pidAllocator) reset() {
	a.cursor = MinPID
	a.inUse = make(map[uint16]bool)
}
