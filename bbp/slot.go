package bbp

import (
	"sync"

	"github.com/monetdb-go/gdk/common"
)

// Slot is one entry in the slab array: the fixed-size record the pool
// indexes by id. It holds the name-hash chain link, the reference counts,
// the status bits, and the descriptor/cache pointers.
//
// It plays the same role as a buffer-pool frame table entry: a fixed
// slice of metadata records indexed by a dense integer, each guarded by
// its own small lock rather than one pool-wide lock. The swap lock here
// is that per-frame latch, scoped to a single id.
type Slot struct {
	mu sync.Mutex // the swap lock for this id

	id   common.BatID
	next common.BatID // name-hash chain link

	descriptor *Descriptor // non-nil once the id names a real BAT
	cachePtr   *Descriptor // non-nil iff status.has(StatusLoaded)

	logicalName  string
	physicalName string // octal path stem, computed once at creation
	options      string

	status atomicStatus

	memoryRefs  int32 // pins: Fix/Unfix. Nonzero keeps the descriptor resident.
	logicalRefs int32 // logical ownership: Retain/Release. Zero frees the id.
	shareCount  int32 // live views sharing this BAT's heaps.

	farm common.FarmID
}

func newSlot(id common.BatID) *Slot {
	return &Slot{id: id, farm: common.NoFarm}
}

// lock/unlock guard transitions of status, the ref counts, descriptor, and
// the name-hash link. Callers never hold two slots' locks at once.
func (s *Slot) lock()   { s.mu.Lock() }
func (s *Slot) unlock() { s.mu.Unlock() }

func (s *Slot) isFree() bool {
	return s.status.load() == 0 && s.memoryRefs == 0 && s.logicalRefs == 0
}

// spinWait blocks the caller (by busy-looping with a runtime.Gosched
// yield, never a condvar) until none of mask's bits are set. Waits are
// expected to be short enough that a condition variable's wakeup latency
// would dominate the cost of just polling.
func (s *Slot) spinWait(mask Status) {
	for s.status.has(mask) {
		spinYield()
	}
}
