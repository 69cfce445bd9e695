package bbp

import (
	"sync"
	"sync/atomic"

	"github.com/monetdb-go/gdk/common"
)

// slabArray is the two-level slot table: a top-level array of slab
// pointers, each slab holding BBPInit slots, allocated lazily on first
// touch and never freed until Pool.Close. A flat slice sized once at
// construction time would work too, but the top level lets the id space
// grow to NBBPInit*BBPInit without pre-allocating all of it.
type slabArray struct {
	bbpInit  int
	nbbpInit int

	mu   sync.Mutex // guards top and the extend-on-demand path only
	top  []atomic.Pointer[[]*Slot]

	shardCount int
	shards     []*freeShard
}

// freeShard is one of the ShardCount free lists: a LIFO stack of free
// ids, guarded by its own mutex so that concurrent Insert calls from
// different goroutines rarely contend.
type freeShard struct {
	mu   sync.Mutex
	free []common.BatID
}

const workStealThreshold = 20

func newSlabArray(cfg *Config) *slabArray {
	sa := &slabArray{
		bbpInit:    cfg.BBPInit,
		nbbpInit:   cfg.NBBPInit,
		top:        make([]atomic.Pointer[[]*Slot], cfg.NBBPInit),
		shardCount: cfg.ShardCount,
		shards:     make([]*freeShard, cfg.ShardCount),
	}
	for i := range sa.shards {
		sa.shards[i] = &freeShard{}
	}
	return sa
}

func (sa *slabArray) slabIndex(id common.BatID) (top, off int) {
	return int(id) / sa.bbpInit, int(id) % sa.bbpInit
}

// slot returns the Slot for id, extending the top-level array with a
// freshly allocated slab if this is the first touch of that range.
func (sa *slabArray) slot(id common.BatID) *Slot {
	top, off := sa.slabIndex(id)
	common.Assert(top < len(sa.top), "bat id %d exceeds configured id space", id)

	slab := sa.top[top].Load()
	if slab == nil {
		slab = sa.extend(top)
	}
	s := (*slab)[off]
	if s == nil {
		s = sa.installSlot(top, off, id)
	}
	return s
}

func (sa *slabArray) extend(top int) *[]*Slot {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if existing := sa.top[top].Load(); existing != nil {
		return existing
	}
	slab := make([]*Slot, sa.bbpInit)
	sa.top[top].Store(&slab)
	return &slab
}

func (sa *slabArray) installSlot(top, off int, id common.BatID) *Slot {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	slab := sa.top[top].Load()
	if s := (*slab)[off]; s != nil {
		return s
	}
	s := newSlot(id)
	(*slab)[off] = s
	return s
}

func (sa *slabArray) shardFor(id common.BatID) *freeShard {
	return sa.shards[int(id)%sa.shardCount]
}

// push returns id to its shard's free list.
func (sa *slabArray) push(id common.BatID) {
	sh := sa.shardFor(id)
	sh.mu.Lock()
	sh.free = append(sh.free, id)
	sh.mu.Unlock()
}

// pop pulls a free id from id's preferred shard, falling back to
// work-stealing from whichever shard currently holds the most entries
// once a shard grows past workStealThreshold, so one hot shard does not
// starve the others.
func (sa *slabArray) pop(hint common.BatID) (common.BatID, bool) {
	sh := sa.shardFor(hint)
	if id, ok := sh.popLocal(); ok {
		return id, true
	}

	var victim *freeShard
	longest := 0
	for _, cand := range sa.shards {
		cand.mu.Lock()
		n := len(cand.free)
		cand.mu.Unlock()
		if n > longest {
			longest = n
			victim = cand
		}
	}
	if victim != nil && longest > workStealThreshold {
		return victim.popLocal()
	}
	return common.NilBatID, false
}

func (sh *freeShard) popLocal() (common.BatID, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.free) == 0 {
		return common.NilBatID, false
	}
	id := sh.free[len(sh.free)-1]
	sh.free = sh.free[:len(sh.free)-1]
	return id, true
}

// capacity returns the largest id the array could ever address given its
// configured dimensions.
func (sa *slabArray) capacity() common.BatID {
	return common.BatID(sa.bbpInit*sa.nbbpInit - 1)
}
