package bbp

import (
	"sync"
	"time"

	"github.com/monetdb-go/gdk/common"
)

// trimmer is the background manager goroutine that periodically evicts
// cold, clean, unreferenced BATs under memory pressure: a shutdown channel
// plus a WaitGroup around a single loop goroutine, started and stopped
// explicitly by the owner.
type trimmer struct {
	pool     *Pool
	shutdown chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

func newTrimmer(p *Pool) *trimmer {
	return &trimmer{pool: p, shutdown: make(chan struct{})}
}

// Start launches the trim loop.
func (t *trimmer) Start() {
	t.done.Add(1)
	go t.loop()
}

// Stop signals the trim loop to exit and waits for it to finish its
// current pass. Calling Stop more than once is safe.
func (t *trimmer) Stop() {
	t.stopOnce.Do(func() { close(t.shutdown) })
	t.done.Wait()
}

func (t *trimmer) loop() {
	defer t.done.Done()
	p := t.pool

	for {
		interval := p.trimSleepInterval()
		timer := time.NewTimer(interval)

		select {
		case <-timer.C:
			if !t.pass() {
				return
			}
		case <-t.shutdown:
			timer.Stop()
			return
		}
	}
}

// pass runs the trimmer's two-pass sweep: first clear HOT on every slot
// that is currently unpinned but logically referenced, then sleep for
// trimSleepInterval, then evict every eligible slot. It reports false if
// shutdown was signalled during the sleep, in which case nothing is
// evicted.
func (t *trimmer) pass() bool {
	p := t.pool
	p.clearHotBits()
	timer := time.NewTimer(p.trimSleepInterval())
	select {
	case <-timer.C:
	case <-t.shutdown:
		timer.Stop()
		return false
	}
	p.evictEligible(p.cfg.AggressiveTrim)
	return true
}

// trimSleepInterval shortens the trimmer's sleep once live VM usage
// exceeds half the configured cap, bounded to [TrimMinInterval,
// TrimMaxInterval].
func (p *Pool) trimSleepInterval() time.Duration {
	lo, hi := p.cfg.TrimMinInterval, p.cfg.TrimMaxInterval
	if p.estimatedVMBytes() > p.cfg.VMTargetMB*1024*1024/2 {
		return lo
	}
	return hi
}

// clearHotBits is the trimmer's first pass: HOT is a one-shot
// "touched recently" signal that only survives until the next trimmer
// visit.
func (p *Pool) clearHotBits() {
	p.forEachLiveSlot(func(s *Slot) {
		s.lock()
		if s.memoryRefs == 0 && s.logicalRefs > 0 {
			s.status.clear(StatusHot)
		}
		s.unlock()
	})
}

// evictEligible is the trimmer's second pass: unload every slot that is
// unpinned, logically referenced, loaded, not a view, not shared, and
// clean. In aggressive mode the clean requirement is dropped: dirty slots
// are eligible too, and unloadLocked saves them before unloading. The
// pool does not track whether a heap is memory-mapped.
func (p *Pool) evictEligible(aggressive bool) {
	var evicted int
	p.forEachLiveSlot(func(s *Slot) {
		s.lock()
		isView := s.descriptor != nil && s.descriptor.Parent != common.NilBatID && s.descriptor.Parent != s.id
		eligible := s.memoryRefs == 0 &&
			s.logicalRefs > 0 &&
			s.status.load()&(StatusUnloading|StatusSyncing|StatusSaving|StatusHot) == 0 &&
			s.status.has(StatusLoaded) &&
			s.shareCount == 0 &&
			!isView &&
			(aggressive || !hasAnyDirty(valueOrEmpty(s.cachePtr)))
		if !eligible {
			s.unlock()
			return
		}
		if err := p.unloadLocked(s); err == nil {
			evicted++
		}
		s.unlock()
	})
	if evicted > 0 {
		p.cfg.Logger.Debugf("trimmer evicted %d bats", evicted)
	}
}

func valueOrEmpty(d *Descriptor) *Descriptor {
	if d == nil {
		return &Descriptor{}
	}
	return d
}
