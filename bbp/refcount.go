package bbp

import (
	"github.com/monetdb-go/gdk/common"
)

// viewParent returns the id that id's descriptor borrows its heap from,
// or NilBatID if id owns its own heap.
func (p *Pool) viewParent(id common.BatID) common.BatID {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	if s.descriptor == nil || s.descriptor.Parent == common.NilBatID || s.descriptor.Parent == id {
		return common.NilBatID
	}
	return s.descriptor.Parent
}

// Fix increments id's memoryRefs, loading the descriptor first if it is
// not already resident. If id is a view, the first physical reference
// recursively fixes its parent before id's own swap lock is taken, so
// refs(parent) > 0 holds for as long as this view's memoryRefs > 0; the
// recursive fix is sequential, never holding two slots' locks at once.
// It returns the loaded descriptor pinned for the caller; the caller
// must call Unfix exactly once per successful Fix.
func (p *Pool) Fix(id common.BatID) (*Descriptor, error) {
	parent := p.viewParent(id)
	speculative := parent != common.NilBatID
	if speculative {
		if _, err := p.Fix(parent); err != nil {
			return nil, err
		}
	}

	s := p.slab.slot(id)
	s.lock()

	common.Assert(s.descriptor != nil, "fix on unknown bat %d", id)

	s.spinWaitLocked(StatusWaiting)

	if speculative && s.memoryRefs != 0 {
		// lost the race to be the first physical reference; someone
		// else's fix already covers the parent, so give ours back.
		speculative = false
		s.unlock()
		p.Unfix(parent)
		s.lock()
	}

	if !s.status.has(StatusLoaded) {
		if err := p.loadLocked(s); err != nil {
			s.unlock()
			if speculative {
				p.Unfix(parent)
			}
			return nil, err
		}
	}
	s.memoryRefs++
	d := s.cachePtr
	s.unlock()
	return d, nil
}

// Unfix decrements id's memoryRefs. If this is id's last physical
// reference and id is a view, it releases the recursive parent fix Fix
// took on id's first physical reference -- exactly paired, one parent
// Unfix per 0->1->0 cycle of id's own memoryRefs, never leaking a
// fix across repeated load/unfix cycles that never actually unload id.
// It never evicts a still-referenced descriptor synchronously -- the
// trimmer alone does that -- but if this drops id to (0,0) it is dying,
// not merely cold, and Unfix destroys it immediately rather than
// leaving it for the trimmer to notice.
func (p *Pool) Unfix(id common.BatID) {
	s := p.slab.slot(id)
	s.lock()
	common.Assert(s.memoryRefs > 0, "unfix underflow on bat %d", id)
	s.memoryRefs--

	var parent common.BatID
	if s.memoryRefs == 0 && s.descriptor != nil && s.descriptor.Parent != id {
		parent = s.descriptor.Parent
	}
	if parent == common.NilBatID {
		p.dieIfZeroLocked(s)
		s.unlock()
		return
	}
	s.unlock()

	p.Unfix(parent)

	s.lock()
	p.dieIfZeroLocked(s)
	s.unlock()
}

// Retain increments id's logical reference count: the count of live
// handles a caller is holding onto independent of whether the bytes are
// currently paged in. The first retain turns a freshly inserted BAT
// persistent, clearing the transient DELETING bit it was born with.
func (p *Pool) Retain(id common.BatID) {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	if s.logicalRefs == 0 {
		s.status.set(StatusPersistent | StatusExisting)
		s.status.clear(StatusDeleting)
	}
	s.logicalRefs++
}

// Release decrements id's logical reference count. If this drops id to
// (0,0) -- no memory refs either -- id is dying and Release destroys it
// immediately instead of waiting for the trimmer or an explicit Reclaim.
func (p *Pool) Release(id common.BatID) error {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	if s.logicalRefs == 0 {
		return common.NewError(common.ErrFixUnderflow, "release underflow on bat %d", id)
	}
	s.logicalRefs--
	p.dieIfZeroLocked(s)
	return nil
}

// KeepRef is Retain followed by returning the id unchanged, a convenience
// form for threading a ref through several call sites that each want
// their own Release.
func (p *Pool) KeepRef(id common.BatID) common.BatID {
	p.Retain(id)
	return id
}

// Share increments id's view count -- the number of BAT views currently
// sharing id's heaps without owning them -- and takes both a logical
// and a physical ref on id on the views' behalf, keeping id (and its
// heap) resident for as long as any view exists, independent of
// whatever refs the views' own owners hold.
func (p *Pool) Share(id common.BatID) {
	p.Retain(id)
	if _, err := p.Fix(id); err != nil {
		p.cfg.Logger.Errorf("share: fixing parent bat %d: %v", id, err)
	}
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	s.shareCount++
}

// Unshare decrements id's view count and releases both the physical and
// logical ref Share took on id's behalf.
func (p *Pool) Unshare(id common.BatID) error {
	s := p.slab.slot(id)
	s.lock()
	if s.shareCount == 0 {
		s.unlock()
		return common.NewError(common.ErrFixUnderflow, "unshare underflow on bat %d", id)
	}
	s.shareCount--
	s.unlock()
	p.Unfix(id)
	return p.Release(id)
}

// dieIfZeroLocked destroys s for good once both ref counts and the share
// count have reached zero. Called with s.mu held, from the decref paths
// (Unfix/Release) that can produce this transition. A slot straddling a
// concurrent load/unload, or already marked DELETED for the commit path
// to finish removing, is left alone -- the next Reclaim or trimmer pass
// will catch it once that condition clears.
func (p *Pool) dieIfZeroLocked(s *Slot) {
	if s.memoryRefs != 0 || s.logicalRefs != 0 || s.shareCount != 0 {
		return
	}
	if s.status.load()&StatusWaiting != 0 || s.status.has(StatusDeleted) {
		return
	}
	if s.status.has(StatusLoaded) {
		if err := p.unloadLocked(s); err != nil {
			p.cfg.Logger.Errorf("unload during destroy of bat %d: %v", s.id, err)
			return
		}
	}
	id := s.id
	if err := p.destroyLocked(s); err != nil {
		p.cfg.Logger.Errorf("destroy of bat %d: %v", id, err)
		return
	}
	p.slab.push(id)
}

// evictable reports whether s may be unloaded (and, if also logically
// unreferenced, destroyed) right now. Unpinned, unshared, and a concurrent
// load/unload in flight always gate it; past that, a bat with no logical
// refs left is dying -- either freshly born and never retained, or already
// mid-destroy, both of which carry DELETING -- and is always eligible
// regardless of HOT or dirty. A bat still logically referenced is only
// eligible as an ordinary cache eviction, which HOT exempts.
func evictable(s *Slot) bool {
	st := s.status.load()
	if s.memoryRefs != 0 || s.shareCount != 0 {
		return false
	}
	if st&StatusWaiting != 0 || st&StatusLoaded == 0 {
		return false
	}
	if s.logicalRefs == 0 {
		return true
	}
	return st&StatusHot == 0
}

// spinWaitLocked is spinWait's caller-already-holds-s.mu variant. It is
// only safe for masks that other goroutines clear without needing this
// same lock (LOADING/UNLOADING transitions release s.mu before clearing
// their bit in loadLocked/unloadLocked): the spinning goroutine keeps the
// slot lock for read-modify-write pinning, while the loader briefly drops
// it during the actual I/O.
func (s *Slot) spinWaitLocked(mask Status) {
	for s.status.has(mask) {
		s.unlock()
		spinYield()
		s.lock()
	}
}
