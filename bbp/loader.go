package bbp

import "github.com/monetdb-go/gdk/common"

// loadLocked brings id's descriptor into memory. The caller holds s.mu on
// entry; it is released for the duration of the actual Heap.Load call so
// that other goroutines can still read s.status (to see StatusLoading and
// spin) without blocking on disk I/O, then re-acquired before returning.
func (p *Pool) loadLocked(s *Slot) error {
	s.status.set(StatusLoading)
	s.unlock()

	stem := p.stemFor(s)
	d, err := p.heap.Load(stem)

	s.lock()
	s.status.clear(StatusLoading)
	if err != nil {
		return common.WrapError(common.ErrUnknownBAT, err, "loading bat %d from %s", s.id, stem)
	}
	s.cachePtr = d
	s.status.set(StatusLoaded)
	return nil
}

// saveLocked writes s's current descriptor back to disk. Called with
// s.mu held; like loadLocked, it drops the lock around the actual I/O.
func (p *Pool) saveLocked(s *Slot) error {
	if s.cachePtr == nil {
		return nil
	}
	s.status.set(StatusSaving)
	s.unlock()

	stem := p.stemFor(s)
	err := p.heap.Save(stem, s.cachePtr)

	s.lock()
	s.status.clear(StatusSaving)
	if err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "saving bat %d to %s", s.id, stem)
	}
	for i := range s.cachePtr.Heaps {
		s.cachePtr.Heaps[i].Dirty = false
	}
	return nil
}

// unloadLocked evicts s's cached descriptor from memory without deleting
// anything on disk. Called with s.mu held and evictable(s) already true.
// By the time this runs, evictable already required memoryRefs == 0; if
// s is a view, Unfix already released the recursive parent fix paired
// with that last physical ref, so there is nothing view-specific left
// for unload itself to undo.
func (p *Pool) unloadLocked(s *Slot) error {
	common.Assert(evictable(s), "unload of non-evictable bat %d", s.id)

	if s.cachePtr != nil {
		for i := range s.cachePtr.Heaps {
			if s.cachePtr.Heaps[i].Dirty {
				if err := p.saveLocked(s); err != nil {
					return err
				}
				break
			}
		}
	}

	s.status.set(StatusUnloading)
	s.unlock()
	if s.cachePtr != nil {
		p.heap.Unfix(s.cachePtr)
	}
	s.lock()
	s.status.clear(StatusUnloading)
	s.status.clear(StatusLoaded)
	s.status.clear(StatusSwapped)
	s.cachePtr = nil
	return nil
}

// destroyLocked permanently removes id's on-disk heaps. Called with s.mu
// held; while a still-cached descriptor is handed to Heap.Unfix the slot
// carries StatusDeleting. Fix does not wait on that bit. If s is a view,
// the Share taken for it at InsertView time is released here, once the
// view itself is gone for good.
func (p *Pool) destroyLocked(s *Slot) error {
	var parent common.BatID
	if s.descriptor != nil && s.descriptor.Parent != s.id {
		parent = s.descriptor.Parent
	}

	if s.cachePtr != nil {
		s.status.set(StatusDeleting)
		s.unlock()
		p.heap.Unfix(s.cachePtr)
		s.lock()
	}

	stem := p.stemFor(s)
	s.unlock()
	err := p.heap.Delete(stem)
	s.lock()

	s.status.clear(StatusDeleting)
	s.cachePtr = nil
	s.descriptor = nil
	if err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "deleting bat %d at %s", s.id, stem)
	}
	p.names.Remove(s.logicalName, s.id)
	s.logicalName = ""
	s.physicalName = ""
	s.status.store(0)

	if parent != common.NilBatID {
		s.unlock()
		if err := p.Unshare(parent); err != nil {
			p.cfg.Logger.Errorf("releasing share of parent bat %d: %v", parent, err)
		}
		s.lock()
	}
	return nil
}

func (p *Pool) stemFor(s *Slot) string {
	if s.physicalName != "" {
		return s.physicalName
	}
	path, err := p.farms.PhysicalPath(s.farm, s.id, "")
	common.Assert(err == nil, "bat %d has no resolvable physical path: %v", s.id, err)
	s.physicalName = path
	return path
}
