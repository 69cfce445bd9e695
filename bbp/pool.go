package bbp

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/monetdb-go/gdk/common"
	"github.com/monetdb-go/gdk/farm"
)

// Pool is the process-wide BAT buffer pool: the single type exposing the
// engine-facing directory, residency, and commit operations. It owns the
// slab array, the name hash, the trimmer, and the farms registry handed
// to it at construction.
type Pool struct {
	cfg *Config

	slab  *slabArray
	names *nameHash
	heap  Heap

	farms *farm.Registry

	syncMu sync.Mutex // the global sync lock: held for the duration of one Sync/Recover call
	lockMu sync.Mutex // the global quiescence lock taken by Lock/Unlock

	logno common.LogNo
	txid  common.TxID

	needsStrBatMove bool

	freshMu   sync.Mutex
	freshNext common.BatID

	trimmer *trimmer
}

// NewPool constructs a Pool against the given farms registry and heap
// collaborator, but does not yet start the trimmer or run recovery --
// that happens in Init, keeping farm registration (construction time)
// separate from the first real startup step.
func NewPool(cfg *Config, farms *farm.Registry, heap Heap) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sa := newSlabArray(cfg)
	p := &Pool{
		cfg:   cfg,
		slab:  sa,
		names: newNameHash(cfg.BBPInit, sa),
		heap:  heap,
		farms: farms,
	}
	p.trimmer = newTrimmer(p)
	return p, nil
}

// Init runs startup recovery against every registered farm, loads
// BBP.dir, runs the post-load disk-scan, and starts the background
// trimmer. firstTime skips recovery and disk-scan entirely for a
// brand-new, empty data directory. The disk-scan must run after
// loadDirectory: it judges orphan files by consulting the slab array, so
// running it before any slot is populated would delete every recognized
// heap file on disk.
func (p *Pool) Init(firstTime bool) error {
	p.farms.Seal()

	for id := common.FarmID(0); p.farms.Farm(id) != nil; id++ {
		f := p.farms.Farm(id)
		fh := &farmHandle{farm: f}
		if !firstTime {
			if err := p.Recover(fh); err != nil {
				return err
			}
		}
		if err := p.loadDirectory(fh); err != nil {
			return err
		}
		if !firstTime {
			if err := p.diskScan(fh); err != nil {
				return err
			}
		}
	}

	p.trimmer.Start()
	return nil
}

// Close stops the trimmer. It does not implicitly Sync; callers that
// want a final commit must call Sync before Close. Calling Close more
// than once is safe.
func (p *Pool) Close() {
	p.trimmer.Stop()
}

// Lock/Unlock implement the global quiescence barrier: structural
// operations spanning the whole pool (recovery, disk-scan) take this
// before touching any slot.
func (p *Pool) Lock()   { p.lockMu.Lock() }
func (p *Pool) Unlock() { p.lockMu.Unlock() }

// Insert allocates a fresh id for desc and installs it as a new,
// transient, HOT BAT with one memory ref and zero logical refs: born
// DELETING|HOT, where DELETING names the transient "not yet committed to
// existence" state, cleared once the caller raises a logical ref.
func (p *Pool) Insert(desc *Descriptor) (common.BatID, error) {
	id, ok := p.slab.pop(common.NilBatID)
	if !ok {
		id = p.allocateFresh()
	}
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()

	farmID, err := p.farms.Select(common.RoleTransient, common.NoFarm)
	if err != nil {
		p.slab.push(id)
		return common.NilBatID, err
	}

	s.descriptor = desc
	s.cachePtr = desc
	s.farm = farmID
	s.logicalName = tmpName(id)
	s.memoryRefs = 1
	s.logicalRefs = 0
	s.shareCount = 0
	s.status.store(StatusDeleting | StatusHot | StatusLoaded | StatusTmp | StatusNew)
	desc.ID = id

	p.names.Insert(s.logicalName, id)
	return id, nil
}

// InsertView allocates a fresh id for desc as a view borrowing parent's
// heap instead of owning one: like Insert, but desc.Parent is set and
// parent is Shared on the new view's behalf for as long as it exists.
// The caller still owns the returned id's own logical/memory refs
// exactly as with Insert; Unshare(parent) is only implied by destroying
// the view, never by releasing the view's own refs directly.
//
// Insert hands the view its first memory ref directly rather than
// through Fix, so it carries no recursive parent fix of its own; this
// takes that matching fix explicitly so the eventual Unfix that drops
// the view back to zero memory refs -- which always releases one
// recursive parent fix for a view -- has one to release.
func (p *Pool) InsertView(desc *Descriptor, parent common.BatID) (common.BatID, error) {
	desc.Parent = parent
	id, err := p.Insert(desc)
	if err != nil {
		return common.NilBatID, err
	}
	p.Share(parent)
	if _, err := p.Fix(parent); err != nil {
		p.cfg.Logger.Errorf("insertview: fixing parent bat %d: %v", parent, err)
	}
	return id, nil
}

func (p *Pool) allocateFresh() common.BatID {
	p.freshMu.Lock()
	defer p.freshMu.Unlock()
	if p.freshNext == common.NilBatID {
		p.freshNext = 1
	}
	id := p.freshNext
	p.freshNext++
	common.Assert(id <= p.slab.capacity(), "bat id space exhausted")
	return id
}

// Rename rejects a tmp_<octal> name other than id's own default name
// with ErrIllegalName, then delegates to the name hash's Rename and
// returns its error unchanged.
func (p *Pool) Rename(id common.BatID, newName string) error {
	if newTmp, ok := tmpID(newName); ok && newTmp != id {
		return common.NewError(common.ErrIllegalName, "tmp_<octal> name must match the bat's own id")
	}
	return p.names.Rename(id, newName)
}

// Index resolves a logical name to its id, or NilBatID if unknown.
func (p *Pool) Index(name string) common.BatID {
	return p.names.Lookup(name)
}

// Descriptor is the lazy-load accessor: it loads the BAT if needed,
// returns its descriptor, and immediately releases the memory ref it
// took to do the load.
func (p *Pool) Descriptor(id common.BatID) (*Descriptor, error) {
	d, err := p.Fix(id)
	if err != nil {
		return nil, err
	}
	p.Unfix(id)
	return d, nil
}

// QuickDesc returns the slot's descriptor without forcing a heap load --
// metadata is always resident once a slot is installed, even when the
// heap bytes themselves are not.
func (p *Pool) QuickDesc(id common.BatID) *Descriptor {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	return s.descriptor
}

// Cold clears the HOT bit explicitly, independent of the trimmer's own
// sweep.
func (p *Pool) Cold(id common.BatID) {
	s := p.slab.slot(id)
	s.lock()
	s.status.clear(StatusHot)
	s.unlock()
}

// Reclaim is the caller-driven aggressive unload operation: it forces an
// eviction attempt on id right now instead of waiting for the trimmer's
// next pass. Returns an error if id is not currently evictable.
func (p *Pool) Reclaim(id common.BatID) error {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	if !evictable(s) {
		return common.NewError(common.ErrFixUnderflow, "bat %d is not evictable", id)
	}
	err := p.unloadLocked(s)
	if err == nil && s.logicalRefs == 0 && !s.status.has(StatusDeleted) {
		err = p.destroyLocked(s)
		if err == nil {
			p.slab.push(id)
		}
	}
	return err
}

// forEachLiveSlot visits every currently installed slot across all
// allocated slabs. Used by the trimmer and by disk-scan's liveness check.
func (p *Pool) forEachLiveSlot(fn func(s *Slot)) {
	for i := range p.slab.top {
		slab := p.slab.top[i].Load()
		if slab == nil {
			continue
		}
		for _, s := range *slab {
			if s != nil {
				fn(s)
			}
		}
	}
}

// estimatedVMBytes sums the heap sizes of every currently loaded
// descriptor, the figure the trimmer compares against half VMTargetMB.
func (p *Pool) estimatedVMBytes() int64 {
	var total int64
	p.forEachLiveSlot(func(s *Slot) {
		s.lock()
		if s.cachePtr != nil {
			for _, h := range s.cachePtr.Heaps {
				total += h.Size
			}
		}
		s.unlock()
	})
	return total
}

// NeedsStringMove reports whether a prior BBP.dir read requested the
// post-commit tail-heap rename pass that migrates an older narrow-string
// offset heap naming scheme to the current one.
func (p *Pool) NeedsStringMove() bool { return p.needsStrBatMove }

func (p *Pool) clearStringMoveSignal(fh *farmHandle) {
	p.needsStrBatMove = false
	os.Remove(filepath.Join(fh.farm.Dir, "needstrbatmove"))
}

func (p *Pool) loadDirectory(fh *farmHandle) error {
	path := filepath.Join(fh.farm.Dir, "BBP.dir")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return common.WrapError(common.ErrCorruptDirectory, err, "opening BBP.dir")
	}
	defer f.Close()

	hdr, entries, err := readDir(f)
	if err != nil {
		return err
	}
	p.logno, p.txid = hdr.LogNo, hdr.TxID
	if hdr.Size > p.freshNext {
		p.freshNext = hdr.Size
	}

	if _, err := os.Stat(filepath.Join(fh.farm.Dir, "needstrbatmove")); err == nil {
		p.needsStrBatMove = true
	}

	for _, e := range entries {
		p.installFromDirEntry(fh, e)
	}
	return nil
}

func (p *Pool) installFromDirEntry(fh *farmHandle, e *dirEntry) {
	s := p.slab.slot(e.ID)
	s.lock()
	defer s.unlock()

	s.descriptor = &Descriptor{
		ID:        e.ID,
		Ttype:     e.TypeName,
		Count:     e.Count,
		Capacity:  e.Capacity,
		Sorted:    !e.NoSorted,
		Revsorted: !e.NoRevSorted,
		KeyUnique: !e.NoKey0,
	}
	s.logicalName = e.Logical
	s.physicalName = filepath.Join(fh.farm.Dir, e.Physical)
	s.options = e.Props
	s.status.store(e.Status | StatusExisting | StatusPersistent)
	s.farm = fh.farm.ID

	p.names.Insert(s.logicalName, e.ID)
}

// GetLogNo and GetTransID return the counters most recently persisted by
// Sync, unchanged.
func (p *Pool) GetLogNo() common.LogNo { return p.logno }
func (p *Pool) GetTransID() common.TxID { return p.txid }

// fhFor resolves the farm handle for a given farm id; used by Sync to
// group affected BATs by farm before staging each farm's commit.
func (p *Pool) fhFor(id common.FarmID) *farmHandle {
	return &farmHandle{farm: p.farms.Farm(id)}
}
