package bbp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/monetdb-go/gdk/common"
	"github.com/monetdb-go/gdk/farm"
)

// Sync commits durably: a full commit when ids is nil, otherwise a
// subcommit restricted to the given sorted id subset. syncMu ensures no
// two commits ever overlap.
func (p *Pool) Sync(ids []common.BatID, sizes []int64, logno common.LogNo, txid common.TxID) error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	subcommit := ids != nil
	if subcommit {
		sorted := append([]common.BatID(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i := range sorted {
			if sorted[i] != ids[i] {
				return common.NewError(common.ErrCommitFailed, "sync: ids must be sorted ascending")
			}
		}
	}

	targetIDs := ids
	if !subcommit {
		targetIDs = p.allPersistentIDs()
	}

	// group by farm: each farm commits its own BACKUP/ independently.
	byFarm := make(map[common.FarmID][]common.BatID)
	for _, id := range targetIDs {
		s := p.slab.slot(id)
		s.lock()
		farmID := s.farm
		s.unlock()
		byFarm[farmID] = append(byFarm[farmID], id)
	}

	for farmID, group := range byFarm {
		if err := p.syncFarm(p.fhFor(farmID), group, sizes, logno, txid, subcommit); err != nil {
			return err
		}
	}
	p.logno, p.txid = logno, txid
	return nil
}

// syncFarm stages and publishes one farm's share of the commit. subcommit
// is decided once, pool-wide, by Sync -- whether the caller passed an
// explicit id subset at all -- and passed down here rather than
// re-derived per farm: a farm's own group is almost always shorter than
// the pool-wide persistent-id count, so comparing lengths per farm would
// misclassify a full commit as a subcommit as soon as more than one farm
// is registered.
func (p *Pool) syncFarm(fh *farmHandle, ids []common.BatID, sizes []int64, logno common.LogNo, txid common.TxID, subcommit bool) error {
	cs, err := p.prepare(fh, subcommit)
	if err != nil {
		return err
	}

	oldHdr, oldEntries, err := p.readOldDirOrEmpty(cs.oldDirPath)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if err := p.safeguard(cs, id); err != nil {
			return err
		}
	}
	for i, id := range ids {
		if err := p.saveBat(id); err != nil {
			return err
		}
		if sizes != nil && i < len(sizes) {
			p.setCount(id, sizes[i])
		}
	}
	for _, id := range ids {
		s := p.slab.slot(id)
		s.lock()
		s.status.clear(StatusSyncing)
		s.unlock()
	}

	size := oldHdr.Size
	for _, id := range ids {
		if id+1 > size {
			size = id + 1
		}
	}

	// A subcommit only touches ids; every other old entry still names a
	// live BAT and must be merged forward unchanged. A full commit's ids
	// is the complete current persistent set, so any old entry outside
	// it names a BAT destroyed since the last commit -- merging those
	// forward would resurrect them in the new BBP.dir.
	mergeBase := oldEntries
	if !subcommit {
		mergeBase = nil
	}

	newDirPath := filepath.Join(cs.backupDir, "BBP.dir")
	f, err := os.Create(newDirPath)
	if err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "creating new BBP.dir")
	}
	dw := newDirWriter(f, mergeBase)
	if err := dw.writeHeader(&dirHeader{Version: gdkVersion, LogNo: logno, TxID: txid, Size: size}); err != nil {
		f.Close()
		return common.WrapError(common.ErrCommitFailed, err, "writing BBP.dir header")
	}
	for _, id := range ids {
		e := p.dirEntryFor(id)
		if err := dw.writeNew(e); err != nil {
			f.Close()
			return common.WrapError(common.ErrCommitFailed, err, "writing bat %d entry", id)
		}
	}
	if err := dw.finish(); err != nil {
		f.Close()
		return common.WrapError(common.ErrCommitFailed, err, "finishing BBP.dir")
	}
	f.Close()

	if err := os.Rename(newDirPath, filepath.Join(fh.farm.Dir, "BBP.dir")); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "publishing new BBP.dir")
	}

	return p.publish(cs)
}

func (p *Pool) readOldDirOrEmpty(path string) (*dirHeader, []*dirEntry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &dirHeader{Version: gdkVersion}, nil, nil
	}
	if err != nil {
		return nil, nil, common.WrapError(common.ErrCommitFailed, err, "opening staged BBP.dir")
	}
	defer f.Close()
	return readDir(f)
}

func (p *Pool) saveBat(id common.BatID) error {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	return p.saveLocked(s)
}

func (p *Pool) setCount(id common.BatID, count int64) {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	if s.cachePtr != nil {
		s.cachePtr.Count = count
	}
	if s.descriptor != nil {
		s.descriptor.Count = count
	}
}

func (p *Pool) dirEntryFor(id common.BatID) *dirEntry {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()

	d := s.descriptor
	if d == nil {
		d = &Descriptor{}
	}
	// Physical must carry the id's octal subdirectory (farm.SubdirFor),
	// not just the bare stem: installFromDirEntry rebuilds physicalName
	// by joining this against the farm root alone, so a bare stem would
	// silently resolve to a different path than the one the BAT was
	// actually written under.
	physical := filepath.Join(farm.SubdirFor(id), fmt.Sprintf("%o", int32(id)))
	e := &dirEntry{
		ID:          id,
		Status:      s.status.load(),
		Logical:     s.logicalName,
		Physical:    physical,
		Props:       s.options,
		Count:       d.Count,
		Capacity:    d.Capacity,
		TypeName:    d.Ttype,
		NoSorted:    !d.Sorted,
		NoRevSorted: !d.Revsorted,
		NoKey0:      !d.KeyUnique,
	}
	for _, h := range d.Heaps {
		if h.Ext == "theap" {
			e.HasTail2 = true
			e.Vhsize = h.Size
		} else {
			e.Hsize = h.Size
		}
	}
	return e
}

func (p *Pool) allPersistentIDs() []common.BatID {
	var ids []common.BatID
	p.forEachLiveSlot(func(s *Slot) {
		s.lock()
		if s.status.has(StatusPersistent) {
			ids = append(ids, s.id)
		}
		s.unlock()
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
