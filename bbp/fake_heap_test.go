package bbp

import (
	"sync"
	"sync/atomic"

	"github.com/monetdb-go/gdk/common"
)

// fakeHeap is an in-memory stand-in for the Heap collaborator: it records
// every Load/Save/Delete/Unfix call and keeps descriptors keyed by stem
// instead of touching any filesystem, the same role StatsDBFile plays for
// the storage manager in buffer-pool tests.
type fakeHeap struct {
	mu    sync.Mutex
	byStem map[string]*Descriptor

	loads, saves, deletes, unfixes atomic.Int64

	failLoad, failSave, failDelete bool
}

func newFakeHeap() *fakeHeap {
	return &fakeHeap{byStem: make(map[string]*Descriptor)}
}

func (h *fakeHeap) put(stem string, d *Descriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.byStem[stem] = d
}

func (h *fakeHeap) Load(stem string) (*Descriptor, error) {
	h.loads.Add(1)
	if h.failLoad {
		return nil, common.NewError(common.ErrUnknownBAT, "fake load failure for %s", stem)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.byStem[stem]
	if !ok {
		return &Descriptor{}, nil
	}
	cp := *d
	cp.Heaps = append([]HeapRef(nil), d.Heaps...)
	return &cp, nil
}

func (h *fakeHeap) Save(stem string, d *Descriptor) error {
	h.saves.Add(1)
	if h.failSave {
		return common.NewError(common.ErrCommitFailed, "fake save failure for %s", stem)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := *d
	cp.Heaps = append([]HeapRef(nil), d.Heaps...)
	h.byStem[stem] = &cp
	return nil
}

func (h *fakeHeap) Delete(stem string) error {
	h.deletes.Add(1)
	if h.failDelete {
		return common.NewError(common.ErrCommitFailed, "fake delete failure for %s", stem)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byStem, stem)
	return nil
}

func (h *fakeHeap) Unfix(d *Descriptor) {
	h.unfixes.Add(1)
}
