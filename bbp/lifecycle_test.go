package bbp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLifecycle_TransientBatReturnsIDToFreeListAfterFinalRelease(t *testing.T) {
	p, heap := newTestPool(t)

	id, err := p.Insert(&Descriptor{Ttype: "int"})
	require.NoError(t, err)

	// insert itself holds one memory ref; fix/fix/unfix/unfix/unfix walks
	// that ref plus two borrowed ones back down to zero.
	_, err = p.Fix(id)
	require.NoError(t, err)
	_, err = p.Fix(id)
	require.NoError(t, err)
	p.Unfix(id)
	p.Unfix(id)
	// the final unfix drops memoryRefs to 0 with logicalRefs already at 0
	// (never retained), so it destroys id itself -- no explicit Reclaim.
	p.Unfix(id)

	s := p.slab.slot(id)
	require.True(t, s.isFree())
	require.Equal(t, int64(1), heap.deletes.Load())

	reused, ok := p.slab.pop(id)
	require.True(t, ok, "destroy must have returned the id to the free list")
	require.Equal(t, id, reused)
}

func TestTrimmer_EvictsUnpinnedClean(t *testing.T) {
	p, _ := newTestPool(t)
	id, err := p.Insert(&Descriptor{Ttype: "int"})
	require.NoError(t, err)
	p.Retain(id)
	p.Unfix(id) // drop insert's own memory ref; only the retain keeps id alive now

	s := p.slab.slot(id)
	s.lock()
	require.True(t, s.status.has(StatusLoaded))
	s.unlock()

	p.clearHotBits()
	p.evictEligible(false)

	s.lock()
	require.False(t, s.status.has(StatusLoaded), "an unpinned clean bat must be unloaded by the trimmer's sweep")
	s.unlock()

	require.NoError(t, p.Release(id))
}

func TestTrimmer_NeverEvictsWhilePinned(t *testing.T) {
	p, _ := newTestPool(t)
	id, err := p.Insert(&Descriptor{Ttype: "int"})
	require.NoError(t, err)
	p.Retain(id)
	_, err = p.Fix(id)
	require.NoError(t, err)

	p.clearHotBits()
	p.evictEligible(true)

	s := p.slab.slot(id)
	s.lock()
	require.True(t, s.status.has(StatusLoaded), "a fixed bat must survive even an aggressive trim pass")
	s.unlock()

	p.Unfix(id)
	require.NoError(t, p.Release(id))
}
