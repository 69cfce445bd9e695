package bbp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPool_ViewKeepsParentFixedWhileLoaded(t *testing.T) {
	p, _ := newTestPool(t)
	parent, err := p.Insert(&Descriptor{Ttype: "int"})
	require.NoError(t, err)
	p.Retain(parent)
	p.Unfix(parent) // drop insert's own memory ref; the view's fix is what matters below

	view, err := p.InsertView(&Descriptor{Ttype: "int"}, parent)
	require.NoError(t, err)
	p.Retain(view)
	p.Unfix(view) // drop InsertView's own memory ref, releasing the matching recursive parent fix

	require.Error(t, p.Reclaim(parent), "a live view must keep its parent fixed via Share")

	parentSlot := p.slab.slot(parent)
	refsOf := func() int32 {
		parentSlot.lock()
		defer parentSlot.unlock()
		return parentSlot.memoryRefs
	}
	require.Equal(t, int32(1), refsOf(), "only share's own fix is outstanding once the view's own ref is gone")

	_, err = p.Fix(view)
	require.NoError(t, err, "fixing a view for the first time must recursively fix its parent")
	require.Equal(t, int32(2), refsOf(), "share's own fix plus the view's fresh recursive fix")

	p.Unfix(view)
	require.Equal(t, int32(1), refsOf(), "unfixing the view's last memory ref releases its matching recursive parent fix")

	p.Cold(view) // the trimmer would clear HOT itself; force it here to make the view evictable
	require.NoError(t, p.Reclaim(view), "the view itself has no memory refs left and can be unloaded")
	require.Equal(t, int32(1), refsOf(), "unloading an already-unfixed view has nothing further to release")

	require.NoError(t, p.Release(view))
	require.True(t, p.slab.slot(view).isFree(), "releasing the view's last logical ref destroys it and drops its share")
	require.Error(t, p.Reclaim(parent), "parent still carries its own outstanding logical ref and HOT bit")
	require.NoError(t, p.Release(parent))
	require.True(t, p.slab.slot(parent).isFree(), "once the view's share is gone too, the parent's own final release destroys it")
}

func TestPool_UnshareUnderflowReported(t *testing.T) {
	p, _ := newTestPool(t)
	parent, err := p.Insert(&Descriptor{Ttype: "int"})
	require.NoError(t, err)
	require.Error(t, p.Unshare(parent), "a bat with no views has no share to release")
}
