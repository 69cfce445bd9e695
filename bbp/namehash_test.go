package bbp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monetdb-go/gdk/common"
)

func newTestNameHash(t *testing.T) *nameHash {
	t.Helper()
	cfg := DefaultConfig()
	sa := newSlabArray(cfg)
	return newNameHash(cfg.BBPInit, sa)
}

func TestNameHash_TmpNameFastPathNeverChains(t *testing.T) {
	h := newTestNameHash(t)
	id := common.BatID(0o17)

	require.Equal(t, id, h.Lookup(tmpName(id)))
	require.Equal(t, common.NilBatID, h.Lookup("tmp_99999999"))
}

func TestNameHash_InsertLookupRemove(t *testing.T) {
	h := newTestNameHash(t)
	id := common.BatID(5)
	s := h.slab.slot(id)
	s.lock()
	s.logicalName = "mycolumn"
	s.unlock()

	h.Insert("mycolumn", id)
	require.Equal(t, id, h.Lookup("mycolumn"))

	h.Remove("mycolumn", id)
	require.Equal(t, common.NilBatID, h.Lookup("mycolumn"))
}

func TestNameHash_RenameCollisionLeavesBothNamesIntact(t *testing.T) {
	h := newTestNameHash(t)
	a, b := common.BatID(1), common.BatID(2)
	for id, name := range map[common.BatID]string{a: "first", b: "second"} {
		s := h.slab.slot(id)
		s.lock()
		s.logicalName = name
		s.unlock()
		h.Insert(name, id)
	}

	err := h.Rename(b, "first")
	require.Error(t, err)
	require.Equal(t, a, h.Lookup("first"))
	require.Equal(t, b, h.Lookup("second"))
}

func TestNameHash_RenameMarksOnlyTheTargetBat(t *testing.T) {
	h := newTestNameHash(t)
	a, b := common.BatID(10), common.BatID(20)
	for id, name := range map[common.BatID]string{a: "keep", b: "movable"} {
		s := h.slab.slot(id)
		s.lock()
		s.logicalName = name
		s.status.set(StatusPersistent)
		s.unlock()
		h.Insert(name, id)
	}

	require.NoError(t, h.Rename(b, "moved"))

	sb := h.slab.slot(b)
	sb.lock()
	require.True(t, sb.status.has(StatusRenamed))
	require.Equal(t, "moved", sb.logicalName)
	sb.unlock()

	sa := h.slab.slot(a)
	sa.lock()
	require.False(t, sa.status.has(StatusRenamed), "an unrelated bat touched while resolving the collision must not pick up RENAMED")
	sa.unlock()
}
