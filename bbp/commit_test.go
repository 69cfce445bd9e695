package bbp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monetdb-go/gdk/common"
	"github.com/monetdb-go/gdk/farm"
)

func openTestPool(t *testing.T, dir string, heap *fakeHeap, firstTime bool) *Pool {
	t.Helper()
	reg := farm.NewRegistry()
	_, err := reg.Add(dir, common.MaskOf(common.RolePersistent, common.RoleTransient))
	require.NoError(t, err)
	p, err := NewPool(DefaultConfig(), reg, heap)
	require.NoError(t, err)
	require.NoError(t, p.Init(firstTime))
	t.Cleanup(p.Close)
	return p
}

func TestCommit_PersistentRoundTripSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	heap := newFakeHeap()

	p := openTestPool(t, dir, heap, true)
	id, err := p.Insert(&Descriptor{Ttype: "int", Count: 0, Capacity: 4})
	require.NoError(t, err)
	p.Retain(id)
	require.NoError(t, p.Rename(id, "t1"))

	p.setCount(id, 4)
	require.NoError(t, p.Sync(nil, nil, 7, 42))
	p.Close()

	p2 := openTestPool(t, dir, heap, false)
	require.Equal(t, id, p2.Index("t1"))
	d := p2.QuickDesc(id)
	require.NotNil(t, d)
	require.Equal(t, int64(4), d.Count)
	require.Equal(t, common.LogNo(7), p2.GetLogNo())
	require.Equal(t, common.TxID(42), p2.GetTransID())
}

func TestCommit_CrashBeforePublishRecoversPreCommitState(t *testing.T) {
	dir := t.TempDir()
	heap := newFakeHeap()

	p := openTestPool(t, dir, heap, true)
	id, err := p.Insert(&Descriptor{Ttype: "int"})
	require.NoError(t, err)
	p.Retain(id)
	require.NoError(t, p.Rename(id, "t1"))
	require.NoError(t, p.Sync(nil, nil, 1, 1))
	p.Close()

	// Start a second commit and stop after staging but before publish, the
	// same state a process crash between BACKUP/ and DELETE_ME/ would leave.
	p2 := openTestPool(t, dir, heap, false)
	fh := p2.fhFor(0)
	cs, err := p2.prepare(fh, false)
	require.NoError(t, err)
	require.NoError(t, p2.safeguard(cs, id))
	p2.Close()

	require.FileExists(t, filepath.Join(fh.farm.BackupDir(), "BBP.dir"),
		"a crash before publish must leave the old BBP.dir staged under BACKUP/")

	p3 := openTestPool(t, dir, heap, false)
	require.Equal(t, id, p3.Index("t1"))
	require.Equal(t, int64(0), p3.QuickDesc(id).Count, "the interrupted second commit must not have taken effect")
	_, err = os.Stat(fh.farm.BackupDir())
	require.True(t, os.IsNotExist(err), "recovery must have resolved the staged BACKUP/ directory")
}

func TestCommit_CrashAfterPublishCleansDeleteMe(t *testing.T) {
	dir := t.TempDir()
	heap := newFakeHeap()

	p := openTestPool(t, dir, heap, true)
	id, err := p.Insert(&Descriptor{Ttype: "int"})
	require.NoError(t, err)
	p.Retain(id)
	require.NoError(t, p.Rename(id, "t1"))
	p.setCount(id, 4)
	require.NoError(t, p.Sync(nil, nil, 1, 1))

	fh := p.fhFor(0)
	// Simulate the crash window between the BACKUP->DELETE_ME rename and
	// the best-effort removal of DELETE_ME/ by recreating it after the
	// fact with leftover content.
	require.NoError(t, os.MkdirAll(fh.farm.DeleteMeDir(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(fh.farm.DeleteMeDir(), "leftover"), []byte("x"), 0o644))
	p.Close()

	p2 := openTestPool(t, dir, heap, false)
	_, err = os.Stat(fh.farm.DeleteMeDir())
	require.True(t, os.IsNotExist(err), "recovery must remove a stale DELETE_ME/")
	require.Equal(t, id, p2.Index("t1"))
	require.Equal(t, int64(4), p2.QuickDesc(id).Count)
}
