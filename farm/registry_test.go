package farm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monetdb-go/gdk/common"
)

func TestRegistry_AddSelectResolvesByRole(t *testing.T) {
	r := NewRegistry()
	persistDir := t.TempDir()
	tmpDir := t.TempDir()

	persistID, err := r.Add(persistDir, common.MaskOf(common.RolePersistent))
	require.NoError(t, err)
	tmpID, err := r.Add(tmpDir, common.MaskOf(common.RoleTransient))
	require.NoError(t, err)
	r.Seal()

	got, err := r.Select(common.RolePersistent, common.NoFarm)
	require.NoError(t, err)
	require.Equal(t, persistID, got)

	got, err = r.Select(common.RoleTransient, common.NoFarm)
	require.NoError(t, err)
	require.Equal(t, tmpID, got)
}

func TestRegistry_AddAfterSealRejected(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add(t.TempDir(), common.MaskOf(common.RolePersistent))
	require.NoError(t, err)
	r.Seal()

	_, err = r.Add(t.TempDir(), common.MaskOf(common.RoleTransient))
	require.Error(t, err)
}

func TestRegistry_AddSameDirectoryTwiceRejected(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	_, err := r.Add(dir, common.MaskOf(common.RolePersistent))
	require.NoError(t, err)

	_, err = r.Add(dir, common.MaskOf(common.RoleTransient))
	require.Error(t, err)
}

func TestRegistry_SelectHintPreservedWhenItServesTheRole(t *testing.T) {
	r := NewRegistry()
	a, err := r.Add(t.TempDir(), common.MaskOf(common.RolePersistent, common.RoleTransient))
	require.NoError(t, err)
	_, err = r.Add(t.TempDir(), common.MaskOf(common.RolePersistent, common.RoleTransient))
	require.NoError(t, err)
	r.Seal()

	got, err := r.Select(common.RolePersistent, a)
	require.NoError(t, err)
	require.Equal(t, a, got, "a hint that already serves the role must win over the default")
}

func TestSubdirFor_TwoOctalDigitsPerLevel(t *testing.T) {
	require.Equal(t, "01", SubdirFor(common.BatID(1)))
	require.Equal(t, "01/23", SubdirFor(common.BatID(0o123)))
}

func TestRegistry_PhysicalPathJoinsFarmDirSubdirAndExtension(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()
	id, err := r.Add(dir, common.MaskOf(common.RolePersistent))
	require.NoError(t, err)
	r.Seal()

	path, err := r.PhysicalPath(id, common.BatID(0o123), "tail")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "01", "23", "123.tail"), path)
}
