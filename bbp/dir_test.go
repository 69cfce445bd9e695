package bbp

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/monetdb-go/gdk/common"
)

func newTempDirFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "BBP.dir"))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestDir_WriteThenReadRoundTrip(t *testing.T) {
	entries := []*dirEntry{
		{ID: 3, Status: StatusPersistent | StatusExisting, Logical: "t1", Physical: "03", Props: "",
			Count: 4, Capacity: 8, TypeName: "int", NoSorted: true, NoRevSorted: true, NoKey0: true, NoKey1: true},
		{ID: 7, Status: StatusPersistent | StatusExisting, Logical: "t2", Physical: "07", Props: "",
			Count: 1, Capacity: 1, TypeName: "str", HasTail2: true, Vhfree: 10, Vhsize: 20},
	}

	f := newTempDirFile(t)
	dw := newDirWriter(f, nil)
	require.NoError(t, dw.writeHeader(&dirHeader{Version: gdkVersion, LogNo: 7, TxID: 42, Size: 8}))
	for _, e := range entries {
		require.NoError(t, dw.writeNew(e))
	}
	require.NoError(t, dw.finish())

	_, err := f.Seek(0, 0)
	require.NoError(t, err)
	hdr, got, err := readDir(f)
	require.NoError(t, err)
	require.Equal(t, common.LogNo(7), hdr.LogNo)
	require.Equal(t, common.TxID(42), hdr.TxID)
	require.Equal(t, common.BatID(8), hdr.Size)
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[0].Logical)
	require.Equal(t, int64(4), got[0].Count)
	require.Equal(t, "t2", got[1].Logical)
	require.True(t, got[1].HasTail2)
	require.Equal(t, int64(20), got[1].Vhsize)
}

func TestDir_RejectsMissingMagic(t *testing.T) {
	_, _, err := readDir(strings.NewReader("not a bbp dir\n"))
	require.Error(t, err)
}

func TestDir_MergeKeepsAscendingIDOrderAndDropsSuperseded(t *testing.T) {
	old := []*dirEntry{
		{ID: 1, Logical: "a", TypeName: "int"},
		{ID: 2, Logical: "b", TypeName: "int"},
		{ID: 5, Logical: "e", TypeName: "int"},
	}
	f := newTempDirFile(t)
	dw := newDirWriter(f, old)
	require.NoError(t, dw.writeHeader(&dirHeader{Version: gdkVersion, Size: 6}))
	require.NoError(t, dw.writeNew(&dirEntry{ID: 2, Logical: "b2", TypeName: "int"}))
	require.NoError(t, dw.finish())

	_, err := f.Seek(0, 0)
	require.NoError(t, err)
	_, got, err := readDir(f)
	require.NoError(t, err)

	require.Len(t, got, 3)
	var ids []int
	for _, e := range got {
		ids = append(ids, int(e.ID))
	}
	require.Equal(t, []int{1, 2, 5}, ids, "merge output must stay in ascending id order")
	require.Equal(t, "b2", got[1].Logical, "the new entry for id 2 must replace the old one, not duplicate it")
}
