package bbp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tidwall/btree"

	"github.com/monetdb-go/gdk/common"
)

// gdkVersion is the directory format version this reader/writer emits and
// accepts. Older accepted versions are named below for the reader's
// version-gated field count.
const gdkVersion = 1

// emptyPropsMarker is written in place of an empty Props or Physical
// field. Every
// entry field is whitespace-separated and parsed with strings.Fields,
// which collapses empty tokens -- an unmarked "" would vanish from the
// split and shift every later field left by one.
const emptyPropsMarker = "-"

// Older GDKversion values the reader still accepts, each gating a
// different on-disk line shape.
const (
	versionTailN      = 1 << 10 // pre string-offset-width-suffix tails
	versionMinMaxPos  = 1 << 11 // pre per-BAT min/max position fields
)

// these three are written verbatim on the second header line, matching a
// 64-bit build: pointer size, oid size, max-int size, all in bytes.
const (
	ptrSize    = 8
	oidSize    = 8
	maxIntSize = 8
)

// dirEntry is one parsed line of BBP.dir: one persistent BAT's directory
// record.
type dirEntry struct {
	ID       common.BatID
	Status   Status
	Logical  string
	Physical string
	Props    string

	Count    int64
	Capacity int64
	Hseqbase int64

	TypeName string // round-tripped verbatim when unrecognised
	Width    int
	Var      bool
	Flags    int

	NoKey0, NoKey1       bool
	NoSorted, NoRevSorted bool
	Seqbase              int64

	Hfree, Hsize int64
	MinPos, MaxPos int64

	// HasTail2 distinguishes a 14-field vs 12-field heap line (the
	// optional secondary "vh" heap, present when the BAT owns a var-sized
	// string heap in addition to its fixed-width tail).
	HasTail2          bool
	Vhfree, Vhsize int64

	Options string
}

// dirHeader carries the three header lines preceding the entry lines.
type dirHeader struct {
	Version int
	LogNo   common.LogNo
	TxID    common.TxID
	Size    common.BatID // BBPsize: one past the highest id in use
}

// readDir parses a BBP.dir file in full from r. It has no disk side
// effects and does not look at the needstrbatmove migration signal file;
// loadDirectory checks for that file itself.
func readDir(r io.Reader) (*dirHeader, []*dirEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !sc.Scan() {
		return nil, nil, common.NewError(common.ErrCorruptDirectory, "empty BBP.dir")
	}
	first := sc.Text()
	const magic = "BBP.dir, GDKversion "
	if !strings.HasPrefix(first, magic) {
		return nil, nil, common.NewError(common.ErrVersionMismatch, "missing BBP.dir magic header")
	}
	version, err := strconv.Atoi(strings.TrimSpace(first[len(magic):]))
	if err != nil {
		return nil, nil, common.WrapError(common.ErrVersionMismatch, err, "parsing GDKversion")
	}
	if version != gdkVersion && version != versionTailN && version != versionMinMaxPos {
		return nil, nil, common.NewError(common.ErrVersionMismatch, "unsupported BBP.dir version %d", version)
	}

	if !sc.Scan() {
		return nil, nil, common.NewError(common.ErrCorruptDirectory, "BBP.dir missing size-field line")
	}
	sizeFields := strings.Fields(sc.Text())
	if len(sizeFields) != 3 {
		return nil, nil, common.NewError(common.ErrCorruptDirectory, "BBP.dir size-field line malformed: %q", sc.Text())
	}

	hdr := &dirHeader{Version: version}
	var entries []*dirEntry
	inHeader := true
	for sc.Scan() {
		line := sc.Text()
		if inHeader {
			switch {
			case strings.HasPrefix(line, "BBPsize="):
				n, err := strconv.Atoi(strings.TrimPrefix(line, "BBPsize="))
				if err != nil {
					return nil, nil, common.WrapError(common.ErrCorruptDirectory, err, "parsing BBPsize")
				}
				hdr.Size = common.BatID(n)
				continue
			case strings.HasPrefix(line, "BBPinfo="):
				fields := strings.Fields(strings.TrimPrefix(line, "BBPinfo="))
				if len(fields) != 2 {
					return nil, nil, common.NewError(common.ErrCorruptDirectory, "BBPinfo malformed: %q", line)
				}
				logno, err1 := strconv.ParseInt(fields[0], 10, 64)
				txid, err2 := strconv.ParseInt(fields[1], 10, 64)
				if err1 != nil || err2 != nil {
					return nil, nil, common.NewError(common.ErrCorruptDirectory, "BBPinfo malformed: %q", line)
				}
				hdr.LogNo = common.LogNo(logno)
				hdr.TxID = common.TxID(txid)
				continue
			default:
				inHeader = false
			}
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseDirLine(line, version)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, common.WrapError(common.ErrCorruptDirectory, err, "scanning BBP.dir")
	}
	return hdr, entries, nil
}

func parseDirLine(line string, version int) (*dirEntry, error) {
	f := strings.Fields(line)
	const minFields = 12 // id, status, logical, physical, props, count, capacity, hseqbase, type, width, var, flags
	if len(f) < minFields {
		return nil, common.NewError(common.ErrCorruptDirectory, "BBP.dir entry has too few fields: %q", line)
	}

	id, err := strconv.Atoi(f[0])
	if err != nil {
		return nil, common.WrapError(common.ErrCorruptDirectory, err, "parsing bat id in %q", line)
	}
	statusBits, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return nil, common.WrapError(common.ErrCorruptDirectory, err, "parsing status in %q", line)
	}

	props := f[4]
	if props == emptyPropsMarker {
		props = ""
	}
	physical := f[3]
	if physical == emptyPropsMarker {
		physical = ""
	}
	e := &dirEntry{
		ID:       common.BatID(id),
		Status:   Status(statusBits),
		Logical:  f[2],
		Physical: physical,
		Props:    props,
	}
	var parseErr error
	num := func(s string) int64 {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			parseErr = err
		}
		return v
	}
	e.Count = num(f[5])
	e.Capacity = num(f[6])
	e.Hseqbase = num(f[7])
	e.TypeName = f[8]
	e.Width = int(num(f[9]))
	e.Var = f[10] == "1"
	e.Flags = int(num(f[11]))
	if parseErr != nil {
		return nil, common.WrapError(common.ErrCorruptDirectory, parseErr, "parsing numeric field in %q", line)
	}

	idx := 12
	readBool := func() bool {
		if idx >= len(f) {
			return false
		}
		v := f[idx] == "1"
		idx++
		return v
	}
	readInt := func() int64 {
		if idx >= len(f) {
			return 0
		}
		v, _ := strconv.ParseInt(f[idx], 10, 64)
		idx++
		return v
	}
	e.NoKey0 = readBool()
	e.NoKey1 = readBool()
	e.NoSorted = readBool()
	e.NoRevSorted = readBool()
	e.Seqbase = readInt()
	e.Hfree = readInt()
	e.Hsize = readInt()
	idx++ // reserved zero field
	if version != versionMinMaxPos {
		e.MinPos = readInt()
		e.MaxPos = readInt()
	}
	// a 14-field heap line carries a second (var-sized "vh") heap triple,
	// always written as two integers followed by a literal reserved "0"
	// marker (see formatDirLine); check for that marker and that the two
	// fields ahead of it actually parse as integers, rather than just
	// counting remaining fields, so a trailing Options string with no
	// vh-heap isn't misparsed as one. A hand-written Options string that
	// happens to be exactly "<int> <int> 0" is still ambiguous -- the
	// format carries no explicit field count to disambiguate it.
	if idx+2 < len(f) && f[idx+2] == "0" {
		if _, err1 := strconv.ParseInt(f[idx], 10, 64); err1 == nil {
			if _, err2 := strconv.ParseInt(f[idx+1], 10, 64); err2 == nil {
				e.HasTail2 = true
				e.Vhfree = readInt()
				e.Vhsize = readInt()
				idx++ // reserved zero field
			}
		}
	}
	if idx < len(f) {
		e.Options = strings.Join(f[idx:], " ")
	}
	return e, nil
}

func formatDirLine(e *dirEntry) string {
	b := func(v bool) string {
		if v {
			return "1"
		}
		return "0"
	}
	props := e.Props
	if props == "" {
		props = emptyPropsMarker
	}
	physical := e.Physical
	if physical == "" {
		physical = emptyPropsMarker
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d %d %s %s %s %d %d %d %s %d %s %d %s %s %s %s %d %d %d 0 %d %d",
		int32(e.ID), uint32(e.Status), e.Logical, physical, props,
		e.Count, e.Capacity, e.Hseqbase, e.TypeName, e.Width, b(e.Var), e.Flags,
		b(e.NoKey0), b(e.NoKey1), b(e.NoSorted), b(e.NoRevSorted), e.Seqbase,
		e.Hfree, e.Hsize, e.MinPos, e.MaxPos)
	if e.HasTail2 {
		fmt.Fprintf(&sb, " %d %d 0", e.Vhfree, e.Vhsize)
	}
	if e.Options != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Options)
	}
	return sb.String()
}

// oldDirItem is the ordering wrapper stored in the merge tree: entries
// compare by id alone.
type oldDirItem struct {
	id  int32
	ent *dirEntry
}

func lessOldDirItem(a, b oldDirItem) bool { return a.id < b.id }

// dirWriter merges a prior manifest (loaded into a btree.BTreeG for
// O(log n) stepping and presence checks) with newly produced entries,
// preserving strictly ascending id order.
type dirWriter struct {
	w   *bufio.Writer
	f   *os.File
	old *btree.BTreeG[oldDirItem]

	iter    btree.IterG[oldDirItem]
	hasMore bool
}

func newDirWriter(f *os.File, oldEntries []*dirEntry) *dirWriter {
	old := btree.NewBTreeG(lessOldDirItem)
	for _, e := range oldEntries {
		old.Set(oldDirItem{id: int32(e.ID), ent: e})
	}
	dw := &dirWriter{w: bufio.NewWriter(f), f: f, old: old}
	dw.iter = old.Iter()
	dw.hasMore = dw.iter.First()
	return dw
}

func (dw *dirWriter) peek() (oldDirItem, bool) {
	if !dw.hasMore {
		return oldDirItem{}, false
	}
	return dw.iter.Item(), true
}

func (dw *dirWriter) advance() {
	dw.hasMore = dw.iter.Next()
}

func (dw *dirWriter) writeHeader(hdr *dirHeader) error {
	if _, err := fmt.Fprintf(dw.w, "BBP.dir, GDKversion %d\n", gdkVersion); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(dw.w, "%d %d %d\n", ptrSize, oidSize, maxIntSize); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(dw.w, "BBPsize=%d\n", int32(hdr.Size)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(dw.w, "BBPinfo=%d %d\n", int64(hdr.LogNo), int64(hdr.TxID))
	return err
}

// step advances the merge cursor past every old entry strictly less than
// id, writing each one forward unchanged, then drops (without writing)
// the old entry exactly equal to id if present -- the caller is about to
// write its replacement itself.
func (dw *dirWriter) step(id common.BatID) error {
	for {
		item, ok := dw.peek()
		if !ok || item.id >= int32(id) {
			break
		}
		if err := dw.writeEntry(item.ent); err != nil {
			return err
		}
		dw.advance()
	}
	if item, ok := dw.peek(); ok && item.id == int32(id) {
		dw.advance() // the caller is about to write its own replacement
	}
	return nil
}

func (dw *dirWriter) writeEntry(e *dirEntry) error {
	_, err := fmt.Fprintln(dw.w, formatDirLine(e))
	return err
}

// writeNew emits one freshly computed entry, after stepping the merge
// cursor past (and dropping) any old entry for the same id.
func (dw *dirWriter) writeNew(e *dirEntry) error {
	if err := dw.step(e.ID); err != nil {
		return err
	}
	return dw.writeEntry(e)
}

// finish flushes any remaining old entries (ids untouched by the commit),
// then flushes the buffer and fsyncs the file.
func (dw *dirWriter) finish() error {
	for {
		item, ok := dw.peek()
		if !ok {
			break
		}
		if err := dw.writeEntry(item.ent); err != nil {
			return err
		}
		dw.advance()
	}
	if err := dw.w.Flush(); err != nil {
		return err
	}
	return dw.f.Sync()
}
