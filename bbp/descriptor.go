package bbp

import "github.com/monetdb-go/gdk/common"

// Descriptor is the in-memory header for one BAT: its element type tag,
// logical count, allocated capacity, sortedness flags, and the heap
// pointers the Heap collaborator reads and writes. The pool never
// interprets heap bytes itself -- that stays behind the Heap interface,
// the stand-in for the out-of-scope heap/file layer.
type Descriptor struct {
	ID  common.BatID
	Ttype string // element type tag; round-tripped verbatim if unknown

	Count    int64
	Capacity int64

	Sorted   bool
	Revsorted bool
	KeyUnique bool

	// Parent names the BAT whose heap this one borrows instead of owning:
	// NilBatID (or ID itself) for an ordinary BAT that owns its heap, some
	// other id for a view. A view's heap bytes live entirely behind the
	// parent's Heap entry; the pool only tracks that the parent must stay
	// fixed for as long as the view does.
	Parent common.BatID

	Heaps []HeapRef
}

// HeapRef names one physical heap file belonging to a BAT (tail, theap,
// thashl/b, timprints, torderidx, ...) by its filename extension. Loader
// and commit code iterate Heaps to know what to load, save, or move.
type HeapRef struct {
	Ext      string
	Size     int64
	Dirty    bool
	Unstable bool
}

// Heap is the injected collaborator that actually moves bytes for a BAT's
// heaps. The pool drives it -- deciding when to load, save, and delete --
// but never implements heap storage itself.
type Heap interface {
	// Load reads the descriptor and heap contents for the BAT physically
	// stored under stem (a farm-relative octal path with no extension).
	Load(stem string) (*Descriptor, error)
	// Save persists d's heaps under stem.
	Save(stem string, d *Descriptor) error
	// Delete removes every heap file belonging to stem.
	Delete(stem string) error
	// Unfix releases any resources held by d's cached representation
	// (e.g. memory-mapped pages) without deleting anything on disk.
	Unfix(d *Descriptor)
}
