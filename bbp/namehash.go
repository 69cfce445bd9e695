package bbp

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/monetdb-go/gdk/common"
)

// nameHash is the logical-name index: an open-chained hash table whose
// chain links reuse Slot.next. A tmp_<octal> name resolves straight to
// its id without a table lookup, since that family of names IS the id,
// base-8-encoded.
type nameHash struct {
	mu      sync.RWMutex
	buckets []common.BatID // head of each bucket's chain, NilBatID = empty
	mask    uint32
	slab    *slabArray
}

const tmpNamePrefix = "tmp_"

func newNameHash(limit int, sa *slabArray) *nameHash {
	size := common.NextPowerOfTwo(limit)
	if size < 16 {
		size = 16
	}
	buckets := make([]common.BatID, size)
	return &nameHash{buckets: buckets, mask: uint32(size - 1), slab: sa}
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func (h *nameHash) bucket(name string) uint32 {
	return fnv32(name) & h.mask
}

// tmpID parses a tmp_<octal> name back into its id, returning ok=false if
// name does not fit that pattern.
func tmpID(name string) (common.BatID, bool) {
	if !strings.HasPrefix(name, tmpNamePrefix) {
		return common.NilBatID, false
	}
	v, err := strconv.ParseInt(name[len(tmpNamePrefix):], 8, 32)
	if err != nil {
		return common.NilBatID, false
	}
	return common.BatID(v), true
}

func tmpName(id common.BatID) string {
	return fmt.Sprintf("%s%o", tmpNamePrefix, int32(id))
}

// Lookup resolves a logical name to its id, or NilBatID if unknown. It
// takes the table's read lock but never a slot lock -- a racing rename
// is resolved by the caller re-checking the slot's logicalName once it
// has that slot's swap lock.
func (h *nameHash) Lookup(name string) common.BatID {
	if id, ok := tmpID(name); ok {
		return id
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	cur := h.buckets[h.bucket(name)]
	for cur != common.NilBatID {
		s := h.slab.slot(cur)
		if s.logicalName == name {
			return cur
		}
		cur = s.next
	}
	return common.NilBatID
}

// Insert adds id under name. The caller must already hold id's slot lock.
func (h *nameHash) Insert(name string, id common.BatID) {
	if _, ok := tmpID(name); ok {
		return // tmp_<octal> names are never chained
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.bucket(name)
	s := h.slab.slot(id)
	s.next = h.buckets[b]
	h.buckets[b] = id
}

// Remove unlinks id from name's chain. The caller must already hold id's
// slot lock.
func (h *nameHash) Remove(name string, id common.BatID) {
	if _, ok := tmpID(name); ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.bucket(name)
	cur := h.buckets[b]
	if cur == id {
		h.buckets[b] = h.slab.slot(id).next
		return
	}
	var prev common.BatID
	for cur != common.NilBatID {
		s := h.slab.slot(cur)
		if cur == id {
			h.slab.slot(prev).next = s.next
			return
		}
		prev = cur
		cur = s.next
	}
}

// Rename moves a slot from oldName to newName in the table, marking the
// slot PERSISTENT+RENAMED if it was already on disk under the old name so
// a later commit knows to move the backing files too. The RENAMED bit is
// always set on bid -- the slot this call was asked to rename -- never on
// any other id that might get touched while resolving a name collision.
func (h *nameHash) Rename(bid common.BatID, newName string) error {
	s := h.slab.slot(bid)
	s.lock()
	defer s.unlock()

	if existing := h.Lookup(newName); existing != common.NilBatID && existing != bid {
		return common.NewError(common.ErrNameInUse, "name %q already in use by bat %d", newName, existing)
	}

	oldName := s.logicalName
	h.Remove(oldName, bid)
	s.logicalName = newName
	h.Insert(newName, bid)

	if s.status.has(StatusPersistent) {
		s.status.set(StatusRenamed)
	}
	return nil
}
