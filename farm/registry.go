// Package farm implements the BBP's farms registry: the mapping from
// storage roles (persistent, transient, ...) to directories on disk, and
// the id-to-physical-path resolution every other component in bbp relies
// on. A DiskFileManager-style lookup resolves a dense integer id to an
// open path under a single root; a farm generalizes that to several
// registered roots, chosen by role instead of a 1:1 id-to-file mapping.
package farm

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/monetdb-go/gdk/common"
)

// Farm is one registered storage root plus the roles it serves.
type Farm struct {
	ID   common.FarmID
	Dir  string
	Mask common.RoleMask
}

// Registry is the process-wide farms directory. It must be fully populated
// via Add before Pool.Init; after that it is read-only and safe for
// concurrent lookups from the hot path (every Descriptor load and every
// commit resolves a physical path through it).
type Registry struct {
	mu     sync.Mutex // guards farms/byDir during Add; reads never take it
	farms  []*Farm
	byDir  map[string]common.FarmID
	byRole *xsync.MapOf[common.Role, []common.FarmID]
	sealed bool
}

// NewRegistry returns an empty, unsealed Registry.
func NewRegistry() *Registry {
	return &Registry{
		byDir:  make(map[string]common.FarmID),
		byRole: xsync.NewMapOf[common.Role, []common.FarmID](),
	}
}

// Add registers dir as a farm serving the given roles. It must be called
// before Seal (equivalently, before Pool.Init); calling it afterwards, or
// registering the same directory twice, returns ErrTooManyFarms -- the
// code reserved for "the farm table is no longer open for registration".
func (r *Registry) Add(dir string, mask common.RoleMask) (common.FarmID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return common.NoFarm, common.NewError(common.ErrTooManyFarms, "farm registry sealed, cannot add %q", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return common.NoFarm, common.WrapError(common.ErrTooManyFarms, err, "resolving farm path %q", dir)
	}
	if _, exists := r.byDir[abs]; exists {
		return common.NoFarm, common.NewError(common.ErrTooManyFarms, "farm %q already registered", abs)
	}

	id := common.FarmID(len(r.farms))
	f := &Farm{ID: id, Dir: abs, Mask: mask}
	r.farms = append(r.farms, f)
	r.byDir[abs] = id

	for role := common.Role(0); role < common.NumRoles; role++ {
		if !mask.Has(role) {
			continue
		}
		existing, _ := r.byRole.Load(role)
		r.byRole.Store(role, append(existing, id))
	}
	return id, nil
}

// Seal freezes the registry. Pool.Init calls this once before serving any
// request: farm registration only happens during startup.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Select resolves the farm to use for role, preferring hint if it already
// serves that role, else falling back to the first registered farm
// serving it.
func (r *Registry) Select(role common.Role, hint common.FarmID) (common.FarmID, error) {
	if hint != common.NoFarm {
		if int(hint) < len(r.farms) && r.farms[hint].Mask.Has(role) {
			return hint, nil
		}
	}
	ids, ok := r.byRole.Load(role)
	if !ok || len(ids) == 0 {
		return common.NoFarm, common.NewError(common.ErrTooManyFarms, "no farm registered for role %s", role)
	}
	return ids[0], nil
}

// Farm returns the registered farm for id, or nil if out of range.
func (r *Registry) Farm(id common.FarmID) *Farm {
	if id == common.NoFarm || int(id) >= len(r.farms) {
		return nil
	}
	return r.farms[id]
}

// SubdirFor computes the id's octal path stem: two octal digits per
// directory level, at most 64 BATs per directory node, e.g. id 0o123 ->
// "01/23".
func SubdirFor(id common.BatID) string {
	oct := strconv.FormatInt(int64(id), 8)
	if len(oct)%2 != 0 {
		oct = "0" + oct
	}
	segments := make([]string, 0, len(oct)/2)
	for i := 0; i < len(oct); i += 2 {
		segments = append(segments, oct[i:i+2])
	}
	return filepath.Join(segments...)
}

// PhysicalPath joins a farm's root, an id's octal subdirectory, and a stem
// + extension into the full on-disk path for one of a BAT's heap files.
func (r *Registry) PhysicalPath(farmID common.FarmID, id common.BatID, ext string) (string, error) {
	f := r.Farm(farmID)
	if f == nil {
		return "", common.NewError(common.ErrTooManyFarms, "unknown farm %d", farmID)
	}
	stem := fmt.Sprintf("%o", int32(id))
	name := stem
	if ext != "" {
		name = stem + "." + ext
	}
	return filepath.Join(f.Dir, SubdirFor(id), name), nil
}

// BackupDir, SubcommitDir, DeleteMeDir, TempDir, and LeftDir return the
// transient staging directories rooted under a farm.
func (f *Farm) BackupDir() string   { return filepath.Join(f.Dir, "BACKUP") }
func (f *Farm) SubcommitDir() string { return filepath.Join(f.BackupDir(), "SUBCOMMIT") }
func (f *Farm) DeleteMeDir() string { return filepath.Join(f.Dir, "DELETE_ME") }
func (f *Farm) TempDir() string     { return filepath.Join(f.Dir, "TEMP") }
func (f *Farm) LeftDir() string     { return filepath.Join(f.Dir, "LEFT") }
