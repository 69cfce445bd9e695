// Package gdk is the top-level entry point: it wires a farms registry, a
// Heap collaborator, and a bbp.Pool into the single object an embedding
// process constructs once at startup.
package gdk

import (
	"os"

	"github.com/monetdb-go/gdk/bbp"
	"github.com/monetdb-go/gdk/common"
	"github.com/monetdb-go/gdk/farm"
)

// GDK is the process-wide handle: the farms registry and the buffer pool
// built on top of it. Most embedders need nothing else.
type GDK struct {
	Farms *farm.Registry
	Pool  *bbp.Pool
}

// Open registers dataDir as the sole farm serving both the persistent and
// transient roles, constructs a Pool against heap, and runs startup
// recovery (or skips it, for a brand-new empty dataDir).
func Open(dataDir string, heap bbp.Heap, cfg *bbp.Config) (*GDK, error) {
	if cfg == nil {
		cfg = bbp.DefaultConfig()
	}

	firstTime := false
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		firstTime = true
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	farms := farm.NewRegistry()
	mask := common.MaskOf(common.RolePersistent, common.RoleTransient)
	if _, err := farms.Add(dataDir, mask); err != nil {
		return nil, err
	}

	pool, err := bbp.NewPool(cfg, farms, heap)
	if err != nil {
		return nil, err
	}
	if err := pool.Init(firstTime); err != nil {
		return nil, err
	}

	return &GDK{Farms: farms, Pool: pool}, nil
}

// Close stops the background trimmer. Callers that want a final commit
// must call Pool.Sync before Close.
func (g *GDK) Close() {
	g.Pool.Close()
}
