package bbp

import (
	"time"

	"github.com/monetdb-go/gdk/common"
	"github.com/monetdb-go/gdk/logger"
)

// Config holds the pool's tunables: a plain struct with a DefaultConfig
// constructor, passed once at construction time and never mutated after.
type Config struct {
	// BBPInit is the number of slots per slab. Must be a power of two.
	BBPInit int
	// NBBPInit is the number of slab pointers in the top-level array; it
	// bounds the largest id the pool can ever hand out (NBBPInit*BBPInit-1).
	NBBPInit int
	// ShardCount is T+1: the number of per-shard free lists. Defaults to 1.
	ShardCount int
	// VMTargetMB is the configured VM cap the trimmer compares live usage
	// against; usage above half this value shortens the trimmer's sleep.
	VMTargetMB int64
	// TrimMinInterval and TrimMaxInterval bound the trimmer's sleep,
	// 100ms to 10s by default.
	TrimMinInterval time.Duration
	TrimMaxInterval time.Duration
	// AggressiveTrim lets the trimmer's second pass evict dirty BATs as
	// well as clean ones; dirty heaps are saved before the unload. Views
	// are never evicted by the trimmer, in either mode.
	AggressiveTrim bool

	Logger logger.Logger
}

// DefaultConfig returns a Config usable for tests and small deployments:
// 1<<16 slots per slab, up to 1<<15 slabs (covering the full int32 id
// space), a single free-list shard, and the trimmer's default bounds.
func DefaultConfig() *Config {
	return &Config{
		BBPInit:         1 << 16,
		NBBPInit:        1 << 15,
		ShardCount:      1,
		VMTargetMB:      4096,
		TrimMinInterval: 100 * time.Millisecond,
		TrimMaxInterval: 10 * time.Second,
		Logger:          logger.NopLogger,
	}
}

// Validate checks the invariants the slab array and name hash depend on.
func (c *Config) Validate() error {
	if !common.IsPowerOfTwo(c.BBPInit) {
		return common.NewError(common.ErrCorruptDirectory, "BBPInit %d is not a power of two", c.BBPInit)
	}
	if c.NBBPInit <= 0 {
		return common.NewError(common.ErrCorruptDirectory, "NBBPInit must be positive, got %d", c.NBBPInit)
	}
	if c.ShardCount <= 0 {
		return common.NewError(common.ErrCorruptDirectory, "ShardCount must be positive, got %d", c.ShardCount)
	}
	if c.Logger == nil {
		c.Logger = logger.NopLogger
	}
	return nil
}
