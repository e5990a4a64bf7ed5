// Package cache provides the data cache timing model using Akita cache
// directories. Caches track tags, LRU state, and dirtiness only; data values
// come from the functional trace.
package cache

import (
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Config holds cache configuration parameters.
type Config struct {
	// Size in bytes
	Size int `json:"size"`
	// Associativity (number of ways)
	Associativity int `json:"assoc"`
	// BlockSize in bytes (cache line size)
	BlockSize int `json:"block_size"`
	// HitLatency in cycles
	HitLatency uint64 `json:"hit_latency"`
	// MissLatency in cycles, used when there is no next level
	MissLatency uint64 `json:"miss_latency"`
}

// DefaultL1DConfig returns the default L1 data cache: 32KB, 8-way, 64B
// lines, 3-cycle load-to-use.
func DefaultL1DConfig() Config {
	return Config{
		Size:          32 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    3,
		MissLatency:   14,
	}
}

// DefaultL2Config returns the default private L2: 256KB, 8-way, 64B lines.
func DefaultL2Config() Config {
	return Config{
		Size:          256 * 1024,
		Associativity: 8,
		BlockSize:     64,
		HitLatency:    10,
		MissLatency:   150,
	}
}

// Validate checks the cache geometry.
func (c Config) Validate() error {
	if c.BlockSize <= 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return fmt.Errorf("block_size must be a power of 2, got %d", c.BlockSize)
	}

	if c.Associativity <= 0 {
		return fmt.Errorf("assoc must be > 0, got %d", c.Associativity)
	}

	if c.Size <= 0 || c.Size%(c.Associativity*c.BlockSize) != 0 {
		return fmt.Errorf("size %d is not a multiple of assoc*block_size", c.Size)
	}

	if c.HitLatency == 0 {
		return fmt.Errorf("hit_latency must be > 0")
	}

	return nil
}

// AccessResult contains the result of a cache access.
type AccessResult struct {
	// Hit indicates whether the access was a cache hit.
	Hit bool
	// Latency is the number of cycles this access takes.
	Latency uint64
	// Evicted is true if a valid block was evicted.
	Evicted bool
	// EvictedAddr is the address of the evicted block (if Evicted is true).
	EvictedAddr uint64
}

// Level is the next level of the memory hierarchy.
type Level interface {
	// Access returns the latency of reading or writing the block at addr.
	Access(addr uint64, write bool) uint64
}

// Cache represents a cache level using Akita cache components.
type Cache struct {
	config Config

	// Akita cache directory for tag/state management
	directory *akitacache.DirectoryImpl

	stats Statistics

	next Level
}

// Statistics holds cache performance statistics.
type Statistics struct {
	Reads      uint64
	Writes     uint64
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}

// HitRate returns the fraction of accesses that hit.
func (s Statistics) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New creates a new cache with the given configuration. next may be nil, in
// which case misses cost MissLatency.
func New(config Config, next Level) *Cache {
	numSets := config.Size / (config.Associativity * config.BlockSize)

	return &Cache{
		config: config,
		directory: akitacache.NewDirectory(
			numSets,
			config.Associativity,
			config.BlockSize,
			akitacache.NewLRUVictimFinder(),
		),
		next: next,
	}
}

// Config returns the cache configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Stats returns cache statistics.
func (c *Cache) Stats() Statistics {
	return c.stats
}

// StatsRef exposes the live statistics for registration.
func (c *Cache) StatsRef() *Statistics {
	return &c.stats
}

func (c *Cache) blockAddr(addr uint64) uint64 {
	return (addr / uint64(c.config.BlockSize)) * uint64(c.config.BlockSize)
}

// Read performs a cache read operation.
func (c *Cache) Read(addr uint64, size int) AccessResult {
	c.stats.Reads++
	return c.access(addr, false)
}

// Write performs a cache write operation.
// Uses write-allocate policy: on miss, fetch the block first, then write.
func (c *Cache) Write(addr uint64, size int) AccessResult {
	c.stats.Writes++
	return c.access(addr, true)
}

// Access implements Level so caches can be chained.
func (c *Cache) Access(addr uint64, write bool) uint64 {
	if write {
		return c.Write(addr, c.config.BlockSize).Latency
	}

	return c.Read(addr, c.config.BlockSize).Latency
}

func (c *Cache) access(addr uint64, write bool) AccessResult {
	blockAddr := c.blockAddr(addr)

	block := c.directory.Lookup(0, blockAddr)
	if block != nil && block.IsValid {
		c.stats.Hits++
		c.directory.Visit(block)
		if write {
			block.IsDirty = true
		}

		return AccessResult{Hit: true, Latency: c.config.HitLatency}
	}

	c.stats.Misses++

	return c.handleMiss(blockAddr, write)
}

// handleMiss allocates a block for blockAddr, evicting the LRU victim.
func (c *Cache) handleMiss(blockAddr uint64, write bool) AccessResult {
	result := AccessResult{Latency: c.config.MissLatency}
	if c.next != nil {
		result.Latency = c.config.HitLatency + c.next.Access(blockAddr, false)
	}

	victim := c.directory.FindVictim(blockAddr)
	if victim == nil {
		return result
	}

	if victim.IsValid {
		c.stats.Evictions++
		result.Evicted = true
		result.EvictedAddr = victim.Tag

		if victim.IsDirty {
			c.stats.Writebacks++
			if c.next != nil {
				c.next.Access(victim.Tag, true)
			}
		}
	}

	victim.Tag = blockAddr
	victim.IsValid = true
	victim.IsDirty = write

	c.directory.Visit(victim)

	return result
}
