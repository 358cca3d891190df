package memory

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
)

// PoolStats tracks statistics for one size tier of a ScratchPool
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// ScratchPool hands out reusable host float32 slices in power-of-two tiers.
// Slices come back zeroed. Pool memory is transient scratch and is not
// charged to a Manager.
type ScratchPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// NewScratchPool creates an empty pool
func NewScratchPool() *ScratchPool {
	return &ScratchPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Get returns a zeroed slice of exactly size elements
func (sp *ScratchPool) Get(size int) []float32 {
	tier := roundUpToPowerOf2(size)

	sp.mu.Lock()
	pool, exists := sp.pools[tier]
	if !exists {
		pool = &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, tier)
				return &buf
			},
		}
		sp.pools[tier] = pool
		sp.stats[tier] = &PoolStats{}
	}
	stats := sp.stats[tier]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}
	sp.mu.Unlock()

	buf := *(pool.Get().(*[]float32))
	if len(buf) < size {
		sp.mu.Lock()
		stats.Misses++
		sp.mu.Unlock()
		buf = make([]float32, tier)
	}
	return buf[:size]
}

// Put returns a slice obtained from Get
func (sp *ScratchPool) Put(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	tier := roundUpToPowerOf2(cap(buf))

	sp.mu.Lock()
	pool, exists := sp.pools[tier]
	if !exists || tier != cap(buf) {
		sp.mu.Unlock()
		return
	}
	stats := sp.stats[tier]
	stats.Puts++
	stats.InUse--
	sp.mu.Unlock()

	full := buf[:cap(buf)]
	clear(full)
	pool.Put(&full)
}

// Stats returns a copy of the per-tier statistics
func (sp *ScratchPool) Stats() map[int]PoolStats {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	out := make(map[int]PoolStats, len(sp.stats))
	for tier, stats := range sp.stats {
		out[tier] = *stats
	}
	return out
}

func (sp *ScratchPool) String() string {
	stats := sp.Stats()
	tiers := make([]int, 0, len(stats))
	for tier := range stats {
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)

	var b strings.Builder
	b.WriteString("ScratchPool statistics:\n")
	for _, tier := range tiers {
		s := stats[tier]
		hitRate := float64(0)
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&b, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			tier, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return b.String()
}

func roundUpToPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
