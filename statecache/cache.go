// Package statecache keeps the last observed state per pool and the
// short-TTL snapshot entries served to clients. Both maps are last-writer-wins
// and unbounded: entries live for the process lifetime, there is no eviction.
package statecache

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/defistate-aggregator-go/registry"
)

// PoolSample is one observation of a pool's on-chain state.
type PoolSample struct {
	PoolAddress  common.Address
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int
	BlockNumber  uint64
	ObservedAt   time.Time
}

// EntryRecord is a cached, fully derived snapshot entry for one token.
type EntryRecord struct {
	PriceUSD     float64
	LiquidityUSD float64
	VolumeUSD    float64
	MarketCapUSD float64
	Synthetic    bool
	ObservedAt   time.Time
}

// Cache is safe for concurrent use. Staleness decisions belong to callers;
// the cache only reports what it has and when it was written.
type Cache struct {
	mu      sync.RWMutex
	samples map[string]PoolSample
	entries map[string]EntryRecord

	now func() time.Time

	entryHits   prometheus.Counter
	entryMisses prometheus.Counter
}

// New creates a cache. registerer may be nil to disable metrics.
func New(registerer prometheus.Registerer) *Cache {
	c := &Cache{
		samples: make(map[string]PoolSample),
		entries: make(map[string]EntryRecord),
		now:     time.Now,
		entryHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_snapshot_cache_hits_total",
			Help: "Snapshot entry cache hits",
		}),
		entryMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_snapshot_cache_misses_total",
			Help: "Snapshot entry cache misses",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(c.entryHits, c.entryMisses)
	}
	return c
}

func sampleKey(chainID uint64, pool common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, registry.Lower(pool))
}

func entryKey(chain string, token common.Address) string {
	return chain + ":" + registry.Lower(token)
}

// SetSample stores a pool observation, stamping ObservedAt if unset.
func (c *Cache) SetSample(chainID uint64, sample PoolSample) {
	if sample.ObservedAt.IsZero() {
		sample.ObservedAt = c.now()
	}
	c.mu.Lock()
	c.samples[sampleKey(chainID, sample.PoolAddress)] = sample
	c.mu.Unlock()
}

// Sample retrieves the latest observation for a pool.
func (c *Cache) Sample(chainID uint64, pool common.Address) (PoolSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.samples[sampleKey(chainID, pool)]
	return s, ok
}

// SetEntry stores a derived snapshot entry for a token.
func (c *Cache) SetEntry(chain string, token common.Address, entry EntryRecord) {
	if entry.ObservedAt.IsZero() {
		entry.ObservedAt = c.now()
	}
	c.mu.Lock()
	c.entries[entryKey(chain, token)] = entry
	c.mu.Unlock()
}

// Entry returns a token's cached snapshot entry when it is younger than ttl.
func (c *Cache) Entry(chain string, token common.Address, ttl time.Duration) (EntryRecord, bool) {
	c.mu.RLock()
	e, ok := c.entries[entryKey(chain, token)]
	c.mu.RUnlock()

	if !ok || c.now().Sub(e.ObservedAt) >= ttl {
		c.entryMisses.Inc()
		return EntryRecord{}, false
	}
	c.entryHits.Inc()
	return e, true
}
