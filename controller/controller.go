// Package controller maintains the in-memory alive set of pools being
// tracked, with per-pool tier state and refresh deadlines. All state is
// volatile and rebuilt on restart from the persisted registry.
package controller

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/registry"
)

// Tier is a pool's refresh-rate class, driven by recent price volatility.
type Tier string

const (
	TierHigh   Tier = "high"
	TierNormal Tier = "normal"
	TierLow    Tier = "low"
)

// Relative price-delta thresholds for tier transitions.
const (
	promoteDelta = 0.005 // >= 0.5% movement promotes to high
	normalDelta  = 0.001 // >= 0.1% holds normal; below demotes one step

	priceEpsilon = 1e-12
)

// Intervals holds the refresh cadence per tier.
type Intervals struct {
	High   time.Duration
	Normal time.Duration
	Low    time.Duration
}

// DefaultIntervals returns the stock 5s/10s/30s cadence.
func DefaultIntervals() Intervals {
	return Intervals{High: 5 * time.Second, Normal: 10 * time.Second, Low: 30 * time.Second}
}

// For maps a tier to its refresh interval.
func (i Intervals) For(t Tier) time.Duration {
	switch t {
	case TierHigh:
		return i.High
	case TierLow:
		return i.Low
	default:
		return i.Normal
	}
}

// AlivePool is the volatile tracking state for one pool.
type AlivePool struct {
	Address         common.Address
	ChainID         uint64
	DexType         registry.DexType
	Weight          int
	Tier            Tier
	NextRefresh     time.Time
	LastBlockSeen   uint64
	LastPrice       float64
	RequestCount    int
	LastRequestTime time.Time
}

// Controller owns the alive set behind a single mutex. Critical sections are
// short and never perform I/O.
type Controller struct {
	mu    sync.Mutex
	pools map[string]*AlivePool

	intervals Intervals
	fastRetry time.Duration
	logger    chains.Logger
	now       func() time.Time

	aliveGauge prometheus.Gauge
}

// New creates a controller. registerer may be nil to disable metrics.
func New(intervals Intervals, logger chains.Logger, registerer prometheus.Registerer) *Controller {
	c := &Controller{
		pools:     make(map[string]*AlivePool),
		intervals: intervals,
		fastRetry: 5 * time.Second,
		logger:    logger,
		now:       time.Now,
		aliveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aggregator_alive_pools",
			Help: "Number of pools currently tracked for refresh",
		}),
	}
	if registerer != nil {
		registerer.MustRegister(c.aliveGauge)
	}
	return c
}

func key(chainID uint64, addr common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, registry.Lower(addr))
}

// Track inserts a pool into the alive set. Idempotent: re-tracking an already
// alive pool leaves its state untouched.
func (c *Controller) Track(chainID uint64, meta registry.PoolMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(chainID, meta.Address)
	if _, exists := c.pools[k]; exists {
		return
	}
	c.pools[k] = &AlivePool{
		Address:     meta.Address,
		ChainID:     chainID,
		DexType:     meta.DexType,
		Weight:      meta.Weight,
		Tier:        TierNormal,
		NextRefresh: c.now().Add(c.intervals.Normal),
	}
	c.aliveGauge.Inc()
	c.logger.Debug("Pool tracked", "chain_id", chainID, "pool", meta.Address)
}

// DueForRefresh returns copies of all alive pools whose deadline has passed,
// sorted by chain then lowercase address so batching is deterministic.
func (c *Controller) DueForRefresh() []AlivePool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var due []AlivePool
	for _, p := range c.pools {
		if !p.NextRefresh.After(now) {
			due = append(due, *p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ChainID != due[j].ChainID {
			return due[i].ChainID < due[j].ChainID
		}
		return registry.Lower(due[i].Address) < registry.Lower(due[j].Address)
	})
	return due
}

// UpdateTier applies the volatility-driven tier transition for a fresh price
// observation and schedules the next refresh. LastPrice itself is advanced by
// RecordObservation, not here.
func (c *Controller) UpdateTier(chainID uint64, addr common.Address, newPrice float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[key(chainID, addr)]
	if !ok {
		return
	}

	// First observation seeds the volatility baseline; keep the tier. A zero
	// observation is a drained or uninitialized pool, not volatility: the
	// tier stays put and only the deadline advances.
	if newPrice != 0 && p.LastPrice != 0 {
		delta := math.Abs(newPrice-p.LastPrice) / math.Max(p.LastPrice, priceEpsilon)
		switch {
		case delta >= promoteDelta:
			p.Tier = TierHigh
		case delta >= normalDelta:
			p.Tier = TierNormal
		default:
			p.Tier = demote(p.Tier)
		}
	}
	p.NextRefresh = c.now().Add(c.intervals.For(p.Tier))
}

// demote steps one tier toward low; never skips a step.
func demote(t Tier) Tier {
	switch t {
	case TierHigh:
		return TierNormal
	default:
		return TierLow
	}
}

// RecordObservation stores the latest price scalar and block for a pool.
func (c *Controller) RecordObservation(chainID uint64, addr common.Address, price float64, block uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pools[key(chainID, addr)]; ok {
		p.LastPrice = price
		p.LastBlockSeen = block
	}
}

// DelayRetry reschedules a pool after a failed refresh without touching its tier.
func (c *Controller) DelayRetry(chainID uint64, addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pools[key(chainID, addr)]; ok {
		p.NextRefresh = c.now().Add(c.fastRetry)
	}
}

// AdvanceRefresh pushes the deadline by the current tier interval. Used for
// the block-aware skip, where nothing else about the pool changes.
func (c *Controller) AdvanceRefresh(chainID uint64, addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pools[key(chainID, addr)]; ok {
		p.NextRefresh = c.now().Add(c.intervals.For(p.Tier))
	}
}

// NoteRequest records snapshot-request interest in a pool.
func (c *Controller) NoteRequest(chainID uint64, addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pools[key(chainID, addr)]; ok {
		p.RequestCount++
		p.LastRequestTime = c.now()
	}
}

// Pool returns a copy of one alive pool's state.
func (c *Controller) Pool(chainID uint64, addr common.Address) (AlivePool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pools[key(chainID, addr)]
	if !ok {
		return AlivePool{}, false
	}
	return *p, true
}

// Len reports the alive-set size.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pools)
}
