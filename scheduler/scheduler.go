// Package scheduler drives the refresh loop: on every tick it collects the
// pools whose deadline has passed, batches them per chain through the
// multicall engine and feeds the observations back into the controller and
// the state cache.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/controller"
	"github.com/defistate/defistate-aggregator-go/multicall"
	"github.com/defistate/defistate-aggregator-go/pricing"
	"github.com/defistate/defistate-aggregator-go/registry"
	"github.com/defistate/defistate-aggregator-go/registry/store"
	"github.com/defistate/defistate-aggregator-go/statecache"
)

// DefaultPeriod matches the highest refresh tier, so high-tier pools are
// actually refreshed at their advertised cadence.
const DefaultPeriod = 5 * time.Second

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithPeriod overrides the tick period.
func WithPeriod(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) { s.period = d })
}

// Scheduler owns the periodic refresh. Start is idempotent; ticks for a chain
// whose previous refresh is still running are skipped rather than queued.
type Scheduler struct {
	period   time.Duration
	adapters map[uint64]chains.Adapter
	ctrl     *controller.Controller
	engine   *multicall.Engine
	store    *store.Store
	cache    *statecache.Cache
	logger   chains.Logger

	started atomic.Bool
	busy    map[uint64]*atomic.Bool
	wg      sync.WaitGroup

	tickSeconds prometheus.Histogram
	failures    prometheus.Counter
}

// New creates a scheduler. registerer may be nil to disable metrics.
func New(adapters []chains.Adapter, ctrl *controller.Controller, engine *multicall.Engine, st *store.Store, cache *statecache.Cache, logger chains.Logger, registerer prometheus.Registerer, opts ...Option) *Scheduler {
	s := &Scheduler{
		period:   DefaultPeriod,
		adapters: make(map[uint64]chains.Adapter, len(adapters)),
		ctrl:     ctrl,
		engine:   engine,
		store:    st,
		cache:    cache,
		logger:   logger,
		busy:     make(map[uint64]*atomic.Bool, len(adapters)),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aggregator_refresh_tick_seconds",
			Help:    "Wall time spent per refresh tick",
			Buckets: prometheus.DefBuckets,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_refresh_failures_total",
			Help: "Pool refreshes that failed and were rescheduled for fast retry",
		}),
	}
	for _, a := range adapters {
		s.adapters[a.ChainID()] = a
		s.busy[a.ChainID()] = &atomic.Bool{}
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	if registerer != nil {
		registerer.MustRegister(s.tickSeconds, s.failures)
	}
	return s
}

// Start launches the tick loop. Subsequent calls are no-ops. The loop exits
// when ctx is cancelled; Wait blocks until in-flight chain refreshes drain.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		s.logger.Info("Refresh scheduler started", "period", s.period, "chains", len(s.adapters))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Wait blocks until the loop and all chain refreshes have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// tick partitions the due pools by chain and refreshes each chain in its own
// goroutine, skipping chains still busy from a previous tick.
func (s *Scheduler) tick(ctx context.Context) {
	started := time.Now()
	defer func() { s.tickSeconds.Observe(time.Since(started).Seconds()) }()

	byChain := make(map[uint64][]controller.AlivePool)
	for _, p := range s.ctrl.DueForRefresh() {
		byChain[p.ChainID] = append(byChain[p.ChainID], p)
	}

	for chainID, due := range byChain {
		adapter, ok := s.adapters[chainID]
		if !ok {
			continue
		}
		busy := s.busy[chainID]
		if !busy.CompareAndSwap(false, true) {
			s.logger.Debug("Chain refresh still running, skipping tick", "chain_id", chainID)
			continue
		}
		s.wg.Add(1)
		go func(chainID uint64, adapter chains.Adapter, due []controller.AlivePool) {
			defer s.wg.Done()
			defer busy.Store(false)
			s.refreshChain(ctx, chainID, adapter, due)
		}(chainID, adapter, due)
	}
}

func (s *Scheduler) refreshChain(ctx context.Context, chainID uint64, adapter chains.Adapter, due []controller.AlivePool) {
	reg, err := s.store.PoolRegistry(chainID)
	if err != nil {
		s.logger.Warn("Registry unreadable, refreshing against empty set", "chain_id", chainID, "err", err)
	}

	batches := s.engine.CreateBatches(due, reg)
	results := s.engine.ExecuteBatches(ctx, batches, adapter.Providers())
	if len(results) > 0 {
		s.logger.Debug("Chain refreshed", "chain_id", chainID, "pools", len(results), "batches", len(batches))
	}

	for _, r := range results {
		s.apply(chainID, reg, r)
	}
}

// apply folds one refresh result back into the tracking state and cache.
func (s *Scheduler) apply(chainID uint64, reg *registry.PoolRegistry, r multicall.Result) {
	if !r.Success {
		s.failures.Inc()
		s.ctrl.DelayRetry(chainID, r.PoolAddress)
		return
	}

	prev, tracked := s.ctrl.Pool(chainID, r.PoolAddress)
	if tracked && r.BlockNumber != 0 && r.BlockNumber == prev.LastBlockSeen {
		// Same block as last time: the state cannot have changed.
		s.ctrl.AdvanceRefresh(chainID, r.PoolAddress)
		return
	}

	meta, ok := reg.Pool(r.PoolAddress)
	if !ok {
		return
	}

	scalar := pricing.RefreshScalar(meta.DexType == registry.DexV3, r.SqrtPriceX96, r.Reserve0, r.Reserve1)
	s.ctrl.UpdateTier(chainID, r.PoolAddress, scalar)
	s.ctrl.RecordObservation(chainID, r.PoolAddress, scalar, r.BlockNumber)

	s.cache.SetSample(chainID, statecache.PoolSample{
		PoolAddress:  r.PoolAddress,
		SqrtPriceX96: r.SqrtPriceX96,
		Liquidity:    r.Liquidity,
		Reserve0:     r.Reserve0,
		Reserve1:     r.Reserve1,
		BlockNumber:  r.BlockNumber,
	})
}
