// Package discovery finds pricing venues for tokens that have no registered
// pools yet. Probes are derived, not indexed: every (token, base, fee tier)
// combination maps to a deterministic pool address, and a single state read
// tells us whether a live pool exists there.
package discovery

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/controller"
	"github.com/defistate/defistate-aggregator-go/registry"
	"github.com/defistate/defistate-aggregator-go/registry/store"
	"github.com/defistate/defistate-aggregator-go/tokens"
)

// v3FeeTiers are probed in ascending order; 0 afterwards selects the V2 pair.
var v3FeeTiers = []uint32{100, 500, 3000, 10000}

const (
	defaultRetryWindow = 5 * time.Minute
	defaultProbeDelay  = 100 * time.Millisecond
)

// Option configures a Manager.
type Option interface {
	apply(*Manager)
}

type optionFunc func(*Manager)

func (f optionFunc) apply(m *Manager) { f(m) }

// WithRetryWindow sets how long a fruitless discovery attempt suppresses
// re-probing the same token.
func WithRetryWindow(d time.Duration) Option {
	return optionFunc(func(m *Manager) { m.retryWindow = d })
}

// WithProbeDelay sets the pause between consecutive probes, spreading load
// across the providers.
func WithProbeDelay(d time.Duration) Option {
	return optionFunc(func(m *Manager) { m.probeDelay = d })
}

// Manager coordinates discovery attempts across chains. At most one attempt
// per (chain, token) runs at a time, and repeat attempts inside the retry
// window are dropped outright.
type Manager struct {
	adapters map[uint64]chains.Adapter
	store    *store.Store
	ctrl     *controller.Controller
	logger   chains.Logger

	retryWindow time.Duration
	probeDelay  time.Duration

	mu        sync.Mutex
	attempted map[string]time.Time
	inflight  map[string]bool
	now       func() time.Time

	probes     prometheus.Counter
	discovered prometheus.Counter
}

// New creates a Manager over the given adapters. registerer may be nil to
// disable metrics.
func New(adapters []chains.Adapter, st *store.Store, ctrl *controller.Controller, logger chains.Logger, registerer prometheus.Registerer, opts ...Option) *Manager {
	m := &Manager{
		adapters:    make(map[uint64]chains.Adapter, len(adapters)),
		store:       st,
		ctrl:        ctrl,
		logger:      logger,
		retryWindow: defaultRetryWindow,
		probeDelay:  defaultProbeDelay,
		attempted:   make(map[string]time.Time),
		inflight:    make(map[string]bool),
		now:         time.Now,
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_discovery_probes_total",
			Help: "Pool existence probes issued by discovery",
		}),
		discovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_discovery_pools_total",
			Help: "Pools found and registered by discovery",
		}),
	}
	for _, a := range adapters {
		m.adapters[a.ChainID()] = a
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	if registerer != nil {
		registerer.MustRegister(m.probes, m.discovered)
	}
	return m
}

func attemptKey(chainID uint64, token common.Address) string {
	return fmt.Sprintf("%d:%s", chainID, registry.Lower(token))
}

// begin claims the attempt slot for a key. It fails when another attempt is
// in flight or a recent attempt is still inside the retry window; a denied
// claim does not refresh the window.
func (m *Manager) begin(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight[key] {
		return false
	}
	if at, ok := m.attempted[key]; ok && m.now().Sub(at) < m.retryWindow {
		return false
	}
	m.inflight[key] = true
	m.attempted[key] = m.now()
	return true
}

func (m *Manager) finish(key string) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

// Discover probes every (base token, fee tier) venue for token on the given
// chain, registers and tracks whatever it finds, and persists the grown
// registry. It returns the number of pools added; a suppressed attempt
// returns 0, nil.
func (m *Manager) Discover(ctx context.Context, chainID uint64, token common.Address) (int, error) {
	adapter, ok := m.adapters[chainID]
	if !ok {
		return 0, fmt.Errorf("%w: chain id %d", chains.ErrChainNotSupported, chainID)
	}

	key := attemptKey(chainID, token)
	if !m.begin(key) {
		return 0, nil
	}
	defer m.finish(key)

	var found []registry.PoolMetadata
	for _, base := range tokens.BaseTokens(chainID) {
		if tokens.Lower(base.Address) == registry.Lower(token) {
			continue
		}
		for _, fee := range append(append([]uint32{}, v3FeeTiers...), 0) {
			if err := ctx.Err(); err != nil {
				return len(found), err
			}
			m.probes.Inc()

			addr, ok := adapter.ComputePoolAddress(token, base.Address, fee)
			if !ok {
				continue
			}

			state, err := adapter.ReadPoolState(ctx, addr)
			if err != nil {
				if ctx.Err() != nil {
					return len(found), ctx.Err()
				}
				m.logger.Debug("Discovery probe missed", "chain_id", chainID, "pool", addr, "fee", fee, "err", err)
			} else if live(state) {
				dex := registry.DexV2
				if state.V3() {
					dex = registry.DexV3
				}
				found = append(found, registry.PoolMetadata{
					Address: addr,
					DexType: dex,
					Token0:  state.Token0,
					Token1:  state.Token1,
					FeeTier: state.FeeTier,
				})
			}

			if !sleep(ctx, m.probeDelay) {
				return len(found), ctx.Err()
			}
		}
	}

	if len(found) == 0 {
		m.logger.Debug("Discovery found no venues", "chain_id", chainID, "token", token)
		return 0, nil
	}
	return len(found), m.register(chainID, token, found)
}

// register grows a clone of the persisted registry, starts tracking the new
// pools and writes the result back.
func (m *Manager) register(chainID uint64, token common.Address, found []registry.PoolMetadata) error {
	reg, err := m.store.PoolRegistry(chainID)
	if err != nil {
		m.logger.Warn("Registry unreadable, rebuilding from discovery", "chain_id", chainID, "err", err)
	}

	next := reg.Clone()
	for _, meta := range found {
		next.AddPool(meta)
		m.ctrl.Track(chainID, next.Pools[registry.Lower(meta.Address)])
	}
	m.discovered.Add(float64(len(found)))
	m.logger.Info("Pools discovered", "chain_id", chainID, "token", token, "pools", len(found))

	if err := m.store.SavePoolRegistry(chainID, next); err != nil {
		return err
	}
	return nil
}

// live filters out derived addresses that exist but hold no usable state:
// an uninitialized V3 pool or a drained V2 pair cannot price anything.
func live(state *chains.PoolState) bool {
	zero := func(v *big.Int) bool { return v == nil || v.Sign() == 0 }
	if state.V3() {
		return !zero(state.SqrtPriceX96)
	}
	return !zero(state.Reserve0) && !zero(state.Reserve1)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
