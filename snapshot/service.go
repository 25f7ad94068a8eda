// Package snapshot assembles the paginated market views served to clients.
// It joins the merged token catalog, the pool registry and the shared state
// cache; tokens without a pricing route get a synthetic placeholder entry and
// a fire-and-forget discovery job.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/controller"
	"github.com/defistate/defistate-aggregator-go/pricing"
	"github.com/defistate/defistate-aggregator-go/registry"
	"github.com/defistate/defistate-aggregator-go/registry/store"
	"github.com/defistate/defistate-aggregator-go/statecache"
	"github.com/defistate/defistate-aggregator-go/tokens"
)

const (
	// DefaultEntryTTL bounds how stale a served entry may be before
	// recomputation.
	DefaultEntryTTL = 10 * time.Second

	syntheticPriceUSD     = 1.0
	syntheticLiquidityUSD = 500_000.0

	// Placeholder derivations; there is no on-chain source for either yet.
	volumeFactor  = 0.15
	marketCapMult = 10_000_000.0

	discoveryTimeout = 2 * time.Minute
	defaultDecimals  = 18
)

// TokenInfo is the client-facing token shape inside a snapshot entry.
type TokenInfo struct {
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	LogoURI  string         `json:"logoURI,omitempty"`
}

// Entry is one token's market view.
type Entry struct {
	Token        TokenInfo `json:"token"`
	PriceUSD     float64   `json:"priceUSD"`
	LiquidityUSD float64   `json:"liquidityUSD"`
	VolumeUSD    float64   `json:"volumeUSD"`
	MarketCapUSD float64   `json:"marketCapUSD"`
}

// ChainSnapshot is the paginated response body. Timestamp is ms since epoch.
type ChainSnapshot struct {
	Timestamp int64   `json:"timestamp"`
	Chain     string  `json:"chain"`
	Entries   []Entry `json:"entries"`
}

// Discoverer is the slice of the discovery manager the service needs.
type Discoverer interface {
	Discover(ctx context.Context, chainID uint64, token common.Address) (int, error)
}

// Option configures a Service.
type Option interface {
	apply(*Service)
}

type optionFunc func(*Service)

func (f optionFunc) apply(s *Service) { f(s) }

// WithEntryTTL overrides how long a computed entry is served from cache.
func WithEntryTTL(d time.Duration) Option {
	return optionFunc(func(s *Service) {
		if d > 0 {
			s.entryTTL = d
		}
	})
}

// Service answers snapshot requests. Safe for concurrent use.
type Service struct {
	adapters map[string]chains.Adapter
	catalog  *tokens.Catalog
	store    *store.Store
	cache    *statecache.Cache
	ctrl     *controller.Controller
	disc     Discoverer
	logger   chains.Logger
	now      func() time.Time
	entryTTL time.Duration

	jobs      sync.WaitGroup
	jobCtx    context.Context
	jobCancel context.CancelFunc

	synthetic prometheus.Counter
}

// New creates the service. Adapters are keyed by lowercase chain name.
// registerer may be nil to disable metrics.
func New(adapters []chains.Adapter, catalog *tokens.Catalog, st *store.Store, cache *statecache.Cache, ctrl *controller.Controller, disc Discoverer, logger chains.Logger, registerer prometheus.Registerer, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		adapters:  make(map[string]chains.Adapter, len(adapters)),
		catalog:   catalog,
		store:     st,
		cache:     cache,
		ctrl:      ctrl,
		disc:      disc,
		logger:    logger,
		now:       time.Now,
		entryTTL:  DefaultEntryTTL,
		jobCtx:    ctx,
		jobCancel: cancel,
		synthetic: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_synthetic_entries_total",
			Help: "Snapshot entries served as synthetic placeholders",
		}),
	}
	for _, a := range adapters {
		s.adapters[strings.ToLower(a.ChainName())] = a
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	if registerer != nil {
		registerer.MustRegister(s.synthetic)
	}
	return s
}

// Shutdown cancels in-flight discovery jobs and waits for them to exit.
func (s *Service) Shutdown() {
	s.jobCancel()
	s.jobs.Wait()
}

// Snapshot builds the windowed market view for a chain. The window
// [offset, offset+limit) past the end of the merged list yields an empty
// entry slice, not an error.
func (s *Service) Snapshot(chain string, offset, limit int) (ChainSnapshot, error) {
	name := strings.ToLower(chain)
	adapter, ok := s.adapters[name]
	if !ok {
		return ChainSnapshot{}, fmt.Errorf("%w: %s", chains.ErrChainNotSupported, chain)
	}
	chainID := adapter.ChainID()

	merged := s.catalog.Merged(chainID)
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}
	if offset > len(merged) {
		offset = len(merged)
	}
	end := offset + limit
	if end > len(merged) {
		end = len(merged)
	}
	window := merged[offset:end]

	reg, err := s.store.PoolRegistry(chainID)
	if err != nil {
		s.logger.Warn("Registry unreadable, serving from cache only", "chain_id", chainID, "err", err)
	}

	entries := make([]Entry, 0, len(window))
	var missing []common.Address
	for _, tok := range window {
		entry, routed := s.entry(chainID, name, reg, tok)
		if !routed {
			missing = append(missing, tok.Address)
		}
		entries = append(entries, entry)
	}

	if len(missing) > 0 {
		s.scheduleDiscovery(chainID, missing)
	}

	return ChainSnapshot{
		Timestamp: s.now().UnixMilli(),
		Chain:     name,
		Entries:   entries,
	}, nil
}

// entry produces the market view for one token. routed is false when the
// token has no pricing route and should be queued for discovery.
func (s *Service) entry(chainID uint64, chain string, reg *registry.PoolRegistry, tok tokens.Token) (Entry, bool) {
	info := TokenInfo{Symbol: tok.Symbol, Name: tok.Name, Address: tok.Address, Decimals: tok.Decimals, LogoURI: tok.LogoURI}

	if rec, ok := s.cache.Entry(chain, tok.Address, s.entryTTL); ok {
		return Entry{
			Token:        info,
			PriceUSD:     rec.PriceUSD,
			LiquidityUSD: rec.LiquidityUSD,
			VolumeUSD:    rec.VolumeUSD,
			MarketCapUSD: rec.MarketCapUSD,
		}, true
	}

	routes := reg.RoutesFor(tok.Address)
	if len(routes) == 0 {
		return s.syntheticEntry(chain, info), false
	}

	route, meta := bestRoute(reg, routes)
	s.ctrl.Track(chainID, meta)
	s.ctrl.NoteRequest(chainID, meta.Address)

	sample, ok := s.cache.Sample(chainID, meta.Address)
	if !ok {
		// Routed but never refreshed; the tracker above puts it on the
		// scheduler's plate.
		return s.syntheticEntry(chain, info), true
	}

	view := s.poolView(chainID, meta, sample)
	priceInBase, err := pricing.SpotPrice(view, tok.Address)
	if err != nil {
		s.logger.Warn("Route token not in pool, serving synthetic", "chain_id", chainID, "pool", meta.Address, "token", tok.Address)
		return s.syntheticEntry(chain, info), true
	}

	baseUSD := s.baseUSD(chainID, chain, reg, route.Base)
	if baseUSD <= 0 || priceInBase <= 0 {
		return s.syntheticEntry(chain, info), true
	}
	priceUSD := priceInBase * baseUSD

	price0, price1 := priceUSD, baseUSD
	if registry.Lower(tok.Address) != registry.Lower(meta.Token0) {
		price0, price1 = baseUSD, priceUSD
	}
	liquidityUSD := pricing.LiquidityUSD(view, price0, price1)

	entry := Entry{
		Token:        info,
		PriceUSD:     priceUSD,
		LiquidityUSD: liquidityUSD,
		VolumeUSD:    liquidityUSD * volumeFactor,
		MarketCapUSD: priceUSD * marketCapMult,
	}
	s.cache.SetEntry(chain, tok.Address, statecache.EntryRecord{
		PriceUSD:     entry.PriceUSD,
		LiquidityUSD: entry.LiquidityUSD,
		VolumeUSD:    entry.VolumeUSD,
		MarketCapUSD: entry.MarketCapUSD,
	})
	return entry, true
}

// syntheticEntry preserves the response shape when no real pricing is
// possible yet. Synthetic entries are cached like real ones so a cold-start
// burst does not hammer the registry.
func (s *Service) syntheticEntry(chain string, info TokenInfo) Entry {
	s.synthetic.Inc()
	entry := Entry{
		Token:        info,
		PriceUSD:     syntheticPriceUSD,
		LiquidityUSD: syntheticLiquidityUSD,
		VolumeUSD:    syntheticLiquidityUSD * volumeFactor,
		MarketCapUSD: syntheticPriceUSD * marketCapMult,
	}
	s.cache.SetEntry(chain, info.Address, statecache.EntryRecord{
		PriceUSD:     entry.PriceUSD,
		LiquidityUSD: entry.LiquidityUSD,
		VolumeUSD:    entry.VolumeUSD,
		MarketCapUSD: entry.MarketCapUSD,
		Synthetic:    true,
	})
	return entry
}

// bestRoute picks the route with the heaviest pool, breaking ties by lowest
// lowercase pool address.
func bestRoute(reg *registry.PoolRegistry, routes []registry.PricingRoute) (registry.PricingRoute, registry.PoolMetadata) {
	best := routes[0]
	bestMeta, _ := reg.Pool(best.Pool)
	for _, route := range routes[1:] {
		meta, ok := reg.Pool(route.Pool)
		if !ok {
			continue
		}
		switch {
		case meta.Weight > bestMeta.Weight:
		case meta.Weight == bestMeta.Weight && registry.Lower(route.Pool) < registry.Lower(best.Pool):
		default:
			continue
		}
		best, bestMeta = route, meta
	}
	return best, bestMeta
}

// baseUSD resolves the USD price of a route's base token: the stable
// reference is 1 by definition; otherwise a fresh cached entry or a direct
// base↔stable pool sample settles it. Unresolvable bases return 0.
func (s *Service) baseUSD(chainID uint64, chain string, reg *registry.PoolRegistry, base common.Address) float64 {
	stable, ok := tokens.StableReference(chainID)
	if !ok {
		return 0
	}
	if registry.Lower(base) == registry.Lower(stable.Address) {
		return 1
	}

	if rec, ok := s.cache.Entry(chain, base, s.entryTTL); ok && !rec.Synthetic {
		return rec.PriceUSD
	}

	for _, route := range reg.RoutesFor(base) {
		if registry.Lower(route.Base) != registry.Lower(stable.Address) {
			continue
		}
		meta, ok := reg.Pool(route.Pool)
		if !ok {
			continue
		}
		sample, ok := s.cache.Sample(chainID, meta.Address)
		if !ok {
			continue
		}
		price, err := pricing.SpotPrice(s.poolView(chainID, meta, sample), base)
		if err == nil && price > 0 {
			return price
		}
	}
	return 0
}

// poolView joins registry metadata, catalog decimals and a cache sample into
// the shape the pricing math consumes. Unknown decimals default to 18.
func (s *Service) poolView(chainID uint64, meta registry.PoolMetadata, sample statecache.PoolSample) pricing.PoolView {
	decimals := func(addr common.Address) uint8 {
		if t, ok := s.catalog.ByAddress(chainID, addr); ok {
			return t.Decimals
		}
		return defaultDecimals
	}
	return pricing.PoolView{
		DexType:      meta.DexType,
		Token0:       meta.Token0,
		Token1:       meta.Token1,
		Decimals0:    decimals(meta.Token0),
		Decimals1:    decimals(meta.Token1),
		SqrtPriceX96: sample.SqrtPriceX96,
		Reserve0:     sample.Reserve0,
		Reserve1:     sample.Reserve1,
		Liquidity:    sample.Liquidity,
	}
}

// scheduleDiscovery launches one fire-and-forget job covering every missing
// token in the request window. Jobs are joined on Shutdown.
func (s *Service) scheduleDiscovery(chainID uint64, missing []common.Address) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		ctx, cancel := context.WithTimeout(s.jobCtx, discoveryTimeout)
		defer cancel()

		for _, token := range missing {
			if ctx.Err() != nil {
				return
			}
			if _, err := s.disc.Discover(ctx, chainID, token); err != nil {
				s.logger.Warn("Discovery job failed", "chain_id", chainID, "token", token, "err", err)
			}
		}
	}()
}
