package registry

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DexType identifies the pool flavor a pricing read must decode.
type DexType string

const (
	DexV2 DexType = "v2"
	DexV3 DexType = "v3"
)

// Weight is the relative multicall cost of refreshing a pool of this type.
// V2 needs one sub-call (getReserves), V3 needs two (slot0 + liquidity).
func (d DexType) Weight() int {
	if d == DexV3 {
		return 2
	}
	return 1
}

// Lower is the canonical map-key form of an address.
func Lower(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// PoolMetadata describes a liquidity pool usable as a pricing venue.
// FeeTier is set iff DexType is v3.
type PoolMetadata struct {
	Address common.Address `json:"address"`
	DexType DexType        `json:"dexType"`
	Token0  common.Address `json:"token0"`
	Token1  common.Address `json:"token1"`
	FeeTier uint32         `json:"feeTier,omitempty"`
	Weight  int            `json:"weight"`
}

// Other returns the pool token paired with t, and whether t is in the pool.
func (m PoolMetadata) Other(t common.Address) (common.Address, bool) {
	switch Lower(t) {
	case Lower(m.Token0):
		return m.Token1, true
	case Lower(m.Token1):
		return m.Token0, true
	}
	return common.Address{}, false
}

// PricingRoute states that a token's price can be derived from Pool by
// normalizing against Base (the pool's other token).
type PricingRoute struct {
	Pool common.Address `json:"pool"`
	Base common.Address `json:"base"`
}

// PoolRegistry is the persisted per-chain set of pools and the token→pool
// routing index derived from them. Map keys are lowercase hex addresses;
// stored values keep their original checksum form.
//
// Not safe for concurrent mutation. Writers clone, modify and persist
// (copy-on-write); see the store package.
type PoolRegistry struct {
	Pools         map[string]PoolMetadata   `json:"pools"`
	PricingRoutes map[string][]PricingRoute `json:"pricingRoutes"`
}

// NewPoolRegistry creates an empty, properly initialized registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{
		Pools:         make(map[string]PoolMetadata),
		PricingRoutes: make(map[string][]PricingRoute),
	}
}

// AddPool inserts a pool and the two symmetric routing edges for its tokens.
// Insertion is idempotent: duplicate pools and duplicate (pool, base) edges
// are dropped.
func (r *PoolRegistry) AddPool(meta PoolMetadata) {
	if meta.Weight == 0 {
		meta.Weight = meta.DexType.Weight()
	}
	r.Pools[Lower(meta.Address)] = meta
	r.addRoute(meta.Token0, PricingRoute{Pool: meta.Address, Base: meta.Token1})
	r.addRoute(meta.Token1, PricingRoute{Pool: meta.Address, Base: meta.Token0})
}

func (r *PoolRegistry) addRoute(token common.Address, route PricingRoute) {
	key := Lower(token)
	for _, existing := range r.PricingRoutes[key] {
		if Lower(existing.Pool) == Lower(route.Pool) && Lower(existing.Base) == Lower(route.Base) {
			return
		}
	}
	r.PricingRoutes[key] = append(r.PricingRoutes[key], route)
}

// Pool retrieves a pool by address.
func (r *PoolRegistry) Pool(addr common.Address) (PoolMetadata, bool) {
	m, ok := r.Pools[Lower(addr)]
	return m, ok
}

// RoutesFor returns the routing edges for a token, nil when unpriced.
func (r *PoolRegistry) RoutesFor(token common.Address) []PricingRoute {
	return r.PricingRoutes[Lower(token)]
}

// Clone creates a deep copy so writers can modify without racing readers.
func (r *PoolRegistry) Clone() *PoolRegistry {
	out := &PoolRegistry{
		Pools:         make(map[string]PoolMetadata, len(r.Pools)),
		PricingRoutes: make(map[string][]PricingRoute, len(r.PricingRoutes)),
	}
	for k, v := range r.Pools {
		out.Pools[k] = v
	}
	for k, routes := range r.PricingRoutes {
		cp := make([]PricingRoute, len(routes))
		copy(cp, routes)
		out.PricingRoutes[k] = cp
	}
	return out
}

// Validate checks the structural invariants:
//   - every route points at a known pool
//   - FeeTier is present iff the pool is v3
//   - both pool tokens are routable through the pool against each other
func (r *PoolRegistry) Validate() error {
	for token, routes := range r.PricingRoutes {
		for _, route := range routes {
			if _, ok := r.Pools[Lower(route.Pool)]; !ok {
				return fmt.Errorf("route for token %s references unknown pool %s", token, route.Pool)
			}
		}
	}
	for key, pool := range r.Pools {
		switch pool.DexType {
		case DexV3:
			if pool.FeeTier == 0 {
				return fmt.Errorf("v3 pool %s has no fee tier", key)
			}
		case DexV2:
			if pool.FeeTier != 0 {
				return fmt.Errorf("v2 pool %s carries fee tier %d", key, pool.FeeTier)
			}
		default:
			return fmt.Errorf("pool %s has unknown dex type %q", key, pool.DexType)
		}
		if !r.hasRoute(pool.Token0, pool.Address, pool.Token1) {
			return fmt.Errorf("pool %s missing route for token0 %s", key, pool.Token0)
		}
		if !r.hasRoute(pool.Token1, pool.Address, pool.Token0) {
			return fmt.Errorf("pool %s missing route for token1 %s", key, pool.Token1)
		}
	}
	return nil
}

func (r *PoolRegistry) hasRoute(token, pool, base common.Address) bool {
	for _, route := range r.PricingRoutes[Lower(token)] {
		if Lower(route.Pool) == Lower(pool) && Lower(route.Base) == Lower(base) {
			return true
		}
	}
	return false
}
