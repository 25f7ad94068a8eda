package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/controller"
	"github.com/defistate/defistate-aggregator-go/multicall"
	"github.com/defistate/defistate-aggregator-go/registry"
	"github.com/defistate/defistate-aggregator-go/registry/store"
	"github.com/defistate/defistate-aggregator-go/statecache"
)

var (
	slot0Selector     = []byte{0x38, 0x50, 0xc7, 0xbd}
	liquiditySelector = []byte{0x1a, 0x68, 0x65, 0x02}
)

// stubProvider serves a V3 surface with a controllable sqrt price and block.
type stubProvider struct {
	mu      sync.Mutex
	block   uint64
	advance bool
	sqrt    *big.Int
	fail    bool
}

func (p *stubProvider) Aggregate(_ context.Context, calls []chains.Call) (uint64, [][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail {
		return 0, nil, fmt.Errorf("%w: provider down", chains.ErrRPC)
	}
	if p.advance {
		p.block++
	}

	out := make([][]byte, len(calls))
	for i, call := range calls {
		switch {
		case bytes.Equal(call.CallData, slot0Selector):
			out[i] = common.LeftPadBytes(p.sqrt.Bytes(), 32)
		case bytes.Equal(call.CallData, liquiditySelector):
			out[i] = common.LeftPadBytes(big.NewInt(777).Bytes(), 32)
		}
	}
	return p.block, out, nil
}

type stubAdapter struct {
	chainID  uint64
	provider *stubProvider
}

func (a *stubAdapter) ChainName() string { return "stub" }
func (a *stubAdapter) ChainID() uint64   { return a.chainID }
func (a *stubAdapter) ComputePoolAddress(common.Address, common.Address, uint32) (common.Address, bool) {
	return common.Address{}, false
}
func (a *stubAdapter) ReadPoolState(context.Context, common.Address) (*chains.PoolState, error) {
	return nil, chains.ErrPoolNotFound
}
func (a *stubAdapter) Providers() []chains.Aggregator {
	return []chains.Aggregator{a.provider}
}

type harness struct {
	sched    *Scheduler
	ctrl     *controller.Controller
	cache    *statecache.Cache
	provider *stubProvider
	pool     common.Address
}

// newHarness tracks one V3 pool with zero refresh intervals so every tick
// considers it due.
func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	provider := &stubProvider{block: 100, sqrt: big.NewInt(1_000_000)}
	adapter := &stubAdapter{chainID: 1, provider: provider}

	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)

	meta := registry.PoolMetadata{
		Address: common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"),
		DexType: registry.DexV3,
		Token0:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Token1:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		FeeTier: 500,
	}
	reg := registry.NewPoolRegistry()
	reg.AddPool(meta)
	require.NoError(t, st.SavePoolRegistry(1, reg))

	ctrl := controller.New(controller.Intervals{}, logger, nil)
	ctrl.Track(1, meta)

	cache := statecache.New(nil)
	engine := multicall.NewEngine(multicall.DefaultMaxBatchWeight, time.Second, logger)

	sched := New([]chains.Adapter{adapter}, ctrl, engine, st, cache, logger, nil, WithPeriod(time.Hour))
	return &harness{sched: sched, ctrl: ctrl, cache: cache, provider: provider, pool: meta.Address}
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.sched.tick(context.Background())
	h.sched.Wait()
}

func TestTickRefreshesDuePools(t *testing.T) {
	h := newHarness(t)
	h.tick(t)

	sample, ok := h.cache.Sample(1, h.pool)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(1_000_000), sample.SqrtPriceX96)
	assert.Equal(t, big.NewInt(777), sample.Liquidity)
	assert.Equal(t, uint64(100), sample.BlockNumber)

	alive, ok := h.ctrl.Pool(1, h.pool)
	require.True(t, ok)
	assert.Equal(t, uint64(100), alive.LastBlockSeen)
	assert.NotZero(t, alive.LastPrice)
	assert.Equal(t, controller.TierNormal, alive.Tier, "first observation seeds the baseline")
}

func TestBlockAwareSkip(t *testing.T) {
	h := newHarness(t)
	h.tick(t)

	// New state at the same block must not be re-observed.
	h.provider.mu.Lock()
	h.provider.sqrt = big.NewInt(2_000_000)
	h.provider.mu.Unlock()
	h.tick(t)

	sample, ok := h.cache.Sample(1, h.pool)
	require.True(t, ok)
	assert.Equal(t, big.NewInt(1_000_000), sample.SqrtPriceX96, "skip keeps the prior sample")

	alive, _ := h.ctrl.Pool(1, h.pool)
	assert.Equal(t, controller.TierNormal, alive.Tier)
}

func TestTierPromotionOnVolatileObservations(t *testing.T) {
	h := newHarness(t)
	h.provider.advance = true

	h.tick(t) // seeds baseline

	h.provider.mu.Lock()
	h.provider.sqrt = big.NewInt(1_100_000) // ~4.9% scalar move
	h.provider.mu.Unlock()
	h.tick(t)

	alive, ok := h.ctrl.Pool(1, h.pool)
	require.True(t, ok)
	assert.Equal(t, controller.TierHigh, alive.Tier)
}

func TestDrainedPoolObservationKeepsTier(t *testing.T) {
	h := newHarness(t)
	h.provider.advance = true

	h.tick(t) // seeds baseline at a real price

	h.provider.mu.Lock()
	h.provider.sqrt = new(big.Int) // pool drained at a new block
	h.provider.mu.Unlock()
	h.tick(t)

	alive, ok := h.ctrl.Pool(1, h.pool)
	require.True(t, ok)
	assert.Equal(t, controller.TierNormal, alive.Tier, "zero price is not volatility")
	assert.Zero(t, alive.LastPrice, "zero observation is still recorded")

	// Recovery at the old price re-seeds the baseline without promotion.
	h.provider.mu.Lock()
	h.provider.sqrt = big.NewInt(1_000_000)
	h.provider.mu.Unlock()
	h.tick(t)

	alive, _ = h.ctrl.Pool(1, h.pool)
	assert.Equal(t, controller.TierNormal, alive.Tier)
	assert.NotZero(t, alive.LastPrice)
}

func TestFailedBatchSchedulesFastRetry(t *testing.T) {
	h := newHarness(t)
	h.provider.fail = true

	before := time.Now()
	h.tick(t)

	alive, ok := h.ctrl.Pool(1, h.pool)
	require.True(t, ok)
	assert.Equal(t, controller.TierNormal, alive.Tier, "failure never touches the tier")
	assert.True(t, alive.NextRefresh.After(before.Add(2*time.Second)), "rescheduled for fast retry")
	assert.Zero(t, alive.LastBlockSeen)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Start(ctx)
	h.sched.Start(ctx)
	cancel()
	h.sched.Wait()
}
