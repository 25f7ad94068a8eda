package discovery

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/chains/mock"
	"github.com/defistate/defistate-aggregator-go/controller"
	"github.com/defistate/defistate-aggregator-go/registry"
	"github.com/defistate/defistate-aggregator-go/registry/store"
	"github.com/defistate/defistate-aggregator-go/tokens"
)

var (
	pepe = common.HexToAddress("0x6982508145454Ce325dDbE47a25d4ec3d2311933")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func sorted(a, b common.Address) (common.Address, common.Address) {
	if registry.Lower(a) < registry.Lower(b) {
		return a, b
	}
	return b, a
}

func fixture(t *testing.T) (*Manager, *mock.Adapter, *store.Store, *controller.Controller) {
	t.Helper()
	logger := testLogger()

	adapter := mock.New("ethereum", tokens.EthereumChainID, logger)
	st, err := store.New(t.TempDir(), logger)
	require.NoError(t, err)
	ctrl := controller.New(controller.DefaultIntervals(), logger, nil)

	m := New([]chains.Adapter{adapter}, st, ctrl, logger, nil, WithProbeDelay(0))
	return m, adapter, st, ctrl
}

func TestDiscoverRegistersAndTracksFoundPools(t *testing.T) {
	m, adapter, st, ctrl := fixture(t)

	t0, t1 := sorted(pepe, weth)
	v3Addr := adapter.SeedPool(mock.PoolFixture{
		Token0: t0, Token1: t1, FeeTier: 3000,
		SqrtPriceX96: big.NewInt(1_000_000), Liquidity: big.NewInt(500),
	})
	t0, t1 = sorted(pepe, usdc)
	v2Addr := adapter.SeedPool(mock.PoolFixture{
		Token0: t0, Token1: t1,
		Reserve0: big.NewInt(1000), Reserve1: big.NewInt(2000),
	})

	n, err := m.Discover(context.Background(), tokens.EthereumChainID, pepe)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, ctrl.Len())

	reg, err := st.PoolRegistry(tokens.EthereumChainID)
	require.NoError(t, err)

	meta, ok := reg.Pool(v3Addr)
	require.True(t, ok)
	assert.Equal(t, registry.DexV3, meta.DexType)
	assert.EqualValues(t, 3000, meta.FeeTier)
	assert.Equal(t, 2, meta.Weight)

	meta, ok = reg.Pool(v2Addr)
	require.True(t, ok)
	assert.Equal(t, registry.DexV2, meta.DexType)
	assert.Zero(t, meta.FeeTier)

	assert.NotEmpty(t, reg.RoutesFor(pepe))
	require.NoError(t, reg.Validate())
}

func TestDiscoverSuppressesRepeatAttempts(t *testing.T) {
	m, adapter, _, ctrl := fixture(t)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	n, err := m.Discover(context.Background(), tokens.EthereumChainID, pepe)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing seeded yet")

	// Seeding after the first attempt changes nothing inside the window.
	t0, t1 := sorted(pepe, weth)
	adapter.SeedPool(mock.PoolFixture{Token0: t0, Token1: t1, FeeTier: 500, SqrtPriceX96: big.NewInt(1), Liquidity: big.NewInt(1)})

	n, err = m.Discover(context.Background(), tokens.EthereumChainID, pepe)
	require.NoError(t, err)
	assert.Zero(t, n, "attempt suppressed by retry window")
	assert.Zero(t, ctrl.Len())

	base = base.Add(defaultRetryWindow + time.Second)
	n, err = m.Discover(context.Background(), tokens.EthereumChainID, pepe)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "window expired, probe again")
	assert.Equal(t, 1, ctrl.Len())
}

func TestDiscoverSkipsDeadVenues(t *testing.T) {
	m, adapter, _, ctrl := fixture(t)

	t0, t1 := sorted(pepe, weth)
	adapter.SeedPool(mock.PoolFixture{Token0: t0, Token1: t1, FeeTier: 500, SqrtPriceX96: big.NewInt(0)})
	t0, t1 = sorted(pepe, usdc)
	adapter.SeedPool(mock.PoolFixture{Token0: t0, Token1: t1, Reserve0: big.NewInt(0), Reserve1: big.NewInt(10)})

	n, err := m.Discover(context.Background(), tokens.EthereumChainID, pepe)
	require.NoError(t, err)
	assert.Zero(t, n, "uninitialized pool and drained pair are not venues")
	assert.Zero(t, ctrl.Len())
}

func TestDiscoverUnknownChain(t *testing.T) {
	m, _, _, _ := fixture(t)

	_, err := m.Discover(context.Background(), 9999, pepe)
	assert.ErrorIs(t, err, chains.ErrChainNotSupported)
}

func TestDiscoverHonorsCancellation(t *testing.T) {
	m, _, _, _ := fixture(t)
	m.probeDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Discover(ctx, tokens.EthereumChainID, pepe)
	assert.ErrorIs(t, err, context.Canceled)
}
