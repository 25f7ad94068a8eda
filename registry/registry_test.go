package registry

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	wethAddress = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdcAddress = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	daiAddress  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")

	wethUsdcV3 = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	wethDaiV2  = common.HexToAddress("0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11")
)

func TestAddPool(t *testing.T) {
	r := NewPoolRegistry()

	r.AddPool(PoolMetadata{
		Address: wethUsdcV3,
		DexType: DexV3,
		Token0:  usdcAddress,
		Token1:  wethAddress,
		FeeTier: 500,
	})

	t.Run("Pool Inserted With Derived Weight", func(t *testing.T) {
		pool, ok := r.Pool(wethUsdcV3)
		require.True(t, ok)
		assert.Equal(t, 2, pool.Weight)
		assert.Equal(t, uint32(500), pool.FeeTier)
	})

	t.Run("Symmetric Routes", func(t *testing.T) {
		wethRoutes := r.RoutesFor(wethAddress)
		require.Len(t, wethRoutes, 1)
		assert.Equal(t, wethUsdcV3, wethRoutes[0].Pool)
		assert.Equal(t, usdcAddress, wethRoutes[0].Base)

		usdcRoutes := r.RoutesFor(usdcAddress)
		require.Len(t, usdcRoutes, 1)
		assert.Equal(t, wethAddress, usdcRoutes[0].Base)
	})

	t.Run("Idempotent Insertion", func(t *testing.T) {
		r.AddPool(PoolMetadata{
			Address: wethUsdcV3,
			DexType: DexV3,
			Token0:  usdcAddress,
			Token1:  wethAddress,
			FeeTier: 500,
		})
		assert.Len(t, r.Pools, 1)
		assert.Len(t, r.RoutesFor(wethAddress), 1)
	})

	t.Run("Validate After Insertion", func(t *testing.T) {
		r.AddPool(PoolMetadata{
			Address: wethDaiV2,
			DexType: DexV2,
			Token0:  daiAddress,
			Token1:  wethAddress,
		})
		require.NoError(t, r.Validate())
		assert.Len(t, r.RoutesFor(wethAddress), 2)
	})
}

func TestValidateRejectsBrokenRegistries(t *testing.T) {
	t.Run("Dangling Route", func(t *testing.T) {
		r := NewPoolRegistry()
		r.PricingRoutes[Lower(wethAddress)] = []PricingRoute{{Pool: wethUsdcV3, Base: usdcAddress}}
		assert.Error(t, r.Validate())
	})

	t.Run("V3 Without Fee Tier", func(t *testing.T) {
		r := NewPoolRegistry()
		r.AddPool(PoolMetadata{Address: wethUsdcV3, DexType: DexV3, Token0: usdcAddress, Token1: wethAddress})
		assert.Error(t, r.Validate())
	})

	t.Run("V2 With Fee Tier", func(t *testing.T) {
		r := NewPoolRegistry()
		r.AddPool(PoolMetadata{Address: wethDaiV2, DexType: DexV2, Token0: daiAddress, Token1: wethAddress, FeeTier: 3000})
		assert.Error(t, r.Validate())
	})
}

func TestClone(t *testing.T) {
	r := NewPoolRegistry()
	r.AddPool(PoolMetadata{Address: wethUsdcV3, DexType: DexV3, Token0: usdcAddress, Token1: wethAddress, FeeTier: 500})

	clone := r.Clone()
	clone.AddPool(PoolMetadata{Address: wethDaiV2, DexType: DexV2, Token0: daiAddress, Token1: wethAddress})

	assert.Len(t, r.Pools, 1, "modifying the clone must not affect the original")
	assert.Len(t, clone.Pools, 2)
	assert.Empty(t, r.RoutesFor(daiAddress))
}

func TestOther(t *testing.T) {
	pool := PoolMetadata{Address: wethUsdcV3, DexType: DexV3, Token0: usdcAddress, Token1: wethAddress, FeeTier: 500}

	other, ok := pool.Other(usdcAddress)
	require.True(t, ok)
	assert.Equal(t, wethAddress, other)

	_, ok = pool.Other(daiAddress)
	assert.False(t, ok)
}
