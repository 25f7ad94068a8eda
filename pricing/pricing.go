// Package pricing holds the pure math for deriving spot prices and USD
// liquidity from observed pool state. Nothing here does I/O or locking.
package pricing

import (
	"errors"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/defistate/defistate-aggregator-go/registry"
)

var (
	// Q96 is the Uniswap V3 fixed-point scale, 2^96.
	Q96, _   = new(big.Int).SetString("79228162514264337593543950336", 10)
	q96Float = new(big.Float).SetInt(Q96)

	ten = big.NewInt(10)

	// precomputed 10^dec for typical ERC20 decimals (0..18)
	precomputedScales [19]*big.Int

	// ErrTokenMismatch is returned when the target token is not in the pool.
	ErrTokenMismatch = errors.New("token mismatch")
)

func init() {
	precomputedScales[0] = big.NewInt(1)
	for i := 1; i < len(precomputedScales); i++ {
		precomputedScales[i] = new(big.Int).Mul(precomputedScales[i-1], ten)
	}
}

// ScaledDecimal returns 10^dec. The returned *big.Int MUST NOT be modified;
// for dec <= 18 it is a shared precomputed value.
func ScaledDecimal(dec uint8) *big.Int {
	if int(dec) < len(precomputedScales) {
		return precomputedScales[dec]
	}
	return new(big.Int).Exp(ten, big.NewInt(int64(dec)), nil)
}

// PoolView is the minimal pool observation the pricing functions consume.
// Reserve0/Reserve1 are meaningful for v2, SqrtPriceX96/Liquidity for v3.
type PoolView struct {
	DexType      registry.DexType
	Token0       common.Address
	Token1       common.Address
	Decimals0    uint8
	Decimals1    uint8
	SqrtPriceX96 *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int
	Liquidity    *big.Int
}

// SpotPrice returns the human-unit price of target denominated in the pool's
// other token. An empty pool (zero sqrtPrice or zero reserves) prices at 0.
func SpotPrice(p PoolView, target common.Address) (float64, error) {
	targetIsToken0 := registry.Lower(target) == registry.Lower(p.Token0)
	targetIsToken1 := registry.Lower(target) == registry.Lower(p.Token1)
	if !targetIsToken0 && !targetIsToken1 {
		return 0, ErrTokenMismatch
	}

	if p.DexType == registry.DexV3 {
		return spotPriceV3(p, targetIsToken1), nil
	}
	return spotPriceV2(p, targetIsToken0), nil
}

// spotPriceV3 derives the price from sqrtPriceX96. (sqrtPriceX96/2^96)^2 is
// the raw price of token0 in token1; invert for token1 and adjust for the
// decimal difference to get a human-unit quote.
func spotPriceV3(p PoolView, invert bool) float64 {
	if p.SqrtPriceX96 == nil || p.SqrtPriceX96.Sign() == 0 {
		return 0
	}

	ratio := new(big.Float).Quo(new(big.Float).SetInt(p.SqrtPriceX96), q96Float)
	raw, _ := new(big.Float).Mul(ratio, ratio).Float64()

	// raw is token1-per-token0 in base units.
	price := raw * math.Pow10(int(p.Decimals0)-int(p.Decimals1))
	if invert {
		if price == 0 {
			return 0
		}
		price = 1 / price
	}
	return price
}

// spotPriceV2 derives the price from the reserve ratio.
func spotPriceV2(p PoolView, targetIsToken0 bool) float64 {
	if p.Reserve0 == nil || p.Reserve1 == nil || p.Reserve0.Sign() == 0 || p.Reserve1.Sign() == 0 {
		return 0
	}

	reserveTarget, decTarget := p.Reserve0, p.Decimals0
	reserveQuote, decQuote := p.Reserve1, p.Decimals1
	if !targetIsToken0 {
		reserveTarget, decTarget = p.Reserve1, p.Decimals1
		reserveQuote, decQuote = p.Reserve0, p.Decimals0
	}

	ratio, _ := new(big.Float).Quo(
		new(big.Float).SetInt(reserveQuote),
		new(big.Float).SetInt(reserveTarget),
	).Float64()

	return ratio * math.Pow10(int(decTarget)-int(decQuote))
}

// LiquidityUSD estimates the pool's USD depth given USD prices for both
// tokens. The v3 form is the order-of-magnitude heuristic
// L * 2 * sqrt(p0*p1), scaled down by the mean token decimals.
func LiquidityUSD(p PoolView, price0USD, price1USD float64) float64 {
	if p.DexType == registry.DexV3 {
		if p.Liquidity == nil || p.Liquidity.Sign() == 0 || price0USD <= 0 || price1USD <= 0 {
			return 0
		}
		liq, _ := new(big.Float).SetInt(p.Liquidity).Float64()
		scale := math.Pow10((int(p.Decimals0) + int(p.Decimals1)) / 2)
		return liq * 2 * math.Sqrt(price0USD*price1USD) / scale
	}

	if p.Reserve0 == nil || p.Reserve1 == nil {
		return 0
	}
	side0 := decimal.NewFromBigInt(p.Reserve0, -int32(p.Decimals0)).Mul(decimal.NewFromFloat(price0USD))
	side1 := decimal.NewFromBigInt(p.Reserve1, -int32(p.Decimals1)).Mul(decimal.NewFromFloat(price1USD))
	return side0.Add(side1).InexactFloat64()
}

// RefreshScalar collapses an observation into one comparable number for tier
// decisions. It is not a price; only its relative movement matters.
func RefreshScalar(v3 bool, sqrtPriceX96, reserve0, reserve1 *big.Int) float64 {
	if v3 {
		if sqrtPriceX96 == nil || sqrtPriceX96.Sign() == 0 {
			return 0
		}
		ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96Float).Float64()
		return math.Sqrt(ratio)
	}
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() == 0 {
		return 0
	}
	scalar, _ := new(big.Float).Quo(
		new(big.Float).SetInt(reserve1),
		new(big.Float).SetInt(reserve0),
	).Float64()
	return scalar
}
