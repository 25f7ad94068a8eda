package multicall

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/registry"
)

// Pool view-function selectors. The payloads carry no arguments, so one
// 4-byte slice per function is reused across every call.
var (
	slot0Selector       = []byte{0x38, 0x50, 0xc7, 0xbd} // slot0()
	liquiditySelector   = []byte{0x1a, 0x68, 0x65, 0x02} // liquidity()
	getReservesSelector = []byte{0x09, 0x02, 0xf1, 0xac} // getReserves()
)

// subCallCount is the number of aggregate sub-calls a pool contributes.
func subCallCount(meta registry.PoolMetadata) int {
	if meta.DexType == registry.DexV3 {
		return 2
	}
	return 1
}

// callsFor emits the sub-calls for one pool: slot0+liquidity for v3,
// getReserves for v2.
func callsFor(meta registry.PoolMetadata) []chains.Call {
	if meta.DexType == registry.DexV3 {
		return []chains.Call{
			{Target: meta.Address, CallData: slot0Selector},
			{Target: meta.Address, CallData: liquiditySelector},
		}
	}
	return []chains.Call{{Target: meta.Address, CallData: getReservesSelector}}
}

// word extracts the i-th 32-byte return word as a big.Int.
func word(data []byte, i int) (*big.Int, bool) {
	if len(data) < (i+1)*32 {
		return nil, false
	}
	return new(uint256.Int).SetBytes(data[i*32 : (i+1)*32]).ToBig(), true
}

// decodePool turns a pool's raw return-data entries into a Result. Empty or
// short return data marks the pool failed; sibling pools are unaffected.
func decodePool(meta registry.PoolMetadata, blockNumber uint64, returnData [][]byte) Result {
	res := Result{PoolAddress: meta.Address, BlockNumber: blockNumber}

	if meta.DexType == registry.DexV3 {
		sqrtPrice, ok0 := word(returnData[0], 0)
		liquidity, ok1 := word(returnData[1], 0)
		if !ok0 || !ok1 {
			return res
		}
		res.Success = true
		res.SqrtPriceX96 = sqrtPrice
		res.Liquidity = liquidity
		return res
	}

	reserve0, ok0 := word(returnData[0], 0)
	reserve1, ok1 := word(returnData[0], 1)
	if !ok0 || !ok1 {
		return res
	}
	res.Success = true
	res.Reserve0 = reserve0
	res.Reserve1 = reserve1
	return res
}
