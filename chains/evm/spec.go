package evm

import (
	"github.com/ethereum/go-ethereum/common"
)

// Multicall3Address is the canonical deployment, identical on every chain.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Spec holds the per-chain constants needed for deterministic pool
// address derivation.
type Spec struct {
	Name           string
	ChainID        uint64
	V3Factory      common.Address
	V3InitCodeHash common.Hash
	V2Factory      common.Address
	V2InitCodeHash common.Hash
}

// EthereumSpec targets Uniswap V3 and Uniswap V2 on mainnet.
func EthereumSpec() Spec {
	return Spec{
		Name:           "ethereum",
		ChainID:        1,
		V3Factory:      common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
		V3InitCodeHash: common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54"),
		V2Factory:      common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
		V2InitCodeHash: common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
	}
}

// PolygonSpec targets Uniswap V3 and QuickSwap (a Uniswap V2 fork with its
// own pair init code) on Polygon PoS.
func PolygonSpec() Spec {
	return Spec{
		Name:           "polygon",
		ChainID:        137,
		V3Factory:      common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984"),
		V3InitCodeHash: common.HexToHash("0xe34f199b19b2b4f47f68442619d555527d244f78a3297ea89325f843f87b8b54"),
		V2Factory:      common.HexToAddress("0x5757371414417b8C6CAad45bAeF941aBc7d3Ab32"),
		V2InitCodeHash: common.HexToHash("0xf187ed688403aa4f7acfada758d8d53698753b998a3071b06f1b777f4330eaf3"),
	}
}
