package tokens

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Token is a safe, structured representation of a token's data for external use.
// Identity is (ChainID, lowercase address).
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Name     string         `json:"name"`
	Decimals uint8          `json:"decimals"`
	ChainID  uint64         `json:"chainId"`
	LogoURI  string         `json:"logoURI,omitempty"`
}

// Lower is the canonical lowercase form of an address.
func Lower(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Chain IDs the aggregator ships adapters for.
const (
	EthereumChainID uint64 = 1
	PolygonChainID  uint64 = 137
)

var ethereumStatic = []Token{
	{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18, ChainID: EthereumChainID},
	{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Name: "USD Coin", Decimals: 6, ChainID: EthereumChainID},
	{Address: common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), Symbol: "USDT", Name: "Tether USD", Decimals: 6, ChainID: EthereumChainID},
	{Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Symbol: "DAI", Name: "Dai Stablecoin", Decimals: 18, ChainID: EthereumChainID},
	{Address: common.HexToAddress("0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599"), Symbol: "WBTC", Name: "Wrapped BTC", Decimals: 8, ChainID: EthereumChainID},
	{Address: common.HexToAddress("0x1f9840a85d5aF5bf1D1762F925BDADdC4201F984"), Symbol: "UNI", Name: "Uniswap", Decimals: 18, ChainID: EthereumChainID},
	{Address: common.HexToAddress("0x514910771AF9Ca656af840dff83E8264EcF986CA"), Symbol: "LINK", Name: "ChainLink Token", Decimals: 18, ChainID: EthereumChainID},
	{Address: common.HexToAddress("0x7Fc66500c84A76Ad7e9c93437bFc5Ac33E2DDaE9"), Symbol: "AAVE", Name: "Aave Token", Decimals: 18, ChainID: EthereumChainID},
}

var polygonStatic = []Token{
	{Address: common.HexToAddress("0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270"), Symbol: "WMATIC", Name: "Wrapped Matic", Decimals: 18, ChainID: PolygonChainID},
	{Address: common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"), Symbol: "USDC", Name: "USD Coin (PoS)", Decimals: 6, ChainID: PolygonChainID},
	{Address: common.HexToAddress("0xc2132D05D31c914a87C6611C10748AEb04B58e8F"), Symbol: "USDT", Name: "Tether USD (PoS)", Decimals: 6, ChainID: PolygonChainID},
	{Address: common.HexToAddress("0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063"), Symbol: "DAI", Name: "Dai Stablecoin (PoS)", Decimals: 18, ChainID: PolygonChainID},
	{Address: common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"), Symbol: "WETH", Name: "Wrapped Ether (PoS)", Decimals: 18, ChainID: PolygonChainID},
	{Address: common.HexToAddress("0x1BFD67037B42Cf73acF2047067bd4F2C47D9BfD6"), Symbol: "WBTC", Name: "Wrapped BTC (PoS)", Decimals: 8, ChainID: PolygonChainID},
}

// Static returns the configured token list for a chain. The slice is a copy.
func Static(chainID uint64) []Token {
	var src []Token
	switch chainID {
	case EthereumChainID:
		src = ethereumStatic
	case PolygonChainID:
		src = polygonStatic
	default:
		return nil
	}
	out := make([]Token, len(src))
	copy(out, src)
	return out
}

// BaseTokens returns the liquidity-hub tokens discovery probes against:
// USDC, USDT, DAI and WETH everywhere, plus WMATIC on Polygon.
func BaseTokens(chainID uint64) []Token {
	baseSymbols := map[string]struct{}{"USDC": {}, "USDT": {}, "DAI": {}, "WETH": {}}
	if chainID == PolygonChainID {
		baseSymbols["WMATIC"] = struct{}{}
	}
	var out []Token
	for _, t := range Static(chainID) {
		if _, ok := baseSymbols[t.Symbol]; ok {
			out = append(out, t)
		}
	}
	return out
}

// StableReference returns the stable token anchoring USD pricing on a chain.
func StableReference(chainID uint64) (Token, bool) {
	for _, t := range Static(chainID) {
		if t.Symbol == "USDC" {
			return t, true
		}
	}
	return Token{}, false
}
