// Package evm implements the chain adapter against EVM JSON-RPC endpoints.
// All batched reads go through the canonical Multicall3 deployment; pool
// addresses are derived deterministically (CREATE2) so discovery never needs
// an indexer.
package evm

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/defistate/defistate-aggregator-go/chains"
)

// Adapter talks to one chain through one or more JSON-RPC providers.
type Adapter struct {
	spec    Spec
	logger  chains.Logger
	clients []*rpc.Client
	next    atomic.Uint64
}

// Dial connects to every provider URL. At least one URL is required; a
// failing endpoint fails the whole dial so misconfiguration is caught at
// startup rather than during the first tick.
func Dial(ctx context.Context, spec Spec, urls []string, logger chains.Logger) (*Adapter, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("evm: no provider urls for chain %s", spec.Name)
	}

	clients := make([]*rpc.Client, 0, len(urls))
	for _, url := range urls {
		client, err := rpc.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("evm: dialing %s provider: %w", spec.Name, err)
		}
		clients = append(clients, client)
	}

	logger.Info("Chain adapter connected", "chain", spec.Name, "providers", len(clients))
	return &Adapter{spec: spec, logger: logger, clients: clients}, nil
}

// Close releases all provider connections.
func (a *Adapter) Close() {
	for _, c := range a.clients {
		c.Close()
	}
}

func (a *Adapter) ChainName() string { return a.spec.Name }
func (a *Adapter) ChainID() uint64   { return a.spec.ChainID }

// Providers exposes one Aggregator per configured endpoint.
func (a *Adapter) Providers() []chains.Aggregator {
	out := make([]chains.Aggregator, len(a.clients))
	for i, c := range a.clients {
		out[i] = &provider{client: c, logger: a.logger}
	}
	return out
}

// ComputePoolAddress derives the pool address for the sorted pair.
// feeTier > 0 derives the Uniswap V3 pool via CREATE2; feeTier == 0 derives
// the V2 pair from the factory salt scheme.
func (a *Adapter) ComputePoolAddress(tokenA, tokenB common.Address, feeTier uint32) (common.Address, bool) {
	if tokenA == tokenB || tokenA == (common.Address{}) || tokenB == (common.Address{}) {
		return common.Address{}, false
	}

	token0, token1 := tokenA, tokenB
	if bytes.Compare(token0.Bytes(), token1.Bytes()) > 0 {
		token0, token1 = token1, token0
	}

	if feeTier > 0 {
		// salt = keccak256(abi.encode(token0, token1, fee))
		var encoded []byte
		encoded = append(encoded, common.LeftPadBytes(token0.Bytes(), 32)...)
		encoded = append(encoded, common.LeftPadBytes(token1.Bytes(), 32)...)
		encoded = append(encoded, common.LeftPadBytes(new(big.Int).SetUint64(uint64(feeTier)).Bytes(), 32)...)
		var salt [32]byte
		copy(salt[:], crypto.Keccak256(encoded))
		return crypto.CreateAddress2(a.spec.V3Factory, salt, a.spec.V3InitCodeHash.Bytes()), true
	}

	// V2: salt = keccak256(token0 ++ token1), packed.
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(append(token0.Bytes(), token1.Bytes()...)))
	return crypto.CreateAddress2(a.spec.V2Factory, salt, a.spec.V2InitCodeHash.Bytes()), true
}

// ReadPoolState reads one pool's current state in a single aggregate,
// probing both the V3 and V2 view surfaces and keeping whichever answered.
func (a *Adapter) ReadPoolState(ctx context.Context, pool common.Address) (*chains.PoolState, error) {
	providers := a.Providers()
	provider := providers[a.next.Add(1)%uint64(len(providers))]

	calls := []chains.Call{
		{Target: pool, CallData: token0Payload},
		{Target: pool, CallData: token1Payload},
		{Target: pool, CallData: feePayload},
		{Target: pool, CallData: slot0Payload},
		{Target: pool, CallData: liquidityPayload},
		{Target: pool, CallData: getReservesPayload},
	}

	block, returnData, err := provider.Aggregate(ctx, calls)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pool %s: %v", chains.ErrRPC, pool, err)
	}
	if len(returnData) != len(calls) {
		return nil, fmt.Errorf("%w: reading pool %s: short multicall response", chains.ErrRPC, pool)
	}

	token0, ok0 := wordAddress(returnData[0])
	token1, ok1 := wordAddress(returnData[1])
	if !ok0 || !ok1 {
		return nil, fmt.Errorf("%w: %s", chains.ErrPoolNotFound, pool)
	}

	state := &chains.PoolState{Token0: token0, Token1: token1, BlockNumber: block}

	if fee, ok := wordUint(returnData[2]); ok && len(returnData[3]) >= 32 {
		// V3 surface answered.
		state.FeeTier = uint32(fee.Uint64())
		state.SqrtPriceX96, _ = wordBig(returnData[3], 0)
		state.Liquidity, _ = wordBig(returnData[4], 0)
		return state, nil
	}

	reserve0, okR0 := wordBig(returnData[5], 0)
	reserve1, okR1 := wordBig(returnData[5], 1)
	if !okR0 || !okR1 {
		return nil, fmt.Errorf("%w: %s", chains.ErrPoolNotFound, pool)
	}
	state.Reserve0 = reserve0
	state.Reserve1 = reserve1
	return state, nil
}

// provider is one endpoint's Aggregator view.
type provider struct {
	client *rpc.Client
	logger chains.Logger
}

// Aggregate issues Multicall3 tryBlockAndAggregate(false, calls) so failed
// sub-calls surface as empty return-data entries instead of reverting the
// whole batch.
func (p *provider) Aggregate(ctx context.Context, calls []chains.Call) (uint64, [][]byte, error) {
	packed := make([]multicallCall, len(calls))
	for i, c := range calls {
		packed[i] = multicallCall{Target: c.Target, CallData: c.CallData}
	}

	payload, err := multicall3ABI.Pack("tryBlockAndAggregate", false, packed)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: packing aggregate: %v", chains.ErrRPC, err)
	}

	var raw hexutil.Bytes
	arg := map[string]any{
		"to":   Multicall3Address,
		"data": hexutil.Bytes(payload),
	}
	if err := p.client.CallContext(ctx, &raw, "eth_call", arg, "latest"); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", chains.ErrRPC, err)
	}

	var out multicallOutput
	if err := multicall3ABI.UnpackIntoInterface(&out, "tryBlockAndAggregate", raw); err != nil {
		return 0, nil, fmt.Errorf("%w: decoding aggregate: %v", chains.ErrRPC, err)
	}

	returnData := make([][]byte, len(out.ReturnData))
	for i, r := range out.ReturnData {
		if r.Success {
			returnData[i] = r.ReturnData
		}
	}
	return out.BlockNumber.Uint64(), returnData, nil
}

// wordBig extracts the i-th 32-byte return word.
func wordBig(data []byte, i int) (*big.Int, bool) {
	if len(data) < (i+1)*32 {
		return nil, false
	}
	return new(uint256.Int).SetBytes(data[i*32 : (i+1)*32]).ToBig(), true
}

// wordAddress extracts an address from the first return word.
func wordAddress(data []byte) (common.Address, bool) {
	if len(data) < 32 {
		return common.Address{}, false
	}
	return common.BytesToAddress(data[12:32]), true
}

// wordUint extracts the first return word, failing on empty data.
func wordUint(data []byte) (*big.Int, bool) {
	return wordBig(data, 0)
}
