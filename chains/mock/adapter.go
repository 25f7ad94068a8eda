// Package mock implements the chain adapter contract without any network
// access. Fresh adapters expose no pools at all, so the service runs end to
// end with empty snapshots; tests seed fixtures to exercise the full refresh
// path deterministically.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/defistate/defistate-aggregator-go/chains"
)

// Canonical pool view selectors, shared with the real contracts.
var (
	slot0Selector       = []byte{0x38, 0x50, 0xc7, 0xbd}
	liquiditySelector   = []byte{0x1a, 0x68, 0x65, 0x02}
	getReservesSelector = []byte{0x09, 0x02, 0xf1, 0xac}
	token0Selector      = []byte{0x0d, 0xfe, 0x16, 0x81}
	token1Selector      = []byte{0xd2, 0x12, 0x20, 0xa7}
	feeSelector         = []byte{0xdd, 0xca, 0x3f, 0x43}
)

// PoolFixture seeds one synthetic pool. FeeTier == 0 makes it a pair with
// reserves; anything else makes it a concentrated-liquidity pool. Token0 must
// sort below Token1 bytewise, matching the on-chain ordering the price math
// assumes.
type PoolFixture struct {
	Token0       common.Address
	Token1       common.Address
	FeeTier      uint32
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int
}

// Adapter is an in-memory chain. The block number advances by one on every
// aggregate, so refresh logic that compares blocks sees steady progress.
type Adapter struct {
	name    string
	chainID uint64
	logger  chains.Logger

	mu    sync.Mutex
	pools map[common.Address]PoolFixture
	block uint64
}

// New creates an empty mock chain starting at block 1000.
func New(name string, chainID uint64, logger chains.Logger) *Adapter {
	return &Adapter{
		name:    name,
		chainID: chainID,
		logger:  logger,
		pools:   make(map[common.Address]PoolFixture),
		block:   1000,
	}
}

func (a *Adapter) ChainName() string { return a.name }
func (a *Adapter) ChainID() uint64   { return a.chainID }

// SeedPool registers a fixture at its deterministic address and returns that
// address so tests can track it.
func (a *Adapter) SeedPool(f PoolFixture) common.Address {
	addr := PoolAddress(a.chainID, f.Token0, f.Token1, f.FeeTier)
	a.mu.Lock()
	a.pools[addr] = f
	a.mu.Unlock()
	return addr
}

// PoolAddress derives the fixture address the same way for seeding and lookup:
// a keccak over the sorted pair, fee and chain id.
func PoolAddress(chainID uint64, tokenA, tokenB common.Address, feeTier uint32) common.Address {
	t0, t1 := tokenA, tokenB
	if bytes.Compare(t0.Bytes(), t1.Bytes()) > 0 {
		t0, t1 = t1, t0
	}
	seed := fmt.Sprintf("%d:%s:%s:%d", chainID, t0.Hex(), t1.Hex(), feeTier)
	return common.BytesToAddress(crypto.Keccak256([]byte(seed))[12:])
}

// ComputePoolAddress reports a pool only when a fixture for the pair exists.
// An unseeded adapter therefore discovers nothing, which is the default
// behavior when running without provider credentials.
func (a *Adapter) ComputePoolAddress(tokenA, tokenB common.Address, feeTier uint32) (common.Address, bool) {
	addr := PoolAddress(a.chainID, tokenA, tokenB, feeTier)
	a.mu.Lock()
	_, ok := a.pools[addr]
	a.mu.Unlock()
	if !ok {
		return common.Address{}, false
	}
	return addr, true
}

// ReadPoolState serves the fixture behind addr, advancing the block.
func (a *Adapter) ReadPoolState(_ context.Context, pool common.Address) (*chains.PoolState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.pools[pool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chains.ErrPoolNotFound, pool)
	}
	a.block++

	return &chains.PoolState{
		Token0:       f.Token0,
		Token1:       f.Token1,
		FeeTier:      f.FeeTier,
		SqrtPriceX96: f.SqrtPriceX96,
		Liquidity:    f.Liquidity,
		Reserve0:     f.Reserve0,
		Reserve1:     f.Reserve1,
		BlockNumber:  a.block,
	}, nil
}

// Providers returns a single in-process aggregator.
func (a *Adapter) Providers() []chains.Aggregator {
	return []chains.Aggregator{&provider{adapter: a}}
}

type provider struct {
	adapter *Adapter
}

// Aggregate answers each sub-call from the seeded fixtures. Unknown targets
// and selectors yield empty return data, mirroring a failed sub-call on the
// real multicall contract.
func (p *provider) Aggregate(_ context.Context, calls []chains.Call) (uint64, [][]byte, error) {
	a := p.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	a.block++

	out := make([][]byte, len(calls))
	for i, call := range calls {
		f, ok := a.pools[call.Target]
		if !ok {
			continue
		}
		out[i] = answer(f, call.CallData)
	}
	return a.block, out, nil
}

func answer(f PoolFixture, selector []byte) []byte {
	word := func(v *big.Int) []byte {
		if v == nil {
			return nil
		}
		return common.LeftPadBytes(v.Bytes(), 32)
	}

	switch {
	case bytes.Equal(selector, token0Selector):
		return common.LeftPadBytes(f.Token0.Bytes(), 32)
	case bytes.Equal(selector, token1Selector):
		return common.LeftPadBytes(f.Token1.Bytes(), 32)
	case bytes.Equal(selector, feeSelector):
		if f.FeeTier == 0 {
			return nil
		}
		return common.LeftPadBytes(new(big.Int).SetUint64(uint64(f.FeeTier)).Bytes(), 32)
	case bytes.Equal(selector, slot0Selector):
		if f.FeeTier == 0 {
			return nil
		}
		data := make([]byte, 224)
		copy(data[0:32], word(f.SqrtPriceX96))
		return data
	case bytes.Equal(selector, liquiditySelector):
		if f.FeeTier == 0 {
			return nil
		}
		return word(f.Liquidity)
	case bytes.Equal(selector, getReservesSelector):
		if f.FeeTier != 0 {
			return nil
		}
		data := make([]byte, 96)
		copy(data[0:32], word(f.Reserve0))
		copy(data[32:64], word(f.Reserve1))
		return data
	}
	return nil
}
