package chains

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Logger defines a standard interface for structured, leveled logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var (
	// ErrChainNotSupported is returned when no adapter is registered for a chain.
	ErrChainNotSupported = errors.New("chain not supported")
	// ErrPoolNotFound is returned when an address does not host a readable pool.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrRPC wraps transport-level failures talking to a provider.
	ErrRPC = errors.New("rpc error")
)

// Call is a single sub-call inside a Multicall3 aggregate.
type Call struct {
	Target   common.Address
	CallData []byte
}

// PoolState is the result of a direct single-pool read.
// Reserve0/Reserve1 are set for V2 pools, SqrtPriceX96/Liquidity for V3.
// FeeTier is zero for V2 pools.
type PoolState struct {
	Token0       common.Address
	Token1       common.Address
	FeeTier      uint32
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int
	BlockNumber  uint64
}

// V3 reports whether the state came from a concentrated-liquidity pool.
func (s *PoolState) V3() bool {
	return s.FeeTier != 0
}

// Aggregator batches many view calls into one provider round-trip.
// A failed sub-call surfaces as an empty entry in the returned data slice;
// callers must tolerate them.
type Aggregator interface {
	Aggregate(ctx context.Context, calls []Call) (blockNumber uint64, returnData [][]byte, err error)
}

// Adapter is the capability set the freshness engine needs from a chain.
type Adapter interface {
	ChainName() string
	ChainID() uint64

	// ComputePoolAddress derives the deterministic pool address for a pair.
	// feeTier selects a V3 pool; feeTier == 0 selects the V2 pair.
	// ok is false when the chain has no venue for the requested kind.
	ComputePoolAddress(tokenA, tokenB common.Address, feeTier uint32) (addr common.Address, ok bool)

	// ReadPoolState performs a single read of a pool's current state.
	ReadPoolState(ctx context.Context, pool common.Address) (*PoolState, error)

	// Providers exposes the configured upstream endpoints. The multicall
	// engine distributes batches across them round-robin.
	Providers() []Aggregator
}
