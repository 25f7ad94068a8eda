// Package multicall coalesces per-pool state reads into chain-level
// round-trips. Due pools are packed into weight-bounded batches which are
// dispatched round-robin across the configured providers and executed
// concurrently; results are joined preserving pool-input order.
package multicall

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/defistate/defistate-aggregator-go/chains"
	"github.com/defistate/defistate-aggregator-go/controller"
	"github.com/defistate/defistate-aggregator-go/registry"
)

// DefaultMaxBatchWeight bounds the summed pool weight per aggregate call.
const DefaultMaxBatchWeight = 200

// Result is the per-pool outcome of an executed batch. On failure Success is
// false and the data fields are nil; a whole-batch transport failure also
// zeroes BlockNumber.
type Result struct {
	PoolAddress  common.Address
	Success      bool
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Reserve0     *big.Int
	Reserve1     *big.Int
	BlockNumber  uint64
}

// Batch is a weight-bounded group of pools destined for one aggregate call.
type Batch struct {
	Pools  []registry.PoolMetadata
	Weight int
}

// Engine is stateless between calls and safe for concurrent use.
type Engine struct {
	maxBatchWeight int
	timeout        time.Duration
	logger         chains.Logger
}

// NewEngine creates an engine. maxBatchWeight <= 0 selects the default.
func NewEngine(maxBatchWeight int, timeout time.Duration, logger chains.Logger) *Engine {
	if maxBatchWeight <= 0 {
		maxBatchWeight = DefaultMaxBatchWeight
	}
	return &Engine{maxBatchWeight: maxBatchWeight, timeout: timeout, logger: logger}
}

// CreateBatches resolves due pools against the registry and packs them into
// batches in input order. Pools missing from the registry or carrying the
// zero address are filtered out. A single pool whose weight alone exceeds
// the bound still gets its own batch.
func (e *Engine) CreateBatches(due []controller.AlivePool, reg *registry.PoolRegistry) []Batch {
	var batches []Batch
	var current Batch

	for _, alive := range due {
		if alive.Address == (common.Address{}) {
			continue
		}
		meta, ok := reg.Pool(alive.Address)
		if !ok {
			e.logger.Debug("Due pool missing from registry, skipping", "pool", alive.Address)
			continue
		}
		if meta.Weight == 0 {
			meta.Weight = meta.DexType.Weight()
		}

		if current.Weight > 0 && current.Weight+meta.Weight > e.maxBatchWeight {
			batches = append(batches, current)
			current = Batch{}
		}
		current.Pools = append(current.Pools, meta)
		current.Weight += meta.Weight
	}
	if current.Weight > 0 {
		batches = append(batches, current)
	}
	return batches
}

// ExecuteBatches runs all batches concurrently, assigning batch i to
// providers[i mod N]. A failed aggregate marks every pool in that batch
// failed without aborting sibling batches.
func (e *Engine) ExecuteBatches(ctx context.Context, batches []Batch, providers []chains.Aggregator) []Result {
	if len(batches) == 0 || len(providers) == 0 {
		return nil
	}

	perBatch := make([][]Result, len(batches))
	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch Batch, provider chains.Aggregator) {
			defer wg.Done()
			perBatch[i] = e.executeBatch(ctx, batch, provider)
		}(i, batch, providers[i%len(providers)])
	}
	wg.Wait()

	var results []Result
	for _, rs := range perBatch {
		results = append(results, rs...)
	}
	return results
}

func (e *Engine) executeBatch(ctx context.Context, batch Batch, provider chains.Aggregator) []Result {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var calls []chains.Call
	for _, meta := range batch.Pools {
		calls = append(calls, callsFor(meta)...)
	}

	blockNumber, returnData, err := provider.Aggregate(ctx, calls)
	if err != nil || len(returnData) != len(calls) {
		if err != nil {
			e.logger.Warn("Aggregate failed, marking batch failed", "pools", len(batch.Pools), "err", err)
		} else {
			e.logger.Warn("Aggregate returned short data, marking batch failed", "want", len(calls), "got", len(returnData))
		}
		failed := make([]Result, len(batch.Pools))
		for i, meta := range batch.Pools {
			failed[i] = Result{PoolAddress: meta.Address}
		}
		return failed
	}

	results := make([]Result, len(batch.Pools))
	offset := 0
	for i, meta := range batch.Pools {
		n := subCallCount(meta)
		results[i] = decodePool(meta, blockNumber, returnData[offset:offset+n])
		offset += n
	}
	return results
}
