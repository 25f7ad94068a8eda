package controller

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/defistate/defistate-aggregator-go/registry"
)

var (
	poolA = common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640")
	poolB = common.HexToAddress("0xA478c2975Ab1Ea89e8196811F51A7B7Ade33eB11")
)

func newTestController(t *testing.T) (*Controller, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c := New(DefaultIntervals(), slog.New(slog.NewTextHandler(os.Stderr, nil)), prometheus.NewRegistry())
	c.now = func() time.Time { return now }
	return c, &now
}

func metaFor(addr common.Address) registry.PoolMetadata {
	return registry.PoolMetadata{Address: addr, DexType: registry.DexV3, FeeTier: 500, Weight: 2}
}

func TestTrackIsIdempotent(t *testing.T) {
	c, now := newTestController(t)

	c.Track(1, metaFor(poolA))
	first, ok := c.Pool(1, poolA)
	require.True(t, ok)
	assert.Equal(t, TierNormal, first.Tier)
	assert.Equal(t, now.Add(10*time.Second), first.NextRefresh)

	// Re-tracking after state changed must not reset anything.
	c.RecordObservation(1, poolA, 100.0, 42)
	c.Track(1, metaFor(poolA))

	again, _ := c.Pool(1, poolA)
	assert.Equal(t, 100.0, again.LastPrice)
	assert.Equal(t, uint64(42), again.LastBlockSeen)
	assert.Equal(t, 1, c.Len())
}

func TestDueForRefresh(t *testing.T) {
	c, now := newTestController(t)
	c.Track(1, metaFor(poolB))
	c.Track(1, metaFor(poolA))

	assert.Empty(t, c.DueForRefresh(), "nothing due immediately after tracking")

	*now = now.Add(11 * time.Second)
	due := c.DueForRefresh()
	require.Len(t, due, 2)
	assert.Equal(t, poolA, due[0].Address, "due pools sorted by lowercase address")
	assert.Equal(t, poolB, due[1].Address)
}

func TestTierTransitions(t *testing.T) {
	t.Run("First Observation Keeps Tier", func(t *testing.T) {
		c, _ := newTestController(t)
		c.Track(1, metaFor(poolA))

		c.UpdateTier(1, poolA, 123.0)
		p, _ := c.Pool(1, poolA)
		assert.Equal(t, TierNormal, p.Tier)
	})

	t.Run("One Percent Move Promotes To High", func(t *testing.T) {
		c, now := newTestController(t)
		c.Track(1, metaFor(poolA))
		c.RecordObservation(1, poolA, 100.0, 1)

		c.UpdateTier(1, poolA, 101.0)
		p, _ := c.Pool(1, poolA)
		assert.Equal(t, TierHigh, p.Tier)
		assert.Equal(t, now.Add(5*time.Second), p.NextRefresh)
	})

	t.Run("Small Move Holds Normal", func(t *testing.T) {
		c, _ := newTestController(t)
		c.Track(1, metaFor(poolA))
		c.RecordObservation(1, poolA, 100.0, 1)

		c.UpdateTier(1, poolA, 100.2)
		p, _ := c.Pool(1, poolA)
		assert.Equal(t, TierNormal, p.Tier)
	})

	t.Run("Zero Price Keeps Tier", func(t *testing.T) {
		c, _ := newTestController(t)
		c.Track(1, metaFor(poolA))
		c.RecordObservation(1, poolA, 100.0, 1)

		// A drained pool reads as zero; that is not a 100% price move.
		c.UpdateTier(1, poolA, 0)
		p, _ := c.Pool(1, poolA)
		assert.Equal(t, TierNormal, p.Tier)

		// Same guard after a promotion: zero never drags the tier around.
		c.UpdateTier(1, poolA, 110.0)
		c.RecordObservation(1, poolA, 110.0, 2)
		c.UpdateTier(1, poolA, 0)
		p, _ = c.Pool(1, poolA)
		assert.Equal(t, TierHigh, p.Tier)
	})

	t.Run("Flat Price Demotes One Step At A Time", func(t *testing.T) {
		c, _ := newTestController(t)
		c.Track(1, metaFor(poolA))
		c.RecordObservation(1, poolA, 100.0, 1)

		// Force high first, then observe flat prices.
		c.UpdateTier(1, poolA, 110.0)
		c.RecordObservation(1, poolA, 110.0, 2)

		c.UpdateTier(1, poolA, 110.0)
		p, _ := c.Pool(1, poolA)
		assert.Equal(t, TierNormal, p.Tier, "high demotes to normal, never straight to low")

		c.UpdateTier(1, poolA, 110.0)
		p, _ = c.Pool(1, poolA)
		assert.Equal(t, TierLow, p.Tier)

		c.UpdateTier(1, poolA, 110.0)
		p, _ = c.Pool(1, poolA)
		assert.Equal(t, TierLow, p.Tier, "low is the floor")
	})
}

func TestDelayRetryLeavesTier(t *testing.T) {
	c, now := newTestController(t)
	c.Track(1, metaFor(poolA))
	c.RecordObservation(1, poolA, 100.0, 1)
	c.UpdateTier(1, poolA, 110.0) // high

	c.DelayRetry(1, poolA)
	p, _ := c.Pool(1, poolA)
	assert.Equal(t, TierHigh, p.Tier)
	assert.Equal(t, now.Add(5*time.Second), p.NextRefresh)
}

func TestAdvanceRefreshUsesTierInterval(t *testing.T) {
	c, now := newTestController(t)
	c.Track(1, metaFor(poolA))

	c.AdvanceRefresh(1, poolA)
	p, _ := c.Pool(1, poolA)
	assert.Equal(t, now.Add(10*time.Second), p.NextRefresh)
	assert.Equal(t, TierNormal, p.Tier)
}

func TestNoteRequest(t *testing.T) {
	c, now := newTestController(t)
	c.Track(1, metaFor(poolA))

	c.NoteRequest(1, poolA)
	c.NoteRequest(1, poolA)
	p, _ := c.Pool(1, poolA)
	assert.Equal(t, 2, p.RequestCount)
	assert.Equal(t, *now, p.LastRequestTime)
}
