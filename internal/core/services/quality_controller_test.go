package services

import (
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []TierChange
	times   []time.Time
	clock   Clock
}

func (r *changeRecorder) record(c TierChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	if r.clock != nil {
		r.times = append(r.times, r.clock.Now())
	}
}

func (r *changeRecorder) all() []TierChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TierChange, len(r.changes))
	copy(out, r.changes)
	return out
}

func mustTier(t *testing.T, name domain.TierName) domain.QualityTier {
	t.Helper()
	tier, err := domain.TierByName(name)
	require.NoError(t, err)
	return tier
}

func newTestController(t *testing.T, clock *fakeClock, initial domain.TierName) (*QualityController, *changeRecorder) {
	t.Helper()
	qc := NewQualityController(QualityControllerConfig{
		InitialTier: mustTier(t, initial),
		Clock:       clock,
	}, zap.NewNop().Sugar())
	rec := &changeRecorder{clock: clock}
	qc.OnTierChange(rec.record)
	return qc, rec
}

func TestQualityController_SustainedHighBandwidthSelectsHigh(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierMedium)

	for i := 0; i < 10; i++ {
		qc.RecordSample(2500)
	}

	clock.Advance(1999 * time.Millisecond)
	assert.Empty(t, rec.all(), "no evaluation before the debounce interval elapses")

	clock.Advance(time.Millisecond)
	changes := rec.all()
	require.Len(t, changes, 1)
	assert.Equal(t, domain.TierHigh, changes[0].To.Name)
	assert.Equal(t, domain.TierMedium, changes[0].From.Name)
	assert.False(t, changes[0].Manual)
	assert.InDelta(t, 2500, changes[0].Estimate, 0.001)
	assert.Equal(t, domain.TierHigh, qc.GetCurrentTier().Name)
}

func TestQualityController_LowBandwidthSelectsAudioOnly(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierHigh)

	for i := 0; i < 5; i++ {
		qc.RecordSample(100)
	}
	clock.Advance(DefaultDebounce)

	changes := rec.all()
	require.Len(t, changes, 1)
	assert.Equal(t, domain.TierAudioOnly, changes[0].To.Name)
	assert.Equal(t, domain.AudioOnlyTier(), qc.GetCurrentTier())
}

func TestQualityController_NoEventWhenSelectionUnchanged(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierHigh)

	qc.RecordSample(2500)
	clock.Advance(DefaultDebounce)

	assert.Empty(t, rec.all())
	estimate, size := qc.Estimate()
	assert.InDelta(t, 2500, estimate, 0.001)
	assert.Equal(t, 1, size)
}

func TestQualityController_SupersedesPendingEvaluation(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierHigh)

	// A steady stream of samples faster than the debounce keeps postponing
	// the decision.
	for i := 0; i < 20; i++ {
		qc.RecordSample(100)
		clock.Advance(500 * time.Millisecond)
	}
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(1500 * time.Millisecond)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, 0, clock.Pending())
}

func TestQualityController_AtMostOneChangePerDebounceInterval(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierHigh)

	// Alternate between very rich and very poor readings with varying gaps.
	gaps := []time.Duration{100, 2100, 300, 2500, 1999, 2000, 50, 4000, 2001, 10, 3000}
	for i := 0; i < 60; i++ {
		if (i/3)%2 == 0 {
			qc.RecordSample(5000)
		} else {
			qc.RecordSample(50)
		}
		clock.Advance(gaps[i%len(gaps)] * time.Millisecond)
	}
	clock.Advance(10 * time.Second)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.times)
	for i := 1; i < len(rec.times); i++ {
		assert.GreaterOrEqual(t, rec.times[i].Sub(rec.times[i-1]), DefaultDebounce)
	}
}

func TestQualityController_WindowDropsOldest(t *testing.T) {
	clock := newFakeClock()
	qc := NewQualityController(QualityControllerConfig{
		WindowSize:  3,
		InitialTier: mustTier(t, domain.TierLow),
		Clock:       clock,
	}, zap.NewNop().Sugar())

	for _, v := range []float64{100, 100, 100, 3000, 3000, 3000} {
		qc.RecordSample(v)
	}
	clock.Advance(DefaultDebounce)

	estimate, size := qc.Estimate()
	assert.Equal(t, 3, size)
	assert.InDelta(t, 3000, estimate, 0.001)
	assert.Equal(t, domain.TierRichest, qc.GetCurrentTier().Name)
}

func TestQualityController_SetQualityIsImmediate(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierHigh)

	low := mustTier(t, domain.TierLow)
	qc.SetQuality(low)

	assert.Equal(t, low, qc.GetCurrentTier())
	changes := rec.all()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Manual)
	assert.Equal(t, domain.TierLow, changes[0].To.Name)
}

func TestQualityController_ManualChoiceRevertedByAutomaticEvaluation(t *testing.T) {
	clock := newFakeClock()
	qc, _ := newTestController(t, clock, domain.TierHigh)

	qc.RecordSample(2500)
	qc.SetQuality(mustTier(t, domain.TierLow))
	clock.Advance(DefaultDebounce)

	assert.Equal(t, domain.TierHigh, qc.GetCurrentTier().Name)
}

func TestQualityController_PinSuppressesAutomaticCommits(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierHigh)

	qc.SetQuality(mustTier(t, domain.TierLow))
	qc.SetPinned(true)
	assert.True(t, qc.Pinned())

	qc.RecordSample(2500)
	clock.Advance(DefaultDebounce)
	assert.Equal(t, domain.TierLow, qc.GetCurrentTier().Name)
	assert.Len(t, rec.all(), 1)

	estimate, _ := qc.Estimate()
	assert.InDelta(t, 2500, estimate, 0.001, "estimate is still tracked while pinned")

	qc.SetPinned(false)
	qc.RecordSample(2500)
	clock.Advance(DefaultDebounce)
	assert.Equal(t, domain.TierHigh, qc.GetCurrentTier().Name)
}

func TestQualityController_StopCancelsPendingEvaluation(t *testing.T) {
	clock := newFakeClock()
	qc, rec := newTestController(t, clock, domain.TierHigh)

	qc.RecordSample(100)
	qc.Stop()
	clock.Advance(DefaultDebounce)

	assert.Empty(t, rec.all())
	assert.Equal(t, 0, clock.Pending())

	qc.RecordSample(100)
	assert.Equal(t, 0, clock.Pending())
}

func TestQualityController_ListenerMayReadCurrentTier(t *testing.T) {
	clock := newFakeClock()
	qc := NewQualityController(QualityControllerConfig{
		InitialTier: mustTier(t, domain.TierHigh),
		Clock:       clock,
	}, zap.NewNop().Sugar())

	var seen domain.TierName
	qc.OnTierChange(func(c TierChange) {
		seen = qc.GetCurrentTier().Name
	})

	qc.RecordSample(100)
	clock.Advance(DefaultDebounce)
	assert.Equal(t, domain.TierAudioOnly, seen)
}

func TestQualityController_RealClockDebounce(t *testing.T) {
	qc := NewQualityController(QualityControllerConfig{
		Debounce:    20 * time.Millisecond,
		InitialTier: mustTier(t, domain.TierHigh),
	}, zap.NewNop().Sugar())
	defer qc.Stop()

	done := make(chan TierChange, 1)
	qc.OnTierChange(func(c TierChange) { done <- c })

	qc.RecordSample(100)
	select {
	case c := <-done:
		assert.Equal(t, domain.TierAudioOnly, c.To.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("debounced evaluation did not fire")
	}
}
