package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddCheck("ok", func(context.Context) error { return nil }, 0, time.Second)
	h.AddCheck("broken", func(context.Context) error { return errors.New("boom") }, 0, time.Second)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.False(t, status.Healthy())
	assert.Equal(t, "healthy", status.Checks["ok"])
	assert.Equal(t, "boom", status.Checks["broken"])
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
	assert.Equal(t, []string{"broken", "ok", "slow"}, h.Names())
}

func TestHealthChecker_SessionCheck(t *testing.T) {
	stats := domain.SessionStats{}
	h := NewHealthChecker(zap.NewNop().Sugar())
	h.AddSessionCheck(func() domain.SessionStats { return stats }, time.Minute, 0)

	assert.True(t, h.CheckAll(context.Background()).Healthy())

	stats.TotalPeers = 2
	assert.Equal(t, "session: no connected peers", h.CheckAll(context.Background()).Checks["session"])

	stats.ConnectedPeers = 1
	stats.WorstLink = &domain.BandwidthSample{Timestamp: time.Now().Add(-2 * time.Minute)}
	assert.Equal(t, "session: stats stale", h.CheckAll(context.Background()).Checks["session"])

	stats.WorstLink.Timestamp = time.Now()
	assert.True(t, h.CheckAll(context.Background()).Healthy())
}
