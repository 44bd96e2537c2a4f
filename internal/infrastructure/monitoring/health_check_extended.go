package monitoring

import (
	"context"
	"time"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck pings the event publisher's redis.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddSessionCheck fails while peers exist but none is connected, or when the
// worst-link sample is older than staleAfter.
func (h *HealthChecker) AddSessionCheck(stats func() domain.SessionStats, staleAfter time.Duration, interval time.Duration) {
	h.AddCheck("session", func(ctx context.Context) error {
		s := stats()
		if s.TotalPeers > 0 && s.ConnectedPeers == 0 {
			return errUnhealthy("session", "no connected peers")
		}
		if staleAfter > 0 && s.WorstLink != nil && time.Since(s.WorstLink.Timestamp) > staleAfter {
			return errUnhealthy("session", "stats stale")
		}
		return nil
	}, interval, 0)
}
