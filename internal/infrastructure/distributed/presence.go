package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Member is one participant's presence entry in a room.
type Member struct {
	SessionID      domain.SessionID `json:"session_id"`
	PeerID         domain.PeerID    `json:"peer_id"`
	InstanceID     string           `json:"instance_id"`
	Tier           domain.TierName  `json:"tier"`
	ConnectedPeers int              `json:"connected_peers"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// PresenceRegistry advertises room membership in redis. Entries expire unless
// refreshed, so a crashed participant disappears after the TTL.
type PresenceRegistry struct {
	client     redisKV
	room       string
	instanceID string
	ttl        time.Duration
	logger     *zap.SugaredLogger
}

func NewPresenceRegistry(client redisKV, room, instanceID string, ttl time.Duration, logger *zap.SugaredLogger) *PresenceRegistry {
	return &PresenceRegistry{
		client:     client,
		room:       room,
		instanceID: instanceID,
		ttl:        ttl,
		logger:     logger,
	}
}

func (r *PresenceRegistry) Register(ctx context.Context, m Member) error {
	m.InstanceID = r.instanceID
	m.UpdatedAt = time.Now()

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}
	if err := r.client.Set(ctx, r.memberKey(m.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store member: %w", err)
	}
	if err := r.client.SAdd(ctx, r.membersKey(), string(m.SessionID)).Err(); err != nil {
		return fmt.Errorf("failed to index member: %w", err)
	}
	r.client.Expire(ctx, r.membersKey(), 2*r.ttl)
	return nil
}

func (r *PresenceRegistry) Unregister(ctx context.Context, sessionID domain.SessionID) error {
	return errors.Join(
		r.client.SRem(ctx, r.membersKey(), string(sessionID)).Err(),
		r.client.Del(ctx, r.memberKey(sessionID)).Err(),
	)
}

// Members lists live members sorted by peer ID, pruning index entries whose
// record has expired.
func (r *PresenceRegistry) Members(ctx context.Context) ([]Member, error) {
	ids, err := r.client.SMembers(ctx, r.membersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		data, err := r.client.Get(ctx, r.memberKey(domain.SessionID(id))).Result()
		if errors.Is(err, redis.Nil) {
			r.client.SRem(ctx, r.membersKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read member %s: %w", id, err)
		}

		var m Member
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			r.logger.Warnw("discarding malformed presence entry", "session_id", id, "error", err)
			continue
		}
		members = append(members, m)
	}

	sort.Slice(members, func(i, j int) bool { return members[i].PeerID < members[j].PeerID })
	return members, nil
}

// Heartbeat re-registers the member returned by current every interval until
// ctx is done, then unregisters it.
func (r *PresenceRegistry) Heartbeat(ctx context.Context, interval time.Duration, current func() Member) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	refresh := func() {
		if err := r.Register(ctx, current()); err != nil && ctx.Err() == nil {
			r.logger.Warnw("presence refresh failed", "room", r.room, "error", err)
		}
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := r.Unregister(cleanup, current().SessionID); err != nil {
				r.logger.Warnw("presence cleanup failed", "room", r.room, "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func (r *PresenceRegistry) memberKey(id domain.SessionID) string {
	return fmt.Sprintf("meshcall:room:%s:member:%s", r.room, id)
}

func (r *PresenceRegistry) membersKey() string {
	return fmt.Sprintf("meshcall:room:%s:members", r.room)
}
