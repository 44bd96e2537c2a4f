package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventsChannel is the pub/sub channel carrying a session's events.
func EventsChannel(sessionID domain.SessionID) string {
	return fmt.Sprintf("meshcall:session:%s:events", sessionID)
}

// Record is the JSON form of a session event on the bus.
type Record struct {
	Type         domain.EventType         `json:"type"`
	SessionID    domain.SessionID         `json:"session_id"`
	InstanceID   string                   `json:"instance_id"`
	Timestamp    time.Time                `json:"timestamp"`
	PeerID       domain.PeerID            `json:"peer_id,omitempty"`
	Tier         domain.TierName          `json:"tier,omitempty"`
	PreviousTier domain.TierName          `json:"previous_tier,omitempty"`
	Sample       *SampleRecord            `json:"sample,omitempty"`
	LocalStream  *domain.LocalStreamInfo  `json:"local_stream,omitempty"`
	RemoteStream *domain.RemoteStreamInfo `json:"remote_stream,omitempty"`
	Payload      []byte                   `json:"payload,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

type SampleRecord struct {
	ThroughputKbps float64               `json:"throughput_kbps"`
	RTTMillis      int64                 `json:"rtt_ms"`
	PacketLoss     float64               `json:"packet_loss"`
	Source         domain.EstimateSource `json:"source"`
}

func NewRecord(ev domain.Event, instanceID string) Record {
	r := Record{
		Type:         ev.Type,
		SessionID:    ev.SessionID,
		InstanceID:   instanceID,
		Timestamp:    ev.Timestamp,
		PeerID:       ev.PeerID,
		LocalStream:  ev.LocalStream,
		RemoteStream: ev.RemoteStream,
		Payload:      ev.Payload,
	}
	if ev.Tier != nil {
		r.Tier = ev.Tier.Name
	}
	if ev.PreviousTier != nil {
		r.PreviousTier = ev.PreviousTier.Name
	}
	if ev.Sample != nil {
		r.Sample = &SampleRecord{
			ThroughputKbps: ev.Sample.Throughput,
			RTTMillis:      ev.Sample.Latency.Milliseconds(),
			PacketLoss:     ev.Sample.PacketLoss,
			Source:         ev.Sample.Source,
		}
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	return r
}

type redisPubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// EventBus republishes session events to redis. Observe never blocks the
// session; events beyond the queue capacity are dropped and counted.
type EventBus struct {
	client     redisPubSub
	channel    string
	instanceID string
	timeout    time.Duration
	logger     *zap.SugaredLogger

	queue     chan Record
	mu        sync.Mutex
	dropped   uint64
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

type EventBusConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{QueueSize: 256, PublishTimeout: 2 * time.Second}
}

func NewEventBus(
	client redisPubSub,
	sessionID domain.SessionID,
	instanceID string,
	config EventBusConfig,
	logger *zap.SugaredLogger,
) *EventBus {
	eb := &EventBus{
		client:     client,
		channel:    EventsChannel(sessionID),
		instanceID: instanceID,
		timeout:    config.PublishTimeout,
		logger:     logger,
		queue:      make(chan Record, config.QueueSize),
		done:       make(chan struct{}),
	}
	go eb.publishLoop()
	return eb
}

func (eb *EventBus) Channel() string { return eb.channel }

// Observe queues ev for publishing.
func (eb *EventBus) Observe(ev domain.Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}

	select {
	case eb.queue <- NewRecord(ev, eb.instanceID):
	default:
		eb.dropped++
		if eb.dropped == 1 || eb.dropped%100 == 0 {
			eb.logger.Warnw("event bus queue full, dropping events", "dropped", eb.dropped)
		}
	}
}

func (eb *EventBus) Dropped() uint64 {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return eb.dropped
}

func (eb *EventBus) publishLoop() {
	defer close(eb.done)
	for rec := range eb.queue {
		ctx, cancel := context.WithTimeout(context.Background(), eb.timeout)
		if err := eb.Publish(ctx, rec); err != nil {
			eb.logger.Warnw("failed to publish event", "type", rec.Type, "error", err)
		}
		cancel()
	}
}

func (eb *EventBus) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", rec.Type,
		"peer_id", rec.PeerID,
		"session_id", rec.SessionID,
	)
	return nil
}

// Subscribe delivers records published by other instances until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(Record)) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rec, err := eb.decode(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if rec.InstanceID == eb.instanceID {
				continue
			}
			handler(rec)
		}
	}
}

func (eb *EventBus) decode(payload string) (Record, error) {
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Close stops accepting events and waits until the queue is flushed.
func (eb *EventBus) Close() error {
	eb.closeOnce.Do(func() {
		eb.mu.Lock()
		eb.closed = true
		close(eb.queue)
		eb.mu.Unlock()
	})
	<-eb.done
	return nil
}
