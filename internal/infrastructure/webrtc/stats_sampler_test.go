package webrtc

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStatsSampler_ForwardsSamplesAndSkipsErrors(t *testing.T) {
	var calls atomic.Int32
	source := func() (domain.BandwidthSample, error) {
		n := calls.Add(1)
		if n%2 == 0 {
			return domain.BandwidthSample{}, errors.New("no estimate")
		}
		return domain.BandwidthSample{Throughput: float64(n)}, nil
	}

	var mu sync.Mutex
	var got []float64
	sink := func(s domain.BandwidthSample) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s.Throughput)
	}

	s := NewStatsSampler(5*time.Millisecond, source, sink, zap.NewNop().Sugar())
	s.Start()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, time.Millisecond)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, v := range got {
		assert.Equal(t, 1, int(v)%2, "failed cycles are not forwarded")
	}
}

func TestStatsSampler_NoSinkCallAfterStop(t *testing.T) {
	var afterStop atomic.Bool
	var stopped atomic.Bool
	sink := func(domain.BandwidthSample) {
		if stopped.Load() {
			afterStop.Store(true)
		}
	}
	source := func() (domain.BandwidthSample, error) {
		return domain.BandwidthSample{Throughput: 1}, nil
	}

	s := NewStatsSampler(time.Millisecond, source, sink, zap.NewNop().Sugar())
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	stopped.Store(true)
	time.Sleep(20 * time.Millisecond)

	assert.False(t, afterStop.Load())
}

func TestStatsSampler_StopIsIdempotentAndStartAfterStopIsNoop(t *testing.T) {
	var calls atomic.Int32
	source := func() (domain.BandwidthSample, error) {
		calls.Add(1)
		return domain.BandwidthSample{}, nil
	}

	s := NewStatsSampler(time.Millisecond, source, func(domain.BandwidthSample) {}, zap.NewNop().Sugar())
	s.Stop()
	s.Stop()
	s.Start()
	time.Sleep(10 * time.Millisecond)

	assert.Zero(t, calls.Load())
}

func TestNewStatsSampler_DefaultInterval(t *testing.T) {
	s := NewStatsSampler(0, nil, nil, zap.NewNop().Sugar())
	assert.Equal(t, DefaultStatsInterval, s.interval)
}
