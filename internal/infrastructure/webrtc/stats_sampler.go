package webrtc

import (
	"sync"
	"time"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

const DefaultStatsInterval = 5 * time.Second

// StatsSource produces one bandwidth reading. An error skips the cycle.
type StatsSource func() (domain.BandwidthSample, error)

// StatsSampler polls a StatsSource on a fixed interval and forwards
// successful readings to a sink.
type StatsSampler struct {
	interval time.Duration
	source   StatsSource
	sink     func(domain.BandwidthSample)
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

func NewStatsSampler(interval time.Duration, source StatsSource, sink func(domain.BandwidthSample), logger *zap.SugaredLogger) *StatsSampler {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	return &StatsSampler{
		interval: interval,
		source:   source,
		sink:     sink,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling goroutine. It is a no-op once started or
// stopped.
func (s *StatsSampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

func (s *StatsSampler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}

		// Stop may have raced with the tick.
		select {
		case <-s.stop:
			return
		default:
		}

		sample, err := s.source()
		if err != nil {
			s.logger.Debugw("stats sample skipped", "error", err)
			continue
		}
		s.sink(sample)
	}
}

// Stop halts polling and returns after the goroutine has exited, so no sink
// call happens afterwards. The sink must not call Stop.
func (s *StatsSampler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	if started {
		<-s.done
	}
}
