package services

import (
	"sync"
	"time"

	"meshcall/internal/core/domain"

	"go.uber.org/zap"
)

const (
	DefaultDebounce     = 2000 * time.Millisecond
	DefaultSampleWindow = 10
	// SafetyMargin scales the smoothed estimate before tier selection.
	SafetyMargin = domain.SafetyMargin
)

// TierChange is delivered to the controller's listener on every commit.
type TierChange struct {
	From   domain.QualityTier
	To     domain.QualityTier
	Manual bool
	// Estimate is the smoothed bandwidth (kbps) behind an automatic change.
	Estimate float64
}

// QualityControllerConfig tunes the control loop.
type QualityControllerConfig struct {
	Debounce    time.Duration
	WindowSize  int
	InitialTier domain.QualityTier
	Clock       Clock
}

// QualityController turns bandwidth samples into tier decisions. Samples are
// smoothed over a bounded window and evaluated only after the input has been
// quiet for the debounce interval, so a burst of reports yields at most one
// commit.
type QualityController struct {
	debounce   time.Duration
	windowSize int
	clock      Clock
	logger     *zap.SugaredLogger

	mu         sync.Mutex
	window     []float64
	timer      Timer
	generation uint64
	estimate   float64
	pinned     bool
	stopped    bool

	// commitMu serializes commits together with listener delivery so tier
	// changes are totally ordered. tierMu guards current and listener only.
	commitMu sync.Mutex
	tierMu   sync.Mutex
	current  domain.QualityTier
	listener func(TierChange)
}

func NewQualityController(cfg QualityControllerConfig, logger *zap.SugaredLogger) *QualityController {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultSampleWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.InitialTier.Name == "" {
		cfg.InitialTier, _ = domain.TierByName(domain.TierHigh)
	}

	return &QualityController{
		debounce:   cfg.Debounce,
		windowSize: cfg.WindowSize,
		clock:      cfg.Clock,
		logger:     logger,
		window:     make([]float64, 0, cfg.WindowSize),
		current:    cfg.InitialTier,
	}
}

// OnTierChange registers the single listener notified on every commit. It is
// invoked synchronously with commits serialized; it may read the controller
// but must not call SetQuality.
func (q *QualityController) OnTierChange(fn func(TierChange)) {
	q.tierMu.Lock()
	defer q.tierMu.Unlock()
	q.listener = fn
}

// RecordSample appends a bandwidth observation (kbps) and restarts the
// debounce timer. Earlier pending evaluations are superseded.
func (q *QualityController) RecordSample(kbps float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return
	}

	if len(q.window) == q.windowSize {
		q.window = append(q.window[:0], q.window[1:]...)
	}
	q.window = append(q.window, kbps)

	if q.timer != nil {
		q.timer.Stop()
	}
	q.generation++
	gen := q.generation
	q.timer = q.clock.AfterFunc(q.debounce, func() {
		q.evaluate(gen)
	})
}

// evaluate runs when the debounce timer for generation gen fires.
func (q *QualityController) evaluate(gen uint64) {
	q.mu.Lock()
	if q.stopped || gen != q.generation || len(q.window) == 0 {
		q.mu.Unlock()
		return
	}
	q.timer = nil

	var sum float64
	for _, v := range q.window {
		sum += v
	}
	estimate := sum / float64(len(q.window))
	q.estimate = estimate
	pinned := q.pinned
	q.mu.Unlock()

	buffered := estimate * SafetyMargin
	selected := domain.SelectTier(buffered)

	if pinned {
		q.logger.Debugw("automatic tier selection suppressed while pinned",
			"estimate_kbps", estimate,
			"selected", selected.Name,
		)
		return
	}

	q.commit(selected, false, estimate)
}

// SetQuality commits tier immediately. The sample window is kept, so a later
// automatic evaluation may revert the choice unless the controller is pinned.
func (q *QualityController) SetQuality(tier domain.QualityTier) {
	q.mu.Lock()
	estimate := q.estimate
	q.mu.Unlock()

	q.commit(tier, true, estimate)
}

// SetPinned suspends (true) or resumes (false) automatic tier commits.
func (q *QualityController) SetPinned(pinned bool) {
	q.mu.Lock()
	q.pinned = pinned
	q.mu.Unlock()

	q.logger.Infow("quality pin changed", "pinned", pinned)
}

func (q *QualityController) Pinned() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pinned
}

func (q *QualityController) commit(tier domain.QualityTier, manual bool, estimate float64) {
	q.commitMu.Lock()
	defer q.commitMu.Unlock()

	q.tierMu.Lock()
	if !manual && tier.Name == q.current.Name {
		q.tierMu.Unlock()
		return
	}
	change := TierChange{
		From:     q.current,
		To:       tier,
		Manual:   manual,
		Estimate: estimate,
	}
	q.current = tier
	listener := q.listener
	q.tierMu.Unlock()

	q.logger.Infow("quality tier committed",
		"from", change.From.Name,
		"to", change.To.Name,
		"manual", manual,
		"estimate_kbps", estimate,
	)

	if listener != nil {
		listener(change)
	}
}

// GetCurrentTier returns the last committed tier.
func (q *QualityController) GetCurrentTier() domain.QualityTier {
	q.tierMu.Lock()
	defer q.tierMu.Unlock()
	return q.current
}

// Estimate returns the last smoothed estimate (kbps) and the window length.
func (q *QualityController) Estimate() (float64, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimate, len(q.window)
}

// Stop cancels any pending evaluation. Further samples are ignored.
func (q *QualityController) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopped = true
	q.generation++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
