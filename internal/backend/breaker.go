package backend

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/flowdesk/internal/config"
)

// BreakerState is the position of the circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

var breakerStateNames = [...]string{"closed", "half-open", "open"}

func (s BreakerState) String() string {
	if s < 0 || int(s) >= len(breakerStateNames) {
		return "unknown"
	}
	return breakerStateNames[s]
}

// Gauge is the value of the breaker state metric.
func (s BreakerState) Gauge() float64 { return float64(s) }

// Outcome is how a call admitted by the breaker ended.
type Outcome int

const (
	// Ignored calls neither count as failures nor as successes, e.g. 4xx.
	Ignored Outcome = iota
	Succeeded
	Failed
)

// ErrBreakerOpen is returned by Allow while calls are rejected.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Breaker defaults for zero config values.
const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultOpenTimeout      = 30 * time.Second
	defaultHalfOpenProbes   = 1

	// minRateSamples calls must land in a window before its error rate can
	// trip the breaker.
	minRateSamples = 10
)

// rateWindow counts calls in a tumbling window.
type rateWindow struct {
	length   time.Duration
	start    time.Time
	total    int
	failures int
}

func (w *rateWindow) roll(now time.Time) {
	if w.length > 0 && now.Sub(w.start) > w.length {
		w.reset(now)
	}
}

func (w *rateWindow) reset(now time.Time) {
	w.start, w.total, w.failures = now, 0, 0
}

func (w *rateWindow) add(now time.Time, failed bool) {
	if w.length <= 0 {
		return
	}
	w.roll(now)
	w.total++
	if failed {
		w.failures++
	}
}

func (w *rateWindow) rate() float64 {
	if w.total == 0 {
		return 0
	}
	return float64(w.failures) / float64(w.total)
}

// BreakerSnapshot is a point-in-time view of the breaker.
type BreakerSnapshot struct {
	State               BreakerState
	ConsecutiveFailures int
	ProbeSuccesses      int
	ProbesInFlight      int
	WindowCalls         int
	WindowErrorRate     float64
}

// CircuitBreaker guards the flows API. Closed, it trips on consecutive
// failures or on the error rate of the current window. Open, it rejects
// every call until the timeout passes. Half-open, it admits a bounded number
// of concurrent probe calls: any failed probe reopens it and enough
// successful ones close it. A save fans out many calls through one breaker,
// so every method is safe for concurrent use.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	maxProbes        int
	rateThreshold    float64

	now      func() time.Time
	onChange func(from, to BreakerState)

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	failures   int
	successes  int
	probes     int
	openedAt   time.Time
	window     rateWindow
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock sets the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// OnStateChange registers fn for every transition. fn runs with the breaker
// locked and must not call back into it.
func OnStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker builds a breaker from cfg. Zero thresholds, timeout and
// probe count take defaults. A zero error rate threshold or window disables
// rate based tripping.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: orDefault(cfg.FailureThreshold, defaultFailureThreshold),
		successThreshold: orDefault(cfg.SuccessThreshold, defaultSuccessThreshold),
		maxProbes:        orDefault(cfg.HalfOpenProbes, defaultHalfOpenProbes),
		openTimeout:      cfg.Timeout,
		now:              time.Now,
	}
	if cb.openTimeout <= 0 {
		cb.openTimeout = defaultOpenTimeout
	}
	if cfg.ErrorRateThreshold > 0 && cfg.ErrorRateWindow > 0 {
		cb.rateThreshold = cfg.ErrorRateThreshold
		cb.window.length = cfg.ErrorRateWindow
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.window.reset(cb.now())
	return cb
}

func orDefault(v, def int) int {
	if v < 1 {
		return def
	}
	return v
}

// Allow admits a call or returns ErrBreakerOpen. An admitted call must
// report how it ended through done exactly once.
func (cb *CircuitBreaker) Allow() (done func(Outcome), err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case BreakerOpen:
		return nil, ErrBreakerOpen
	case BreakerHalfOpen:
		if cb.probes >= cb.maxProbes {
			return nil, ErrBreakerOpen
		}
		cb.probes++
	}

	gen := cb.generation
	var once sync.Once
	return func(o Outcome) {
		once.Do(func() { cb.report(gen, o) })
	}, nil
}

func (cb *CircuitBreaker) report(gen uint64, o Outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Outcomes of calls admitted before the last transition are stale.
	if gen != cb.generation {
		return
	}
	now := cb.now()
	switch cb.state {
	case BreakerClosed:
		switch o {
		case Succeeded:
			cb.failures = 0
			cb.window.add(now, false)
		case Failed:
			cb.failures++
			cb.window.add(now, true)
			if cb.failures >= cb.failureThreshold || cb.rateExceeded() {
				cb.open(now)
			}
		}
	case BreakerHalfOpen:
		cb.probes--
		switch o {
		case Succeeded:
			cb.successes++
			if cb.successes >= cb.successThreshold {
				cb.setState(BreakerClosed)
				cb.window.reset(now)
			}
		case Failed:
			cb.open(now)
		}
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Snapshot returns the current counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	cb.window.roll(cb.now())
	return BreakerSnapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		ProbeSuccesses:      cb.successes,
		ProbesInFlight:      cb.probes,
		WindowCalls:         cb.window.total,
		WindowErrorRate:     cb.window.rate(),
	}
}

// Locked helpers.

func (cb *CircuitBreaker) advance() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.openTimeout {
		cb.setState(BreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) open(now time.Time) {
	cb.setState(BreakerOpen)
	cb.openedAt = now
	cb.window.reset(now)
}

func (cb *CircuitBreaker) rateExceeded() bool {
	return cb.rateThreshold > 0 && cb.window.total >= minRateSamples && cb.window.rate() >= cb.rateThreshold
}

func (cb *CircuitBreaker) setState(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
