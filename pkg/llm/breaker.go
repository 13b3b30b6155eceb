package llm

import (
	"errors"
	"sync"
	"time"

	"github.com/openloop-ai/openloop/pkg/logger"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes one circuit breaker. Zero values take the defaults
// documented on each field.
type BreakerConfig struct {
	// Name identifies this breaker in logs, e.g. "primaryLlm".
	Name string

	// WindowSize is the count-based sliding window. Default 10.
	WindowSize int

	// FailureRateThreshold trips the breaker once this fraction of the
	// window has failed. Default 0.5.
	FailureRateThreshold float64

	// SlowCallDuration marks a successful call as slow. Default 60s.
	SlowCallDuration time.Duration

	// SlowRateThreshold trips the breaker once this fraction of the window
	// is slow. Default 0.8.
	SlowRateThreshold float64

	// OpenDuration is how long the breaker stays open before probing.
	// Default 30s.
	OpenDuration time.Duration

	// HalfOpenProbes is how many calls may run while half-open. Default 2.
	HalfOpenProbes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = 10
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = 60 * time.Second
	}
	if c.SlowRateThreshold <= 0 {
		c.SlowRateThreshold = 0.8
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 2
	}
	return c
}

type callOutcome struct {
	failed bool
	slow   bool
}

// Breaker is a count-window circuit breaker. It evaluates failure and
// slow-call rates over the last WindowSize calls; while open it rejects
// immediately, and after OpenDuration it lets a bounded number of probes
// through before deciding to close or reopen.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu            sync.Mutex
	state         string
	window        []callOutcome
	windowNext    int
	windowFilled  int
	openedAt      time.Time
	probesAllowed int
	probeFailed   bool
	probeResults  int
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:    cfg,
		now:    time.Now,
		state:  BreakerClosed,
		window: make([]callOutcome, cfg.WindowSize),
	}
}

// State returns the current state, transitioning open to half-open when the
// open interval has elapsed.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. Every successful Allow must be
// paired with a Record call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if b.probesAllowed <= 0 {
			return ErrCircuitOpen
		}
		b.probesAllowed--
		return nil
	default:
		return ErrCircuitOpen
	}
}

// Record feeds one call result into the window and updates state.
func (b *Breaker) Record(elapsed time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	outcome := callOutcome{
		failed: err != nil,
		slow:   err == nil && elapsed >= b.cfg.SlowCallDuration,
	}

	if b.state == BreakerHalfOpen {
		b.probeResults++
		if outcome.failed || outcome.slow {
			b.probeFailed = true
		}
		if b.probeFailed {
			b.transition(BreakerOpen)
			return
		}
		if b.probeResults >= b.cfg.HalfOpenProbes {
			b.transition(BreakerClosed)
		}
		return
	}

	b.window[b.windowNext] = outcome
	b.windowNext = (b.windowNext + 1) % b.cfg.WindowSize
	if b.windowFilled < b.cfg.WindowSize {
		b.windowFilled++
	}

	if b.state == BreakerClosed && b.windowFilled == b.cfg.WindowSize {
		var failures, slow int
		for _, o := range b.window {
			if o.failed {
				failures++
			}
			if o.slow {
				slow++
			}
		}
		n := float64(b.cfg.WindowSize)
		if float64(failures)/n >= b.cfg.FailureRateThreshold ||
			float64(slow)/n >= b.cfg.SlowRateThreshold {
			b.transition(BreakerOpen)
		}
	}
}

// maybeHalfOpen moves open to half-open after the open interval. Caller must
// hold the lock.
func (b *Breaker) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.transition(BreakerHalfOpen)
	}
}

// transition changes state and resets the bookkeeping the new state needs.
// Caller must hold the lock.
func (b *Breaker) transition(to string) {
	from := b.state
	b.state = to
	switch to {
	case BreakerOpen:
		b.openedAt = b.now()
	case BreakerHalfOpen:
		b.probesAllowed = b.cfg.HalfOpenProbes
		b.probeResults = 0
		b.probeFailed = false
	case BreakerClosed:
		b.window = make([]callOutcome, b.cfg.WindowSize)
		b.windowNext = 0
		b.windowFilled = 0
	}
	if from != to {
		logger.Info("circuit breaker state change", "breaker", b.cfg.Name, "from", from, "to", to)
	}
}
