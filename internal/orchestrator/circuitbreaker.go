package orchestrator

import (
	"sync"
	"time"

	"github.com/loomctl/pipelinecore/internal/domain"
)

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

// circuitEntry tracks one actor type's failure count and half-open probe
// budget.
type circuitEntry struct {
	state       breakerState
	failures    int
	lastFailure time.Time
	probesLeft  int
}

// circuitBreakers guards per-actor-type failure accounting so a consistently
// failing actor stops accepting new enqueues until its cooldown elapses.
type circuitBreakers struct {
	mu       sync.Mutex
	entries  map[string]*circuitEntry
	onChange func(actorType string, state breakerState)
}

func newCircuitBreakers() *circuitBreakers {
	return &circuitBreakers{entries: make(map[string]*circuitEntry)}
}

// stateGauge maps a breaker state to the numeric value the circuit breaker
// gauge reports (0=closed, 1=half-open, 2=open).
func stateGauge(s breakerState) float64 {
	switch s {
	case breakerHalfOpen:
		return 1
	case breakerOpen:
		return 2
	default:
		return 0
	}
}

func (b *circuitBreakers) report(actorType string, state breakerState) {
	if b.onChange != nil {
		b.onChange(actorType, state)
	}
}

func (b *circuitBreakers) get(actorType string) *circuitEntry {
	e, ok := b.entries[actorType]
	if !ok {
		e = &circuitEntry{state: breakerClosed}
		b.entries[actorType] = e
	}
	return e
}

// Allow reports whether a new task may be enqueued for actorType under spec.
// half-open admits up to HalfOpenRequests probes before reopening on any
// failure; a nil spec always allows.
func (b *circuitBreakers) Allow(actorType string, spec *domain.CircuitBreakerSpec) error {
	if spec == nil || spec.FailureThreshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(actorType)
	now := time.Now()
	switch e.state {
	case breakerOpen:
		if spec.Cooldown > 0 && now.Sub(e.lastFailure) >= spec.Cooldown {
			e.state = breakerHalfOpen
			e.probesLeft = maxInt(spec.HalfOpenRequests, 1)
			b.report(actorType, e.state)
		} else {
			return domain.NewError(domain.KindCircuitOpen, "circuit open for actor "+actorType)
		}
	case breakerHalfOpen:
		if e.probesLeft <= 0 {
			return domain.NewError(domain.KindCircuitOpen, "circuit half-open probe budget exhausted for actor "+actorType)
		}
		e.probesLeft--
	}
	return nil
}

// RecordResult updates the breaker's state after a task attempt finishes.
func (b *circuitBreakers) RecordResult(actorType string, spec *domain.CircuitBreakerSpec, success bool) {
	if spec == nil || spec.FailureThreshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.get(actorType)
	if success {
		changed := e.state != breakerClosed
		e.state = breakerClosed
		e.failures = 0
		if changed {
			b.report(actorType, e.state)
		}
		return
	}
	e.failures++
	e.lastFailure = time.Now()
	if e.state == breakerHalfOpen || e.failures >= spec.FailureThreshold {
		e.state = breakerOpen
		b.report(actorType, e.state)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
