// Package breaker wraps sony/gobreaker with per-venue circuit breakers for
// REST snapshot endpoints. A venue whose snapshot endpoint is failing is cut
// off quickly instead of being hammered through its reconnect storm.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Settings controls trip behaviour for every breaker in a Set.
type Settings struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval over which closed-state counts are reset.
	Interval time.Duration
	// Timeout before an open breaker transitions to half-open.
	Timeout time.Duration
	// ErrorRateThreshold trips the breaker once at least MinRequests
	// have been observed.
	ErrorRateThreshold float64
	// MinRequests before the error rate is considered meaningful.
	MinRequests uint32
	// ConsecutiveFailures trips the breaker regardless of rate.
	ConsecutiveFailures uint32
}

// DefaultSettings mirror the failure policy used for venue snapshots:
// 5 consecutive failures or a 50% error rate over 10+ requests.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ErrorRateThreshold:  0.5,
		MinRequests:         10,
		ConsecutiveFailures: 5,
	}
}

// Set manages one named circuit breaker per venue, created lazily.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	settings Settings
	log      zerolog.Logger
}

// NewSet creates an empty breaker set.
func NewSet(settings Settings, logger zerolog.Logger) *Set {
	return &Set{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
		log:      logger,
	}
}

// Execute runs fn under the named breaker, creating the breaker on first use.
func (s *Set) Execute(name string, fn func() (interface{}, error)) (interface{}, error) {
	return s.get(name).Execute(fn)
}

// State reports the current state of the named breaker. Unused names report
// closed.
func (s *Set) State(name string) gobreaker.State {
	s.mu.RLock()
	cb, ok := s.breakers[name]
	s.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (s *Set) get(name string) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.settings.MaxRequests,
		Interval:    s.settings.Interval,
		Timeout:     s.settings.Timeout,
		ReadyToTrip: s.tripCondition(),
		OnStateChange: func(name string, from, to gobreaker.State) {
			evt := s.log.Warn()
			if to == gobreaker.StateClosed {
				evt = s.log.Info()
			}
			evt.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	s.breakers[name] = cb
	return cb
}

func (s *Set) tripCondition() func(gobreaker.Counts) bool {
	return func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= s.settings.ConsecutiveFailures {
			return true
		}
		if counts.Requests >= s.settings.MinRequests {
			errorRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return errorRate >= s.settings.ErrorRateThreshold
		}
		return false
	}
}
