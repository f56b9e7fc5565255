package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"mdticker.com/pkg/metrics"
)

// Rule configures one breaker.
type Rule struct {
	// probes allowed while half-open
	MaxRequests uint32
	// closed-state counting window
	Interval time.Duration
	// rolling window bucket; <=0 uses a fixed window
	BucketPeriod time.Duration
	// how long the breaker stays open before probing
	Timeout time.Duration

	// either condition trips the breaker
	TripConsecutiveFailures uint32
	TripFailureRate         float64
	TripMinRequests         uint32
}

// Manager hands out one breaker per downstream sink.
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perSink map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 5
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 10
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}
	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 8),
		defaultRule: defaultRule,
		rules:       perSink,
	}
}

func (m *Manager) Get(sink string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[sink]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[sink]; cb != nil {
		return cb
	}

	rule, ok := m.rules[sink]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         sink,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name, from.String()).Set(0)
			metrics.CBState.WithLabelValues(name, to.String()).Set(1)
		},
	}
	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	metrics.CBState.WithLabelValues(sink, gobreaker.StateClosed.String()).Set(1)
	m.m[sink] = cb
	return cb
}

// Rejected reports whether err came from an open or saturated breaker
// rather than from the call itself.
func Rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Shutdown cancellations say nothing about downstream health.
func isSuccessfulForBreaker(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
