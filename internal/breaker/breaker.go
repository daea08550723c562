/*
Copyright 2025 Crosspost Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package breaker keeps one circuit breaker per external service behind a
// registry. The registry is the sole mutator of breaker state; workers only
// go through Allow and Execute.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/sovani/crosspost/internal/dispatcherror"
	"github.com/sovani/crosspost/model"
)

// Config holds the thresholds for one service breaker.
type Config struct {
	// FailureThreshold consecutive failures trip closed -> open.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close the breaker.
	// It also bounds concurrent half-open probes.
	SuccessThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
}

// StateChangeListener observes breaker transitions, e.g. to emit lifecycle
// events or persist the new state.
type StateChangeListener func(service string, from string, to string)

type serviceBreaker struct {
	cb     *gobreaker.CircuitBreaker
	config Config

	// rolling stats, guarded separately from gobreaker's own counters
	statsMu        sync.Mutex
	totalRequests  int64
	totalFailures  int64
	totalLatency   time.Duration
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
	stateChangedAt time.Time
}

// Registry owns every service breaker and their rolling statistics.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*serviceBreaker
	defaults  Config
	listeners []StateChangeListener
}

func NewRegistry(defaults Config) *Registry {
	if defaults.FailureThreshold == 0 {
		defaults.FailureThreshold = 5
	}
	if defaults.SuccessThreshold == 0 {
		defaults.SuccessThreshold = 2
	}
	if defaults.RecoveryTimeout <= 0 {
		defaults.RecoveryTimeout = 60 * time.Second
	}
	return &Registry{
		breakers: make(map[string]*serviceBreaker),
		defaults: defaults,
	}
}

// OnStateChange registers a transition listener. Listeners must be registered
// before the service's first dispatch; they are invoked asynchronously.
func (r *Registry) OnStateChange(l StateChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Configure creates the breaker for a known service at bootstrap with
// explicit thresholds.
func (r *Registry) Configure(service string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.breakers[service]; exists {
		return
	}
	r.breakers[service] = r.newServiceBreaker(service, cfg)
}

func (r *Registry) getOrCreate(service string) *serviceBreaker {
	r.mu.RLock()
	sb, exists := r.breakers[service]
	r.mu.RUnlock()
	if exists {
		return sb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sb, exists = r.breakers[service]; exists {
		return sb
	}
	sb = r.newServiceBreaker(service, r.defaults)
	r.breakers[service] = sb
	return sb
}

func (r *Registry) newServiceBreaker(service string, cfg Config) *serviceBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = r.defaults.FailureThreshold
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = r.defaults.SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = r.defaults.RecoveryTimeout
	}

	sb := &serviceBreaker{config: cfg, stateChangedAt: time.Now()}
	sb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			sb.statsMu.Lock()
			sb.stateChangedAt = time.Now()
			sb.statsMu.Unlock()
			logrus.WithFields(logrus.Fields{
				"service": name,
				"from":    stateName(from),
				"to":      stateName(to),
			}).Info("circuit breaker state changed")
			// gobreaker fires this hook with its own mutex held, and
			// listeners read breaker state back, so they get their own
			// goroutine.
			go r.notify(name, stateName(from), stateName(to))
		},
		IsSuccessful: func(err error) bool {
			// Validation failures are the item's problem, not the
			// service's health.
			return err == nil || dispatcherror.Is(err, dispatcherror.ErrValidation)
		},
	})
	return sb
}

func (r *Registry) notify(service, from, to string) {
	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(service, from, to)
	}
}

// Allow reports whether a dispatch to the service may be attempted right now.
// In the open state it returns CircuitOpenError without any I/O; the call
// itself moves an expired open breaker to half-open.
func (r *Registry) Allow(service string) error {
	sb := r.getOrCreate(service)
	if sb.cb.State() == gobreaker.StateOpen {
		return dispatcherror.CircuitOpen(service)
	}
	return nil
}

// Execute runs fn through the service breaker, recording the outcome and
// latency. Breaker rejections surface as CircuitOpenError and never reach fn.
func (r *Registry) Execute(service string, fn func() error) error {
	sb := r.getOrCreate(service)

	start := time.Now()
	_, err := sb.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return dispatcherror.CircuitOpen(service)
	}

	sb.record(err == nil || dispatcherror.Is(err, dispatcherror.ErrValidation), time.Since(start))
	return err
}

func (sb *serviceBreaker) record(success bool, latency time.Duration) {
	sb.statsMu.Lock()
	defer sb.statsMu.Unlock()
	sb.totalRequests++
	sb.totalLatency += latency
	now := time.Now()
	if success {
		sb.lastSuccessAt = now
	} else {
		sb.totalFailures++
		sb.lastFailureAt = now
	}
}

// State returns the service breaker's current state name.
func (r *Registry) State(service string) string {
	return stateName(r.getOrCreate(service).cb.State())
}

// Snapshot returns a point-in-time view of one service breaker.
func (r *Registry) Snapshot(service string) model.BreakerSnapshot {
	sb := r.getOrCreate(service)
	counts := sb.cb.Counts()

	sb.statsMu.Lock()
	defer sb.statsMu.Unlock()

	snap := model.BreakerSnapshot{
		ServiceName:      service,
		State:            stateName(sb.cb.State()),
		FailureCount:     counts.ConsecutiveFailures,
		SuccessCount:     counts.ConsecutiveSuccesses,
		FailureThreshold: sb.config.FailureThreshold,
		SuccessThreshold: sb.config.SuccessThreshold,
		RecoveryTimeout:  int(sb.config.RecoveryTimeout / time.Second),
		TotalRequests:    sb.totalRequests,
		TotalFailures:    sb.totalFailures,
		StateChangedAt:   sb.stateChangedAt,
	}
	if sb.totalRequests > 0 {
		snap.AvgResponseTimeMs = float64(sb.totalLatency.Milliseconds()) / float64(sb.totalRequests)
	}
	if !sb.lastFailureAt.IsZero() {
		t := sb.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !sb.lastSuccessAt.IsZero() {
		t := sb.lastSuccessAt
		snap.LastSuccessAt = &t
	}
	return snap
}

// Snapshots returns a view of every registered breaker, for the health
// surface.
func (r *Registry) Snapshots() []model.BreakerSnapshot {
	r.mu.RLock()
	services := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		services = append(services, name)
	}
	r.mu.RUnlock()

	snaps := make([]model.BreakerSnapshot, 0, len(services))
	for _, s := range services {
		snaps = append(snaps, r.Snapshot(s))
	}
	return snaps
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return model.BreakerStateOpen
	case gobreaker.StateHalfOpen:
		return model.BreakerStateHalfOpen
	default:
		return model.BreakerStateClosed
	}
}
