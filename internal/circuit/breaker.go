// Package circuit implements a per-volume circuit breaker so a backend
// that is failing on execution/IO errors degrades in isolation, without
// tripping on ordinary client-input rejections (bad vfid, missing field,
// unsupported operation) that say nothing about the backend's health.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/backdotai/storage-proxy/internal/apperr"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration. The zero value is usable:
// every field falls back to a storage-proxy-appropriate default.
type Config struct {
	// MaxRequests allowed to pass through while half-open.
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the closed-state window after which counts reset.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration `yaml:"timeout"`

	// ReadyToTrip decides whether the closed-state counts warrant opening
	// the breaker. Defaults to FailureRatio(20, 0.5): trip once at least 20
	// requests were counted and half or more of them failed.
	ReadyToTrip func(counts Counts) bool `yaml:"-"`

	// IsSuccessful classifies an operation's error for breaker accounting.
	// Defaults to ExecutionOrIOFailure, which only counts apperr.ExecutionError
	// and apperr.IO as failures. Every other apperr.Kind (bad input,
	// unknown volume, unsupported op, ...) is the caller's fault, not the
	// backend's, and must not push a healthy backend towards OPEN.
	IsSuccessful func(err error) bool `yaml:"-"`

	// OnStateChange is called when a breaker transitions state.
	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// Counts holds the numbers of requests and their successes/failures within
// the current window.
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker guards one backend volume.
type CircuitBreaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker creates a breaker for a single named volume.
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.Interval <= 0 {
		config.Interval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = FailureRatio(20, 0.5)
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = ExecutionOrIOFailure
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// FailureRatio builds a ReadyToTrip that opens once at least minRequests
// have been seen in the window and the failure share reaches ratio.
func FailureRatio(minRequests uint32, ratio float64) func(Counts) bool {
	return func(counts Counts) bool {
		return counts.Requests >= minRequests &&
			float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}
}

// ExecutionOrIOFailure is the storage-proxy IsSuccessful default: only
// apperr.ExecutionError (vendor tool / backend command failed) and
// apperr.IO (syscall-level failure) count against the breaker. A request
// rejected for InvalidAPIParameters, InvalidVolume, Unsupported, and the
// like is a client mistake, not evidence the backend is unhealthy. An
// error that isn't an *apperr.Error at all is treated conservatively as a
// failure, since nothing about its shape rules out a backend problem.
func ExecutionOrIOFailure(err error) bool {
	if err == nil {
		return true
	}
	ae, ok := err.(*apperr.Error)
	if !ok {
		return false
	}
	return ae.Kind != apperr.ExecutionError && ae.Kind != apperr.IO
}

// Execute runs fn if the breaker allows it, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if state == StateOpen {
		return ErrOpenState
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return ErrTooManyRequests
	}

	cb.counts.onRequest()
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state, _ := cb.currentState(now)

	if cb.config.IsSuccessful(err) {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	cb.counts.onSuccess()

	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	cb.counts.onFailure()

	switch state {
	case StateClosed:
		if cb.config.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, time.Time) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.counts.clear()
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.expiry
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.counts.clear()

	switch state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	case StateHalfOpen:
		cb.expiry = time.Time{}
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState reports the breaker's current state, advancing any window that
// has expired, for the manager plane's /volumes listing.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(time.Now())
	return state
}

// GetCounts returns a copy of the current window's counts.
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.counts
}

// Name returns the volume name this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (c *Counts) onRequest() {
	c.Requests++
	c.LastActivity = time.Now()
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

var (
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Manager owns one breaker per configured volume, created lazily so a
// volume added at runtime (future hot-reload) gets a fresh breaker on
// first use rather than requiring a restart.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewManager creates a breaker manager sharing one Config across every
// volume it creates breakers for.
func NewManager(config Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// GetBreaker gets or lazily creates the breaker for name.
func (m *Manager) GetBreaker(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[name]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[name]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.config)
	m.breakers[name] = breaker
	return breaker
}
