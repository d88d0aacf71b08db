// Package scheduler implements the Scheduler from spec §4.C: the state
// machine that decides when the processor may pull the next request, and
// the backoff policy that governs retries.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

// State is one of the four states from spec §4.C.
type State uint8

const (
	StateIdle State = iota
	StateWaitingForConnectivity
	StateBackingOff
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForConnectivity:
		return "waiting_for_connectivity"
	case StateBackingOff:
		return "backing_off"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// ConnectivityWatcher is an optional capability a transport may provide.
// When absent, the scheduler treats the system as always connected (spec
// §6: "optional; if absent, the scheduler treats the system as always
// connected").
type ConnectivityWatcher interface {
	Connected() <-chan bool
}

// Processor is the subset of internal/processor.Processor the scheduler
// drives. It is narrowed to a single method so the scheduler package never
// imports the processor package, avoiding an import cycle (the processor
// reports back to the scheduler via RequestDidSucceed and RequestDidFail
// instead).
type Processor interface {
	ProcessNext()
}

// Scheduler owns timing decisions: when to call the processor, and how
// long to back off after a retryable failure.
type Scheduler struct {
	log   *zap.Logger
	clock clock.Clock
	proc  Processor
	watch ConnectivityWatcher

	mu        sync.Mutex
	state     State
	connected bool
	timer     *clock.Timer
	attempt   int
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithClock overrides the clock, letting tests fast-forward backoff timers
// instead of sleeping (teacher's go.mod pulls in benbjohnson/clock for this
// exact reason).
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithConnectivityWatcher supplies an optional connectivity source.
func WithConnectivityWatcher(w ConnectivityWatcher) Option {
	return func(s *Scheduler) { s.watch = w }
}

// New constructs a Scheduler that drives proc.
func New(log *zap.Logger, proc Processor, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		log:       log,
		clock:     clock.New(),
		proc:      proc,
		state:     StateIdle,
		connected: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.watch != nil {
		s.connected = false
		go s.watchConnectivity()
	}
	return s
}

func (s *Scheduler) watchConnectivity() {
	for connected := range s.watch.Connected() {
		s.mu.Lock()
		s.connected = connected
		if connected && s.state == StateWaitingForConnectivity {
			s.transitionToRunningLocked()
		} else if !connected && s.state == StateRunning {
			s.state = StateWaitingForConnectivity
		}
		s.mu.Unlock()
	}
}

// State reports the scheduler's current state, used by tests.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DidEnqueueNewRequest notifies the scheduler that a new request became
// available to dispatch.
func (s *Scheduler) DidEnqueueNewRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		if s.connected {
			s.transitionToRunningLocked()
		} else {
			s.state = StateWaitingForConnectivity
		}
	default:
		// already running, backing off, or waiting — the eventual
		// processNext call (or the pending timer) will see the new entry.
	}
}

// RequestDidSucceed notifies the scheduler a dispatch completed
// successfully.
func (s *Scheduler) RequestDidSucceed(queueEmpty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempt = 0
	if queueEmpty {
		s.state = StateIdle
		return
	}
	s.transitionToRunningLocked()
}

// RequestDidFail notifies the scheduler that a dispatch failed.
// backoffEligible selects whether the failure should start a backoff
// timer (retryable transient/5xx failures) or simply continue running
// (terminal failures that were dropped, not retried).
func (s *Scheduler) RequestDidFail(backoffEligible bool, policy request.BackoffPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !backoffEligible {
		s.attempt = 0
		s.transitionToRunningLocked()
		return
	}

	s.attempt++
	delay := backoffDelay(policy, s.attempt)
	s.state = StateBackingOff
	s.stopTimerLocked()
	s.timer = s.clock.Timer(delay)
	timer := s.timer
	go func() {
		<-timer.C
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == StateBackingOff && s.timer == timer {
			s.transitionToRunningLocked()
		}
	}()
}

// Flush forces an immediate dispatch attempt from any state, clearing any
// pending backoff timer (spec §4.C: "Any state →(flush) running").
func (s *Scheduler) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
	s.transitionToRunningLocked()
}

// Close cancels any pending backoff timer so it cannot leak past shutdown
// (spec §5: "Backoff timers are owned by the scheduler and must be
// cancelled on shutdown to avoid leaks").
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTimerLocked()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) transitionToRunningLocked() {
	s.state = StateRunning
	proc := s.proc
	go proc.ProcessNext()
}

// backoffDelay computes the exponential backoff delay for the given
// attempt number (1-indexed), capped at policy.MaxMS.
func backoffDelay(policy request.BackoffPolicy, attempt int) time.Duration {
	if policy.InitialMS == 0 {
		return 0
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	ms := float64(policy.InitialMS)
	for i := 1; i < attempt; i++ {
		ms *= multiplier
	}
	if policy.MaxMS > 0 && ms > float64(policy.MaxMS) {
		ms = float64(policy.MaxMS)
	}
	return time.Duration(ms) * time.Millisecond
}
