package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

type countingProcessor struct {
	calls int32
}

func (p *countingProcessor) ProcessNext() {
	atomic.AddInt32(&p.calls, 1)
}

func (p *countingProcessor) count() int32 {
	return atomic.LoadInt32(&p.calls)
}

func TestIdleToRunningOnEnqueueWhenConnected(t *testing.T) {
	a := assert.New(t)
	proc := &countingProcessor{}
	s := New(nil, proc)

	a.Equal(StateIdle, s.State())
	s.DidEnqueueNewRequest()
	a.Equal(StateRunning, s.State())
	a.Eventually(func() bool { return proc.count() == 1 }, time.Second, time.Millisecond)
}

func TestRunningToIdleOnSuccessWithEmptyQueue(t *testing.T) {
	a := assert.New(t)
	proc := &countingProcessor{}
	s := New(nil, proc)

	s.DidEnqueueNewRequest()
	s.RequestDidSucceed(true)
	a.Equal(StateIdle, s.State())
}

func TestRunningStaysRunningOnSuccessWithNonEmptyQueue(t *testing.T) {
	a := assert.New(t)
	proc := &countingProcessor{}
	s := New(nil, proc)

	s.DidEnqueueNewRequest()
	s.RequestDidSucceed(false)
	a.Equal(StateRunning, s.State())
}

func TestBackoffTimerAdvancesStateToRunningAfterElapsed(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	mock := clock.NewMock()
	proc := &countingProcessor{}
	s := New(nil, proc, WithClock(mock))

	s.DidEnqueueNewRequest()
	policy := request.BackoffPolicy{InitialMS: 100, Multiplier: 2, MaxMS: 1000}
	s.RequestDidFail(true, policy)
	r.Equal(StateBackingOff, s.State())

	mock.Add(100 * time.Millisecond)
	a.Eventually(func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
}

func TestBackoffDelayGrowsExponentiallyAndRespectsMax(t *testing.T) {
	a := assert.New(t)
	policy := request.BackoffPolicy{InitialMS: 100, Multiplier: 2, MaxMS: 350}

	a.Equal(100*time.Millisecond, backoffDelay(policy, 1))
	a.Equal(200*time.Millisecond, backoffDelay(policy, 2))
	a.Equal(350*time.Millisecond, backoffDelay(policy, 3), "attempt 3 would be 400ms uncapped, clamped to MaxMS")
}

func TestFlushForcesRunningAndCancelsBackoff(t *testing.T) {
	a := assert.New(t)
	mock := clock.NewMock()
	proc := &countingProcessor{}
	s := New(nil, proc, WithClock(mock))

	s.DidEnqueueNewRequest()
	s.RequestDidFail(true, request.BackoffPolicy{InitialMS: 10000, Multiplier: 2, MaxMS: 60000})
	a.Equal(StateBackingOff, s.State())

	s.Flush()
	a.Equal(StateRunning, s.State())
}

func TestNonBackoffEligibleFailureReturnsDirectlyToRunning(t *testing.T) {
	a := assert.New(t)
	proc := &countingProcessor{}
	s := New(nil, proc)

	s.DidEnqueueNewRequest()
	s.RequestDidFail(false, request.BackoffPolicy{})
	a.Equal(StateRunning, s.State())
}

type fakeWatcher struct {
	ch chan bool
}

func (w *fakeWatcher) Connected() <-chan bool { return w.ch }

func TestStartsWaitingForConnectivityWhenWatcherPresentAndDisconnected(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	proc := &countingProcessor{}
	watcher := &fakeWatcher{ch: make(chan bool, 1)}
	s := New(nil, proc, WithConnectivityWatcher(watcher))

	s.DidEnqueueNewRequest()
	r.Equal(StateWaitingForConnectivity, s.State())

	watcher.ch <- true
	a.Eventually(func() bool { return s.State() == StateRunning }, time.Second, time.Millisecond)
}
