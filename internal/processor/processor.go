// Package processor implements the Processor from spec §4.D: the serial
// decision loop that pulls requests off the durable queue, dispatches them
// to the transport, and routes the outcome.
package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scribd/lucid-requestqueue/internal/dispatch"
	"github.com/scribd/lucid-requestqueue/internal/identifier"
	"github.com/scribd/lucid-requestqueue/internal/request"
	"github.com/scribd/lucid-requestqueue/internal/store"
	"github.com/scribd/lucid-requestqueue/transport"
)

// Store is the subset of internal/store.Store the processor needs.
type Store interface {
	Snapshot() ([]store.Entry, error)
	Remove(position uint64) error
	Prepend(req request.Request, attemptCount uint32) error
	RemoveFirstMatch(req request.Request) (bool, error)
	IsEmpty() bool
	Map(fn func(request.Request) request.Request) error
}

// SchedulerHooks is the subset of internal/scheduler.Scheduler the
// processor reports back to. It is declared here, not imported from
// internal/scheduler, so the two packages do not import each other;
// *scheduler.Scheduler satisfies it structurally.
type SchedulerHooks interface {
	RequestDidSucceed(queueEmpty bool)
	RequestDidFail(backoffEligible bool, policy request.BackoffPolicy)
}

// IdentifierExtractor pulls a remote identifier out of a successful
// response body, if the host's entity model recognizes one. The entity
// model is an external collaborator (spec §4.F); the processor never
// interprets response bodies itself.
type IdentifierExtractor func(statusCode int, body []byte) (request.IdentifierSnapshot, bool)

type inFlightEntry struct {
	entry   store.Entry
	cancel  context.CancelFunc
	barrier bool
	aborted bool
}

// Processor is the serial decision loop (spec §4.D). Its methods are safe
// for concurrent use; ProcessNext is typically invoked from a goroutine
// spawned by the scheduler and must never block the caller.
type Processor struct {
	log        *zap.Logger
	store      Store
	dispatcher *dispatch.Dispatcher
	transport  transport.Client
	merger     *identifier.Merger
	extract    IdentifierExtractor
	sem        *semaphore.Weighted

	// inFlightCount mirrors len(inFlight) as a lock-free counter so a
	// facade's metrics gauge can read it without contending with the
	// processor's own mutex on every dispatch/complete cycle (teacher's
	// worker_test.go counts in-flight work the same way).
	inFlightCount atomic.Int64

	mu        sync.Mutex
	scheduler SchedulerHooks
	inFlight  map[uint64]*inFlightEntry
	merged    map[uint64][]request.Request // position -> duplicate requests riding on its outcome
	barrierOn bool
	retryHook func()
}

// Config holds the few knobs the processor needs beyond its collaborators.
type Config struct {
	MaxConcurrentNonBarrier int64
}

// New constructs a Processor. Attach a scheduler afterward with
// AttachScheduler, since the scheduler and processor reference each other
// and Go has no way to construct mutually-referencing values atomically.
func New(log *zap.Logger, st Store, d *dispatch.Dispatcher, tc transport.Client, merger *identifier.Merger, extract IdentifierExtractor, cfg Config) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxConcurrentNonBarrier <= 0 {
		cfg.MaxConcurrentNonBarrier = 1
	}
	if extract == nil {
		extract = func(int, []byte) (request.IdentifierSnapshot, bool) { return nil, false }
	}
	return &Processor{
		log:        log,
		store:      st,
		dispatcher: d,
		transport:  tc,
		merger:     merger,
		extract:    extract,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentNonBarrier),
		inFlight:   make(map[uint64]*inFlightEntry),
		merged:     make(map[uint64][]request.Request),
	}
}

// AttachScheduler wires the scheduler this processor reports outcomes to.
func (p *Processor) AttachScheduler(hooks SchedulerHooks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduler = hooks
}

// OnRetry registers fn to be called, synchronously, every time the
// processor re-queues a request after a retryable failure. It exists so a
// facade can maintain a retry counter without the processor needing to
// know anything about metrics.
func (p *Processor) OnRetry(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryHook = fn
}

// InFlightCount reports how many requests are currently dispatched to the
// transport, for a facade's gauges. Backed by an atomic counter rather than
// p.inFlight itself, so a metrics poller never blocks the dispatch loop.
func (p *Processor) InFlightCount() int {
	return int(p.inFlightCount.Load())
}

// ProcessNext pulls as many eligible head requests as the barrier and
// concurrency rules allow and dispatches each asynchronously. It never
// blocks on transport I/O (spec §4.D).
func (p *Processor) ProcessNext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pumpLocked()
}

// pumpLocked repeatedly picks the lowest-position entry not already
// claimed in-flight and either merges it as a duplicate, dispatches it, or
// stops, per the barrier/concurrency rules in spec §4.D and §5.
func (p *Processor) pumpLocked() {
	for {
		if p.barrierOn {
			return
		}

		entries, err := p.store.Snapshot()
		if err != nil {
			p.log.Error("snapshot queue for dispatch", zap.Error(err))
			return
		}

		var next *store.Entry
		for i := range entries {
			if _, claimed := p.inFlight[entries[i].Position]; claimed {
				continue
			}
			next = &entries[i]
			break
		}
		if next == nil {
			return
		}

		if dupOf, ok := p.findDeduplicationTargetLocked(*next); ok {
			p.mergeAsDuplicateLocked(*next, dupOf)
			continue
		}

		if next.Req.Config.Policy.Barrier {
			if len(p.inFlight) > 0 {
				return
			}
			p.dispatchLocked(*next, true)
			return
		}

		if !p.sem.TryAcquire(1) {
			return
		}
		p.dispatchLocked(*next, false)
	}
}

// findDeduplicationTargetLocked reports whether candidate's request is
// byte-for-byte equal to an already in-flight request, both deduplicate
// (spec §4.D "Deduplication").
func (p *Processor) findDeduplicationTargetLocked(candidate store.Entry) (uint64, bool) {
	if !candidate.Req.Config.Deduplicate {
		return 0, false
	}
	for pos, inflight := range p.inFlight {
		if !inflight.entry.Req.Config.Deduplicate {
			continue
		}
		if request.Equal(candidate.Req, inflight.entry.Req) {
			return pos, true
		}
	}
	return 0, false
}

func (p *Processor) mergeAsDuplicateLocked(candidate store.Entry, targetPosition uint64) {
	if err := p.store.Remove(candidate.Position); err != nil {
		p.log.Error("remove deduplicated entry", zap.Error(err))
		return
	}
	p.merged[targetPosition] = append(p.merged[targetPosition], candidate.Req)
}

func (p *Processor) dispatchLocked(entry store.Entry, barrier bool) {
	ctx := context.Background()
	if entry.Req.Config.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(entry.Req.Config.TimeoutSec)*time.Second)
		p.inFlight[entry.Position] = &inFlightEntry{entry: entry, cancel: cancel, barrier: barrier}
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		p.inFlight[entry.Position] = &inFlightEntry{entry: entry, cancel: cancel, barrier: barrier}
	}
	if barrier {
		p.barrierOn = true
	}
	p.inFlightCount.Inc()

	go p.runDispatch(ctx, entry)
}

func (p *Processor) runDispatch(ctx context.Context, entry store.Entry) {
	result, err := p.transport.Send(ctx, entry.Req)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeLocked(entry, result, err, ctx.Err())
}

// completeLocked routes a finished dispatch per the result table in spec
// §4.D and releases whatever resources the dispatch was holding.
func (p *Processor) completeLocked(entry store.Entry, result transport.Result, sendErr error, ctxErr error) {
	inflight, ok := p.inFlight[entry.Position]
	wasBarrier := ok && inflight.barrier
	wasAborted := ok && inflight.aborted
	delete(p.inFlight, entry.Position)
	if ok {
		p.inFlightCount.Dec()
	}
	if wasBarrier {
		p.barrierOn = false
	} else {
		p.sem.Release(1)
	}

	switch {
	case wasAborted:
		p.finishLocked(entry, dispatch.Outcome{Kind: dispatch.KindAborted, AbortReason: "aborted", AttemptCount: entry.AttemptCount + 1}, request.BackoffPolicy{})

	case ctxErr == context.DeadlineExceeded:
		p.routeTransientLocked(entry, sendErr, true)

	case sendErr != nil:
		p.routeTransportErrorLocked(entry, sendErr)

	case result.StatusCode >= 200 && result.StatusCode < 400:
		p.routeSuccessLocked(entry, result)

	case result.StatusCode >= 500:
		p.routeServerErrorLocked(entry, result)

	default:
		p.finishLocked(entry, dispatch.Outcome{
			Kind:         dispatch.KindFailed,
			StatusCode:   result.StatusCode,
			Headers:      result.Headers,
			Body:         result.Body,
			ErrorKind:    dispatch.ErrorTransportTerminal,
			AttemptCount: entry.AttemptCount + 1,
		}, request.BackoffPolicy{})
	}
}

func (p *Processor) routeSuccessLocked(entry store.Entry, result transport.Result) {
	if entry.Req.Identifier != nil {
		if remote, ok := p.extract(result.StatusCode, result.Body); ok {
			if err := p.merger.Merge(p.store, entry.Req.Identifier, remote); err != nil {
				p.log.Error("merge identifier after successful dispatch", zap.Error(err))
			}
		}
	}

	outcome := dispatch.Outcome{
		Kind:         dispatch.KindSuccess,
		StatusCode:   result.StatusCode,
		Headers:      result.Headers,
		Body:         result.Body,
		AttemptCount: entry.AttemptCount + 1,
	}
	p.finishLocked(entry, outcome, request.BackoffPolicy{})
	if p.scheduler != nil {
		p.scheduler.RequestDidSucceed(p.store.IsEmpty())
	}
}

func (p *Processor) routeServerErrorLocked(entry store.Entry, result transport.Result) {
	policy := entry.Req.Config.Policy
	if policy.Retry == request.RetryAlways && attemptBelowMax(entry.AttemptCount, policy.MaxAttempts) {
		p.retryLocked(entry, policy.Backoff)
		return
	}
	p.finishLocked(entry, dispatch.Outcome{
		Kind:         dispatch.KindFailed,
		StatusCode:   result.StatusCode,
		Headers:      result.Headers,
		Body:         result.Body,
		ErrorKind:    dispatch.ErrorTransportTerminal,
		AttemptCount: entry.AttemptCount + 1,
	}, request.BackoffPolicy{})
}

// routeTransientLocked routes a transient failure (timeout or retriable
// transport error). When retries remain under the request's policy, it
// re-queues the request and returns without notifying any handler (spec
// §7: "internal retries do not propagate to the handler"). Otherwise it
// reaches a terminal outcome: an exhausted retry policy on an ordinary
// transient error is Failed (spec §8 scenario 3), while a timeout that is
// not retried is Aborted, whether or not a retry policy applied to it,
// since a timeout is itself a cancellation (spec §5 "Cancellation", §7's
// Cancelled→Aborted mapping).
func (p *Processor) routeTransientLocked(entry store.Entry, sendErr error, isTimeout bool) {
	policy := entry.Req.Config.Policy
	retryable := policy.Retry == request.RetryOnNetworkErrors || policy.Retry == request.RetryAlways
	if retryable && attemptBelowMax(entry.AttemptCount, policy.MaxAttempts) {
		p.retryLocked(entry, policy.Backoff)
		return
	}

	if isTimeout {
		p.finishLocked(entry, dispatch.Outcome{
			Kind:         dispatch.KindAborted,
			AbortReason:  "timeout",
			ErrorKind:    dispatch.ErrorTransportTransient,
			Err:          sendErr,
			AttemptCount: entry.AttemptCount + 1,
		}, request.BackoffPolicy{})
		return
	}
	p.finishLocked(entry, dispatch.Outcome{
		Kind:         dispatch.KindFailed,
		ErrorKind:    dispatch.ErrorTransportTransient,
		Err:          sendErr,
		AttemptCount: entry.AttemptCount + 1,
	}, request.BackoffPolicy{})
}

func (p *Processor) routeTransportErrorLocked(entry store.Entry, sendErr error) {
	terr, ok := sendErr.(*transport.Error)
	if ok && terr.Kind == transport.ErrorTransient {
		p.routeTransientLocked(entry, sendErr, false)
		return
	}
	p.finishLocked(entry, dispatch.Outcome{
		Kind:         dispatch.KindFailed,
		ErrorKind:    dispatch.ErrorTransportTerminal,
		Err:          sendErr,
		AttemptCount: entry.AttemptCount + 1,
	}, request.BackoffPolicy{})
}

func (p *Processor) retryLocked(entry store.Entry, policy request.BackoffPolicy) {
	nextAttempt := entry.AttemptCount + 1
	if err := p.store.Prepend(entry.Req, nextAttempt); err != nil {
		p.log.Error("prepend retried request", zap.Error(err))
		p.finishLocked(entry, dispatch.Outcome{
			Kind:         dispatch.KindFailed,
			ErrorKind:    dispatch.ErrorTransportTransient,
			Err:          err,
			AttemptCount: entry.AttemptCount + 1,
		}, request.BackoffPolicy{})
		return
	}
	// The retry now lives at a new position (prepended to the head); the
	// entry's original on-disk copy is no longer needed.
	if err := p.store.Remove(entry.Position); err != nil {
		p.log.Error("remove original entry after retry prepend", zap.Error(err))
	}
	if p.retryHook != nil {
		p.retryHook()
	}
	if p.scheduler != nil {
		p.scheduler.RequestDidFail(true, policy)
	}
}

// finishLocked delivers outcome to every waiter on entry's position (the
// primary request plus any merged duplicates), removes the entry from
// durable storage since it has reached a terminal (non-retried) state,
// notifies the scheduler, and resumes the pump so a freed concurrency
// slot or cleared barrier is put to use immediately. It must never be
// called for a retried dispatch — retryLocked leaves the pump alone so
// the scheduler's backoff timer, not the processor, decides when the
// next attempt starts.
func (p *Processor) finishLocked(entry store.Entry, outcome dispatch.Outcome, policy request.BackoffPolicy) {
	if err := p.store.Remove(entry.Position); err != nil {
		p.log.Error("remove terminal entry", zap.Error(err))
	}
	p.dispatcher.Dispatch(entry.Req, outcome)
	for _, dup := range p.merged[entry.Position] {
		p.dispatcher.Dispatch(dup, outcome)
	}
	delete(p.merged, entry.Position)

	if outcome.Kind != dispatch.KindSuccess && p.scheduler != nil {
		p.scheduler.RequestDidFail(false, policy)
	}
	p.pumpLocked()
}

// Abort cancels req if it is in flight, or removes it from the queue if it
// is still pending, delivering Outcome::Aborted either way (spec §4.D,
// §5's "Cancellation").
func (p *Processor) Abort(req request.Request) error {
	p.mu.Lock()
	for _, inflight := range p.inFlight {
		if request.Equal(inflight.entry.Req, req) {
			inflight.aborted = true
			cancel := inflight.cancel
			p.mu.Unlock()
			cancel()
			return nil
		}
	}
	// Holding the lock through the removal keeps the pump from dispatching
	// req between the in-flight check above and RemoveFirstMatch below.
	defer p.mu.Unlock()

	var attempts uint32
	if entries, err := p.store.Snapshot(); err == nil {
		for _, e := range entries {
			if request.Equal(e.Req, req) {
				attempts = e.AttemptCount
				break
			}
		}
	}

	removed, err := p.store.RemoveFirstMatch(req)
	if err != nil {
		return err
	}
	if removed {
		p.dispatcher.Dispatch(req, dispatch.Outcome{Kind: dispatch.KindAborted, AbortReason: "aborted before dispatch", AttemptCount: attempts})
	}
	return nil
}

// attemptBelowMax reports whether a dispatch that just consumed attempt
// number attemptCount+1 (attemptCount is 0 on a request's first dispatch)
// may still be retried under maxAttempts, where 0 means unbounded. Spec
// §8 scenario 3 pins the exact count: max_attempts=3 yields exactly three
// dispatches, the last one terminal.
func attemptBelowMax(attemptCount, maxAttempts uint32) bool {
	if maxAttempts == 0 {
		return true
	}
	return attemptCount+1 < maxAttempts
}
