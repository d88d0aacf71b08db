// Package queue is the Facade described in spec §4.G: the single type an
// embedding application talks to. It wires together the durable queue, the
// scheduler, the processor, the response dispatcher and the identifier
// merger. Append, Abort and Map serialize behind the facade's mutex;
// Register, Unregister, Flush, Count and Close do not take it. The durable
// queue, the processor, the scheduler and the dispatcher each guard their
// own state with their own mutex, so the key-space and the processor's
// in-flight set are not protected by one shared critical section.
package queue

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/scribd/lucid-requestqueue/internal/dispatch"
	"github.com/scribd/lucid-requestqueue/internal/identifier"
	"github.com/scribd/lucid-requestqueue/internal/processor"
	"github.com/scribd/lucid-requestqueue/internal/request"
	"github.com/scribd/lucid-requestqueue/internal/scheduler"
	"github.com/scribd/lucid-requestqueue/internal/store"
	"github.com/scribd/lucid-requestqueue/transport"
)

// Config is the explicit configuration passed at construction, matching
// §9's "global configuration singletons map to a configuration struct
// passed explicitly at queue construction" and the teacher's
// constructor-injection style (newDomainForwarder(config, ...)).
type Config struct {
	// StoragePath is the directory the durable queue persists entries
	// under. Required.
	StoragePath string

	// MaxConcurrentNonBarrier caps how many non-barrier requests may be
	// in flight at once. Defaults to 1 when <= 0.
	MaxConcurrentNonBarrier int64

	// DefaultBackoff is applied to a request whose own
	// Config.Policy.Backoff is the zero value.
	DefaultBackoff request.BackoffPolicy

	// DefaultMaxAttempts is applied to a request whose own
	// Config.Policy.MaxAttempts is zero.
	DefaultMaxAttempts uint32

	// Transport sends requests to the remote server. Required.
	Transport transport.Client

	// IdentifierExtractor pulls a remote identifier out of a successful
	// response, if the host entity model recognizes one. Optional.
	IdentifierExtractor processor.IdentifierExtractor

	// Logger receives structured logs from every layer. A nil Logger is
	// replaced with zap.NewNop().
	Logger *zap.Logger

	// MetricsRegistry, if non-nil, receives the queue's Prometheus
	// collectors (depth, in-flight, retries, dropped).
	MetricsRegistry prometheus.Registerer
}

// Queue is the durable, per-entity API request queue and processor.
type Queue struct {
	log     *zap.Logger
	metrics *metrics

	mu            sync.Mutex
	store         *store.Store
	dispatcher    *dispatch.Dispatcher
	proc          *processor.Processor
	sched         *scheduler.Scheduler
	applyDefaults defaultsFunc
}

// New opens the durable queue at cfg.StoragePath and wires up the
// scheduler, processor, dispatcher and identifier merger.
func New(cfg Config) (*Queue, error) {
	if cfg.StoragePath == "" {
		return nil, &Error{Kind: ErrorStorageIO, Err: fmt.Errorf("queue: StoragePath is required")}
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("queue: Transport is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	st, err := store.Open(cfg.StoragePath, log)
	if err != nil {
		return nil, &Error{Kind: ErrorStorageIO, Err: err}
	}

	d := dispatch.New()
	merger := identifier.New(log)

	q := &Queue{
		log:        log,
		metrics:    newMetrics(cfg.MetricsRegistry),
		store:      st,
		dispatcher: d,
	}

	proc := processor.New(log, st, d, cfg.Transport, merger, cfg.IdentifierExtractor, processor.Config{
		MaxConcurrentNonBarrier: cfg.MaxConcurrentNonBarrier,
	})
	proc.OnRetry(func() { q.metrics.retries.Inc() })

	var schedOpts []scheduler.Option
	if watcher, ok := cfg.Transport.(scheduler.ConnectivityWatcher); ok {
		schedOpts = append(schedOpts, scheduler.WithConnectivityWatcher(watcher))
	}
	sched := scheduler.New(log, proc, schedOpts...)
	proc.AttachScheduler(sched)

	q.proc = proc
	q.sched = sched

	// Requests recovered from a prior crash already sit in the reopened
	// store; the scheduler otherwise starts idle and would leave them
	// frozen until some later Append/Flush call happened to nudge it,
	// defeating the durable queue's whole point of surviving a restart.
	if st.Count() > 0 {
		sched.DidEnqueueNewRequest()
	}

	d.Register(dispatch.HandlerFunc(func(_ request.Request, outcome dispatch.Outcome) {
		if outcome.Kind != dispatch.KindSuccess {
			q.metrics.dropped.Inc()
		}
		q.metrics.depth.Set(float64(st.Count()))
		q.metrics.inFlight.Set(float64(proc.InFlightCount()))
	}))

	q.applyDefaults = func(req request.Request) request.Request {
		if req.Config.Policy.MaxAttempts == 0 {
			req.Config.Policy.MaxAttempts = cfg.DefaultMaxAttempts
		}
		if req.Config.Policy.Backoff == (request.BackoffPolicy{}) {
			req.Config.Policy.Backoff = cfg.DefaultBackoff
		}
		return req
	}

	return q, nil
}

// applyDefaults fills in a request's policy from the queue's configured
// defaults wherever the caller left it unset. It is a field, not a method,
// because it closes over the Config passed to New.
type defaultsFunc = func(request.Request) request.Request

// Append durably enqueues req at the tail and nudges the scheduler, per
// spec §4.A/§4.C.
func (q *Queue) Append(req request.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	req = q.applyDefaults(req)
	if err := q.store.Append(req); err != nil {
		if err == store.ErrExhausted {
			q.log.Error("append rejected, queue key-space exhausted", zap.String("tag", req.Config.Tag))
			return &Error{Kind: ErrorStorageFull, Err: err}
		}
		return &Error{Kind: ErrorStorageIO, Err: err}
	}
	q.metrics.depth.Set(float64(q.store.Count()))
	q.sched.DidEnqueueNewRequest()
	return nil
}

// Register adds handler to the set notified of future outcomes and
// returns a token usable with Unregister.
func (q *Queue) Register(handler dispatch.Handler) dispatch.Token {
	return q.dispatcher.Register(handler)
}

// Unregister stops delivering outcomes to the handler behind token.
func (q *Queue) Unregister(token dispatch.Token) {
	q.dispatcher.Unregister(token)
}

// Abort cancels req if it is in flight, or removes it from the queue if it
// is still pending, delivering Outcome::Aborted either way.
func (q *Queue) Abort(req request.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	req = q.applyDefaults(req)
	if err := q.proc.Abort(req); err != nil {
		return &Error{Kind: ErrorStorageIO, Err: err}
	}
	return nil
}

// Flush forces an immediate dispatch attempt, clearing any pending backoff.
func (q *Queue) Flush() {
	q.sched.Flush()
}

// Map rewrites every queued request via fn, preserving count and order.
// It is exposed for entity models that need to reshape queued requests
// outside of the identifier-merge path (spec §4.A/§8).
func (q *Queue) Map(fn func(request.Request) request.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Map(fn); err != nil {
		return &Error{Kind: ErrorStorageIO, Err: err}
	}
	return nil
}

// Count reports how many requests are currently durably queued.
func (q *Queue) Count() uint64 {
	return q.store.Count()
}

// Close stops the scheduler's backoff timer and releases the storage
// directory lock. Only the lock release can fail; its error is collected
// with go-multierror the way the teacher aggregates shutdown failures.
func (q *Queue) Close() error {
	q.sched.Close()

	var result *multierror.Error
	if err := q.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
