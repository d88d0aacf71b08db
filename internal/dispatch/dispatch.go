// Package dispatch implements the Response Dispatcher from spec §4.E:
// handler registration and FIFO-per-handler outcome delivery.
package dispatch

import (
	"sync"

	"github.com/google/uuid"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

// Kind distinguishes the three shapes an Outcome can take.
type Kind uint8

const (
	KindSuccess Kind = iota
	KindFailed
	KindAborted
)

// ErrorKind mirrors the taxonomy a processor attaches to a Failed outcome.
type ErrorKind uint8

const (
	ErrorUnknown ErrorKind = iota
	ErrorTransportTransient
	ErrorTransportTerminal
)

// Outcome is delivered to every registered handler exactly once per
// terminal request, per spec §6's Handler interface.
type Outcome struct {
	Kind Kind

	StatusCode int
	Headers    map[string][]string
	Body       []byte

	ErrorKind ErrorKind
	Err       error

	AbortReason string

	// AttemptCount is how many times the request was dispatched before
	// reaching this terminal outcome (spec §8 scenario 3: "final handler
	// notification Failed with attempt_count=3").
	AttemptCount uint32
}

// Handler receives outcomes for requests it was registered to observe.
type Handler interface {
	OnOutcome(req request.Request, outcome Outcome)
}

// HandlerFunc adapts a plain function to Handler, the way net/http.HandlerFunc
// adapts a function to http.Handler.
type HandlerFunc func(req request.Request, outcome Outcome)

// OnOutcome implements Handler.
func (f HandlerFunc) OnOutcome(req request.Request, outcome Outcome) { f(req, outcome) }

// Token identifies a registered handler so it can later be unregistered.
type Token uuid.UUID

type delivery struct {
	req     request.Request
	outcome Outcome
}

// registration owns a single worker goroutine draining its own delivery
// channel, which is what makes FIFO ordering per handler hold regardless
// of how Dispatch's callers interleave: the channel, not a mutex, is the
// ordering primitive, since goroutines racing for a mutex make no FIFO
// guarantee on their own.
type registration struct {
	handler Handler
	pending chan delivery
	done    chan struct{}
}

func newRegistration(handler Handler) *registration {
	r := &registration{
		handler: handler,
		pending: make(chan delivery, 64),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *registration) run() {
	for {
		select {
		case d := <-r.pending:
			r.handler.OnOutcome(d.req, d.outcome)
		case <-r.done:
			return
		}
	}
}

func (r *registration) stop() {
	close(r.done)
}

// Dispatcher tracks registered handlers and delivers outcomes to them in
// FIFO order per handler, matching completion order of requests (spec §4.E,
// §5.4).
type Dispatcher struct {
	mu   sync.Mutex
	regs map[Token]*registration
}

// New constructs an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{regs: make(map[Token]*registration)}
}

// Register adds handler to the set notified of future outcomes.
func (d *Dispatcher) Register(handler Handler) Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	token := Token(uuid.New())
	d.regs[token] = newRegistration(handler)
	return token
}

// Unregister stops delivering outcomes to the handler behind token.
func (d *Dispatcher) Unregister(token Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.regs[token]; ok {
		r.stop()
		delete(d.regs, token)
	}
}

// Dispatch delivers outcome for req to every currently registered handler.
// Delivery to distinct handlers happens concurrently; delivery to the same
// handler is strictly FIFO, since each handler's deliveries are enqueued,
// in call order, onto that handler's own channel and drained by its one
// worker goroutine.
func (d *Dispatcher) Dispatch(req request.Request, outcome Outcome) {
	d.mu.Lock()
	regs := make([]*registration, 0, len(d.regs))
	for _, r := range d.regs {
		regs = append(regs, r)
	}
	d.mu.Unlock()

	for _, r := range regs {
		r.pending <- delivery{req: req, outcome: outcome}
	}
}

// Count reports the number of currently registered handlers, used in tests.
func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regs)
}
