package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribd/lucid-requestqueue/internal/dispatch"
	"github.com/scribd/lucid-requestqueue/internal/identifier"
	"github.com/scribd/lucid-requestqueue/internal/request"
	"github.com/scribd/lucid-requestqueue/internal/store"
	"github.com/scribd/lucid-requestqueue/transport"
)

// stubTransport resolves Send calls for a given request tag according to
// a script the test installs, optionally blocking until released.
type stubTransport struct {
	mu      sync.Mutex
	scripts map[string][]scriptedResponse
	calls   map[string]int
	block   map[string]chan struct{}
}

type scriptedResponse struct {
	result transport.Result
	err    error
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		scripts: make(map[string][]scriptedResponse),
		calls:   make(map[string]int),
		block:   make(map[string]chan struct{}),
	}
}

func (s *stubTransport) script(tag string, responses ...scriptedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[tag] = responses
}

func (s *stubTransport) blockOn(tag string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.block[tag] = ch
	return ch
}

func (s *stubTransport) Send(ctx context.Context, req request.Request) (transport.Result, error) {
	tag := req.Config.Tag

	s.mu.Lock()
	if ch, ok := s.block[tag]; ok {
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return transport.Result{}, ctx.Err()
		}
		s.mu.Lock()
	}
	n := s.calls[tag]
	s.calls[tag] = n + 1
	responses := s.scripts[tag]
	s.mu.Unlock()

	if n >= len(responses) {
		if len(responses) == 0 {
			return transport.Result{StatusCode: 200}, nil
		}
		return responses[len(responses)-1].result, responses[len(responses)-1].err
	}
	return responses[n].result, responses[n].err
}

type recordingHandler struct {
	mu       sync.Mutex
	outcomes []dispatch.Outcome
	tags     []string
}

func (h *recordingHandler) OnOutcome(req request.Request, outcome dispatch.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outcomes = append(h.outcomes, outcome)
	h.tags = append(h.tags, req.Config.Tag)
}

func (h *recordingHandler) snapshot() ([]string, []dispatch.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tags := make([]string, len(h.tags))
	copy(tags, h.tags)
	outcomes := make([]dispatch.Outcome, len(h.outcomes))
	copy(outcomes, h.outcomes)
	return tags, outcomes
}

type noopScheduler struct{}

func (noopScheduler) RequestDidSucceed(bool)                            {}
func (noopScheduler) RequestDidFail(bool, request.BackoffPolicy) {}

func newTestProcessor(t *testing.T, tr transport.Client, cfg Config) (*Processor, *store.Store, *dispatch.Dispatcher, *recordingHandler) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := dispatch.New()
	h := &recordingHandler{}
	d.Register(h)

	p := New(nil, s, d, tr, identifier.New(nil), nil, cfg)
	p.AttachScheduler(noopScheduler{})
	return p, s, d, h
}

func reqWithTag(tag string) request.Request {
	return request.Request{Config: request.Config{Method: request.MethodGet, PathTemplate: "/x", Tag: tag}}
}

func TestProcessNextDeliversSuccessAndDrainsQueue(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	tr := newStubTransport()
	p, s, _, h := newTestProcessor(t, tr, Config{MaxConcurrentNonBarrier: 1})

	r.NoError(s.Append(reqWithTag("one")))
	p.ProcessNext()

	a.Eventually(func() bool {
		tags, _ := h.snapshot()
		return len(tags) == 1
	}, time.Second, time.Millisecond)

	tags, outcomes := h.snapshot()
	a.Equal([]string{"one"}, tags)
	a.Equal(dispatch.KindSuccess, outcomes[0].Kind)
	a.True(s.IsEmpty())
}

func TestNonBarrierRequestsDispatchConcurrentlyUpToLimit(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	tr := newStubTransport()
	block1 := tr.blockOn("one")
	p, s, _, h := newTestProcessor(t, tr, Config{MaxConcurrentNonBarrier: 2})

	r.NoError(s.Append(reqWithTag("one")))
	r.NoError(s.Append(reqWithTag("two")))
	p.ProcessNext()

	a.Eventually(func() bool {
		tags, _ := h.snapshot()
		for _, tg := range tags {
			if tg == "two" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "second non-barrier request should dispatch while the first is still blocked")

	close(block1)
	a.Eventually(func() bool {
		tags, _ := h.snapshot()
		return len(tags) == 2
	}, time.Second, time.Millisecond)
}

func TestBarrierBlocksLaterRequestsUntilItCompletes(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	tr := newStubTransport()
	block := tr.blockOn("barrier-req")
	p, s, _, h := newTestProcessor(t, tr, Config{MaxConcurrentNonBarrier: 5})

	barrierReq := reqWithTag("barrier-req")
	barrierReq.Config.Policy.Barrier = true
	r.NoError(s.Append(barrierReq))
	r.NoError(s.Append(reqWithTag("after")))
	p.ProcessNext()

	time.Sleep(20 * time.Millisecond)
	tags, _ := h.snapshot()
	a.Empty(tags, "no request should complete while the barrier is in flight")

	close(block)
	a.Eventually(func() bool {
		tags, _ := h.snapshot()
		return len(tags) == 2
	}, time.Second, time.Millisecond)

	tags, _ = h.snapshot()
	a.Equal([]string{"barrier-req", "after"}, tags)
}

func TestDeduplicationMergesHandlersOntoInFlightRequest(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	tr := newStubTransport()
	block := tr.blockOn("dup")
	p, s, _, h := newTestProcessor(t, tr, Config{MaxConcurrentNonBarrier: 5})

	dup := reqWithTag("dup")
	dup.Config.Deduplicate = true
	r.NoError(s.Append(dup))
	p.ProcessNext()

	time.Sleep(10 * time.Millisecond)
	r.NoError(s.Append(dup))
	p.ProcessNext()
	a.EqualValues(1, s.Count(), "the duplicate entry is merged away immediately, leaving only the in-flight original")

	close(block)
	a.Eventually(func() bool {
		tags, _ := h.snapshot()
		return len(tags) == 2
	}, time.Second, time.Millisecond)
}

func TestRetryOnTransientFailurePrependsWithIncrementedAttemptCount(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	tr := newStubTransport()
	tr.script("flaky",
		scriptedResponse{err: &transport.Error{Kind: transport.ErrorTransient, Err: assert.AnError}},
		scriptedResponse{err: &transport.Error{Kind: transport.ErrorTransient, Err: assert.AnError}},
		scriptedResponse{result: transport.Result{StatusCode: 200}},
	)
	p, s, _, h := newTestProcessor(t, tr, Config{MaxConcurrentNonBarrier: 1})

	req := reqWithTag("flaky")
	req.Config.Policy.Retry = request.RetryOnNetworkErrors
	req.Config.Policy.MaxAttempts = 5
	r.NoError(s.Append(req))

	for i := 0; i < 3; i++ {
		p.ProcessNext()
		a.Eventually(func() bool { return !hasInFlight(p) }, time.Second, time.Millisecond)
	}

	tags, outcomes := h.snapshot()
	a.Equal([]string{"flaky"}, tags)
	a.Equal(dispatch.KindSuccess, outcomes[0].Kind)
	a.EqualValues(3, outcomes[0].AttemptCount, "two retries were prepended, so the successful third dispatch reports three attempts")
}

func hasInFlight(p *Processor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight) > 0
}

func TestAbortOfQueuedRequestDeliversAbortedImmediately(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	tr := newStubTransport()
	tr.blockOn("in-flight")
	p, s, _, h := newTestProcessor(t, tr, Config{MaxConcurrentNonBarrier: 1})

	inFlightReq := reqWithTag("in-flight")
	r.NoError(s.Append(inFlightReq))
	p.ProcessNext()
	a.Eventually(func() bool { return hasInFlight(p) }, time.Second, time.Millisecond)

	queuedReq := reqWithTag("queued")
	r.NoError(s.Append(queuedReq))

	r.NoError(p.Abort(queuedReq))
	a.Eventually(func() bool {
		tags, _ := h.snapshot()
		return len(tags) == 1
	}, time.Second, time.Millisecond)

	tags, outcomes := h.snapshot()
	a.Equal([]string{"queued"}, tags)
	a.Equal(dispatch.KindAborted, outcomes[0].Kind)
}

func TestAbortInFlightRequestCancelsTransportAndDeliversAborted(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	tr := newStubTransport()
	tr.blockOn("slow")
	p, s, _, h := newTestProcessor(t, tr, Config{MaxConcurrentNonBarrier: 1})

	req := reqWithTag("slow")
	r.NoError(s.Append(req))
	p.ProcessNext()

	a.Eventually(func() bool { return hasInFlight(p) }, time.Second, time.Millisecond)
	r.NoError(p.Abort(req))

	a.Eventually(func() bool {
		tags, _ := h.snapshot()
		return len(tags) == 1
	}, time.Second, time.Millisecond)
	tags, outcomes := h.snapshot()
	a.Equal([]string{"slow"}, tags)
	a.Equal(dispatch.KindAborted, outcomes[0].Kind)
}
