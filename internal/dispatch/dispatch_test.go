package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribd/lucid-requestqueue/internal/request"
)

type recordingHandler struct {
	mu   sync.Mutex
	tags []string
}

func (h *recordingHandler) OnOutcome(req request.Request, outcome Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tags = append(h.tags, req.Config.Tag)
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.tags))
	copy(out, h.tags)
	return out
}

func reqWithTag(tag string) request.Request {
	return request.Request{Config: request.Config{Tag: tag}}
}

func TestDispatchDeliversToAllRegisteredHandlers(t *testing.T) {
	a := assert.New(t)
	d := New()

	h1 := &recordingHandler{}
	h2 := &recordingHandler{}
	d.Register(h1)
	d.Register(h2)

	d.Dispatch(reqWithTag("one"), Outcome{Kind: KindSuccess})

	a.Eventually(func() bool { return len(h1.snapshot()) == 1 }, time.Second, time.Millisecond)
	a.Eventually(func() bool { return len(h2.snapshot()) == 1 }, time.Second, time.Millisecond)
}

func TestUnregisterStopsFutureDelivery(t *testing.T) {
	a := assert.New(t)
	d := New()

	h := &recordingHandler{}
	token := d.Register(h)
	d.Dispatch(reqWithTag("one"), Outcome{Kind: KindSuccess})
	a.Eventually(func() bool { return len(h.snapshot()) == 1 }, time.Second, time.Millisecond)

	d.Unregister(token)
	d.Dispatch(reqWithTag("two"), Outcome{Kind: KindSuccess})
	time.Sleep(20 * time.Millisecond)
	a.Equal([]string{"one"}, h.snapshot())
	a.Equal(0, d.Count())
}

func TestDeliveryOrderPerHandlerIsFIFO(t *testing.T) {
	a := assert.New(t)
	r := require.New(t)
	d := New()

	h := &recordingHandler{}
	d.Register(h)

	for _, tag := range []string{"a", "b", "c", "d", "e"} {
		d.Dispatch(reqWithTag(tag), Outcome{Kind: KindSuccess})
	}

	r.Eventually(func() bool { return len(h.snapshot()) == 5 }, time.Second, time.Millisecond)
	a.Equal([]string{"a", "b", "c", "d", "e"}, h.snapshot())
}
