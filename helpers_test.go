package memgate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/velmie/memgate"
	"github.com/velmie/memgate/audit"
	"github.com/velmie/memgate/correlation"
	"github.com/velmie/memgate/downstream"
	"github.com/velmie/memgate/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scriptedClient returns queued results in order, repeating the last one.
type scriptedClient struct {
	mu      sync.Mutex
	results []scriptedResult
	calls   []string
	ids     []string
}

type scriptedResult struct {
	id  string
	err error
}

func (c *scriptedClient) Store(ctx context.Context, content string, _ map[string]any) (downstream.StoreResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, content)
	c.ids = append(c.ids, correlation.FromContext(ctx).String())
	if len(c.results) == 0 {
		return downstream.StoreResult{ID: "mem-default"}, nil
	}
	next := c.results[0]
	if len(c.results) > 1 {
		c.results = c.results[1:]
	}
	if next.err != nil {
		return downstream.StoreResult{}, next.err
	}
	return downstream.StoreResult{ID: next.id}, nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func okClient(id string) *scriptedClient {
	return &scriptedClient{results: []scriptedResult{{id: id}}}
}

func failingClient(err error) *scriptedClient {
	return &scriptedClient{results: []scriptedResult{{err: err}}}
}

type recordingNotifier struct {
	mu      sync.Mutex
	records []audit.Record
}

func (n *recordingNotifier) Notify(_ context.Context, record audit.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, record)
	return nil
}

func (n *recordingNotifier) Reasons() []audit.Reason {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]audit.Reason, 0, len(n.records))
	for _, r := range n.records {
		out = append(out, r.Reason)
	}
	return out
}

func newMemStore(t *testing.T, clock *fakeClock) *memstore.Store {
	t.Helper()
	return memstore.New(
		memstore.WithClock(clock),
		memstore.WithBackoff(memgate.Backoff{Base: time.Second, Max: time.Minute, Factor: 2}),
	)
}

func reasonsOf(records []audit.Record) []audit.Reason {
	out := make([]audit.Reason, 0, len(records))
	for _, r := range records {
		out = append(out, r.Reason)
	}
	return out
}
