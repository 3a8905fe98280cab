package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetrun/pkg/agent"
	"github.com/cuemby/fleetrun/pkg/platform"
	"github.com/cuemby/fleetrun/pkg/worker"
)

// startEchoAgent runs a real agent exposing one "test:echo" identifier and
// returns its address.
func startEchoAgent(t *testing.T) string {
	t.Helper()
	a := agent.New()
	a.Register("test:echo", func(ctx context.Context, kwargs map[string]any) (any, error) {
		return kwargs["value"], nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addrCh := make(chan string, 1)
	go func() {
		go func() {
			for {
				if addr := a.Addr(); addr != nil {
					addrCh <- addr.String()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
		_ = a.Serve(ctx, 0)
	}()

	select {
	case addr := <-addrCh:
		return addr
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not bind in time")
		return ""
	}
}

// fakePlatform wraps a fixed set of already-running workers, standing in
// for real provisioning in scheduler tests.
type fakePlatform struct {
	workers []*worker.Worker
}

func (p *fakePlatform) Name() string { return "fake" }
func (p *fakePlatform) PrepareServices(ctx context.Context, opts platform.Options) error {
	return nil
}
func (p *fakePlatform) Services() []platform.Service {
	return []platform.Service{&fakeService{workers: p.workers}}
}
func (p *fakePlatform) Clean(ctx context.Context) error { return nil }

type fakeService struct{ workers []*worker.Worker }

func (s *fakeService) Name() string                  { return "fake-service" }
func (s *fakeService) Workers() []*worker.Worker      { return s.workers }
func (s *fakeService) Clean(ctx context.Context) error { return nil }

func TestClusterSubmitAndJoin(t *testing.T) {
	addr := startEchoAgent(t)
	w := worker.New(addr, 2)

	ctx := context.Background()
	c, err := New(ctx, Config{Platforms: []platform.Platform{&fakePlatform{workers: []*worker.Worker{w}}}})
	require.NoError(t, err)
	defer c.Clean(ctx)

	task := c.Submit("test:echo", map[string]any{"value": 7.0})

	joinCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	result, err := task.Join(joinCtx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, result)
}

func TestClusterMapPreservesOrder(t *testing.T) {
	addr := startEchoAgent(t)
	w := worker.New(addr, 3)

	ctx := context.Background()
	c, err := New(ctx, Config{Platforms: []platform.Platform{&fakePlatform{workers: []*worker.Worker{w}}}})
	require.NoError(t, err)
	defer c.Clean(ctx)

	kwargsList := []map[string]any{
		{"value": 1.0}, {"value": 2.0}, {"value": 3.0},
	}

	mapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	results, err := c.Map(mapCtx, "test:echo", kwargsList)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, results)
}

func TestCleanIsSafeWithNonEmptyQueue(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, Config{Platforms: nil})
	require.NoError(t, err)

	c.Submit("never:runs", nil)
	assert.NoError(t, c.Clean(ctx))
}
