// Package cluster implements the top-level controller: it holds
// platforms (each owning services, each owning workers), runs the
// cooperative scheduler loop that maps queued tasks onto available worker
// slots, and drives the sync stack so no worker runs code from a snapshot
// it hasn't yet received.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetrun/pkg/events"
	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/metrics"
	"github.com/cuemby/fleetrun/pkg/platform"
	"github.com/cuemby/fleetrun/pkg/syncstack"
	"github.com/cuemby/fleetrun/pkg/task"
	"github.com/cuemby/fleetrun/pkg/worker"
)

// ScheduleInterval is how often the scheduler loop re-evaluates the queue
// against available worker slots.
const ScheduleInterval = 100 * time.Millisecond

// Config configures a Cluster at construction.
type Config struct {
	Platforms      []platform.Platform
	PlatformOpts   platform.Options
	SyncCurrentDir bool
}

// Cluster owns platforms, runs the scheduler, and exposes Submit/Map/Clean.
type Cluster struct {
	platforms []platform.Platform
	sync      *syncstack.SyncStack

	mu          sync.Mutex
	queue       []*task.Task
	workers     []*worker.Worker
	wasSyncing  map[*worker.Worker]bool

	events *events.Broker

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// Events returns the Cluster's lifecycle event broker. Subscribers receive
// task and worker-sync notifications published while this Cluster runs.
func (c *Cluster) Events() *events.Broker {
	return c.events
}

// New provisions every configured platform in parallel, starts the
// scheduler loop, and optionally appends the current directory as the sync
// stack's first layer.
func New(ctx context.Context, cfg Config) (*Cluster, error) {
	c := &Cluster{
		platforms:  cfg.Platforms,
		sync:       syncstack.New(),
		events:     events.NewBroker(),
		wasSyncing: make(map[*worker.Worker]bool),
		logger:     log.WithComponent("cluster"),
	}
	c.events.Start()
	task.SetBroker(c.events)

	if err := c.prepareAll(ctx, cfg.PlatformOpts); err != nil {
		return nil, err
	}
	c.collectWorkers()

	if cfg.SyncCurrentDir {
		c.sync.Append(".", true)
		metrics.SyncLayersTotal.Inc()
	}

	schedCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.scheduleLoop(schedCtx)

	return c, nil
}

func (c *Cluster) prepareAll(ctx context.Context, opts platform.Options) error {
	var wg sync.WaitGroup
	errs := make([]error, len(c.platforms))
	for i, p := range c.platforms {
		wg.Add(1)
		go func(i int, p platform.Platform) {
			defer wg.Done()
			if err := p.PrepareServices(ctx, opts); err != nil {
				errs[i] = fmt.Errorf("cluster: prepare platform %s: %w", p.Name(), err)
			}
		}(i, p)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// collectWorkers flattens platforms->services->workers into insertion
// order, matching the "worker iteration order is insertion order
// across platforms/services".
func (c *Cluster) collectWorkers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = c.workers[:0]
	for _, p := range c.platforms {
		for _, s := range p.Services() {
			c.workers = append(c.workers, s.Workers()...)
		}
	}
	c.refreshWorkerGaugeLocked()
}

// refreshWorkerGaugeLocked recomputes fleetrun_workers_total by platform and
// sync state. Callers must hold c.mu.
func (c *Cluster) refreshWorkerGaugeLocked() {
	counts := make(map[[2]string]float64)
	for _, p := range c.platforms {
		for _, s := range p.Services() {
			for _, w := range s.Workers() {
				state := "synced"
				if w.Syncing() {
					state = "syncing"
				}
				counts[[2]string{p.Name(), state}]++
			}
		}
	}
	for key, count := range counts {
		metrics.WorkersTotal.WithLabelValues(key[0], key[1]).Set(count)
	}
}

// SyncDir appends a new layer to the sync stack. Every worker assignment made after this call returns
// observes sync_tag >= the index of this layer once the scheduler catches
// that worker up.
func (c *Cluster) SyncDir(path string, isDir bool) {
	c.sync.Append(path, isDir)
	metrics.SyncLayersTotal.Inc()
	c.events.Publish(&events.Event{Type: events.EventLayerAppended, Message: path})
}

// Submit constructs a Task for identifier/kwargs, enqueues it FIFO, and
// returns it immediately without blocking for assignment.
func (c *Cluster) Submit(identifier string, kwargs map[string]any) *task.Task {
	t := task.New(identifier, kwargs)
	c.mu.Lock()
	c.queue = append(c.queue, t)
	queued := len(c.queue)
	c.mu.Unlock()
	metrics.TasksQueued.Set(float64(queued))
	return t
}

// Map submits one task per element of kwargsList and returns their results
// in submission order, joining each task in turn. The
// first TaskError encountered is returned; tasks still running at that
// point are not cancelled.
func (c *Cluster) Map(ctx context.Context, identifier string, kwargsList []map[string]any) ([]any, error) {
	tasks := make([]*task.Task, len(kwargsList))
	for i, kwargs := range kwargsList {
		tasks[i] = c.Submit(identifier, kwargs)
	}

	results := make([]any, len(tasks))
	for i, t := range tasks {
		result, err := t.Join(ctx)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

// scheduleLoop is the single cooperative scheduler task: it wakes every
// ScheduleInterval, quiesces or drains workers behind the sync stack, and
// otherwise hands queued tasks to available slots.
func (c *Cluster) scheduleLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.scheduleOnce(ctx)
		}
	}
}

func (c *Cluster) scheduleOnce(ctx context.Context) {
	c.mu.Lock()
	workers := make([]*worker.Worker, len(c.workers))
	copy(workers, c.workers)
	c.refreshWorkerGaugeLocked()
	c.mu.Unlock()

	for _, w := range workers {
		c.trackSyncTransition(w)
		if c.needSync(w) {
			c.syncWorker(ctx, w)
			continue
		}
		for w.IsAvailable() {
			t := c.popQueue()
			if t == nil {
				break
			}
			w.AssignTask(ctx, t)
		}
	}
}

// trackSyncTransition publishes EventWorkerSynced the tick a worker's
// syncing flag drops back to false, since SyncStack.StartSync applies
// layers in its own goroutine with no completion callback to hook directly.
func (c *Cluster) trackSyncTransition(w *worker.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	syncing := w.Syncing()
	if c.wasSyncing[w] && !syncing {
		c.events.Publish(&events.Event{Type: events.EventWorkerSynced, Message: w.AgentAddr()})
	}
	c.wasSyncing[w] = syncing
}

// needSync mirrors the need_sync(w) := w.syncing OR
// sync_stack.need_sync(w) OR sync_stack.has_unknown_delta().
func (c *Cluster) needSync(w *worker.Worker) bool {
	return w.Syncing() || c.sync.NeedSync(w) || c.sync.HasUnknownDelta()
}

// syncWorker mirrors the sync_worker(w).
func (c *Cluster) syncWorker(ctx context.Context, w *worker.Worker) {
	if w.Syncing() {
		return
	}
	if c.sync.NeedSync(w) {
		c.events.Publish(&events.Event{Type: events.EventWorkerSyncing, Message: w.AgentAddr()})
		c.sync.StartSync(ctx, w)
		return
	}
	if c.sync.HasUnknownDelta() && w.SyncTag() == c.sync.LatestTag() {
		if err := c.sync.UpdateDelta(ctx, w); err != nil {
			c.logger.Warn().Err(err).Str("agent_addr", w.AgentAddr()).Msg("delta computation failed")
			return
		}
		c.sync.StartSync(ctx, w)
	}
}

func (c *Cluster) popQueue() *task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	t := c.queue[0]
	c.queue = c.queue[1:]
	metrics.TasksQueued.Set(float64(len(c.queue)))
	return t
}

// Clean stops the scheduler and tears down every platform in parallel.
// Already-dispatched tasks are not forcibly aborted; it is safe to call with the queue non-empty.
func (c *Cluster) Clean(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.events.Stop()

	var wg sync.WaitGroup
	errs := make([]error, len(c.platforms))
	for i, p := range c.platforms {
		wg.Add(1)
		go func(i int, p platform.Platform) {
			defer wg.Done()
			if err := p.Clean(ctx); err != nil {
				errs[i] = fmt.Errorf("cluster: clean platform %s: %w", p.Name(), err)
			}
		}(i, p)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
