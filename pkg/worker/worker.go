// Package worker implements the driver-side handle to one agent's capacity
// slots: a bounded-concurrency semaphore, the set of
// in-flight tasks, the worker's sync progress, and admin-call proxies.
package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/fleetrun/pkg/metrics"
	"github.com/cuemby/fleetrun/pkg/rdiff"
	"github.com/cuemby/fleetrun/pkg/task"
)

// Worker is one remote execution slot pool: an agent address, a capacity
// permit pool, and the set of tasks currently assigned to it.
type Worker struct {
	agentAddr string
	capacity  int64
	sem       *semaphore.Weighted

	mu      sync.Mutex
	tasks   map[*task.Task]struct{}
	syncTag int
	syncing bool
}

// New builds a Worker for agentAddr with the given capacity. A capacity of
// 0 or less is clamped to 1; New never contacts the agent. Use Open to take
// the agent's logical CPU count (via _adm_cpu_count) as the capacity.
func New(agentAddr string, capacity int) *Worker {
	if capacity <= 0 {
		capacity = 1
	}
	return &Worker{
		agentAddr: agentAddr,
		capacity:  int64(capacity),
		sem:       semaphore.NewWeighted(int64(capacity)),
		tasks:     make(map[*task.Task]struct{}),
	}
}

// Open builds a Worker, using the agent's own reported CPU count as
// capacity when none is given.
func Open(ctx context.Context, agentAddr string, capacity int) (*Worker, error) {
	if capacity > 0 {
		return New(agentAddr, capacity), nil
	}
	w := New(agentAddr, 1)
	n, err := w.CPUCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: probe cpu count: %w", err)
	}
	w.capacity = int64(n)
	w.sem = semaphore.NewWeighted(int64(n))
	return w, nil
}

// AgentAddr returns the TCP address of this worker's agent endpoint.
func (w *Worker) AgentAddr() string { return w.agentAddr }

// Capacity returns the worker's total permit count.
func (w *Worker) Capacity() int64 { return w.capacity }

// Acquire blocks for a capacity permit. Admin tasks never call this.
func (w *Worker) Acquire(ctx context.Context) error {
	return w.sem.Acquire(ctx, 1)
}

// Release returns a capacity permit.
func (w *Worker) Release() {
	w.sem.Release(1)
}

// Forget removes t from the worker's task set, called once the task reaches
// a terminal state.
func (w *Worker) Forget(t *task.Task) {
	w.mu.Lock()
	delete(w.tasks, t)
	w.mu.Unlock()
}

// track adds t to the worker's task set; called by AssignTask before the
// task's goroutine starts running.
func (w *Worker) track(t *task.Task) {
	w.mu.Lock()
	w.tasks[t] = struct{}{}
	w.mu.Unlock()
}

// Utilization returns the fraction of capacity held by non-admin tasks.
func (w *Worker) Utilization() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.capacity == 0 {
		return 1
	}
	count := 0
	for t := range w.tasks {
		if !t.IsAdmin() {
			count++
		}
	}
	return float64(count) / float64(w.capacity)
}

// IsAvailable reports whether the worker has at least one free slot.
func (w *Worker) IsAvailable() bool {
	return w.Utilization() < 1
}

// SyncTag returns the last fully-applied sync layer index.
func (w *Worker) SyncTag() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncTag
}

// Syncing reports whether a sync is currently being applied.
func (w *Worker) Syncing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncing
}

// SetSyncing marks the worker's sync-in-progress flag.
func (w *Worker) SetSyncing(v bool) {
	w.mu.Lock()
	w.syncing = v
	w.mu.Unlock()
}

// AssignTask tracks t against this worker and starts its execution
// goroutine.
func (w *Worker) AssignTask(ctx context.Context, t *task.Task) {
	w.track(t)
	t.AssignTo(ctx, w)
}

// adminCall constructs an admin Task, assigns it to this worker, joins it,
// and returns its result.
func (w *Worker) adminCall(ctx context.Context, identifier string, kwargs map[string]any) (any, error) {
	t := task.New(identifier, kwargs)
	w.AssignTask(ctx, t)
	return t.Join(ctx)
}

// Hello calls the worker's _adm_hello.
func (w *Worker) Hello(ctx context.Context) (string, error) {
	result, err := w.adminCall(ctx, "_adm_hello", nil)
	if err != nil {
		return "", err
	}
	s, _ := result.(string)
	return s, nil
}

// CPUCount calls the worker's _adm_cpu_count.
func (w *Worker) CPUCount(ctx context.Context) (int, error) {
	result, err := w.adminCall(ctx, "_adm_cpu_count", nil)
	if err != nil {
		return 0, err
	}
	switch n := result.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("worker: unexpected cpu_count response type %T", result)
	}
}

// List calls the worker's _adm_list.
func (w *Worker) List(ctx context.Context) ([]string, error) {
	result, err := w.adminCall(ctx, "_adm_list", nil)
	if err != nil {
		return nil, err
	}
	raw, ok := result.([]any)
	if !ok {
		if ss, ok := result.([]string); ok {
			return ss, nil
		}
		return nil, fmt.Errorf("worker: unexpected list response type %T", result)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Suspend SIGSTOPs the child process running remoteUUID.
func (w *Worker) Suspend(ctx context.Context, remoteUUID string) error {
	_, err := w.adminCall(ctx, "_adm_suspend", map[string]any{"uuid": remoteUUID})
	return err
}

// Resume SIGCONTs the child process running remoteUUID.
func (w *Worker) Resume(ctx context.Context, remoteUUID string) error {
	_, err := w.adminCall(ctx, "_adm_resume", map[string]any{"uuid": remoteUUID})
	return err
}

// dirSignature calls the worker's _adm_dir_signature and returns the raw
// compressed signature bytes.
func (w *Worker) dirSignature(ctx context.Context, subpath string, isDir bool) ([]byte, error) {
	result, err := w.adminCall(ctx, "_adm_dir_signature", map[string]any{
		"subpath": subpath,
		"is_dir":  isDir,
	})
	if err != nil {
		return nil, err
	}
	return decodeResultBytes(result)
}

// dirPatch calls the worker's _adm_dir_patch, then _adm_clean_cache so
// newly written code becomes visible.
func (w *Worker) dirPatch(ctx context.Context, subpath string, delta []byte) error {
	if _, err := w.adminCall(ctx, "_adm_dir_patch", map[string]any{
		"subpath": subpath,
		"delta":   delta,
	}); err != nil {
		return err
	}
	_, err := w.adminCall(ctx, "_adm_clean_cache", nil)
	return err
}

// CalcDirDelta remotely signs path on this worker, then locally computes a
// delta against the driver's own copy of path using the external rdiff
// tool, returning the compressed delta. Exactly
// one worker per sync layer ever calls this; every other worker receives
// the precomputed delta via SyncWithDelta.
func (w *Worker) CalcDirDelta(ctx context.Context, path string, isDir bool) ([]byte, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDeltaComputeDuration)

	remoteSig, err := w.dirSignature(ctx, path, isDir)
	if err != nil {
		return nil, fmt.Errorf("worker: remote signature: %w", err)
	}
	sig, err := rdiff.Decompress(remoteSig)
	if err != nil {
		return nil, fmt.Errorf("worker: decompress signature: %w", err)
	}
	delta, err := rdiff.Delta(sig, path)
	if err != nil {
		return nil, fmt.Errorf("worker: compute delta: %w", err)
	}
	return rdiff.Compress(delta)
}

// SyncWithDelta applies a precomputed compressed delta to this worker and,
// on success, advances its sync_tag.
func (w *Worker) SyncWithDelta(ctx context.Context, path string, compressedDelta []byte) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncApplyDuration)

	if err := w.dirPatch(ctx, path, compressedDelta); err != nil {
		return err
	}
	w.mu.Lock()
	w.syncTag++
	w.mu.Unlock()
	return nil
}

func decodeResultBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(t)
		if err != nil {
			return nil, fmt.Errorf("worker: decode base64 payload: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("worker: unexpected byte-payload response type %T", v)
	}
}
