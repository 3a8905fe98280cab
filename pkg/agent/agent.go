// Package agent implements the Agent side of the protocol:
// a process that listens for Task connections, resolves an identifier to a
// registered function, and either runs it inline (admin identifiers) or
// isolates it in a re-exec'd child process.
package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/fleetrun/pkg/agentproc"
	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/metrics"
	"github.com/cuemby/fleetrun/pkg/port"
	"github.com/cuemby/fleetrun/pkg/wire"
)

// CallableFunc is the shape of a function the agent can expose to Tasks.
type CallableFunc func(ctx context.Context, kwargs map[string]any) (any, error)

// adminPrefix marks an identifier as one the agent must serve inline
// instead of isolating in a child process.
const adminPrefix = "_adm_"

// IsAdmin reports whether identifier names a built-in, in-process call.
func IsAdmin(identifier string) bool {
	return strings.HasPrefix(identifier, adminPrefix)
}

type processEntry struct {
	cmd    *os.Process
	exited atomic.Bool
}

// Agent accepts Task connections, resolves identifiers against a function
// store, and dispatches calls either inline (admin) or to a forked child.
type Agent struct {
	mu        sync.RWMutex
	functions map[string]CallableFunc

	processesMu sync.Mutex
	processes   map[string]*processEntry

	executable string
	listener   *port.Listener
	logger     zerolog.Logger

	cleanInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup

	// resolveExtra lets DynamicAgent hook in a fallback resolver for
	// identifiers not found in functions.
	resolveExtra func(identifier string) (CallableFunc, error)
}

// New builds an Agent with its admin identifiers already registered.
func New() *Agent {
	a := &Agent{
		functions:     make(map[string]CallableFunc),
		processes:     make(map[string]*processEntry),
		logger:        log.WithComponent("agent"),
		cleanInterval: 5 * time.Second,
		stopCh:        make(chan struct{}),
	}
	if exe, err := os.Executable(); err == nil {
		a.executable = exe
	}
	a.registerAdmin()
	return a
}

// Register exposes fn under identifier. Registering over an existing
// identifier replaces it.
func (a *Agent) Register(identifier string, fn CallableFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.functions[identifier] = fn
}

// Resolve looks identifier up in the function store, falling back to
// resolveExtra (DynamicAgent's module loader) when set.
func (a *Agent) Resolve(identifier string) (CallableFunc, error) {
	a.mu.RLock()
	fn, ok := a.functions[identifier]
	a.mu.RUnlock()
	if ok {
		return fn, nil
	}
	if a.resolveExtra != nil {
		return a.resolveExtra(identifier)
	}
	return nil, fmt.Errorf("agent: unknown identifier %q", identifier)
}

// Serve binds bindPort and runs the accept loop until ctx is cancelled.
func (a *Agent) Serve(ctx context.Context, bindPort int) error {
	ln, err := port.CreateListener(bindPort)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	a.logger.Info().Int("port", bindPort).Msg("agent listening")

	a.wg.Add(1)
	go a.cleanLoop()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		p, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			a.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go a.handleConn(p)
	}
}

// Addr returns the agent's bound listen address, useful when Serve was
// called with bindPort 0 to let the OS pick an ephemeral port. Returns nil
// before Serve has bound its listener.
func (a *Agent) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Stop halts the pool cleaner and waits for it to exit, and also waits for
// every forked child spawned so far to exit. It does not kill running
// children; that is left to the cluster's own task lifecycle.
func (a *Agent) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Agent) handleConn(p *port.Port) {
	taskUUID := uuid.New().String()
	if err := p.Write(taskUUID); err != nil {
		a.logger.Debug().Err(err).Msg("handshake write failed")
		p.Close()
		return
	}

	var req wire.Request
	if err := p.ReadInto(&req); err != nil {
		a.logger.Debug().Err(err).Msg("read request failed")
		p.Close()
		return
	}

	logger := a.logger.With().Str("task_uuid", taskUUID).Str("identifier", req.Identifier).Logger()

	if IsAdmin(req.Identifier) {
		metrics.AgentCallsTotal.WithLabelValues("admin", "accepted").Inc()
		a.handleAdmin(p, req, logger)
		return
	}
	metrics.AgentCallsTotal.WithLabelValues("forked", "accepted").Inc()
	a.handleForked(p, taskUUID, req, logger)
}

// handleAdmin runs an admin identifier inline, in the accepting goroutine,
// since admin calls are cheap introspection/control-plane operations that
// don't warrant process isolation.
func (a *Agent) handleAdmin(p *port.Port, req wire.Request, logger zerolog.Logger) {
	defer p.Close()

	fn, err := a.Resolve(req.Identifier)
	if err != nil {
		_ = p.Write(wire.NewCaughtFailure(err.Error(), ""))
		return
	}

	ctx := withPeerAddr(context.Background(), p.PeerAddr())
	result, caught := a.runCaught(ctx, fn, req.Kwargs)
	if caught != nil {
		logger.Warn().Str("exception", caught.exceptionRepr).Msg("admin call failed")
		_ = p.Write(wire.NewCaughtFailure(caught.exceptionRepr, caught.traceback))
		return
	}

	if d, ok := result.(wire.Dumper); ok {
		state, err := d.Dump()
		if err != nil {
			_ = p.Write(wire.NewCaughtFailure(fmt.Sprintf("dump error: %v", err), ""))
			return
		}
		_ = p.Write(state)
		return
	}
	_ = p.Write(result)
}

// handleForked isolates a non-admin call in a re-exec'd child process (spec
// §9): it duplicates the connection's fd, hands it to the child via
// agentproc.Spawn, then releases its own references without shutting down
// the socket so the child's copy survives.
func (a *Agent) handleForked(p *port.Port, taskUUID string, req wire.Request, logger zerolog.Logger) {
	connFile, err := p.File()
	if err != nil {
		logger.Error().Err(err).Msg("cannot duplicate connection for child")
		_ = p.Write(wire.NewCaughtFailure(fmt.Sprintf("agent: %v", err), ""))
		p.Close()
		return
	}

	cmd, err := agentproc.Spawn(a.executable, connFile, agentproc.Request{
		Identifier: req.Identifier,
		Kwargs:     req.Kwargs,
	})
	// The child has its own dup2'd copy of connFile by the time Start()
	// returns (or Start failed outright); either way the parent's copy of
	// the duplicated fd is no longer needed.
	connFile.Close()
	if err != nil {
		logger.Error().Err(err).Msg("spawn failed")
		_ = p.Write(wire.NewCaughtFailure(fmt.Sprintf("agent: spawn failed: %v", err), ""))
		p.Close()
		return
	}

	// The child now owns its own descriptor for this connection. Release
	// ours without issuing shutdown(2), which would sever the child's copy
	// too (see Port.CloseAfterHandoff).
	p.CloseAfterHandoff()

	entry := &processEntry{cmd: cmd.Process}
	a.processesMu.Lock()
	a.processes[taskUUID] = entry
	a.processesMu.Unlock()
	metrics.AgentChildrenActive.Inc()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer metrics.AgentChildrenActive.Dec()
		if err := cmd.Wait(); err != nil {
			logger.Debug().Err(err).Msg("child process exited with error")
		}
		entry.exited.Store(true)
	}()
}

// caughtError carries the two strings a CaughtFailure needs.
type caughtError struct {
	exceptionRepr string
	traceback     string
}

// runCaught calls fn, converting both a returned error and a panic into the
// same CaughtFailure-shaped description (mirrors agentproc.runCaught, kept
// separate because the admin path never leaves this process so there's no
// need to route it through the child-process protocol).
func (a *Agent) runCaught(ctx context.Context, fn CallableFunc, kwargs map[string]any) (result any, caught *caughtError) {
	defer func() {
		if r := recover(); r != nil {
			caught = &caughtError{exceptionRepr: fmt.Sprintf("panic: %v", r)}
		}
	}()
	result, err := fn(ctx, kwargs)
	if err != nil {
		return nil, &caughtError{exceptionRepr: err.Error()}
	}
	return result, nil
}

func (a *Agent) cleanLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.cleanProcesses()
		case <-a.stopCh:
			return
		}
	}
}

// cleanProcesses drops bookkeeping for children that have already exited,
// matching the "periodic pool cleaner" requirement.
func (a *Agent) cleanProcesses() {
	a.processesMu.Lock()
	defer a.processesMu.Unlock()
	for id, entry := range a.processes {
		if entry.exited.Load() {
			delete(a.processes, id)
		}
	}
}

type contextKey int

const peerAddrKey contextKey = iota

func withPeerAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, peerAddrKey, addr)
}

// PeerAddr extracts the calling Task's address from an admin call's ctx.
func PeerAddr(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(peerAddrKey).(string)
	return v, ok
}

func (a *Agent) registerAdmin() {
	a.Register("_adm_hello", a.admHello)
	a.Register("_adm_cpu_count", a.admCPUCount)
	a.Register("_adm_list", a.admList)
	a.Register("_adm_suspend", a.admSuspend)
	a.Register("_adm_resume", a.admResume)
}

func (a *Agent) admHello(ctx context.Context, _ map[string]any) (any, error) {
	addr, _ := PeerAddr(ctx)
	return fmt.Sprintf("Hello, %s!", addr), nil
}

func (a *Agent) admCPUCount(_ context.Context, _ map[string]any) (any, error) {
	return runtime.NumCPU(), nil
}

func (a *Agent) admList(_ context.Context, _ map[string]any) (any, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.functions))
	for id := range a.functions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *Agent) admSuspend(_ context.Context, kwargs map[string]any) (any, error) {
	return a.signalChild(kwargs, syscall.SIGSTOP)
}

func (a *Agent) admResume(_ context.Context, kwargs map[string]any) (any, error) {
	return a.signalChild(kwargs, syscall.SIGCONT)
}

func (a *Agent) signalChild(kwargs map[string]any, sig syscall.Signal) (any, error) {
	id, _ := kwargs["uuid"].(string)
	if id == "" {
		return nil, fmt.Errorf("agent: missing %q argument", "uuid")
	}

	a.processesMu.Lock()
	entry, ok := a.processes[id]
	a.processesMu.Unlock()
	if !ok || entry.exited.Load() {
		return nil, fmt.Errorf("agent: no running process for uuid %q", id)
	}
	if err := entry.cmd.Signal(sig); err != nil {
		return nil, fmt.Errorf("agent: signal %v to %q: %w", sig, id, err)
	}
	return true, nil
}
