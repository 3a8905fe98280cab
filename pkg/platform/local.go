package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/worker"
)

// LocalService is a set of fleetrun-agent processes spawned directly on the
// local host, one per worker slot.
type LocalService struct {
	name    string
	workers []*worker.Worker
	cmds    []*exec.Cmd
}

func (s *LocalService) Name() string                  { return s.name }
func (s *LocalService) Workers() []*worker.Worker      { return s.workers }

// Clean kills every agent process this service started.
func (s *LocalService) Clean(ctx context.Context) error {
	var firstErr error
	for _, cmd := range s.cmds {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Kill(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("local: kill agent pid %d: %w", cmd.Process.Pid, err)
		}
	}
	for _, cmd := range s.cmds {
		_ = cmd.Wait()
	}
	return firstErr
}

// LocalPlatform runs fleetrun-agent as child processes of the driver, one
// per requested worker slot, all reachable over loopback. The other
// implementations start agents in containerd containers (container.go) or
// on remote hosts over SSH (ssh.go); cloud VM provisioning is not
// implemented.
type LocalPlatform struct {
	agentBinary       string
	rootPath          string
	basePort          int
	workerCount       int
	capacityPerWorker int

	mu       sync.Mutex
	services []Service
}

// NewLocalPlatform configures a LocalPlatform. agentBinary is the path to a
// fleetrun-agent executable; rootPath is the directory each spawned agent
// roots its DynamicAgent at.
func NewLocalPlatform(agentBinary, rootPath string, basePort, workerCount, capacityPerWorker int) *LocalPlatform {
	return &LocalPlatform{
		agentBinary:       agentBinary,
		rootPath:          rootPath,
		basePort:          basePort,
		workerCount:       workerCount,
		capacityPerWorker: capacityPerWorker,
	}
}

func (p *LocalPlatform) Name() string { return "local" }

// PrepareServices spawns workerCount agent processes and wraps each as a
// worker.Worker. It does not wait for the agents to bind; each Task's
// connect-with-retry absorbs the startup race against the agent binding
// its listener.
func (p *LocalPlatform) PrepareServices(ctx context.Context, opts Options) error {
	svc := &LocalService{name: "local"}
	logger := log.WithComponent("local_platform")

	for i := 0; i < p.workerCount; i++ {
		bindPort := p.basePort + i
		cmd := exec.CommandContext(ctx, p.agentBinary, p.rootPath,
			"--port", strconv.Itoa(bindPort),
			"--logging", "warning",
		)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			_ = svc.Clean(ctx)
			return fmt.Errorf("local: start agent on port %d: %w", bindPort, err)
		}
		logger.Info().Int("port", bindPort).Int("pid", cmd.Process.Pid).Msg("spawned local agent")

		svc.cmds = append(svc.cmds, cmd)
		svc.workers = append(svc.workers, worker.New(fmt.Sprintf("127.0.0.1:%d", bindPort), p.capacityPerWorker))
	}

	p.mu.Lock()
	p.services = append(p.services, svc)
	p.mu.Unlock()
	return nil
}

func (p *LocalPlatform) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Service, len(p.services))
	copy(out, p.services)
	return out
}

func (p *LocalPlatform) Clean(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, s := range p.services {
		if err := s.Clean(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
