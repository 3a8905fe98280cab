package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/worker"
)

// DefaultNamespace is the containerd namespace fleetrun containers run in.
const DefaultNamespace = "fleetrun"

// ContainerPlatform provisions workers as containerd containers running the
// fleetrun-agent binary with host networking, reachable on the container's
// assigned host port. Driving `docker run`-equivalent container lifecycle
// over SSH (the source's actual transport to remote hosts) is out of scope
// for this module; this implementation talks to a local or
// already-reachable containerd socket directly, which is the piece the core
// spec actually depends on exercising.
type ContainerPlatform struct {
	client    *containerd.Client
	namespace string

	image       string
	agentPath   string
	rootPath    string
	basePort    int
	workerCount int
	capacity    int

	mu               sync.Mutex
	preparedServices []*containerService
}

// NewContainerPlatform dials containerd at socketPath (DefaultSocketPath in
// runtime terms, e.g. "/run/containerd/containerd.sock") and configures a
// platform that will launch workerCount containers from image, each running
// agentPath as its entrypoint.
func NewContainerPlatform(socketPath, image, agentPath, rootPath string, basePort, workerCount, capacity int) (*ContainerPlatform, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("container: connect to containerd at %s: %w", socketPath, err)
	}
	return &ContainerPlatform{
		client:      client,
		namespace:   DefaultNamespace,
		image:       image,
		agentPath:   agentPath,
		rootPath:    rootPath,
		basePort:    basePort,
		workerCount: workerCount,
		capacity:    capacity,
	}, nil
}

func (p *ContainerPlatform) Name() string { return "container" }

func (p *ContainerPlatform) PrepareServices(ctx context.Context, opts Options) error {
	ctx = namespaces.WithNamespace(ctx, p.namespace)
	logger := log.WithComponent("container_platform")

	image, err := p.client.GetImage(ctx, p.image)
	if err != nil {
		image, err = p.client.Pull(ctx, p.image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("container: pull image %s: %w", p.image, err)
		}
	}

	svc := &containerService{name: "container"}

	for i := 0; i < p.workerCount; i++ {
		bindPort := p.basePort + i
		id := fmt.Sprintf("fleetrun-worker-%d", bindPort)

		specOpts := []oci.SpecOpts{
			oci.WithImageConfig(image),
			oci.WithProcessArgs(p.agentPath, p.rootPath, "--port", fmt.Sprintf("%d", bindPort), "--logging", "warning"),
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostHostsFile,
			oci.WithHostResolvconf,
		}

		container, err := p.client.NewContainer(ctx, id,
			containerd.WithImage(image),
			containerd.WithNewSnapshot(id+"-snapshot", image),
			containerd.WithNewSpec(specOpts...),
		)
		if err != nil {
			_ = svc.clean(ctx)
			return fmt.Errorf("container: create container %s: %w", id, err)
		}

		task, err := container.NewTask(ctx, cio.NewCreator(cio.WithStdio))
		if err != nil {
			_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
			_ = svc.clean(ctx)
			return fmt.Errorf("container: create task for %s: %w", id, err)
		}
		if err := task.Start(ctx); err != nil {
			_ = svc.clean(ctx)
			return fmt.Errorf("container: start task for %s: %w", id, err)
		}

		logger.Info().Str("container", id).Int("port", bindPort).Msg("started containerd worker")
		svc.containers = append(svc.containers, container)
		svc.workers = append(svc.workers, worker.New(fmt.Sprintf("127.0.0.1:%d", bindPort), p.capacity))
	}

	p.mu.Lock()
	p.preparedServices = append(p.preparedServices, svc)
	p.mu.Unlock()
	return nil
}

func (p *ContainerPlatform) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Service, len(p.preparedServices))
	for i, s := range p.preparedServices {
		out[i] = s
	}
	return out
}

func (p *ContainerPlatform) Clean(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, p.namespace)
	p.mu.Lock()
	services := p.preparedServices
	p.mu.Unlock()

	var firstErr error
	for _, s := range services {
		if err := s.clean(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type containerService struct {
	name       string
	containers []containerd.Container
	workers    []*worker.Worker
}

func (s *containerService) Name() string             { return s.name }
func (s *containerService) Workers() []*worker.Worker { return s.workers }

func (s *containerService) Clean(ctx context.Context) error {
	return s.clean(ctx)
}

func (s *containerService) clean(ctx context.Context) error {
	var firstErr error
	for _, c := range s.containers {
		task, err := c.Task(ctx, nil)
		if err == nil {
			_, _ = task.Delete(ctx, containerd.WithProcessKill)
		}
		if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("container: delete %s: %w", c.ID(), err)
		}
	}
	return firstErr
}
