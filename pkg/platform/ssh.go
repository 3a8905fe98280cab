package platform

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cuemby/fleetrun/pkg/log"
	"github.com/cuemby/fleetrun/pkg/worker"
)

// SSHPlatform provisions workers by launching the fleetrun-agent binary on
// already-reachable remote hosts over SSH. Driving container lifecycle
// (image install, `docker run`, cleanup) on the far end is out of scope for
// this module: this implementation only needs the agent binary to
// already be present at agentPath on each host, which is the minimum
// surface the core scheduler actually depends on.
type SSHPlatform struct {
	config *ssh.ClientConfig
	hosts  []string
	port   int

	agentPath   string
	rootPath    string
	bindPort    int
	capacity    int

	mu       sync.Mutex
	services []Service
}

// NewSSHPlatform builds a platform that dials each of hosts on port using
// config, and on each one starts agentPath rootPath --port bindPort.
func NewSSHPlatform(config *ssh.ClientConfig, hosts []string, port int, agentPath, rootPath string, bindPort, capacity int) *SSHPlatform {
	return &SSHPlatform{
		config:    config,
		hosts:     hosts,
		port:      port,
		agentPath: agentPath,
		rootPath:  rootPath,
		bindPort:  bindPort,
		capacity:  capacity,
	}
}

func (p *SSHPlatform) Name() string { return "ssh" }

func (p *SSHPlatform) PrepareServices(ctx context.Context, opts Options) error {
	logger := log.WithComponent("ssh_platform")
	svc := &sshService{name: "ssh"}

	for _, host := range p.hosts {
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", p.port))
		client, err := dialSSHContext(ctx, addr, p.config)
		if err != nil {
			_ = svc.Clean(ctx)
			return fmt.Errorf("ssh: dial %s: %w", addr, err)
		}

		session, err := client.NewSession()
		if err != nil {
			client.Close()
			_ = svc.Clean(ctx)
			return fmt.Errorf("ssh: open session on %s: %w", host, err)
		}

		cmd := fmt.Sprintf("nohup %s %s --port %d --logging warning >/tmp/fleetrun-agent.log 2>&1 &",
			p.agentPath, p.rootPath, p.bindPort)
		if err := session.Start(cmd); err != nil {
			session.Close()
			client.Close()
			_ = svc.Clean(ctx)
			return fmt.Errorf("ssh: start agent on %s: %w", host, err)
		}
		session.Close()

		logger.Info().Str("host", host).Int("port", p.bindPort).Msg("started remote agent over ssh")
		svc.clients = append(svc.clients, client)
		svc.workers = append(svc.workers, worker.New(net.JoinHostPort(host, fmt.Sprintf("%d", p.bindPort)), p.capacity))
	}

	p.mu.Lock()
	p.services = append(p.services, svc)
	p.mu.Unlock()
	return nil
}

func (p *SSHPlatform) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Service, len(p.services))
	copy(out, p.services)
	return out
}

func (p *SSHPlatform) Clean(ctx context.Context) error {
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

type sshService struct {
	name    string
	clients []*ssh.Client
	workers []*worker.Worker
}

func (s *sshService) Name() string             { return s.name }
func (s *sshService) Workers() []*worker.Worker { return s.workers }

func (s *sshService) Clean(ctx context.Context) error {
	var firstErr error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ssh: close client: %w", err)
		}
	}
	return firstErr
}

// dialSSHContext dials addr over TCP honoring ctx's deadline/cancellation,
// then performs the SSH handshake via config.
func dialSSHContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}
