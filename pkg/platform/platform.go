// Package platform defines the provisioning collaborator contract and three
// implementations: local agent processes, containerd containers, and agents
// started on remote hosts over SSH. Launching cloud VMs and driving `docker
// run` over SSH are not implemented.
package platform

import (
	"context"

	"github.com/cuemby/fleetrun/pkg/worker"
)

// Options carries platform-specific provisioning parameters (instance
// types, image names, SSH credentials, …). Each Platform implementation
// interprets the keys relevant to it and ignores the rest.
type Options map[string]any

// Service is an installable environment on one host (spec GLOSSARY), owning
// the Workers that run on it.
type Service interface {
	// Name identifies the service for logging and the scheduler's
	// insertion-order iteration.
	Name() string
	// Workers returns the service's currently provisioned workers.
	Workers() []*worker.Worker
	// Clean tears the service down.
	Clean(ctx context.Context) error
}

// Platform is a provisioning collaborator: local hosts, EC2-like clouds, or
// anything else that can produce Services (spec GLOSSARY).
type Platform interface {
	// Name identifies the platform for logging.
	Name() string
	// PrepareServices provisions this platform's services per opts, to be
	// called once per platform in parallel at Cluster construction (spec
	// §4.8).
	PrepareServices(ctx context.Context, opts Options) error
	// Services returns the platform's currently prepared services.
	Services() []Service
	// Clean tears down every service on this platform.
	Clean(ctx context.Context) error
}
