// Package config loads the YAML cluster configuration the fleetrun driver
// CLI reads at startup: the platform list, worker counts, and capacities
// are too large to hand-carry as flags.
package config

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/fleetrun/pkg/platform"
)

// PlatformSpec describes one platform entry in the cluster config file.
// Kind selects which concrete platform.Platform gets constructed; the
// remaining fields are interpreted according to Kind.
type PlatformSpec struct {
	Kind              string   `yaml:"kind"`
	Name              string   `yaml:"name"`
	AgentBinary       string   `yaml:"agent_binary"`
	RootPath          string   `yaml:"root_path"`
	BasePort          int      `yaml:"base_port"`
	WorkerCount       int      `yaml:"worker_count"`
	CapacityPerWorker int      `yaml:"capacity_per_worker"`
	Image             string   `yaml:"image,omitempty"`
	ContainerdSocket  string   `yaml:"containerd_socket,omitempty"`
	Hosts             []string `yaml:"hosts,omitempty"`
	SSHUser           string   `yaml:"ssh_user,omitempty"`
	SSHKeyPath        string   `yaml:"ssh_key_path,omitempty"`
	SSHPort           int      `yaml:"ssh_port,omitempty"`
}

// ClusterConfig is the top-level shape of a cluster YAML file.
type ClusterConfig struct {
	Logging struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"logging"`
	SyncCurrentDir bool           `yaml:"sync_current_dir"`
	Platforms      []PlatformSpec `yaml:"platforms"`
}

// Load reads and parses a cluster config file from path.
func Load(path string) (*ClusterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg ClusterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// BuildPlatforms constructs one platform.Platform per configured spec.
func (c *ClusterConfig) BuildPlatforms() ([]platform.Platform, error) {
	platforms := make([]platform.Platform, 0, len(c.Platforms))
	for _, spec := range c.Platforms {
		p, err := buildPlatform(spec)
		if err != nil {
			return nil, fmt.Errorf("config: platform %q: %w", spec.Name, err)
		}
		platforms = append(platforms, p)
	}
	return platforms, nil
}

func buildPlatform(spec PlatformSpec) (platform.Platform, error) {
	switch spec.Kind {
	case "local":
		return platform.NewLocalPlatform(spec.AgentBinary, spec.RootPath, spec.BasePort, spec.WorkerCount, spec.CapacityPerWorker), nil
	case "container":
		return platform.NewContainerPlatform(spec.ContainerdSocket, spec.Image, spec.AgentBinary, spec.RootPath, spec.BasePort, spec.WorkerCount, spec.CapacityPerWorker)
	case "ssh":
		clientConfig, err := sshClientConfig(spec)
		if err != nil {
			return nil, err
		}
		port := spec.SSHPort
		if port == 0 {
			port = 22
		}
		return platform.NewSSHPlatform(clientConfig, spec.Hosts, port, spec.AgentBinary, spec.RootPath, spec.BasePort, spec.CapacityPerWorker), nil
	default:
		return nil, fmt.Errorf("unknown platform kind %q", spec.Kind)
	}
}

// sshClientConfig builds an ssh.ClientConfig from a platform spec's key
// file. Host key checking is skipped; operators on untrusted networks
// should build their own *ssh.ClientConfig against platform.NewSSHPlatform
// directly.
func sshClientConfig(spec PlatformSpec) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(spec.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", spec.SSHKeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", spec.SSHKeyPath, err)
	}
	return &ssh.ClientConfig{
		User:            spec.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}, nil
}
