// Package sandbox defines the per-session container entity.
package sandbox

import (
	"time"

	"github.com/companion-dev/companion/internal/domain"
)

// State is the lifecycle state of a sandbox container.
type State string

const (
	StateCreating State = "creating"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateRemoved  State = "removed"
)

// DefaultWorkspacePath is where the host working directory is mounted.
const DefaultWorkspacePath = "/workspace"

// DefaultNamePrefix prefixes every derived container name.
const DefaultNamePrefix = "companion"

// PortMapping maps a container port to the host port the engine assigned.
type PortMapping struct {
	ContainerPort int `json:"container_port"`
	HostPort      int `json:"host_port"`
}

// Info describes a container owned by a session.
type Info struct {
	ContainerID  string        `json:"container_id"`
	Name         string        `json:"name"`
	Image        string        `json:"image"`
	State        State         `json:"state"`
	HostCwd      string        `json:"host_cwd"`
	ContainerCwd string        `json:"container_cwd"`
	PortMappings []PortMapping `json:"port_mappings"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Config is a request to provision a sandbox.
type Config struct {
	Image   string            `json:"image" yaml:"image"`
	Ports   []int             `json:"ports" yaml:"ports"`
	Volumes []string          `json:"volumes,omitempty" yaml:"volumes"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
}

// Record is a persisted Info keyed by session, used to re-attach after a restart.
type Record struct {
	SessionID string `json:"session_id"`
	Info      Info   `json:"info"`
}

// ValidatePorts returns an *domain.InvalidPortError for the first port
// outside [1, 65535].
func ValidatePorts(ports []int) error {
	for _, p := range ports {
		if p < 1 || p > 65535 {
			return &domain.InvalidPortError{Port: p}
		}
	}
	return nil
}

// ContainerName derives a stable container name from a session id using
// its first 8 characters.
func ContainerName(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultNamePrefix
	}
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return prefix + "-" + short
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	cp := *i
	cp.PortMappings = append([]PortMapping(nil), i.PortMappings...)
	return &cp
}
