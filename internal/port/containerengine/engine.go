// Package containerengine defines the narrow container engine surface the
// sandbox manager drives. Adapters own all command-line building and exit
// code interpretation.
package containerengine

import "context"

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name       string
	Image      string
	Binds      []string // host:container[:mode]
	ExtraHosts []string // name:address
	Publish    []int    // container ports published on an engine-assigned host port
	Env        map[string]string
	Command    []string
}

// Engine is the port interface for a container engine.
type Engine interface {
	// Version returns the engine server version.
	Version(ctx context.Context) (string, error)

	// ListImages returns repository:tag references, including dangling ones.
	ListImages(ctx context.Context) ([]string, error)

	// InspectImage returns nil if the image exists locally.
	InspectImage(ctx context.Context, tag string) error

	// Create creates (but does not start) a container and returns its id.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a created container.
	Start(ctx context.Context, containerID string) error

	// HostPort returns the host port bound to containerPort.
	HostPort(ctx context.Context, containerID string, containerPort int) (int, error)

	// Remove force-removes a container.
	Remove(ctx context.Context, containerID string) error

	// Build builds an image from a Dockerfile and returns the build output.
	Build(ctx context.Context, dockerfilePath, tag string) (string, error)

	// Running reports whether the container is running.
	// Returns an error if the container does not exist.
	Running(ctx context.Context, containerID string) (bool, error)
}
