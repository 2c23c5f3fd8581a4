// Package docker implements the container engine port by driving the
// docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/execpool"
	"github.com/companion-dev/companion/internal/port/containerengine"
)

// Runner executes the engine binary and returns captured stdout and stderr.
type Runner func(ctx context.Context, binary string, args ...string) (stdout, stderr string, err error)

// Engine implements containerengine.Engine.
type Engine struct {
	binary string
	pool   *execpool.Pool
	run    Runner
}

// Option configures an Engine.
type Option func(*Engine)

// WithRunner replaces the process runner. Used by tests.
func WithRunner(r Runner) Option {
	return func(e *Engine) { e.run = r }
}

// WithPool bounds concurrent engine invocations.
func WithPool(p *execpool.Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// New creates an Engine for the given binary ("docker" or a compatible CLI).
func New(binary string, opts ...Option) *Engine {
	if binary == "" {
		binary = "docker"
	}
	e := &Engine{binary: binary, run: execRunner}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ containerengine.Engine = (*Engine)(nil)

// Version returns the engine server version.
func (e *Engine) Version(ctx context.Context) (string, error) {
	out, err := e.exec(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ListImages returns every local image as repository:tag.
func (e *Engine) ListImages(ctx context.Context) ([]string, error) {
	out, err := e.exec(ctx, "images", "--format", "{{.Repository}}:{{.Tag}}")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// InspectImage returns nil if the image exists locally.
func (e *Engine) InspectImage(ctx context.Context, tag string) error {
	_, err := e.exec(ctx, "image", "inspect", "--format", "{{.Id}}", tag)
	return err
}

// Create creates a container from spec and returns its id.
func (e *Engine) Create(ctx context.Context, spec containerengine.CreateSpec) (string, error) {
	out, err := e.exec(ctx, createArgs(spec)...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s create returned no container id: %w", e.binary, domain.ErrExternal)
	}
	return id, nil
}

// Start starts a created container.
func (e *Engine) Start(ctx context.Context, containerID string) error {
	_, err := e.exec(ctx, "start", containerID)
	return err
}

// HostPort returns the host port the engine bound to containerPort.
func (e *Engine) HostPort(ctx context.Context, containerID string, containerPort int) (int, error) {
	out, err := e.exec(ctx, "port", containerID, strconv.Itoa(containerPort))
	if err != nil {
		return 0, err
	}
	return parseHostPort(out)
}

// Remove force-removes a container and its anonymous volumes.
func (e *Engine) Remove(ctx context.Context, containerID string) error {
	_, err := e.exec(ctx, "rm", "-f", "-v", containerID)
	return err
}

// Build builds tag from dockerfilePath using the file's directory as context.
// The combined build output is returned even when the build fails.
func (e *Engine) Build(ctx context.Context, dockerfilePath, tag string) (string, error) {
	var output string
	err := e.pool.Run(ctx, func() error {
		stdout, stderr, err := e.run(ctx, e.binary, "build", "-t", tag, "-f", dockerfilePath, filepath.Dir(dockerfilePath))
		output = stdout + stderr
		if err != nil {
			return e.classify(err, stderr)
		}
		return nil
	})
	return output, err
}

// Running reports whether the container is running.
func (e *Engine) Running(ctx context.Context, containerID string) (bool, error) {
	out, err := e.exec(ctx, "inspect", "--format", "{{.State.Running}}", containerID)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

func (e *Engine) exec(ctx context.Context, args ...string) (string, error) {
	return execpool.Do(ctx, e.pool, func() (string, error) {
		stdout, stderr, err := e.run(ctx, e.binary, args...)
		if err != nil {
			return "", e.classify(err, stderr)
		}
		return stdout, nil
	})
}

// classify maps a missing binary or daemon to ErrUnavailable and any other
// failure to ErrExternal. Unknown containers and images also match ErrNotFound.
func (e *Engine) classify(err error, stderr string) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%s: %w", e.binary, domain.ErrUnavailable)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	if isDaemonDown(msg) {
		return fmt.Errorf("%s: %s: %w", e.binary, msg, domain.ErrUnavailable)
	}
	if isNoSuchObject(msg) {
		return fmt.Errorf("%s: %s: %w: %w", e.binary, msg, domain.ErrNotFound, domain.ErrExternal)
	}
	return fmt.Errorf("%s: %s: %w", e.binary, msg, domain.ErrExternal)
}

func isDaemonDown(msg string) bool {
	return strings.Contains(msg, "Cannot connect to the Docker daemon") ||
		strings.Contains(msg, "Is the docker daemon running")
}

func isNoSuchObject(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "no such object") ||
		strings.Contains(m, "no such container") ||
		strings.Contains(m, "no such image")
}

func createArgs(spec containerengine.CreateSpec) []string {
	args := []string{"create", "--name", spec.Name}
	for _, h := range spec.ExtraHosts {
		args = append(args, "--add-host="+h)
	}
	for _, b := range spec.Binds {
		args = append(args, "-v", b)
	}

	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	for _, p := range spec.Publish {
		// Host port 0 lets the engine assign a free port.
		args = append(args, "-p", "0:"+strconv.Itoa(p))
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// parseHostPort reads "0.0.0.0:49153" (possibly followed by an IPv6 line)
// and returns the port of the first binding.
func parseHostPort(out string) (int, error) {
	ls := lines(out)
	if len(ls) == 0 {
		return 0, fmt.Errorf("no port binding reported: %w", domain.ErrExternal)
	}
	first := ls[0]
	i := strings.LastIndex(first, ":")
	if i < 0 {
		return 0, fmt.Errorf("unexpected port binding %q: %w", first, domain.ErrExternal)
	}
	port, err := strconv.Atoi(first[i+1:])
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("unexpected port binding %q: %w", first, domain.ErrExternal)
	}
	return port, nil
}

func lines(out string) []string {
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

func execRunner(ctx context.Context, binary string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec // G204: args are constructed internally

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return stdout.String(), stderr.String(), err
}
