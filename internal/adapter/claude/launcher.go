// Package claude launches the agent CLI as a subprocess and speaks its
// line-delimited JSON stream protocol.
package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/domain/agent"
	"github.com/companion-dev/companion/internal/port/agentproc"
)

// CredentialSource supplies env vars forwarded into sandboxed agents.
type CredentialSource interface {
	Env() map[string]string
}

// Launcher starts agent CLI processes on the host or inside a sandbox container.
type Launcher struct {
	binary       string
	engine       string
	defaultModel string
	credentials  CredentialSource
}

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// WithCredentials forwards creds into sandbox containers. Host processes
// inherit the environment and do not need them.
func WithCredentials(creds CredentialSource) LauncherOption {
	return func(l *Launcher) { l.credentials = creds }
}

// NewLauncher creates a Launcher. binary is the agent CLI, engine the
// container CLI used to exec into sandboxes.
func NewLauncher(binary, engine, defaultModel string, opts ...LauncherOption) *Launcher {
	if binary == "" {
		binary = "claude"
	}
	if engine == "" {
		engine = "docker"
	}
	l := &Launcher{binary: binary, engine: engine, defaultModel: defaultModel}
	for _, o := range opts {
		o(l)
	}
	return l
}

var _ agentproc.Launcher = (*Launcher)(nil)

// pidFileEnv names the file a sandboxed agent records its pid in, so Kill
// can reach the process inside the container.
const pidFileEnv = "COMPANION_AGENT_PIDFILE"

// pidScript records the shell's pid and execs the agent in its place.
const pidScript = `echo $$ > "$` + pidFileEnv + `"; exec "$0" "$@"`

// containerKillTimeout bounds the engine call that kills an in-container agent.
const containerKillTimeout = 10 * time.Second

// Launch starts the agent. The process is not tied to ctx; it lives until
// killed or it exits on its own.
func (l *Launcher) Launch(_ context.Context, spec agent.LaunchSpec) (agentproc.Process, error) {
	name, args := l.command(spec)

	cmd := exec.Command(name, args...) //nolint:gosec // G204: binary and args come from operator config
	if spec.ContainerName == "" {
		cmd.Dir = spec.Cwd
	}
	cmd.Env = mergeEnv(os.Environ(), spec.Env, spec.ContainerName == "")
	stderr := newStderrLogger(slog.Default().With("session_id", spec.SessionID, "agent", spec.Name))
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	if spec.ContainerName != "" {
		p.killName, p.killArgs = l.killCommand(spec)
	}
	return p, nil
}

// command returns the executable and its arguments. Inside a sandbox the
// agent runs through "<engine> exec -i".
func (l *Launcher) command(spec agent.LaunchSpec) (string, []string) {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	model := spec.Model
	if model == "" {
		model = l.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(spec.Permissions) > 0 {
		args = append(args, "--allowedTools", strings.Join(spec.Permissions, ","))
	}

	binary := spec.Binary
	if binary == "" {
		binary = l.binary
	}
	if spec.ContainerName == "" {
		return binary, args
	}

	// The engine does not forward signals to exec'd processes, so the agent
	// runs under a shell that records its pid for killCommand.
	cwd := spec.ContainerCwd
	if cwd == "" {
		cwd = "/workspace"
	}
	env := l.containerEnv(spec.Env)
	env[pidFileEnv] = pidFile(spec)
	execArgs := []string{"exec", "-i", "-w", cwd}
	for _, kv := range sortedEnv(env) {
		execArgs = append(execArgs, "-e", kv)
	}
	execArgs = append(execArgs, spec.ContainerName, "sh", "-c", pidScript, binary)
	return l.engine, append(execArgs, args...)
}

// killCommand returns the engine call that SIGKILLs a sandboxed agent by
// the pid it recorded at startup.
func (l *Launcher) killCommand(spec agent.LaunchSpec) (string, []string) {
	script := `kill -9 "$(cat "$0")" 2>/dev/null; rm -f "$0"`
	return l.engine, []string{"exec", spec.ContainerName, "sh", "-c", script, pidFile(spec)}
}

// pidFile is unique per session and agent name within a container.
func pidFile(spec agent.LaunchSpec) string {
	return "/tmp/companion-" + safeToken(spec.SessionID) + "-" + safeToken(spec.Name) + ".pid"
}

func safeToken(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	if len(b) == 0 {
		return "_"
	}
	return string(b)
}

// containerEnv is the forwarded credentials with the spawn's env on top.
// The result is always a fresh map.
func (l *Launcher) containerEnv(extra map[string]string) map[string]string {
	var env map[string]string
	if l.credentials != nil {
		env = l.credentials.Env()
	}
	if env == nil {
		env = make(map[string]string, len(extra)+1)
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// mergeEnv overlays extra onto base. When the agent runs in a container the
// extras are passed with -e instead.
func mergeEnv(base []string, extra map[string]string, local bool) []string {
	if !local || len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	return append(out, sortedEnv(extra)...)
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// process adapts exec.Cmd to agentproc.Process. killName and killArgs are
// set for sandboxed agents.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr *stderrLogger

	killName string
	killArgs []string

	waitOnce sync.Once
	code     int
	waitErr  error
}

func (p *process) PID() int {
	return p.cmd.Process.Pid
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }

func (p *process) Stdout() io.Reader { return p.stdout }

func (p *process) Kill() error {
	var errs []error
	if p.killName != "" {
		ctx, cancel := context.WithTimeout(context.Background(), containerKillTimeout)
		out, err := exec.CommandContext(ctx, p.killName, p.killArgs...).CombinedOutput() //nolint:gosec // G204: engine from operator config
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("kill agent in container: %w: %s", err, strings.TrimSpace(string(out))))
		}
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Wait returns the exit code. A process killed by a signal reports -1.
func (p *process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.stderr.Flush()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code = -1
			p.waitErr = fmt.Errorf("wait: %w", errors.Join(err, domain.ErrChannel))
		}
	})
	return p.code, p.waitErr
}
