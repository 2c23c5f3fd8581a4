// Package agentproc defines the OS process boundary for agent subprocesses.
package agentproc

import (
	"context"
	"io"

	"github.com/companion-dev/companion/internal/domain/agent"
)

// Process is a started agent subprocess with a bidirectional byte channel.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Stdin is the orchestrator-to-agent channel.
	Stdin() io.WriteCloser

	// Stdout is the agent-to-orchestrator channel.
	Stdout() io.Reader

	// Kill terminates the process immediately without waiting for it.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// Launcher starts agent subprocesses.
type Launcher interface {
	Launch(ctx context.Context, spec agent.LaunchSpec) (Process, error)
}
