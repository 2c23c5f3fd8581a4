// Package agent defines the agent handle and its lifecycle states.
package agent

import "time"

// State is a point in an agent's lifecycle:
//
//	spawning -> running -> (idle <-> running) -> exiting -> exited
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateIdle     State = "idle"
	StateExiting  State = "exiting"
	StateExited   State = "exited"
)

// DefaultType is used when a spawn request does not name an agent type.
const DefaultType = "general-purpose"

// UnknownType is reported for agents whose type was never registered.
const UnknownType = "unknown"

// Live reports whether an agent in state s still owns a running process.
func (s State) Live() bool {
	switch s {
	case StateSpawning, StateRunning, StateIdle, StateExiting:
		return true
	}
	return false
}

// Handle is a read-only snapshot of one agent subprocess.
type Handle struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Model     string    `json:"model,omitempty"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	State     State     `json:"state"`
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// SpawnRequest describes a new agent subprocess.
type SpawnRequest struct {
	Name        string            `json:"name"`
	Type        string            `json:"type,omitempty"`
	Model       string            `json:"model,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
}

// LaunchSpec is what a launcher needs to start the agent binary.
// ContainerName is set when the session owns a sandbox and the agent
// must run inside it. An empty Binary means the launcher's default.
type LaunchSpec struct {
	SpawnRequest
	SessionID     string
	Binary        string
	ContainerName string
	ContainerCwd  string
}
