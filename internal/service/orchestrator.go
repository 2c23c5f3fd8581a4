package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/companion-dev/companion/internal/adapter/otel"
	"github.com/companion-dev/companion/internal/config"
	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/domain/agent"
	"github.com/companion-dev/companion/internal/domain/event"
	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/logger"
	"github.com/companion-dev/companion/internal/port/agentproc"
)

// DefaultLeadName is the sender recorded on frames the orchestrator writes.
const DefaultLeadName = "team-lead"

// maxRawInError bounds how much of an undecodable frame is kept on the event.
const maxRawInError = 512

// SandboxLocator resolves the sandbox a session's agents should run in.
type SandboxLocator interface {
	GetContainer(sessionID string) (*sandbox.Info, bool)
}

// DeliveryFailure is one recipient a broadcast could not reach.
type DeliveryFailure struct {
	Agent string
	Err   error
}

// managedAgent is the orchestrator's private record for one subprocess.
// handle and pending are guarded by Orchestrator.mu.
type managedAgent struct {
	handle  agent.Handle
	proc    agentproc.Process
	pending map[string]event.Kind // outstanding request id -> request kind

	writeMu  sync.Mutex
	exitOnce sync.Once
	killed   bool
}

// Orchestrator spawns and supervises the agent subprocesses of one session
// and translates their wire frames into events.
type Orchestrator struct {
	sessionID string
	launcher  agentproc.Launcher
	codec     agentproc.Codec
	bus       *EventBus
	cfg       *config.Agent
	sandboxes SandboxLocator
	metrics   *cfotel.Metrics
	leadName  string
	binary    string
	env       map[string]string
	now       func() time.Time

	mu      sync.Mutex
	agents  map[string]*managedAgent
	closed  bool
	readers sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator for sessionID with its own event bus.
func NewOrchestrator(sessionID string, launcher agentproc.Launcher, codec agentproc.Codec, cfg *config.Agent) *Orchestrator {
	return &Orchestrator{
		sessionID: sessionID,
		launcher:  launcher,
		codec:     codec,
		bus:       NewEventBus(nil),
		cfg:       cfg,
		leadName:  DefaultLeadName,
		now:       time.Now,
		agents:    make(map[string]*managedAgent),
	}
}

// SetSandboxLocator makes agents of a session with a container run inside it.
func (o *Orchestrator) SetSandboxLocator(l SandboxLocator) {
	o.sandboxes = l
}

// SetBinary overrides the agent binary for every agent of this session.
func (o *Orchestrator) SetBinary(binary string) {
	o.binary = binary
}

// SetEnv sets env vars applied to every agent of this session. A spawn
// request's own env wins on conflicts.
func (o *Orchestrator) SetEnv(env map[string]string) {
	o.env = maps.Clone(env)
}

// SetMetrics enables metric recording for the orchestrator and its bus.
func (o *Orchestrator) SetMetrics(m *cfotel.Metrics) {
	o.metrics = m
	o.bus.metrics = m
}

// SessionID returns the session this orchestrator belongs to.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Events returns the bus every orchestrator event is emitted on.
func (o *Orchestrator) Events() *EventBus { return o.bus }

// On registers handler for one event kind. See EventBus.On.
func (o *Orchestrator) On(kind event.Kind, handler EventHandler) func() {
	return o.bus.On(kind, handler)
}

// Spawn starts a new agent subprocess. A previous agent of the same name
// that has already exited is replaced.
func (o *Orchestrator) Spawn(ctx context.Context, req agent.SpawnRequest) (agent.Handle, error) {
	if strings.TrimSpace(req.Name) == "" {
		return agent.Handle{}, fmt.Errorf("agent name is required: %w", domain.ErrValidation)
	}
	if req.Type == "" {
		req.Type = o.cfg.DefaultType
		if req.Type == "" {
			req.Type = agent.DefaultType
		}
	}
	if req.Model == "" {
		req.Model = o.cfg.DefaultModel
	}

	ctx = logger.WithAgent(logger.WithSessionID(ctx, o.sessionID), req.Name)
	ctx, span := cfotel.StartSpawnSpan(ctx, o.sessionID, req.Name, req.Type)
	defer span.End()

	ma := &managedAgent{
		handle: agent.Handle{
			Name:      req.Name,
			Type:      req.Type,
			Model:     req.Model,
			State:     agent.StateSpawning,
			SessionID: o.sessionID,
		},
		pending: make(map[string]event.Kind),
	}

	// Reserve the name so a concurrent spawn of the same agent fails fast.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return agent.Handle{}, fmt.Errorf("orchestrator for session %s is shut down: %w", o.sessionID, domain.ErrUnavailable)
	}
	if prev, ok := o.agents[req.Name]; ok && prev.handle.State.Live() {
		o.mu.Unlock()
		return agent.Handle{}, fmt.Errorf("%w: %s", domain.ErrDuplicateAgent, req.Name)
	}
	o.agents[req.Name] = ma
	o.mu.Unlock()

	proc, err := o.launcher.Launch(ctx, o.launchSpec(req))
	if err != nil {
		o.mu.Lock()
		if o.agents[req.Name] == ma {
			delete(o.agents, req.Name)
		}
		o.mu.Unlock()
		span.SetStatus(codes.Error, err.Error())
		return agent.Handle{}, fmt.Errorf("%w: %s: %v", domain.ErrSpawnFailure, req.Name, err)
	}

	o.mu.Lock()
	if ma.killed {
		o.mu.Unlock()
		_ = proc.Kill()
		go func() { _, _ = proc.Wait() }()
		return agent.Handle{}, fmt.Errorf("%w: %s killed while spawning", domain.ErrSpawnFailure, req.Name)
	}
	ma.proc = proc
	ma.handle.PID = proc.PID()
	ma.handle.Running = true
	ma.handle.State = agent.StateRunning
	ma.handle.StartedAt = o.now()
	handle := ma.handle
	o.mu.Unlock()

	slog.InfoContext(ctx, "agent spawned", "pid", handle.PID, "type", handle.Type)
	if o.metrics != nil {
		o.metrics.AgentsSpawned.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.type", handle.Type)))
	}
	o.emit(event.Event{Kind: event.KindSpawned, Agent: req.Name, Spawned: &event.Spawned{PID: handle.PID}})

	o.readers.Add(1)
	go o.readLoop(ctx, ma)

	return handle, nil
}

// launchSpec layers the session env under the request's and maps the
// working directory into the session's sandbox when one exists.
func (o *Orchestrator) launchSpec(req agent.SpawnRequest) agent.LaunchSpec {
	if len(o.env) > 0 {
		env := maps.Clone(o.env)
		maps.Copy(env, req.Env)
		req.Env = env
	}
	spec := agent.LaunchSpec{SpawnRequest: req, SessionID: o.sessionID, Binary: o.binary}
	if o.sandboxes == nil {
		return spec
	}
	info, ok := o.sandboxes.GetContainer(o.sessionID)
	if !ok || info.State != sandbox.StateRunning {
		return spec
	}
	spec.ContainerName = info.Name
	spec.ContainerCwd = info.ContainerCwd
	if req.Cwd != "" && info.HostCwd != "" {
		if rel, err := filepath.Rel(info.HostCwd, req.Cwd); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			spec.ContainerCwd = filepath.ToSlash(filepath.Join(info.ContainerCwd, rel))
		}
	}
	return spec
}

// Send writes one message frame to the named agent. Sending to an idle
// agent starts a new turn.
func (o *Orchestrator) Send(name, message, summary string) error {
	ma, err := o.live(name)
	if err != nil {
		return err
	}
	if err := o.write(ma, agentproc.Message{From: o.leadName, Text: message, Summary: summary}); err != nil {
		return err
	}

	o.mu.Lock()
	if ma.handle.State == agent.StateIdle {
		ma.handle.State = agent.StateRunning
	}
	o.mu.Unlock()
	return nil
}

// Broadcast sends message to every running agent. Every recipient is
// attempted; failures are returned sorted by agent name.
func (o *Orchestrator) Broadcast(message, summary string) []DeliveryFailure {
	o.mu.Lock()
	names := make([]string, 0, len(o.agents))
	for name, ma := range o.agents {
		if ma.handle.Running {
			names = append(names, name)
		}
	}
	o.mu.Unlock()
	sort.Strings(names)

	var failures []DeliveryFailure
	for _, name := range names {
		if err := o.Send(name, message, summary); err != nil {
			slog.Warn("broadcast delivery failed", "session_id", o.sessionID, "agent", name, "error", err)
			failures = append(failures, DeliveryFailure{Agent: name, Err: err})
		}
	}
	return failures
}

// KillAgent terminates the agent immediately and forgets it. The exited
// event is emitted without waiting for the process to be reaped.
func (o *Orchestrator) KillAgent(name string) error {
	o.mu.Lock()
	ma, ok := o.agents[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, name)
	}
	delete(o.agents, name)
	ma.killed = true
	wasRunning := ma.handle.Running
	ma.handle.Running = false
	ma.handle.State = agent.StateExited
	clear(ma.pending)
	o.mu.Unlock()

	if wasRunning && ma.proc != nil {
		if err := ma.proc.Kill(); err != nil {
			slog.Warn("agent kill failed", "session_id", o.sessionID, "agent", name, "error", err)
		}
		_ = ma.proc.Stdin().Close()
	}
	o.emitExited(ma, -1, "killed")
	return nil
}

// RequestShutdown asks the agent to exit on its own. The exited event
// follows once the process ends; no timeout is enforced here.
func (o *Orchestrator) RequestShutdown(name, reason string) error {
	ma, err := o.live(name)
	if err != nil {
		return err
	}
	if err := o.write(ma, agentproc.ShutdownRequest{From: o.leadName, Reason: reason}); err != nil {
		return err
	}
	o.mu.Lock()
	if ma.handle.Running {
		ma.handle.State = agent.StateExiting
	}
	o.mu.Unlock()
	return nil
}

// SendPlanApproval answers an outstanding plan approval request of the named agent.
func (o *Orchestrator) SendPlanApproval(name, requestID string, approve bool, feedback string) error {
	return o.respond(name, requestID, event.KindPlanApprovalRequest, agentproc.PlanApprovalResponse{
		RequestID: requestID,
		Approved:  approve,
		Feedback:  feedback,
	})
}

// SendPermissionResponse answers an outstanding permission request of the named agent.
func (o *Orchestrator) SendPermissionResponse(name, requestID string, approve bool) error {
	return o.respond(name, requestID, event.KindPermissionRequest, agentproc.PermissionResponse{
		RequestID: requestID,
		Approved:  approve,
	})
}

// SendTaskAssignment notifies the agent that it owns a task.
func (o *Orchestrator) SendTaskAssignment(name string, f agentproc.TaskAssignment) error {
	ma, err := o.live(name)
	if err != nil {
		return err
	}
	if f.AssignedBy == "" {
		f.AssignedBy = o.leadName
	}
	return o.write(ma, f)
}

func (o *Orchestrator) respond(name, requestID string, kind event.Kind, frame agentproc.Outbound) error {
	ma, err := o.live(name)
	if err != nil {
		return err
	}

	// Claim the request before writing so concurrent answers send one frame.
	o.mu.Lock()
	got, ok := ma.pending[requestID]
	if !ok || got != kind {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s for agent %s", domain.ErrUnknownRequest, requestID, name)
	}
	delete(ma.pending, requestID)
	o.mu.Unlock()

	if err := o.write(ma, frame); err != nil {
		o.mu.Lock()
		if !ma.killed && ma.handle.Running {
			ma.pending[requestID] = kind
		}
		o.mu.Unlock()
		return err
	}
	return nil
}

// IsRunning reports whether the named agent has a live process.
func (o *Orchestrator) IsRunning(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ma, ok := o.agents[name]
	return ok && ma.handle.Running
}

// Agent returns a snapshot of the named agent's handle.
func (o *Orchestrator) Agent(name string) (agent.Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ma, ok := o.agents[name]
	if !ok {
		return agent.Handle{}, false
	}
	return ma.handle, true
}

// Agents returns snapshots of every known agent, including exited ones, sorted by name.
func (o *Orchestrator) Agents() []agent.Handle {
	o.mu.Lock()
	out := make([]agent.Handle, 0, len(o.agents))
	for _, ma := range o.agents {
		out = append(out, ma.handle)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown kills every agent, waits (bounded by ctx) for their readers to
// finish, and closes the event bus after delivering what was queued.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	names := make([]string, 0, len(o.agents))
	for name := range o.agents {
		names = append(names, name)
	}
	o.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if err := o.KillAgent(name); err != nil && !errors.Is(err, domain.ErrUnknownAgent) {
			slog.Warn("shutdown kill failed", "session_id", o.sessionID, "agent", name, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.readers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for agent readers: %w", ctx.Err())
	}
	o.bus.Close()
	return err
}

// live returns the named agent if its process is still running.
func (o *Orchestrator) live(name string) (*managedAgent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ma, ok := o.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, name)
	}
	if !ma.handle.Running || ma.proc == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrChannelClosed, name)
	}
	return ma, nil
}

// write encodes frame and writes it as one line. Writes to the same agent are serialized.
func (o *Orchestrator) write(ma *managedAgent, frame agentproc.Outbound) error {
	data, err := o.codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode frame for %s: %w", ma.handle.Name, err)
	}
	data = append(data, '\n')

	ma.writeMu.Lock()
	defer ma.writeMu.Unlock()
	if _, err := ma.proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrChannelClosed, ma.handle.Name, err)
	}
	return nil
}

// readLoop decodes frames until the agent's stdout closes, then reaps the
// process and leaves an exited tombstone unless the agent was killed.
func (o *Orchestrator) readLoop(ctx context.Context, ma *managedAgent) {
	defer o.readers.Done()
	ctx = context.WithoutCancel(ctx)

	lr := newLineReader(ma.proc.Stdout(), o.maxFrameBytes())
	for {
		line, overflow, err := lr.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				slog.DebugContext(ctx, "agent stdout closed", "error", err)
			}
			break
		}
		if overflow {
			o.protocolError(ctx, ma, fmt.Errorf("frame exceeds %d bytes", lr.max), line)
			continue
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		o.handleFrame(ctx, ma, line)
	}

	code, err := ma.proc.Wait()
	reason := "exited"
	if err != nil {
		reason = err.Error()
	}

	o.mu.Lock()
	if !ma.killed {
		ma.handle.Running = false
		ma.handle.State = agent.StateExited
		clear(ma.pending)
	}
	o.mu.Unlock()

	slog.InfoContext(ctx, "agent exited", "code", code, "reason", reason)
	o.emitExited(ma, code, reason)
}

func (o *Orchestrator) handleFrame(ctx context.Context, ma *managedAgent, line []byte) {
	ev, err := o.codec.Decode(line)
	if errors.Is(err, agentproc.ErrUnknownFrame) {
		slog.DebugContext(ctx, "ignoring frame", "error", err)
		return
	}
	if err != nil {
		o.protocolError(ctx, ma, err, line)
		return
	}

	// State changes land before the event is emitted so a handler reacting
	// to a request can already answer it.
	o.mu.Lock()
	if ma.killed {
		o.mu.Unlock()
		return
	}
	switch ev.Kind {
	case event.KindMessage:
		if ma.handle.State == agent.StateIdle {
			ma.handle.State = agent.StateRunning
		}
	case event.KindIdle:
		if ma.handle.State == agent.StateRunning {
			ma.handle.State = agent.StateIdle
		}
	case event.KindPlanApprovalRequest, event.KindPermissionRequest:
		ma.pending[ev.RequestID()] = ev.Kind
	}
	o.mu.Unlock()

	ev.Agent = ma.handle.Name
	o.emit(ev)
}

func (o *Orchestrator) protocolError(ctx context.Context, ma *managedAgent, err error, line []byte) {
	raw := string(line)
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError]
	}
	slog.WarnContext(ctx, "dropping undecodable frame", "error", err)
	if o.metrics != nil {
		o.metrics.FramesDropped.Add(ctx, 1)
	}
	o.emit(event.Event{
		Kind:          event.KindProtocolError,
		Agent:         ma.handle.Name,
		ProtocolError: &event.ProtocolError{Error: err.Error(), Raw: raw},
	})
}

func (o *Orchestrator) emitExited(ma *managedAgent, code int, reason string) {
	ma.exitOnce.Do(func() {
		if o.metrics != nil {
			o.metrics.AgentsExited.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
		}
		o.emit(event.Event{
			Kind:   event.KindExited,
			Agent:  ma.handle.Name,
			Exited: &event.Exited{Code: code, Reason: reason},
		})
	})
}

func (o *Orchestrator) emit(ev event.Event) {
	ev.SessionID = o.sessionID
	ev.Time = o.now()
	o.bus.Emit(ev)
}

func (o *Orchestrator) maxFrameBytes() int {
	if o.cfg != nil && o.cfg.StreamBufferKB > 0 {
		return o.cfg.StreamBufferKB * 1024
	}
	return 1024 * 1024
}

// lineReader yields newline-terminated lines up to max bytes. Longer lines
// are consumed to their end and reported as overflow so the stream stays usable.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, limit int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024), max: limit}
}

func (l *lineReader) next() (line []byte, overflow bool, err error) {
	l.buf = l.buf[:0]
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !overflow && len(l.buf)+len(chunk) <= l.max+1 {
			l.buf = append(l.buf, chunk...)
		} else if !overflow {
			overflow = true
			keep := min(len(chunk), l.max-len(l.buf))
			if keep > 0 {
				l.buf = append(l.buf, chunk[:keep]...)
			}
		}
		switch {
		case err == nil:
			return trimNewline(l.buf), overflow, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			if len(l.buf) > 0 {
				return trimNewline(l.buf), overflow, nil
			}
			return nil, false, err
		}
	}
}

func trimNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}
