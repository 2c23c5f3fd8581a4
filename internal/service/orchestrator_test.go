package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/companion-dev/companion/internal/adapter/claude"
	"github.com/companion-dev/companion/internal/config"
	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/domain/agent"
	"github.com/companion-dev/companion/internal/domain/event"
	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/service"
)

func newTestOrchestrator(t *testing.T) (*service.Orchestrator, *fakeLauncher, *eventRecorder) {
	t.Helper()
	cfg := config.Defaults().Agent
	return newTestOrchestratorWith(t, &cfg)
}

func newTestOrchestratorWith(t *testing.T, cfg *config.Agent) (*service.Orchestrator, *fakeLauncher, *eventRecorder) {
	t.Helper()
	launcher := newFakeLauncher()
	orch := service.NewOrchestrator("sess-1", launcher, claude.NewCodec(), cfg)
	rec := recordEvents(orch.Events())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return orch, launcher, rec
}

func spawn(t *testing.T, orch *service.Orchestrator, name string) agent.Handle {
	t.Helper()
	h, err := orch.Spawn(context.Background(), agent.SpawnRequest{Name: name})
	if err != nil {
		t.Fatalf("spawn %s: %v", name, err)
	}
	return h
}

func TestOrchestrator_SpawnEmitsSpawned(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)

	h := spawn(t, orch, "alice")
	if !h.Running || h.State != agent.StateRunning {
		t.Fatalf("expected running handle, got %+v", h)
	}
	if h.Type != agent.DefaultType {
		t.Fatalf("expected default type, got %q", h.Type)
	}
	if h.PID != launcher.proc(t, "alice").pid {
		t.Fatalf("pid mismatch: %d", h.PID)
	}

	ev := rec.waitEvent(t, event.KindSpawned, "alice")
	if ev.Spawned.PID != h.PID || ev.SessionID != "sess-1" {
		t.Fatalf("unexpected spawned event: %+v", ev)
	}
	if !orch.IsRunning("alice") {
		t.Fatal("expected alice running")
	}
}

func TestOrchestrator_SpawnValidation(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	_, err := orch.Spawn(context.Background(), agent.SpawnRequest{Name: "  "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestOrchestrator_SpawnDuplicate(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	spawn(t, orch, "alice")

	_, err := orch.Spawn(context.Background(), agent.SpawnRequest{Name: "alice"})
	if !errors.Is(err, domain.ErrDuplicateAgent) {
		t.Fatalf("expected ErrDuplicateAgent, got %v", err)
	}
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict family, got %v", err)
	}
}

func TestOrchestrator_SpawnFailure(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	launcher.err = errors.New("exec: not found")

	_, err := orch.Spawn(context.Background(), agent.SpawnRequest{Name: "alice"})
	if !errors.Is(err, domain.ErrSpawnFailure) {
		t.Fatalf("expected ErrSpawnFailure, got %v", err)
	}
	if _, ok := orch.Agent("alice"); ok {
		t.Fatal("failed spawn must not leave a handle")
	}
	if err := orch.Events().Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(rec.kinds()) != 0 {
		t.Fatalf("expected no events, got %v", rec.kinds())
	}
}

func TestOrchestrator_SendWritesMessageFrame(t *testing.T) {
	orch, launcher, _ := newTestOrchestrator(t)
	spawn(t, orch, "alice")

	if err := orch.Send("alice", "run the tests", "tests"); err != nil {
		t.Fatalf("send: %v", err)
	}
	lines := launcher.proc(t, "alice").stdin.lines()
	if len(lines) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(lines))
	}
	for _, want := range []string{`"type":"message"`, `"text":"run the tests"`, `"from":"team-lead"`, `"summary":"tests"`} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("frame %s missing %s", lines[0], want)
		}
	}
}

func TestOrchestrator_SendUnknownAgent(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	err := orch.Send("ghost", "hi", "")
	if !errors.Is(err, domain.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestOrchestrator_ExitLeavesTombstone(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")

	launcher.proc(t, "alice").exit(0)
	ev := rec.waitEvent(t, event.KindExited, "alice")
	if ev.Exited.Code != 0 {
		t.Fatalf("expected exit code 0, got %d", ev.Exited.Code)
	}

	h, ok := orch.Agent("alice")
	if !ok || h.Running || h.State != agent.StateExited {
		t.Fatalf("expected exited tombstone, got %+v (found=%v)", h, ok)
	}
	if err := orch.Send("alice", "hi", ""); !errors.Is(err, domain.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}

	// The tombstone is replaced by a new spawn.
	h = spawn(t, orch, "alice")
	if !h.Running {
		t.Fatal("respawned agent should be running")
	}
}

func TestOrchestrator_KillEmitsExitedOnce(t *testing.T) {
	orch, _, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")

	if err := orch.KillAgent("alice"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	ev := rec.waitEvent(t, event.KindExited, "alice")
	if ev.Exited.Code != -1 || ev.Exited.Reason != "killed" {
		t.Fatalf("unexpected exited payload: %+v", ev.Exited)
	}
	if _, ok := orch.Agent("alice"); ok {
		t.Fatal("killed agent should be forgotten")
	}
	if err := orch.KillAgent("alice"); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent on second kill, got %v", err)
	}

	// Give the reader time to observe EOF; it must not emit a second exit.
	time.Sleep(20 * time.Millisecond)
	if err := orch.Events().Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := rec.count(event.KindExited, "alice"); n != 1 {
		t.Fatalf("expected 1 exited event, got %d", n)
	}
}

func TestOrchestrator_BroadcastCollectsFailures(t *testing.T) {
	orch, launcher, _ := newTestOrchestrator(t)
	for _, name := range []string{"a", "b", "c"} {
		spawn(t, orch, name)
	}
	_ = launcher.proc(t, "b").stdin.Close()

	failures := orch.Broadcast("standup", "")
	if len(failures) != 1 || failures[0].Agent != "b" {
		t.Fatalf("expected one failure for b, got %+v", failures)
	}
	if !errors.Is(failures[0].Err, domain.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", failures[0].Err)
	}
	for _, name := range []string{"a", "c"} {
		if n := len(launcher.proc(t, name).stdin.lines()); n != 1 {
			t.Fatalf("%s received %d frames", name, n)
		}
	}
}

func TestOrchestrator_IdleThenMessage(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`{"type":"idle"}`)
	rec.waitEvent(t, event.KindIdle, "alice")
	if h, _ := orch.Agent("alice"); h.State != agent.StateIdle {
		t.Fatalf("expected idle, got %s", h.State)
	}

	p.emit(`{"type":"message","content":"back at it"}`)
	ev := rec.waitEvent(t, event.KindMessage, "alice")
	if ev.Message.Content != "back at it" {
		t.Fatalf("unexpected message: %+v", ev.Message)
	}
	if h, _ := orch.Agent("alice"); h.State != agent.StateRunning {
		t.Fatalf("expected running, got %s", h.State)
	}
}

func TestOrchestrator_SendWakesIdleAgent(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	launcher.proc(t, "alice").emit(`{"type":"idle"}`)
	rec.waitEvent(t, event.KindIdle, "alice")

	if err := orch.Send("alice", "next", ""); err != nil {
		t.Fatal(err)
	}
	if h, _ := orch.Agent("alice"); h.State != agent.StateRunning {
		t.Fatalf("expected running after send, got %s", h.State)
	}
}

func TestOrchestrator_PermissionRoundTrip(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`{"type":"permission_request","requestId":"r1","timestamp":1700000000,"toolName":"Bash","description":"rm -rf build"}`)
	ev := rec.waitEvent(t, event.KindPermissionRequest, "alice")
	if ev.Permission.ToolName != "Bash" || ev.Permission.Timestamp != "1700000000" {
		t.Fatalf("unexpected permission payload: %+v", ev.Permission)
	}

	// A plan answer does not match a permission request.
	if err := orch.SendPlanApproval("alice", "r1", true, ""); !errors.Is(err, domain.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest for kind mismatch, got %v", err)
	}
	if err := orch.SendPermissionResponse("alice", "r1", true); err != nil {
		t.Fatalf("respond: %v", err)
	}
	lines := p.stdin.lines()
	if len(lines) != 1 || !strings.Contains(lines[0], `"type":"permission_response"`) || !strings.Contains(lines[0], `"requestId":"r1"`) {
		t.Fatalf("unexpected frames: %v", lines)
	}
	if err := orch.SendPermissionResponse("alice", "r1", true); !errors.Is(err, domain.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest on second answer, got %v", err)
	}
	if !errors.Is(domain.ErrUnknownRequest, domain.ErrNotFound) {
		t.Fatal("ErrUnknownRequest should be in the not-found family")
	}
}

func TestOrchestrator_ResponseScopedToRequestingAgent(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	spawn(t, orch, "bob")
	alice := launcher.proc(t, "alice")
	bob := launcher.proc(t, "bob")

	alice.emit(`{"type":"permission_request","requestId":"r1","timestamp":"2025-01-01T00:00:00Z","toolName":"Bash"}`)
	rec.waitEvent(t, event.KindPermissionRequest, "alice")

	if err := orch.SendPermissionResponse("bob", "r1", true); !errors.Is(err, domain.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest answering alice's request through bob, got %v", err)
	}
	if got := alice.stdin.lines(); len(got) != 0 {
		t.Fatalf("alice should receive nothing, got %v", got)
	}
	if got := bob.stdin.lines(); len(got) != 0 {
		t.Fatalf("bob should receive nothing, got %v", got)
	}

	// The request is still open for its owner.
	if err := orch.SendPermissionResponse("alice", "r1", false); err != nil {
		t.Fatalf("owner answer: %v", err)
	}
}

func TestOrchestrator_ConcurrentAnswersWriteOnce(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`{"type":"permission_request","requestId":"r1","timestamp":"2025-01-01T00:00:00Z","toolName":"Bash"}`)
	rec.waitEvent(t, event.KindPermissionRequest, "alice")

	const answers = 16
	var wg sync.WaitGroup
	errs := make(chan error, answers)
	for range answers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- orch.SendPermissionResponse("alice", "r1", true)
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, domain.ErrUnknownRequest):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one accepted answer, got %d", ok)
	}
	if got := p.stdin.lines(); len(got) != 1 {
		t.Fatalf("expected one response frame, got %v", got)
	}
}

func TestOrchestrator_FailedAnswerKeepsRequestOpen(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`{"type":"plan_approval_request","requestId":"p1","timestamp":"2025-01-01T00:00:00Z","planContent":"1. refactor"}`)
	rec.waitEvent(t, event.KindPlanApprovalRequest, "alice")

	_ = p.stdin.Close()
	if err := orch.SendPlanApproval("alice", "p1", true, ""); !errors.Is(err, domain.ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}

	p.stdin.mu.Lock()
	p.stdin.closed = false
	p.stdin.mu.Unlock()
	if err := orch.SendPlanApproval("alice", "p1", true, ""); err != nil {
		t.Fatalf("retry after failed write: %v", err)
	}
}

func TestOrchestrator_SessionEnvAndBinary(t *testing.T) {
	orch, launcher, _ := newTestOrchestrator(t)
	orch.SetBinary("/opt/claude-dev")
	orch.SetEnv(map[string]string{"TEAM": "core", "LOG": "info"})

	if _, err := orch.Spawn(context.Background(), agent.SpawnRequest{Name: "alice", Env: map[string]string{"LOG": "debug"}}); err != nil {
		t.Fatal(err)
	}
	spec := launcher.lastSpec()
	if spec.Binary != "/opt/claude-dev" {
		t.Fatalf("binary = %q", spec.Binary)
	}
	if spec.Env["TEAM"] != "core" || spec.Env["LOG"] != "debug" {
		t.Fatalf("spawn env must layer over session env, got %v", spec.Env)
	}
}

func TestOrchestrator_PlanApproval(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`{"type":"plan_approval_request","requestId":"p1","timestamp":"2025-01-01T00:00:00Z","planContent":"1. refactor"}`)
	rec.waitEvent(t, event.KindPlanApprovalRequest, "alice")

	if err := orch.SendPlanApproval("alice", "p1", false, "split it up"); err != nil {
		t.Fatal(err)
	}
	lines := p.stdin.lines()
	if len(lines) != 1 || !strings.Contains(lines[0], `"approved":false`) || !strings.Contains(lines[0], `"feedback":"split it up"`) {
		t.Fatalf("unexpected frames: %v", lines)
	}
}

func TestOrchestrator_ProtocolError(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`this is not json`)
	ev := rec.waitEvent(t, event.KindProtocolError, "alice")
	if ev.ProtocolError.Raw != "this is not json" {
		t.Fatalf("unexpected raw: %q", ev.ProtocolError.Raw)
	}

	// The stream stays usable.
	p.emit(`{"type":"message","content":"ok"}`)
	rec.waitEvent(t, event.KindMessage, "alice")
	if !orch.IsRunning("alice") {
		t.Fatal("protocol error must not kill the agent")
	}
}

func TestOrchestrator_UnknownFrameIgnored(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`{"type":"tool_use","name":"Read"}`)
	p.emit(`{"type":"message","content":"ok"}`)
	rec.waitEvent(t, event.KindMessage, "alice")

	for _, k := range rec.kinds() {
		if k == event.KindProtocolError {
			t.Fatal("unknown frame types must be ignored silently")
		}
	}
}

func TestOrchestrator_OversizedFrame(t *testing.T) {
	cfg := config.Defaults().Agent
	cfg.StreamBufferKB = 1
	orch, launcher, rec := newTestOrchestratorWith(t, &cfg)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	p.emit(`{"type":"message","content":"` + strings.Repeat("x", 3000) + `"}`)
	ev := rec.waitEvent(t, event.KindProtocolError, "alice")
	if !strings.Contains(ev.ProtocolError.Error, "exceeds") {
		t.Fatalf("unexpected error: %q", ev.ProtocolError.Error)
	}

	p.emit(`{"type":"message","content":"small"}`)
	msg := rec.waitEvent(t, event.KindMessage, "alice")
	if msg.Message.Content != "small" {
		t.Fatalf("unexpected message after overflow: %+v", msg.Message)
	}
}

type staticLocator struct {
	info *sandbox.Info
}

func (l staticLocator) GetContainer(string) (*sandbox.Info, bool) {
	return l.info, l.info != nil
}

func TestOrchestrator_RunsInsideSandbox(t *testing.T) {
	orch, launcher, _ := newTestOrchestrator(t)
	orch.SetSandboxLocator(staticLocator{info: &sandbox.Info{
		Name:         "companion-sess-1",
		State:        sandbox.StateRunning,
		HostCwd:      "/home/dev/project",
		ContainerCwd: "/workspace",
	}})

	if _, err := orch.Spawn(context.Background(), agent.SpawnRequest{Name: "alice", Cwd: "/home/dev/project/api"}); err != nil {
		t.Fatal(err)
	}
	spec := launcher.lastSpec()
	if spec.ContainerName != "companion-sess-1" || spec.ContainerCwd != "/workspace/api" {
		t.Fatalf("unexpected launch spec: %+v", spec)
	}
	if spec.SessionID != "sess-1" {
		t.Fatalf("expected session id on spec, got %q", spec.SessionID)
	}
}

func TestOrchestrator_RequestShutdown(t *testing.T) {
	orch, launcher, rec := newTestOrchestrator(t)
	spawn(t, orch, "alice")
	p := launcher.proc(t, "alice")

	if err := orch.RequestShutdown("alice", "done"); err != nil {
		t.Fatal(err)
	}
	if h, _ := orch.Agent("alice"); h.State != agent.StateExiting {
		t.Fatalf("expected exiting, got %s", h.State)
	}
	if lines := p.stdin.lines(); len(lines) != 1 || !strings.Contains(lines[0], `"type":"shutdown_request"`) {
		t.Fatalf("unexpected frames: %v", lines)
	}

	p.exit(0)
	rec.waitEvent(t, event.KindExited, "alice")
}

func TestOrchestrator_ShutdownKillsAll(t *testing.T) {
	launcher := newFakeLauncher()
	cfg := config.Defaults().Agent
	orch := service.NewOrchestrator("sess-1", launcher, claude.NewCodec(), &cfg)
	rec := recordEvents(orch.Events())
	spawn(t, orch, "a")
	spawn(t, orch, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// Shutdown closes the bus after draining, so every exit is already recorded.
	for _, name := range []string{"a", "b"} {
		if rec.count(event.KindExited, name) != 1 {
			t.Fatalf("expected exited event for %s", name)
		}
	}
	if _, err := orch.Spawn(context.Background(), agent.SpawnRequest{Name: "c"}); !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after shutdown, got %v", err)
	}
}
