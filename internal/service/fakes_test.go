package service_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/domain/agent"
	"github.com/companion-dev/companion/internal/domain/event"
	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/port/agentproc"
	"github.com/companion-dev/companion/internal/port/containerengine"
	"github.com/companion-dev/companion/internal/service"
)

// --- agent processes ---

type fakeStdin struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (w *fakeStdin) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *fakeStdin) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeStdin) lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := strings.TrimSpace(w.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type fakeProc struct {
	pid    int
	stdin  *fakeStdin
	outR   *io.PipeReader
	outW   *io.PipeWriter
	once   sync.Once
	exited chan struct{}
	code   int
}

func newFakeProc(pid int) *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{pid: pid, stdin: &fakeStdin{}, outR: r, outW: w, exited: make(chan struct{})}
}

func (p *fakeProc) PID() int              { return p.pid }
func (p *fakeProc) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProc) Stdout() io.Reader     { return p.outR }

func (p *fakeProc) Kill() error {
	p.exit(137)
	return nil
}

func (p *fakeProc) Wait() (int, error) {
	<-p.exited
	return p.code, nil
}

// emit writes one stdout line; it returns once the reader has taken it.
func (p *fakeProc) emit(line string) {
	_, _ = p.outW.Write([]byte(line + "\n"))
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.code = code
		_ = p.outW.Close()
		close(p.exited)
	})
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs map[string]*fakeProc
	specs []agent.LaunchSpec
	err   error
	pid   int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(map[string]*fakeProc), pid: 1000}
}

func (l *fakeLauncher) Launch(_ context.Context, spec agent.LaunchSpec) (agentproc.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.pid++
	p := newFakeProc(l.pid)
	l.procs[spec.Name] = p
	l.specs = append(l.specs, spec)
	return p, nil
}

func (l *fakeLauncher) proc(t *testing.T, name string) *fakeProc {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.procs[name]
	if !ok {
		t.Fatalf("no process launched for %s", name)
	}
	return p
}

func (l *fakeLauncher) lastSpec() agent.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

// --- events ---

type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func recordEvents(bus *service.EventBus) *eventRecorder {
	r := &eventRecorder{}
	bus.OnAny(func(_ context.Context, ev event.Event) error {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		return nil
	})
	return r
}

func (r *eventRecorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *eventRecorder) find(kind event.Kind, agentName string) (event.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Agent == agentName {
			return ev, true
		}
	}
	return event.Event{}, false
}

func (r *eventRecorder) count(kind event.Kind, agentName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind && ev.Agent == agentName {
			n++
		}
	}
	return n
}

// waitEvent polls until an event of kind from agentName has been delivered.
func (r *eventRecorder) waitEvent(t *testing.T, kind event.Kind, agentName string) event.Event {
	t.Helper()
	var ev event.Event
	eventually(t, func() bool {
		var ok bool
		ev, ok = r.find(kind, agentName)
		return ok
	}, fmt.Sprintf("%s event for %s", kind, agentName))
	return ev
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- container engine ---

type fakeEngine struct {
	mu          sync.Mutex
	calls       []string
	images      []string
	version     string
	versionErr  error
	inspectErr  error
	createErr   error
	startErr    error
	hostPortErr error
	removeErr   error
	buildOutput string
	buildErr    error
	runningErr  error
	running     map[string]bool // container id -> running; missing ids do not exist
	removeBlock chan struct{}   // when set, Remove blocks until closed
	nextID      int
	created     []containerengine.CreateSpec
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{version: "27.0.1", running: make(map[string]bool)}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) callCount(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (e *fakeEngine) totalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *fakeEngine) Version(context.Context) (string, error) {
	e.record("version")
	return e.version, e.versionErr
}

func (e *fakeEngine) ListImages(context.Context) ([]string, error) {
	e.record("images")
	return e.images, nil
}

func (e *fakeEngine) InspectImage(_ context.Context, tag string) error {
	e.record("inspect " + tag)
	return e.inspectErr
}

func (e *fakeEngine) Create(_ context.Context, spec containerengine.CreateSpec) (string, error) {
	e.record("create " + spec.Name)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return "", e.createErr
	}
	e.nextID++
	id := fmt.Sprintf("c%d", e.nextID)
	e.running[id] = false
	e.created = append(e.created, spec)
	return id, nil
}

func (e *fakeEngine) Start(_ context.Context, id string) error {
	e.record("start " + id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.running[id] = true
	return nil
}

func (e *fakeEngine) HostPort(_ context.Context, _ string, port int) (int, error) {
	e.record(fmt.Sprintf("port %d", port))
	if e.hostPortErr != nil {
		return 0, e.hostPortErr
	}
	return 40000 + port, nil
}

func (e *fakeEngine) Remove(_ context.Context, id string) error {
	e.record("remove " + id)
	e.mu.Lock()
	block := e.removeBlock
	e.mu.Unlock()
	if block != nil {
		<-block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
	return e.removeErr
}

func (e *fakeEngine) Build(_ context.Context, _, tag string) (string, error) {
	e.record("build " + tag)
	return e.buildOutput, e.buildErr
}

func (e *fakeEngine) Running(_ context.Context, id string) (bool, error) {
	e.record("running " + id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runningErr != nil {
		return false, e.runningErr
	}
	running, ok := e.running[id]
	if !ok {
		return false, fmt.Errorf("no such container %s: %w", id, domain.ErrNotFound)
	}
	return running, nil
}

func (e *fakeEngine) lastCreate() containerengine.CreateSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.created[len(e.created)-1]
}

// --- persistence and messaging ---

type fakeSandboxStore struct {
	mu   sync.Mutex
	recs map[string]sandbox.Record
}

func newFakeSandboxStore() *fakeSandboxStore {
	return &fakeSandboxStore{recs: make(map[string]sandbox.Record)}
}

func (s *fakeSandboxStore) Save(_ context.Context, rec sandbox.Record) error {
	s.mu.Lock()
	s.recs[rec.SessionID] = rec
	s.mu.Unlock()
	return nil
}

func (s *fakeSandboxStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.recs, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSandboxStore) List(context.Context) ([]sandbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sandbox.Record, 0, len(s.recs))
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeSandboxStore) Close() error { return nil }

func (s *fakeSandboxStore) has(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recs[sessionID]
	return ok
}

type published struct {
	subject string
	data    []byte
}

type fakeQueue struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (q *fakeQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.subject
	}
	return out
}
