package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/companion-dev/companion/internal/adapter/otel"
	"github.com/companion-dev/companion/internal/config"
	"github.com/companion-dev/companion/internal/domain"
	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/port/cache"
	"github.com/companion-dev/companion/internal/port/containerengine"
	"github.com/companion-dev/companion/internal/port/sandboxstore"
	"github.com/companion-dev/companion/internal/resilience"
)

// hostGatewayAlias lets processes in the sandbox reach services on the host.
const hostGatewayAlias = "host.docker.internal:host-gateway"

// containerCredentialsPath is where agent credentials are mounted read-only.
const containerCredentialsPath = "/root/.claude"

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// ContainerManager owns at most one sandbox container per session.
type ContainerManager struct {
	engine   containerengine.Engine
	cfg      *config.Sandbox
	breaker  *resilience.Breaker
	store    sandboxstore.Store
	images   cache.Cache
	imageTTL time.Duration
	metrics  *cfotel.Metrics
	now      func() time.Time

	mu         sync.Mutex
	containers map[string]*sandbox.Info
	locks      map[string]*sessionLock
}

// NewContainerManager creates a ContainerManager driving engine.
func NewContainerManager(engine containerengine.Engine, cfg *config.Sandbox) *ContainerManager {
	m := &ContainerManager{
		engine:     engine,
		cfg:        cfg,
		now:        time.Now,
		containers: make(map[string]*sandbox.Info),
		locks:      make(map[string]*sessionLock),
	}
	m.breaker = resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithFailureFilter(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		resilience.WithStateChange(func(from, to resilience.State) {
			slog.Warn("container engine breaker", "from", from, "to", to)
		}),
	)
	return m
}

// SetStore persists sandbox records so they can be restored after a restart.
func (m *ContainerManager) SetStore(s sandboxstore.Store) {
	m.store = s
}

// SetImageCache caches positive ImageExists answers for ttl.
func (m *ContainerManager) SetImageCache(c cache.Cache, ttl time.Duration) {
	m.images = c
	m.imageTTL = ttl
}

// SetMetrics enables metric recording.
func (m *ContainerManager) SetMetrics(metrics *cfotel.Metrics) {
	m.metrics = metrics
}

// CheckEngineAvailable reports whether the engine answers a version probe.
func (m *ContainerManager) CheckEngineAvailable(ctx context.Context) bool {
	_, ok := m.EngineVersion(ctx)
	return ok
}

// EngineVersion returns the engine version, or false if it cannot be reached.
func (m *ContainerManager) EngineVersion(ctx context.Context) (string, bool) {
	v, err := m.engine.Version(ctx)
	if err != nil {
		slog.Debug("container engine unavailable", "error", err)
		return "", false
	}
	return v, true
}

// ListImages returns local image tags, excluding untagged and dangling images.
func (m *ContainerManager) ListImages(ctx context.Context) ([]string, error) {
	refs, err := m.engine.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		if strings.Contains(ref, "<none>") {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// ImageExists reports whether tag is present locally.
func (m *ContainerManager) ImageExists(ctx context.Context, tag string) bool {
	key := imageCacheKey(tag)
	if m.images != nil {
		if _, ok, err := m.images.Get(ctx, key); err == nil && ok {
			return true
		}
	}
	if err := m.engine.InspectImage(ctx, tag); err != nil {
		return false
	}
	if m.images != nil {
		if err := m.images.Set(ctx, key, []byte{1}, m.imageTTL); err != nil {
			slog.Debug("image cache set failed", "tag", tag, "error", err)
		}
	}
	return true
}

// BuildImage builds tag from a Dockerfile. The default tag is the
// configured sandbox image.
func (m *ContainerManager) BuildImage(ctx context.Context, dockerfilePath, tag string) (string, error) {
	if dockerfilePath == "" {
		return "", fmt.Errorf("dockerfile path is required: %w", domain.ErrValidation)
	}
	if tag == "" {
		tag = m.cfg.Image
	}

	ctx, span := cfotel.StartBuildSpan(ctx, tag)
	defer span.End()

	output, err := m.engine.Build(ctx, dockerfilePath, tag)
	if m.images != nil {
		_ = m.images.Delete(ctx, imageCacheKey(tag))
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return output, &domain.BuildError{Tag: tag, Output: output, Err: err}
	}
	slog.Info("image built", "tag", tag)
	return output, nil
}

// CreateContainer provisions the session's sandbox. An existing container
// for the session is removed first. Ports are validated before any engine call.
func (m *ContainerManager) CreateContainer(ctx context.Context, sessionID, hostCwd string, cfg sandbox.Config) (*sandbox.Info, error) {
	if err := sandbox.ValidatePorts(cfg.Ports); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", domain.ErrValidation)
	}
	if hostCwd == "" {
		return nil, fmt.Errorf("host cwd is required: %w", domain.ErrValidation)
	}
	if cfg.Image == "" {
		cfg.Image = m.cfg.Image
	}

	unlock := m.lockSession(sessionID)
	defer unlock()

	if old, ok := m.lookup(sessionID); ok {
		slog.Info("replacing session container", "session_id", sessionID, "container_id", old.ContainerID)
		if err := m.engine.Remove(ctx, old.ContainerID); err != nil {
			slog.Warn("remove replaced container failed", "session_id", sessionID, "container_id", old.ContainerID, "error", err)
		}
		m.unregister(ctx, sessionID)
	}

	ctx, span := cfotel.StartContainerSpan(ctx, "create", sessionID, cfg.Image)
	defer span.End()
	start := m.now()

	var info *sandbox.Info
	err := m.breaker.Execute(func() error {
		var err error
		info, err = m.provision(ctx, sessionID, hostCwd, cfg)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w: container engine is failing", domain.ErrContainerCreate, domain.ErrUnavailable)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if m.metrics != nil {
			m.metrics.ContainersFailed.Add(ctx, 1)
		}
		return nil, err
	}

	m.mu.Lock()
	m.containers[sessionID] = info
	m.mu.Unlock()
	m.persist(ctx, sessionID, info)

	if m.metrics != nil {
		m.metrics.ContainersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("image", info.Image)))
		m.metrics.ContainerCreateDur.Record(ctx, m.now().Sub(start).Seconds())
	}
	slog.Info("container created", "session_id", sessionID, "container_id", info.ContainerID, "name", info.Name, "ports", len(info.PortMappings))
	return info.Clone(), nil
}

// provision runs create, start, and port resolution. Any failure after
// create removes the partial container; the removal error is only logged.
func (m *ContainerManager) provision(ctx context.Context, sessionID, hostCwd string, cfg sandbox.Config) (*sandbox.Info, error) {
	name := sandbox.ContainerName(m.cfg.NamePrefix, sessionID)
	workspace := m.cfg.WorkspacePath
	if workspace == "" {
		workspace = sandbox.DefaultWorkspacePath
	}

	binds := []string{hostCwd + ":" + workspace}
	if creds := expandHome(m.cfg.CredentialsDir); creds != "" {
		binds = append(binds, creds+":"+containerCredentialsPath+":ro")
	}
	binds = append(binds, cfg.Volumes...)

	id, err := m.engine.Create(ctx, containerengine.CreateSpec{
		Name:       name,
		Image:      cfg.Image,
		Binds:      binds,
		ExtraHosts: []string{hostGatewayAlias},
		Publish:    cfg.Ports,
		Env:        cfg.Env,
		Command:    []string{"sleep", "infinity"},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrContainerCreate, err)
	}

	fail := func(step string, err error) (*sandbox.Info, error) {
		if rmErr := m.engine.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			slog.Warn("cleanup of partial container failed", "session_id", sessionID, "container_id", id, "error", rmErr)
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrContainerCreate, step, err)
	}

	if err := m.engine.Start(ctx, id); err != nil {
		return fail("start", err)
	}

	mappings := make([]sandbox.PortMapping, 0, len(cfg.Ports))
	for _, p := range cfg.Ports {
		hostPort, err := m.engine.HostPort(ctx, id, p)
		if err != nil {
			return fail(fmt.Sprintf("resolve port %d", p), err)
		}
		mappings = append(mappings, sandbox.PortMapping{ContainerPort: p, HostPort: hostPort})
	}

	return &sandbox.Info{
		ContainerID:  id,
		Name:         name,
		Image:        cfg.Image,
		State:        sandbox.StateRunning,
		HostCwd:      hostCwd,
		ContainerCwd: workspace,
		PortMappings: mappings,
		CreatedAt:    m.now(),
	}, nil
}

// RemoveContainer force-removes the session's container. A session without
// one is a no-op. The registration is dropped even if the engine call fails.
func (m *ContainerManager) RemoveContainer(ctx context.Context, sessionID string) error {
	unlock := m.lockSession(sessionID)
	defer unlock()
	return m.removeLocked(ctx, sessionID)
}

func (m *ContainerManager) removeLocked(ctx context.Context, sessionID string) error {
	info, ok := m.lookup(sessionID)
	if !ok {
		return nil
	}
	err := m.engine.Remove(ctx, info.ContainerID)
	m.unregister(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("remove container %s: %w", info.ContainerID, err)
	}
	slog.Info("container removed", "session_id", sessionID, "container_id", info.ContainerID)
	return nil
}

// CleanupAll removes every tracked container. Every removal is attempted,
// a removal that outlives the configured timeout counts as failed, and the
// registry is empty afterwards regardless of outcome.
func (m *ContainerManager) CleanupAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id := range m.containers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	timeout := m.cfg.RemoveTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   []error
	)
	if m.cfg.MaxConcurrent > 0 {
		g.SetLimit(m.cfg.MaxConcurrent)
	}
	for _, id := range ids {
		g.Go(func() error {
			if err := m.removeWithTimeout(ctx, id, timeout); err != nil {
				slog.Error("cleanup removal failed", "session_id", id, "error", err)
				if m.metrics != nil {
					m.metrics.CleanupFailures.Add(ctx, 1)
				}
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// Timed-out removals may still hold their registration.
	m.mu.Lock()
	leftover := make([]string, 0, len(m.containers))
	for id := range m.containers {
		leftover = append(leftover, id)
	}
	clear(m.containers)
	m.mu.Unlock()
	for _, id := range leftover {
		m.forget(ctx, id)
	}

	return errors.Join(errs...)
}

// removeWithTimeout bounds one removal even when the engine ignores ctx.
func (m *ContainerManager) removeWithTimeout(ctx context.Context, sessionID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		unlock := m.lockSession(sessionID)
		defer unlock()
		done <- m.removeLocked(ctx, sessionID)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("remove timed out after %s: %w", timeout, ctx.Err())
	}
}

// RestoreContainer re-attaches a container created by a previous process.
// It returns false without registering when the engine cannot confirm the container.
func (m *ContainerManager) RestoreContainer(ctx context.Context, sessionID string, info sandbox.Info) bool {
	return m.restore(ctx, sessionID, info) == nil
}

func (m *ContainerManager) restore(ctx context.Context, sessionID string, info sandbox.Info) error {
	unlock := m.lockSession(sessionID)
	defer unlock()

	running, err := m.engine.Running(ctx, info.ContainerID)
	if err != nil {
		slog.Info("container not restorable", "session_id", sessionID, "container_id", info.ContainerID, "error", err)
		return err
	}

	restored := info.Clone()
	if running {
		restored.State = sandbox.StateRunning
	} else {
		restored.State = sandbox.StateStopped
	}

	m.mu.Lock()
	m.containers[sessionID] = restored
	m.mu.Unlock()
	m.persist(ctx, sessionID, restored)

	slog.Info("container restored", "session_id", sessionID, "container_id", info.ContainerID, "state", restored.State)
	return nil
}

// RestoreAll re-attaches every persisted record and returns the number
// restored. Records are deleted only when the engine reports the container
// gone. An unavailable engine aborts the pass and keeps every record.
func (m *ContainerManager) RestoreAll(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	recs, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sandbox records: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		err := m.restore(ctx, rec.SessionID, rec.Info)
		switch {
		case err == nil:
			restored++
		case errors.Is(err, domain.ErrUnavailable):
			return restored, fmt.Errorf("restore sandboxes: %w", err)
		case errors.Is(err, domain.ErrNotFound):
			if err := m.store.Delete(ctx, rec.SessionID); err != nil {
				slog.Warn("delete stale sandbox record failed", "session_id", rec.SessionID, "error", err)
			}
		default:
			slog.Warn("sandbox record kept", "session_id", rec.SessionID, "error", err)
		}
	}
	return restored, nil
}

// GetContainer returns a copy of the session's container info.
func (m *ContainerManager) GetContainer(sessionID string) (*sandbox.Info, bool) {
	info, ok := m.lookup(sessionID)
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// ListContainers returns every registered container ordered by session id.
func (m *ContainerManager) ListContainers() []sandbox.Record {
	m.mu.Lock()
	out := make([]sandbox.Record, 0, len(m.containers))
	for id, info := range m.containers {
		out = append(out, sandbox.Record{SessionID: id, Info: *info.Clone()})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

func (m *ContainerManager) lookup(sessionID string) (*sandbox.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.containers[sessionID]
	return info, ok
}

func (m *ContainerManager) unregister(ctx context.Context, sessionID string) {
	m.mu.Lock()
	delete(m.containers, sessionID)
	m.mu.Unlock()
	m.forget(ctx, sessionID)
}

func (m *ContainerManager) persist(ctx context.Context, sessionID string, info *sandbox.Info) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, sandbox.Record{SessionID: sessionID, Info: *info}); err != nil {
		slog.Warn("persist sandbox record failed", "session_id", sessionID, "error", err)
	}
}

func (m *ContainerManager) forget(ctx context.Context, sessionID string) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(context.WithoutCancel(ctx), sessionID); err != nil {
		slog.Warn("delete sandbox record failed", "session_id", sessionID, "error", err)
	}
}

// lockSession serializes create and remove for one session.
func (m *ContainerManager) lockSession(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		m.locks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, sessionID)
		}
		m.mu.Unlock()
	}
}

func imageCacheKey(tag string) string {
	return "image:" + tag
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
