package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/companion-dev/companion/internal/adapter/claude"
	"github.com/companion-dev/companion/internal/adapter/docker"
	cfnats "github.com/companion-dev/companion/internal/adapter/nats"
	cfotel "github.com/companion-dev/companion/internal/adapter/otel"
	"github.com/companion-dev/companion/internal/adapter/postgres"
	"github.com/companion-dev/companion/internal/adapter/ristretto"
	"github.com/companion-dev/companion/internal/adapter/sqlite"
	"github.com/companion-dev/companion/internal/config"
	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/execpool"
	"github.com/companion-dev/companion/internal/logger"
	"github.com/companion-dev/companion/internal/port/sandboxstore"
	"github.com/companion-dev/companion/internal/secrets"
	"github.com/companion-dev/companion/internal/service"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds session teardown and container cleanup on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "images":
		err = runImages(args)
	case "build-image":
		err = runBuildImage(args)
	case "containers":
		err = runContainers(args)
	case "migrate":
		err = runMigrate(args)
	case "version":
		fmt.Println("companion", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		printHelp()
		err = fmt.Errorf("unknown command: %s", cmd)
	}
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		slog.Error("fatal", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: companion [command] [options]

Commands:
  serve         Start a session and supervise its agents (default)
  images        List local sandbox images
  build-image   Build a sandbox image from a Dockerfile
  containers    List persisted sandbox containers
  migrate       Apply store migrations and print the schema version
  version       Print the version
  help          Show this help message

Examples:
  companion serve --cwd ./myproject --sandbox --port 3000
  companion build-image -f Dockerfile.dev -t companion-dev:latest
  companion containers
`)
}

// setup loads config and installs the default logger. The returned func
// flushes the logger.
func setup() (*config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	return cfg, closer.Close, nil
}

func newEngine(cfg *config.Config) *docker.Engine {
	e, _ := newEngineWithPool(cfg)
	return e
}

// newEngineWithPool also returns the pool bounding engine calls.
func newEngineWithPool(cfg *config.Config) (*docker.Engine, *execpool.Pool) {
	pool := execpool.New(cfg.Sandbox.MaxConcurrent)
	return docker.New(cfg.Sandbox.Engine, docker.WithPool(pool)), pool
}

// openStore opens the configured sandbox record store. A nil store means
// persistence is disabled.
func openStore(ctx context.Context, cfg config.Store) (sandboxstore.Store, error) {
	switch cfg.Driver {
	case config.DriverNone:
		return nil, nil
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.DSN)
	case config.DriverPostgres:
		if err := postgres.RunMigrations(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(pool), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cwd := fs.String("cwd", ".", "working directory of the session")
	withSandbox := fs.Bool("sandbox", false, "run the session's agents in a sandbox container")
	image := fs.String("image", "", "sandbox image (default from config)")
	ports := fs.IntSlice("port", nil, "container port to publish (repeatable)")
	env := fs.StringToString("env", nil, "extra sandbox environment KEY=VALUE")
	team := fs.String("team", "", "display name of the session's team")
	binary := fs.String("agent-binary", "", "agent CLI for this session (default from config)")
	agentEnv := fs.StringToString("agent-env", nil, "environment KEY=VALUE applied to every agent")
	describe := fs.String("describe", "", "what the session is for; used to generate its title")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("config loaded",
		"store", cfg.Store.Driver,
		"engine", cfg.Sandbox.Engine,
		"nats", cfg.NATS.URL != "",
		"otel", cfg.Otel.Enabled,
	)

	// --- Infrastructure ---

	shutdownOtel, err := cfotel.Setup(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	images, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer images.Close()

	// --- Services ---

	engine, enginePool := newEngineWithPool(cfg)
	containers := service.NewContainerManager(engine, &cfg.Sandbox)
	containers.SetImageCache(images, cfg.Cache.ImageTTL)
	containers.SetMetrics(metrics)
	if store != nil {
		containers.SetStore(store)
	}

	if v, ok := containers.EngineVersion(ctx); ok {
		slog.Info("container engine available", "engine", cfg.Sandbox.Engine, "version", v)
		restored, err := containers.RestoreAll(ctx)
		if err != nil {
			slog.Warn("restore containers failed", "error", err)
		} else if restored > 0 {
			slog.Info("containers restored", "count", restored)
		}
	} else {
		slog.Warn("container engine unavailable; sandboxes disabled, persisted records kept", "engine", cfg.Sandbox.Engine)
	}

	creds, err := secrets.NewVault(secrets.EnvLoader(cfg.Agent.ForwardEnv...))
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	for _, key := range cfg.Agent.ForwardEnv {
		if creds.Get(key) == "" {
			slog.Debug("forwarded credential not set", "key", key)
		}
	}
	go reloadOnHangup(ctx, creds)

	sessions := service.NewSessionService(
		claude.NewLauncher(cfg.Agent.Binary, cfg.Sandbox.Engine, cfg.Agent.DefaultModel, claude.WithCredentials(creds)),
		claude.NewCodec(),
		containers,
		service.NewActionTracker(),
		&cfg.Agent,
	)
	sessions.SetMetrics(metrics)
	sessions.SetTitler(claude.NewTitler(cfg.Agent.Binary, cfg.Agent.DefaultModel))

	if cfg.NATS.URL != "" {
		queue, err := cfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		sessions.SetRelay(service.NewEventRelay(queue, cfg.NATS.SubjectPrefix))
		slog.Info("event relay enabled", "subject_prefix", cfg.NATS.SubjectPrefix)
	}

	absCwd, err := filepath.Abs(*cwd)
	if err != nil {
		return fmt.Errorf("resolve cwd: %w", err)
	}
	req := service.InitRequest{Cwd: absCwd, TeamName: *team, Binary: *binary, Env: *agentEnv}
	if *withSandbox {
		req.Sandbox = &sandbox.Config{Image: *image, Ports: *ports, Env: *env}
	}
	sess, err := sessions.Init(ctx, req)
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	if *describe != "" {
		if sess, err = sessions.NameSession(ctx, *describe); err != nil {
			return fmt.Errorf("name session: %w", err)
		}
	}
	slog.Info("session ready", "session_id", sess.ID, "title", sess.Title, "team", sess.TeamName, "cwd", sess.Cwd, "sandbox", sess.Container != nil)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	if err := containers.CleanupAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("container cleanup: %w", err))
	}
	if n := enginePool.InFlight(); n > 0 {
		slog.Warn("engine calls still running at exit", "count", n)
	}
	return errors.Join(errs...)
}

// reloadOnHangup re-reads forwarded credentials on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, creds *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := creds.Reload(); err != nil {
				slog.Warn("credential reload failed", "error", err)
				continue
			}
			slog.Info("credentials reloaded", "count", creds.Len())
		}
	}
}
