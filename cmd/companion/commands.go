package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/companion-dev/companion/internal/adapter/postgres"
	"github.com/companion-dev/companion/internal/adapter/sqlite"
	"github.com/companion-dev/companion/internal/config"
	"github.com/companion-dev/companion/internal/domain/sandbox"
	"github.com/companion-dev/companion/internal/service"
)

// isTTY reports whether stdout is an interactive terminal. Piped output is JSON.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runImages(args []string) error {
	fs := pflag.NewFlagSet("images", pflag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	m := service.NewContainerManager(newEngine(cfg), &cfg.Sandbox)
	images, err := m.ListImages(ctx)
	if err != nil {
		return err
	}

	if *asJSON || !isTTY() {
		return printJSON(images)
	}
	for _, img := range images {
		marker := " "
		if img == cfg.Sandbox.Image {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, img)
	}
	return nil
}

func runBuildImage(args []string) error {
	fs := pflag.NewFlagSet("build-image", pflag.ContinueOnError)
	dockerfile := fs.StringP("file", "f", "", "path to the Dockerfile (required)")
	tag := fs.StringP("tag", "t", "", "image tag (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dockerfile == "" {
		fs.PrintDefaults()
		return fmt.Errorf("--file is required")
	}

	cfg, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()

	m := service.NewContainerManager(newEngine(cfg), &cfg.Sandbox)
	output, err := m.BuildImage(context.Background(), *dockerfile, *tag)
	if output != "" {
		fmt.Fprint(os.Stderr, output)
		if !strings.HasSuffix(output, "\n") {
			fmt.Fprintln(os.Stderr)
		}
	}
	if err != nil {
		return err
	}
	if *tag == "" {
		*tag = cfg.Sandbox.Image
	}
	fmt.Println(*tag)
	return nil
}

func runContainers(args []string) error {
	fs := pflag.NewFlagSet("containers", pflag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON even on a terminal")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if store == nil {
		return fmt.Errorf("container persistence is disabled (store.driver=none)")
	}
	defer func() { _ = store.Close() }()

	recs, err := store.List(ctx)
	if err != nil {
		return err
	}

	if *asJSON || !isTTY() {
		return printJSON(recs)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCONTAINER\tNAME\tIMAGE\tSTATE\tPORTS\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SessionID,
			shortID(r.Info.ContainerID),
			r.Info.Name,
			r.Info.Image,
			r.Info.State,
			formatPorts(r.Info.PortMappings),
			r.Info.CreatedAt.Format(time.RFC3339),
		)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatPorts(mappings []sandbox.PortMapping) string {
	if len(mappings) == 0 {
		return "-"
	}
	parts := make([]string, len(mappings))
	for i, m := range mappings {
		parts[i] = fmt.Sprintf("%d->%d", m.HostPort, m.ContainerPort)
	}
	return strings.Join(parts, ",")
}

func runMigrate(args []string) error {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, flush, err := setup()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	switch cfg.Store.Driver {
	case config.DriverPostgres:
		if err := postgres.RunMigrations(ctx, cfg.Store.DSN); err != nil {
			return err
		}
		v, err := postgres.MigrationVersion(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		fmt.Printf("postgres schema at version %d\n", v)
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		if err := store.Close(); err != nil {
			return err
		}
		fmt.Printf("sqlite schema up to date (%s)\n", cfg.Store.DSN)
	default:
		return fmt.Errorf("store driver %q has no schema", cfg.Store.Driver)
	}
	return nil
}
