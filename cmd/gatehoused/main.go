// Gatehoused is the facility telemetry exporter: it tails the agent event
// log, watches agent processes, and keeps the remote datastore current.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/daemon"
	"github.com/gatehouse-labs/gatehouse/pkg/datastore"
	"github.com/gatehouse-labs/gatehouse/pkg/eventlog"
	"github.com/gatehouse-labs/gatehouse/pkg/procmon"
	"github.com/gatehouse-labs/gatehouse/pkg/projects"
	"github.com/gatehouse-labs/gatehouse/pkg/usage"
	"github.com/gatehouse-labs/gatehouse/pkg/version"
)

func main() {
	var (
		backfill bool
		envPath  string
	)

	rootCmd := &cobra.Command{
		Use:   "gatehoused",
		Short: "Facility telemetry exporter daemon",
		Long: `Gatehoused runs the two exporter loops: a process watcher pushing live
agent state and an aggregate loop syncing events, daily metrics, and
telemetry to the remote datastore. With --backfill it instead rebuilds
the datastore's derived tables from local history and exits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), backfill, envPath)
		},
	}
	rootCmd.Flags().BoolVar(&backfill, "backfill", false, "rebuild the datastore from local history and exit")
	rootCmd.Flags().StringVar(&envPath, "env", "", "alternate .env file (default GATEHOUSE_DIR/.env)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, backfill bool, envPath string) error {
	// launchd redirects stdout to a file; text, not JSON, keeps it readable.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	loadEnv(envPath)

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.RequireDatastore(); err != nil {
		return fmt.Errorf("datastore configuration: %w", err)
	}

	slog.Info("Starting gatehoused",
		"version", version.GitCommit,
		"backfill", backfill,
		"data_dir", cfg.DataDir,
		"projects_root", cfg.ProjectsRoot)

	// 2. Project identity and visibility
	resolver := projects.NewResolver(cfg.ProjectsRoot)
	vis := projects.NewVisibility(cfg.VisibilityCacheFile(), cfg.GitHubOrg, cfg.GitHubToken)

	// 3. Datastore client
	store := datastore.New(cfg.URL, cfg.Key)

	// 4. Local telemetry sources
	tailer := eventlog.NewTailer(cfg.EventLog())
	sessions := usage.NewScanner(cfg.SessionRoot(), cfg.ProjectsRoot, resolver)
	watcher := procmon.NewWatcher(procmon.NewScanner(cfg, resolver))

	// 5. Daemon
	d := daemon.New(cfg, tailer, sessions, watcher, resolver, vis, store)
	if err := d.Run(ctx, backfill); err != nil {
		slog.Error("Exporter exited with error", "error", err)
		return err
	}

	slog.Info("Exporter stopped")
	return nil
}

// loadEnv loads the .env file, continuing on error: a host configured purely
// through the environment is valid, and RequireDatastore catches real gaps.
func loadEnv(override string) {
	path := override
	if path == "" {
		resolved, err := config.DefaultEnvFile()
		if err != nil {
			slog.Warn("Could not resolve .env path", "error", err)
			return
		}
		path = resolved
	}
	if err := godotenv.Load(path); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", path, "error", err)
	} else {
		slog.Info("Loaded environment", "path", path)
	}
}
