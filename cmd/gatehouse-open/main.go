// Gatehouse-open runs the facility open preflight: eight ordered checks
// ending in the status flip, aborting on the first failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/datastore"
	"github.com/gatehouse-labs/gatehouse/pkg/gate"
	"github.com/gatehouse-labs/gatehouse/pkg/service"
)

func main() {
	var envPath string

	rootCmd := &cobra.Command{
		Use:   "gatehouse-open",
		Short: "Open the facility after verifying the telemetry pipeline",
		Long: `Gatehouse-open proves every layer of the pipeline before flipping the
facility flag: environment, datastore, deployment, site, service
registration, exporter process, telemetry freshness, and finally the
flag itself with a read-back. The first failing check aborts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), envPath)
		},
	}
	rootCmd.Flags().StringVar(&envPath, "env", "", "alternate .env file (default GATEHOUSE_DIR/.env)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPath string) error {
	loadEnv(envPath)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	opener := gate.NewOpener(cfg, datastore.New(cfg.URL, cfg.Key), service.NewManager(), os.Stdout)
	return opener.Open(ctx)
}

// loadEnv attempts the .env load quietly. A missing or unreadable file is
// the environment step's finding to report, not a startup error.
func loadEnv(override string) {
	path := override
	if path == "" {
		resolved, err := config.DefaultEnvFile()
		if err != nil {
			return
		}
		path = resolved
	}
	_ = godotenv.Load(path)
}
