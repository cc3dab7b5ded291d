// Gatehouse-close marks the facility dormant and tears the exporter down.
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
		Use:   "gatehouse-close",
		Short: "Close the facility and stop the exporter",
		Long: `Gatehouse-close writes the dormant status, stops the exporter process
(SIGTERM, then SIGKILL after five seconds), removes the PID file, and
unloads the launchd agent. Only the status write can fail the command;
local cleanup problems are reported as warnings.`,
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

	closer := gate.NewCloser(cfg, datastore.New(cfg.URL, cfg.Key), service.NewManager(), os.Stdout)
	return closer.Close(ctx)
}

// loadEnv attempts the .env load quietly. Close must work against a
// half-configured host, so nothing here is fatal.
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
