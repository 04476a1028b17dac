// Command whadgestctl is the operator CLI: migrations, devices, tokens,
// the dead-letter queue and one-off maintenance runs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whadgest/whadgest-backend/internal/app"
	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/logging"
)

var (
	cfg    *config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:           "whadgestctl",
	Short:         "Operate a whadgest backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logger = logging.New(cfg.Log)
		logger.SetOutput(os.Stderr)
		return nil
	},
}

// withApp builds the backend components for one command
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return run(ctx, a)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
