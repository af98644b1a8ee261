// schwabctl - command line access to the Schwab market data adapter
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	schwab "github.com/bjoelf/schwab-adapter/adapter"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// app holds the components every subcommand needs.
type app struct {
	cfg    *schwab.Config
	logger *slog.Logger
	auth   *schwab.SchwabAuthClient
	client *schwab.SchwabClient
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "schwabctl",
		Short: "Schwab market data adapter",
		Long: `schwabctl keeps Schwab API credentials valid and reads market data
over REST and the streaming API.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(hoursCmd())
	rootCmd.AddCommand(quoteCmd())
	rootCmd.AddCommand(streamCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newApp loads configuration and builds the auth and REST clients.
func newApp() (*app, error) {
	cfg, err := schwab.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := schwab.NewLogger(os.Stderr, level)

	auth, err := schwab.CreateSchwabAuthClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		auth:   auth,
		client: schwab.CreateSchwabClient(cfg, auth, logger),
	}, nil
}
