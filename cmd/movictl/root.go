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

	"github.com/ashureev/movi/internal/app"
	"github.com/ashureev/movi/internal/config"
)

var (
	verbose bool
	dbPath  string
	version = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "movictl",
	Short: "Operate the Movi fleet assistant from the terminal",
	Long: `movictl works directly against the Movi database.

Quick Start:
  movictl seed                              # Load the demo fleet
  movictl tools                             # Show tools per page
  movictl chat --page busDashboard          # Talk to the assistant
  movictl sweep                             # Expire stale confirmations`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides DB_PATH)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openApp loads configuration the same way the server does and builds the
// pipeline against it.
func openApp(ctx context.Context) (*app.App, *slog.Logger, error) {
	_ = godotenv.Load()
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}
