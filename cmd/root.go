package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
)

// Database requirement of a subcommand, set through cobra annotations.
const (
	dbAnnotation = "veil/db"
	dbRequired   = "required"
	dbOptional   = "optional"
)

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the loaded configuration
	Cfg *config.Config
	// logger is the process-wide structured logger
	logger *slog.Logger

	dbURL      string
	configPath string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "veil",
	Short:   "Live screen content filter",
	Long:    "Captures the screen, classifies each frame and covers unsafe content with a blurred overlay.",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		logger = utils.ConfigureLogging(Cfg.LogLevel)

		if dbURL != "" {
			Cfg.History.DatabaseURL = dbURL
		}

		switch cmd.Annotations[dbAnnotation] {
		case dbRequired:
			return connectDB(cmd.Context())
		case dbOptional:
			noHistory, _ := cmd.Flags().GetBool("no-history")
			if !Cfg.History.Enabled || noHistory {
				return nil
			}
			if err := connectDB(cmd.Context()); err != nil {
				logger.Warn("history disabled: database unavailable", "error", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
			DB = nil
		}
	},
}

func connectDB(ctx context.Context) error {
	var err error
	// Use the command's context (which will be cancellable) for the connection
	DB, err = store.Connect(ctx, Cfg.DatabaseURL(), Cfg.History.ConnectAttempts, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/veil)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default: $VEIL_CONFIG)")
}
