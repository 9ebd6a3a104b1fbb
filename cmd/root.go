package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facecap/internal/config"
	"github.com/andresmejia3/facecap/internal/store"
	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// DB is the session archive, nil when no database is configured
	DB *store.Store

	cfgFile   string
	dbURL     string
	logLevel  string
	logFormat string
)

// ErrNoArchive is returned by commands that need the archive when none is configured.
var ErrNoArchive = errors.New("no archive configured (use --db or DATABASE_URL)")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facecap",
	Short:   "Capture up to three distinct faces from a live camera",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Flags win over file and environment
		flags := cmd.Flags()
		if flags.Changed("db") {
			cfg.Database.URL = dbURL
		}
		if flags.Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if flags.Changed("log-format") {
			cfg.Log.Format = logFormat
		}
		if err := utils.ConfigureLogging(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
			return err
		}
		Cfg = cfg

		if cfg.Database.URL == "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to archive database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the session archive (default: $DATABASE_URL, archive disabled if empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Diagnostic log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Diagnostic log format (text, json)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// requireArchive fails commands that only make sense with a database.
func requireArchive() error {
	if DB == nil {
		return ErrNoArchive
	}
	return nil
}
