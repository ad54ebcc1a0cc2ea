package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andresmejia3/scanline/internal/store"
)

var (
	// DB is the catalog connection shared by subcommands. It is nil unless the
	// command needs the catalog.
	DB *store.Store
	// cfgFile is an optional config file read by viper
	cfgFile string
	// logger is configured from --log-level before any subcommand runs
	logger = slog.Default()
)

// Version is the application version.
const Version = "0.1.0"

// dbAnnotation marks commands that cannot run without the catalog.
const dbAnnotation = "scanline/db"

var rootCmd = &cobra.Command{
	Use:     "scanline",
	Short:   "Live camera bar/QR code scanner",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		if err := setupLogger(viper.GetString("log-level")); err != nil {
			return err
		}

		if !needsDB(cmd) {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), databaseURL())
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
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

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers flags over SCANLINE_* environment variables over the
// optional config file.
func loadConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("SCANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", cfgFile, err)
		}
		logger.Debug("loaded config file", "path", viper.ConfigFileUsed())
	}
	return nil
}

func setupLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return nil
}

// needsDB reads dbAnnotation: "required", or "flag:<name>" to connect only
// when that boolean flag is set.
func needsDB(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		v := c.Annotations[dbAnnotation]
		switch {
		case v == "required":
			return true
		case strings.HasPrefix(v, "flag:"):
			return viper.GetBool(strings.TrimPrefix(v, "flag:"))
		}
	}
	return false
}

// databaseURL resolves the connection string: --db, then POSTGRES_* variables,
// then a local default.
func databaseURL() string {
	if url := viper.GetString("db"); url != "" {
		return url
	}
	// If no flag was provided, try to build the connection string from the environment
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	// Fallback to local default if no env vars are present
	return "postgres://localhost:5432/scanline"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("db", "", "PostgreSQL connection string (default: postgres://localhost:5432/scanline)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
}
