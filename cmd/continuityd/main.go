// Continuityd is a local MCP daemon that persists project-state snapshots to
// disk so a new conversational session can resume where a previous one left
// off.
//
// The server speaks MCP over stdio; all diagnostics go to stderr.
//
// Usage:
//
//	# Start the daemon with defaults (~/.continuityd/states)
//	continuityd
//
//	# Configure via environment
//	STORAGE_ROOT_DIR=/tmp/states LOGGING_LEVEL=debug continuityd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/continuityd/internal/config"
	"github.com/fyrsmithlabs/continuityd/internal/enrich"
	"github.com/fyrsmithlabs/continuityd/internal/logging"
	"github.com/fyrsmithlabs/continuityd/internal/mcp"
	"github.com/fyrsmithlabs/continuityd/internal/state"
	"github.com/fyrsmithlabs/continuityd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "continuityd",
	Short: "MCP daemon for persisting project state across sessions",
	Long: `continuityd persists free-form project-state snapshots (focus, decisions,
files touched, next actions, summary) to local disk, with atomic saves,
bounded backup rotation, and fuzzy duplicate-name validation.

It speaks MCP over stdio and is intended to be launched by an MCP client.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("continuityd\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/continuityd/config.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "continuityd: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all dependencies and blocks until the context is canceled:
//  1. Loads and validates configuration
//  2. Initializes telemetry and logger
//  3. Opens the enrichment sink (if enabled) and the state store
//  4. Serves MCP on stdio
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry, cfg.Service.Name, cfg.Service.Version)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown: %v\n", err)
		}
	}()

	logger, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	rootDir, err := config.ExpandPath(cfg.Storage.RootDir)
	if err != nil {
		return fmt.Errorf("resolving storage root: %w", err)
	}

	var sink enrich.Sink = enrich.NoopSink{}
	if cfg.Sink.Enabled {
		sinkPath, err := config.ExpandPath(cfg.Sink.Path)
		if err != nil {
			return fmt.Errorf("resolving sink path: %w", err)
		}
		chromemSink, err := enrich.NewChromemSink(&enrich.ChromemConfig{
			Path:       sinkPath,
			Collection: cfg.Sink.Collection,
			Compress:   cfg.Sink.Compress,
		}, logger)
		if err != nil {
			// The sink is best-effort by contract; a broken sink must not
			// keep the daemon from serving saves and loads.
			logger.Warn("enrichment sink unavailable, continuing without it", zap.Error(err))
		} else {
			sink = chromemSink
		}
	}

	store, err := state.NewService(&state.Config{
		RootDir:             rootDir,
		BackupKeepCount:     cfg.Storage.BackupKeepCount,
		SimilarityThreshold: cfg.Storage.SimilarityThreshold,
		SinkTimeout:         cfg.Sink.Timeout.Duration(),
		RelatedLimit:        cfg.Sink.RelatedLimit,
	}, sink, logger)
	if err != nil {
		return fmt.Errorf("initializing state store: %w", err)
	}

	server, err := mcp.NewServer(&mcp.Config{
		Name:             cfg.Service.Name,
		Version:          cfg.Service.Version,
		DefaultThreshold: cfg.Storage.SimilarityThreshold,
		Logger:           logger,
	}, store)
	if err != nil {
		return fmt.Errorf("initializing MCP server: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("server close", zap.Error(err))
		}
	}()

	// Startup banner on stderr; stdout carries the MCP protocol.
	fmt.Fprintf(os.Stderr, "=== continuityd MCP server ===\n")
	fmt.Fprintf(os.Stderr, "Version: %s\n", version)
	fmt.Fprintf(os.Stderr, "Storage: %s\n", rootDir)
	fmt.Fprintf(os.Stderr, "==============================\n")

	logger.Info("continuityd starting",
		zap.String("version", version),
		zap.String("storage_root", rootDir),
		zap.Bool("sink_enabled", cfg.Sink.Enabled),
		zap.Bool("telemetry_enabled", cfg.Telemetry.Enabled),
	)

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serving MCP: %w", err)
	}

	logger.Info("continuityd shutdown complete")
	return nil
}
