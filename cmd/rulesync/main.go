package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/rulesync/internal/config"
	"github.com/schaermu/rulesync/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool

	// Command flags
	strategy     string
	historyLimit int
	assessJSON   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rulesync",
	Short: "Share rule documents between workspaces through a Git repository",
	Long: `rulesync keeps a workspace's rule documents in step with a shared Git
repository. Rules whose names match an exclusion pattern stay local; every
other rule is pushed to and pulled from the remote.

Per-workspace metadata blocks at the top of a document are preserved when
pushing, so each workspace can keep its own toggles while sharing the body.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local rule changes and merge back remote changes",
	Long: `Sync clones the shared repository, applies the workspace's global rules to
it, commits and pushes the result, then merges changes other workspaces made
back into the local rule tree.`,
	RunE: runEngineOp(sync.OpSync, func(ctx context.Context, e *sync.Engine) (sync.SyncStats, error) {
		return e.Sync(ctx)
	}),
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Overwrite local rules with the remote versions",
	Long: `Pull copies every remote rule that differs from the workspace into the local
rule tree. Local files are never deleted.`,
	RunE: runEngineOp(sync.OpPull, func(ctx context.Context, e *sync.Engine) (sync.SyncStats, error) {
		return e.Pull(ctx)
	}),
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish local rule changes to the remote",
	Long: `Push applies the workspace's global rules to the shared repository, including
deletions, and pushes the commit. Rejected pushes are retried.`,
	RunE: runEngineOp(sync.OpPush, func(ctx context.Context, e *sync.Engine) (sync.SyncStats, error) {
		return e.Push(ctx)
	}),
}

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Report what a first sync would find on both sides",
	RunE:  runAssess,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Perform the first sync of a workspace",
	Long: `Resolve assesses the workspace and the remote and picks the first operation:
a fresh remote and workspace get the initial structure, a workspace with rules
pushes, a remote with rules pulls. When both sides have rules a strategy
must be given.`,
	RunE: runResolve,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local rules and how they are classified",
	RunE:  runList,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent operations",
	RunE:  runHistory,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and runs a sync whenever the shared repository receives a push.

This mode requires the serve section of the config to be enabled with a
webhook secret file.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "rulesync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/rulesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{syncCmd, pullCmd, pushCmd} {
		cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	}
	resolveCmd.Flags().StringVar(&strategy, "strategy", "", "first sync strategy when both sides have rules (local-first, remote-first)")
	assessCmd.Flags().BoolVar(&assessJSON, "json", false, "print the assessment as JSON")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show (0 for all)")

	rootCmd.AddCommand(syncCmd, pullCmd, pushCmd, assessCmd, resolveCmd)
	rootCmd.AddCommand(listCmd, historyCmd, serveCmd, versionCmd)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	// Logs go to stderr so command output stays parseable.
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "rulesync", "config.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"remote", cfg.Remote.URL,
		"subdir", cfg.Remote.Subdir,
		"rules_root", cfg.RulesRoot(),
		"state_dir", cfg.Paths.StateDir,
		"git_backend", cfg.Git.Backend,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
