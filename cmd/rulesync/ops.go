package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/schaermu/rulesync/internal/config"
	"github.com/schaermu/rulesync/internal/git"
	"github.com/schaermu/rulesync/internal/history"
	"github.com/schaermu/rulesync/internal/rules"
	"github.com/schaermu/rulesync/internal/sync"
	"github.com/schaermu/rulesync/internal/webhook"
)

// errLocked is returned when another rulesync process holds the workspace lock.
var errLocked = errors.New("another sync is in progress for this workspace")

// session holds what every engine-backed command needs.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	engine *sync.Engine
}

func newSession(logger *slog.Logger) (*session, error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	engine := sync.NewEngine(cfg, newGitClient(cfg), logger, sync.WithDryRun(dryRun))
	return &session{cfg: cfg, logger: logger, engine: engine}, nil
}

func newGitClient(cfg *config.Config) git.Client {
	author := git.Identity{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail}
	branch := git.WithDefaultBranch(cfg.Git.DefaultBranch)
	if cfg.Git.Backend == config.GitBackendGoGit {
		return git.NewGoGitClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, author, branch)
	}
	return git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, author, branch)
}

// lock takes the workspace lock. When wait is false a held lock fails
// immediately with errLocked.
func (s *session) lock(ctx context.Context, wait bool) (*flock.Flock, error) {
	if err := os.MkdirAll(s.cfg.Paths.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	fl := flock.New(s.cfg.LockPath())
	var locked bool
	var err error
	if wait {
		locked, err = fl.TryLockContext(ctx, 500*time.Millisecond)
	} else {
		locked, err = fl.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return nil, errLocked
	}
	return fl, nil
}

// run executes fn under the workspace lock and records the outcome.
func (s *session) run(ctx context.Context, op sync.Op, wait bool, fn func(context.Context) (sync.SyncStats, error)) (sync.SyncStats, error) {
	fl, err := s.lock(ctx, wait)
	if err != nil {
		return sync.SyncStats{}, err
	}
	defer func() {
		if err := fl.Unlock(); err != nil {
			s.logger.Warn("failed to release workspace lock", "error", err)
		}
	}()

	started := time.Now()
	s.logger.Info("starting operation", "op", op, "workspace", s.cfg.Paths.Workspace, "dry_run", dryRun)
	stats, opErr := fn(ctx)
	s.engine.Wait()

	if !dryRun {
		s.record(history.NewRun(op, s.cfg.Paths.Workspace, started, time.Now(), stats, opErr))
	}
	return stats, opErr
}

func (s *session) record(run history.Run) {
	store, err := history.Open(s.cfg.HistoryPath())
	if err != nil {
		s.logger.Warn("failed to open history", "error", err)
		return
	}
	defer func() {
		_ = store.Close()
	}()

	if _, err := store.Record(run); err != nil {
		s.logger.Warn("failed to record history", "error", err)
	}
}

// runEngineOp builds the RunE of a command that performs one engine operation.
func runEngineOp(op sync.Op, fn func(context.Context, *sync.Engine) (sync.SyncStats, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		s, err := newSession(setupLogger())
		if err != nil {
			return report(cmd.ErrOrStderr(), err)
		}

		stats, err := s.run(ctx, op, false, func(ctx context.Context) (sync.SyncStats, error) {
			return fn(ctx, s.engine)
		})
		if err != nil {
			return report(cmd.ErrOrStderr(), err)
		}

		printStats(cmd.OutOrStdout(), op, stats)
		return nil
	}
}

func runAssess(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, err := newSession(setupLogger())
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}

	var info sync.FirstSyncInfo
	_, err = s.run(ctx, sync.OpAssess, false, func(ctx context.Context) (sync.SyncStats, error) {
		var err error
		info, err = s.engine.Assess(ctx)
		return sync.SyncStats{}, err
	})
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}

	out := cmd.OutOrStdout()
	if assessJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	printAssessment(out, info)
	return nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	st, err := sync.ParseStrategy(strategy)
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, err := newSession(setupLogger())
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}

	stats, err := s.run(ctx, sync.OpResolve, false, func(ctx context.Context) (sync.SyncStats, error) {
		return s.engine.Resolve(ctx, st)
	})
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}

	printStats(cmd.OutOrStdout(), sync.OpResolve, stats)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return report(cmd.ErrOrStderr(), fmt.Errorf("failed to load config: %w", err))
	}

	tree, err := rules.Scan(cfg.RulesRoot(), rules.NewMatcher(cfg.Sync.ExcludePatterns))
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSCOPE\tFILES\tALWAYS APPLY\tDESCRIPTION")
	for _, group := range []struct {
		scope   string
		entries []rules.Entry
	}{{"global", tree.Global}, {"local", tree.Local}} {
		for _, entry := range group.entries {
			alwaysApply, description := "", ""
			if !entry.IsDirectory && len(entry.Files) == 1 && rules.IsDocument(entry.Files[0]) {
				if meta, ok := rules.ReadMetadata(entry.Files[0]); ok {
					alwaysApply = fmt.Sprintf("%t", meta.AlwaysApply)
					description = meta.Description
				}
			}
			name := entry.Name
			if entry.IsDirectory {
				name += string(filepath.Separator)
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, group.scope, len(entry.Files), alwaysApply, description)
		}
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return report(cmd.ErrOrStderr(), fmt.Errorf("failed to load config: %w", err))
	}

	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}
	defer func() {
		_ = store.Close()
	}()

	runs, err := store.Recent(historyLimit)
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "no operations recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOP\tSTARTED\tDURATION\tADDED\tMODIFIED\tDELETED\tRESULT")
	for _, run := range runs {
		result := "ok"
		if run.Failed() {
			result = run.ErrorKind
			if result == "" {
				result = "error"
			}
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			run.ID, run.Op, run.Started.Local().Format(sync.TimestampLayout),
			run.Duration().Round(time.Millisecond),
			run.Stats.Added, run.Stats.Modified, run.Stats.Deleted, result)
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	s, err := newSession(logger)
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}
	if !s.cfg.Serve.Enabled {
		return report(cmd.ErrOrStderr(), &config.ValidationError{Field: "serve.enabled", Reason: "must be true to run the webhook server"})
	}

	// Webhook syncs wait for a CLI call holding the lock to finish.
	syncer := webhook.SyncerFunc(func(ctx context.Context) (sync.SyncStats, error) {
		return s.run(ctx, sync.OpSync, true, s.engine.Sync)
	})

	server, err := webhook.NewServer(s.cfg, syncer, logger)
	if err != nil {
		return report(cmd.ErrOrStderr(), err)
	}
	return server.Start(ctx)
}

func printStats(w io.Writer, op sync.Op, stats sync.SyncStats) {
	prefix := ""
	if dryRun {
		prefix = "(dry run) "
	}
	_, _ = fmt.Fprintf(w, "%s%s: %d added, %d modified, %d deleted",
		prefix, op, stats.Added, stats.Modified, stats.Deleted)
	if stats.Merged > 0 {
		_, _ = fmt.Fprintf(w, ", %d merged into workspace", stats.Merged)
	}
	_, _ = fmt.Fprintln(w)
}

func printAssessment(w io.Writer, info sync.FirstSyncInfo) {
	_, _ = fmt.Fprintf(w, "first sync:    %t\n", info.IsFirstSync)
	_, _ = fmt.Fprintf(w, "local rules:   %d\n", info.LocalRulesCount)
	_, _ = fmt.Fprintf(w, "remote rules:  %d\n", info.RemoteRulesCount)
	if len(info.Conflicts) > 0 {
		_, _ = fmt.Fprintf(w, "conflicts:     %s\n", strings.Join(info.Conflicts, ", "))
	}
}

// reportedError marks an error report already printed.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error {
	return e.error
}

// report prints err with its class label and remediation when it has them
// and returns it so the command exits non-zero.
func report(w io.Writer, err error) error {
	var opErr *sync.Error
	var decision *sync.DecisionError
	var invalid *config.ValidationError

	switch {
	case errors.As(err, &opErr):
		_, _ = fmt.Fprintf(w, "%s: %v\n\n%s\n", opErr.Label(), err, opErr.Remediation())
	case errors.As(err, &decision):
		_, _ = fmt.Fprintf(w, "Decision required: %v\n\n", err)
		printAssessment(w, decision.Info)
		_, _ = fmt.Fprintln(w, "\nRun 'rulesync resolve --strategy local-first' to publish this workspace's rules, or\n'rulesync resolve --strategy remote-first' to take the shared rules.")
	case errors.As(err, &invalid):
		_, _ = fmt.Fprintf(w, "Configuration error: %v\n", err)
	case errors.Is(err, errLocked):
		_, _ = fmt.Fprintf(w, "%v; wait for it to finish and retry.\n", err)
	default:
		_, _ = fmt.Fprintf(w, "Error: %v\n", err)
	}
	return reportedError{err}
}
