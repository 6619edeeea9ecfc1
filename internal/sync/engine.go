// Package sync keeps a workspace's rule tree and a shared git remote in step.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/rulesync/internal/config"
	"github.com/schaermu/rulesync/internal/git"
	"github.com/schaermu/rulesync/internal/retry"
	"github.com/schaermu/rulesync/internal/rules"
)

// Engine orchestrates pull, push and sync between the local rule tree and
// the remote. Calls against the same workspace must be serialized by the
// caller.
type Engine struct {
	cfg      *config.Config
	git      git.Client
	logger   *slog.Logger
	retry    *retry.Executor
	matcher  *rules.Matcher
	observer Observer
	now      func() time.Time
	dryRun   bool

	cleanups gosync.WaitGroup
}

// Option customizes an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	observer   Observer
	now        func() time.Time
	dryRun     bool
	retryOpts  []retry.Option
	predicates []func(rel string) bool
}

// WithObserver reports every state transition to fn.
func WithObserver(fn Observer) Option {
	return func(o *engineOptions) { o.observer = fn }
}

// WithClock replaces time.Now for commit messages and temp directory names.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithDryRun computes and logs change sets without writing anything.
func WithDryRun(dryRun bool) Option {
	return func(o *engineOptions) { o.dryRun = dryRun }
}

// WithRetryOptions customizes the executor wrapping remote calls.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *engineOptions) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithExcludePredicate adds a check that keeps matching paths out of the
// remote in addition to the configured exclude patterns.
func WithExcludePredicate(fn func(rel string) bool) Option {
	return func(o *engineOptions) { o.predicates = append(o.predicates, fn) }
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, logger *slog.Logger, opts ...Option) *Engine {
	o := engineOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var matcherOpts []rules.MatcherOption
	if len(o.predicates) > 0 {
		predicates := o.predicates
		matcherOpts = append(matcherOpts, rules.WithPredicate(func(rel string) bool {
			for _, p := range predicates {
				if p(rel) {
					return true
				}
			}
			return false
		}))
	}

	return &Engine{
		cfg:      cfg,
		git:      gitClient,
		logger:   logger,
		retry:    retry.NewExecutor(cfg.Sync.Retry, logger, append([]retry.Option{retry.WithClassifier(retryable)}, o.retryOpts...)...),
		matcher:  rules.NewMatcher(cfg.Sync.ExcludePatterns, matcherOpts...),
		observer: o.observer,
		now:      o.now,
		dryRun:   o.dryRun,
	}
}

// retryable extends the message table with the typed rejection sentinel.
func retryable(err error) bool {
	return errors.Is(err, git.ErrNotFastForward) || retry.IsRetryable(err)
}

// Matcher returns the exclusion matcher the engine scans with.
func (e *Engine) Matcher() *rules.Matcher {
	return e.matcher
}

// Wait blocks until every scheduled temp-clone cleanup has finished.
func (e *Engine) Wait() {
	e.cleanups.Wait()
}

// run tracks one operation through its states.
type run struct {
	e        *Engine
	op       Op
	state    State
	cloneDir string
}

func (e *Engine) begin(op Op) *run {
	r := &run{e: e, op: op, state: StateIdle}
	if e.observer != nil {
		e.observer(op, StateIdle)
	}
	return r
}

func (r *run) enter(s State) {
	r.e.logger.Debug("state transition", "op", r.op, "from", r.state, "to", s)
	r.state = s
	if r.e.observer != nil {
		r.e.observer(r.op, s)
	}
}

func (r *run) fail(kind Kind, err error) *Error {
	r.enter(StateErrored)
	return newError(kind, r.op, err)
}

// finish schedules removal of the scratch clone without blocking the caller.
func (r *run) finish(err *Error) {
	if r.cloneDir != "" {
		if err == nil {
			r.enter(StateCleaningUp)
		}
		dir := r.cloneDir
		r.e.cleanups.Add(1)
		go func() {
			defer r.e.cleanups.Done()
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				r.e.logger.Warn("failed to remove temporary clone", "dir", dir, "error", rmErr)
			}
		}()
	}
	if err == nil {
		r.enter(StateDone)
	}
}

func (r *run) validate() *Error {
	r.enter(StateValidatingConfig)
	if err := r.e.cfg.Validate(); err != nil {
		return r.fail(KindConfiguration, err)
	}
	return nil
}

// clone fetches the remote into a fresh scratch directory, retrying
// transient failures. It returns the rule root inside the clone.
func (r *run) clone(ctx context.Context) (string, *Error) {
	r.enter(StateCloningRemote)
	e := r.e

	if err := os.MkdirAll(e.cfg.Paths.TempDir, 0755); err != nil {
		return "", r.fail(KindFilesystem, fmt.Errorf("failed to create temp directory: %w", err))
	}
	r.cloneDir = filepath.Join(e.cfg.Paths.TempDir,
		fmt.Sprintf("rulesync-%s-%d-%s", r.op, e.now().UnixNano(), uuid.NewString()[:8]))

	root, err := retry.Do(ctx, e.retry, "clone", func(ctx context.Context) (string, error) {
		if err := os.RemoveAll(r.cloneDir); err != nil {
			return "", err
		}
		if err := e.git.Clone(ctx, e.cfg.Remote.URL, r.cloneDir); err != nil {
			return "", err
		}
		return e.cfg.RemoteRulesRoot(r.cloneDir), nil
	})
	if err != nil {
		return "", r.fail(classifyRemoteError(err), fmt.Errorf("failed to clone %s: %w", e.cfg.Remote.URL, err))
	}

	e.logger.Debug("remote cloned", "op", r.op, "dir", r.cloneDir)
	return root, nil
}

// fingerprints builds the local and remote maps for the current call.
func (r *run) fingerprints(remoteRoot string) (local, remote rules.FingerprintMap, err *Error) {
	r.enter(StateComputingChangeSet)

	local, buildErr := rules.BuildFingerprints(r.e.cfg.RulesRoot(), r.e.matcher)
	if buildErr != nil {
		return nil, nil, r.fail(KindFilesystem, buildErr)
	}
	remote, buildErr = rules.BuildFingerprints(remoteRoot, r.e.matcher)
	if buildErr != nil {
		return nil, nil, r.fail(KindFilesystem, buildErr)
	}
	return local, remote, nil
}

// Pull overwrites the local rule tree with the remote's. Local files the
// remote does not have are left alone.
func (e *Engine) Pull(ctx context.Context) (stats SyncStats, err error) {
	r := e.begin(OpPull)
	var opErr *Error
	defer func() { r.finish(opErr) }()

	if opErr = r.validate(); opErr != nil {
		return SyncStats{}, opErr
	}

	e.logger.Info("starting pull", "remote", e.cfg.Remote.URL, "rules", e.cfg.RulesRoot())

	remoteRoot, opErr := r.clone(ctx)
	if opErr != nil {
		return SyncStats{}, opErr
	}

	local, remote, opErr := r.fingerprints(remoteRoot)
	if opErr != nil {
		return SyncStats{}, opErr
	}

	cs := Diff(remote, local)
	e.logger.Info("pull plan", "add", cs.Added, "update", cs.Modified, "local_only", cs.Deleted)

	if e.dryRun {
		e.logChangeSet(cs, "local")
		return SyncStats{Added: cs.Added, Modified: cs.Modified}.withTotal(), nil
	}

	r.enter(StateApplyingChanges)
	localRoot := e.cfg.RulesRoot()
	for _, rel := range cs.ToCopy {
		src := filepath.Join(remoteRoot, filepath.FromSlash(rel))
		dst := filepath.Join(localRoot, filepath.FromSlash(rel))
		before := rules.Fingerprint(dst)
		if err := rules.CopyFile(src, dst); err != nil {
			opErr = r.fail(KindFilesystem, fmt.Errorf("failed to copy %s: %w", rel, err))
			return SyncStats{}, opErr
		}
		countWrite(&stats, before, rules.Fingerprint(dst))
		e.logger.Debug("pulled file", "path", rel)
	}

	stats = stats.withTotal()
	e.logger.Info("pull completed", "added", stats.Added, "modified", stats.Modified)
	return stats, nil
}

// Push publishes the local rule tree to the remote. The final pull and push
// are retried together on transient failures and rejected pushes. A rejected
// push only recovers when the git client can rebase onto the remote: the
// shell client does, while the go-git client fast-forwards only and reports
// diverged history once the attempts are spent.
func (e *Engine) Push(ctx context.Context) (SyncStats, error) {
	return e.publish(ctx, OpPush, VerbPush, true)
}

// Sync publishes the local rule tree like Push but with a single push
// attempt, then merges remote changes that landed meanwhile back into the
// workspace.
func (e *Engine) Sync(ctx context.Context) (SyncStats, error) {
	return e.publish(ctx, OpSync, VerbSync, false)
}

func (e *Engine) publish(ctx context.Context, op Op, verb string, retried bool) (stats SyncStats, err error) {
	r := e.begin(op)
	var opErr *Error
	defer func() { r.finish(opErr) }()

	if opErr = r.validate(); opErr != nil {
		return SyncStats{}, opErr
	}

	e.logger.Info("starting "+string(op), "remote", e.cfg.Remote.URL, "rules", e.cfg.RulesRoot())

	remoteRoot, opErr := r.clone(ctx)
	if opErr != nil {
		return SyncStats{}, opErr
	}

	local, remote, opErr := r.fingerprints(remoteRoot)
	if opErr != nil {
		return SyncStats{}, opErr
	}

	cs := Diff(local, remote)
	e.logger.Info(string(op)+" plan", "add", cs.Added, "update", cs.Modified, "delete", cs.Deleted)

	if e.dryRun {
		e.logChangeSet(cs, "remote")
		planned := SyncStats{Added: cs.Added, Modified: cs.Modified}
		if len(local) > 0 {
			planned.Deleted = cs.Deleted
		}
		return planned.withTotal(), nil
	}

	r.enter(StateApplyingChanges)
	if stats, opErr = r.applyToRemote(cs, local, remoteRoot); opErr != nil {
		return SyncStats{}, opErr
	}

	r.enter(StateCommitting)
	committed, opErr := r.commit(ctx, verb)
	if opErr != nil {
		return SyncStats{}, opErr
	}

	if committed {
		if opErr = r.publishCommit(ctx, retried); opErr != nil {
			return SyncStats{}, opErr
		}
	} else {
		e.logger.Info("remote already up to date, nothing to push")
		stats = SyncStats{}
	}

	stats = stats.withTotal()
	if op == OpSync {
		if stats.Merged, opErr = r.mergeBack(local, remoteRoot); opErr != nil {
			return SyncStats{}, opErr
		}
	}

	e.logger.Info(string(op)+" completed",
		"added", stats.Added,
		"modified", stats.Modified,
		"deleted", stats.Deleted,
		"merged", stats.Merged)
	return stats, nil
}

// applyToRemote writes the change set into the clone. Deletions are skipped
// entirely when the local tree is empty.
func (r *run) applyToRemote(cs ChangeSet, local rules.FingerprintMap, remoteRoot string) (SyncStats, *Error) {
	e := r.e
	localRoot := e.cfg.RulesRoot()
	var stats SyncStats

	for _, rel := range cs.ToCopy {
		src := filepath.Join(localRoot, filepath.FromSlash(rel))
		dst := filepath.Join(remoteRoot, filepath.FromSlash(rel))
		before := rules.Fingerprint(dst)
		mode, err := rules.WriteMerged(src, dst, e.matcher.Excluded(rel))
		if err != nil {
			return SyncStats{}, r.fail(KindFilesystem, fmt.Errorf("failed to write %s: %w", rel, err))
		}
		countWrite(&stats, before, rules.Fingerprint(dst))
		e.logger.Debug("wrote file", "path", rel, "mode", mode)
	}

	if len(cs.ToDelete) > 0 && len(local) == 0 {
		e.logger.Warn("local rule tree is empty, skipping remote deletions",
			"candidates", len(cs.ToDelete))
		return stats, nil
	}

	for _, rel := range cs.ToDelete {
		if err := rules.RemoveFile(filepath.Join(remoteRoot, filepath.FromSlash(rel)), remoteRoot); err != nil {
			return SyncStats{}, r.fail(KindFilesystem, fmt.Errorf("failed to delete %s: %w", rel, err))
		}
		stats.Deleted++
		e.logger.Debug("deleted file", "path", rel)
	}

	return stats, nil
}

// commit stages and commits the rule tree in the clone. It reports false
// when there was nothing to commit.
func (r *run) commit(ctx context.Context, verb string) (bool, *Error) {
	e := r.e

	if err := e.git.Add(ctx, r.cloneDir, e.addPattern()); err != nil {
		return false, r.fail(KindPermanent, err)
	}

	status, err := e.git.Status(ctx, r.cloneDir)
	if err != nil {
		return false, r.fail(KindPermanent, err)
	}
	if status.Clean() {
		return false, nil
	}

	msg := CommitMessage(verb, e.cfg.Sync.WorkspaceLabel, e.now())
	if err := e.git.Commit(ctx, r.cloneDir, msg); err != nil {
		if errors.Is(err, git.ErrNothingToCommit) {
			return false, nil
		}
		return false, r.fail(KindPermanent, err)
	}
	e.logger.Info("committed", "message", msg, "changes", len(status.Changes))
	return true, nil
}

// publishCommit runs the opportunistic pull followed by the push. A failed
// pull is logged and ignored; the push decides.
func (r *run) publishCommit(ctx context.Context, retried bool) *Error {
	e := r.e

	attempt := func(ctx context.Context) error {
		r.enter(StatePulling)
		if err := e.git.Pull(ctx, r.cloneDir); err != nil {
			e.logger.Warn("pull before push failed, pushing anyway", "error", err)
		}
		r.enter(StatePushing)
		return e.git.Push(ctx, r.cloneDir)
	}

	var err error
	if retried {
		err = e.retry.Run(ctx, "pull and push", attempt)
	} else {
		err = attempt(ctx)
	}
	if err != nil {
		return r.fail(classifyRemoteError(err), err)
	}
	return nil
}

// mergeBack copies remote files that differ from the local tree into the
// workspace, keeping local metadata blocks. It returns the number of files
// it changed.
func (r *run) mergeBack(local rules.FingerprintMap, remoteRoot string) (int, *Error) {
	e := r.e

	remote, err := rules.BuildFingerprints(remoteRoot, e.matcher)
	if err != nil {
		return 0, r.fail(KindFilesystem, err)
	}

	localRoot := e.cfg.RulesRoot()
	merged := 0
	for _, rel := range remote.Paths() {
		if local[rel] == remote[rel] {
			continue
		}
		dst := filepath.Join(localRoot, filepath.FromSlash(rel))
		before := rules.Fingerprint(dst)
		if _, err := rules.WriteMerged(filepath.Join(remoteRoot, filepath.FromSlash(rel)), dst, false); err != nil {
			return 0, r.fail(KindFilesystem, fmt.Errorf("failed to merge %s into workspace: %w", rel, err))
		}
		if rules.Fingerprint(dst) != before {
			merged++
			e.logger.Debug("merged remote change", "path", rel)
		}
	}

	if merged > 0 {
		e.logger.Info("merged remote changes into workspace", "files", merged)
	}
	return merged, nil
}

// addPattern is the pathspec covering the rule tree inside the clone.
func (e *Engine) addPattern() string {
	if e.cfg.Remote.Subdir == "" {
		return "."
	}
	return filepath.ToSlash(filepath.Clean(e.cfg.Remote.Subdir))
}

// logChangeSet logs planned changes for dry-run
func (e *Engine) logChangeSet(cs ChangeSet, target string) {
	for _, rel := range cs.ToCopy {
		e.logger.Info("[dry-run] would write", "path", rel, "target", target)
	}
	for _, rel := range cs.ToDelete {
		e.logger.Info("[dry-run] would delete", "path", rel, "target", target)
	}
}

// countWrite records an effective write. A write that left the digest
// unchanged does not count.
func countWrite(stats *SyncStats, before, after string) {
	switch {
	case before == after:
	case before == "":
		stats.Added++
	default:
		stats.Modified++
	}
}
