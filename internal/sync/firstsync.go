package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/rulesync/internal/rules"
)

// Strategy selects how Resolve reconciles a workspace with the remote.
type Strategy string

const (
	// StrategyAuto pushes when only the workspace has rules, pulls when only
	// the remote has them and otherwise asks for a decision.
	StrategyAuto        Strategy = ""
	StrategyLocalFirst  Strategy = "local-first"
	StrategyRemoteFirst Strategy = "remote-first"
)

// ParseStrategy validates a strategy name. "auto" and "" both mean
// StrategyAuto.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return StrategyAuto, nil
	case string(StrategyLocalFirst):
		return StrategyLocalFirst, nil
	case string(StrategyRemoteFirst):
		return StrategyRemoteFirst, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want auto, local-first or remote-first)", s)
	}
}

// ErrDecisionRequired is matched by a DecisionError.
var ErrDecisionRequired = errors.New("both workspace and remote have rules")

// DecisionError is returned by Resolve when both sides have rules and no
// strategy was chosen.
type DecisionError struct {
	Info FirstSyncInfo
}

func (e *DecisionError) Error() string {
	return fmt.Sprintf("%v: %d local, %d remote, %d conflicting names; choose local-first or remote-first",
		ErrDecisionRequired, e.Info.LocalRulesCount, e.Info.RemoteRulesCount, len(e.Info.Conflicts))
}

func (e *DecisionError) Is(target error) bool {
	return target == ErrDecisionRequired
}

// Assess inspects the workspace and the remote before a first sync.
// Conflicts compares file base names across the whole tree, so unrelated
// files sharing a name in different folders are reported too.
func (e *Engine) Assess(ctx context.Context) (FirstSyncInfo, error) {
	r := e.begin(OpAssess)
	var opErr *Error
	defer func() { r.finish(opErr) }()

	if opErr = r.validate(); opErr != nil {
		return FirstSyncInfo{}, opErr
	}

	remoteRoot, opErr := r.clone(ctx)
	if opErr != nil {
		return FirstSyncInfo{}, opErr
	}

	local, remote, opErr := r.fingerprints(remoteRoot)
	if opErr != nil {
		return FirstSyncInfo{}, opErr
	}

	// Local-only rules count: a workspace with any rules is not fresh.
	tree, err := rules.Scan(e.cfg.RulesRoot(), e.matcher)
	if err != nil {
		opErr = r.fail(KindFilesystem, err)
		return FirstSyncInfo{}, opErr
	}
	localCount := 0
	for _, entries := range [][]rules.Entry{tree.Local, tree.Global} {
		for _, entry := range entries {
			localCount += len(entry.Files)
		}
	}

	info := FirstSyncInfo{
		HasLocalRules:    localCount > 0,
		HasRemoteRules:   len(remote) > 0,
		LocalRulesCount:  localCount,
		RemoteRulesCount: len(remote),
		Conflicts:        []string{},
	}
	info.IsFirstSync = !info.HasLocalRules && !info.HasRemoteRules

	if info.HasLocalRules && info.HasRemoteRules {
		info.Conflicts = sharedBaseNames(local.Paths(), remote.Paths())
	}

	e.logger.Info("first sync assessment",
		"first_sync", info.IsFirstSync,
		"local", info.LocalRulesCount,
		"remote", info.RemoteRulesCount,
		"conflicts", len(info.Conflicts))
	return info, nil
}

func sharedBaseNames(a, b []string) []string {
	names := make(map[string]bool, len(a))
	for _, p := range a {
		names[path.Base(p)] = true
	}

	seen := make(map[string]bool)
	shared := []string{}
	for _, p := range b {
		name := path.Base(p)
		if names[name] && !seen[name] {
			seen[name] = true
			shared = append(shared, name)
		}
	}
	sort.Strings(shared)
	return shared
}

// Resolve applies strategy after assessing both sides. A fresh workspace
// and remote get the initial structure and nothing else.
func (e *Engine) Resolve(ctx context.Context, strategy Strategy) (SyncStats, error) {
	info, err := e.Assess(ctx)
	if err != nil {
		return SyncStats{}, err
	}

	switch {
	case info.IsFirstSync:
		return e.initialize(ctx)
	case strategy == StrategyLocalFirst:
		return e.Push(ctx)
	case strategy == StrategyRemoteFirst:
		return e.Pull(ctx)
	case strategy != StrategyAuto:
		return SyncStats{}, newError(KindConfiguration, OpAssess, fmt.Errorf("unknown strategy %q", strategy))
	case !info.HasRemoteRules:
		return e.Push(ctx)
	case !info.HasLocalRules:
		return e.Pull(ctx)
	default:
		return SyncStats{}, &DecisionError{Info: info}
	}
}

// initialize creates the local rules directory and a placeholder in the
// remote so both sides have the expected layout.
func (e *Engine) initialize(ctx context.Context) (SyncStats, error) {
	r := e.begin(OpInitialize)
	var opErr *Error
	defer func() { r.finish(opErr) }()

	if opErr = r.validate(); opErr != nil {
		return SyncStats{}, opErr
	}

	remoteRoot, opErr := r.clone(ctx)
	if opErr != nil {
		return SyncStats{}, opErr
	}

	if e.dryRun {
		e.logger.Info("[dry-run] would initialize rule structure",
			"local", e.cfg.RulesRoot(), "remote", e.cfg.Remote.Subdir)
		return SyncStats{}, nil
	}

	r.enter(StateApplyingChanges)
	if err := os.MkdirAll(e.cfg.RulesRoot(), 0755); err != nil {
		opErr = r.fail(KindFilesystem, fmt.Errorf("failed to create rules directory: %w", err))
		return SyncStats{}, opErr
	}
	if err := os.MkdirAll(remoteRoot, 0755); err != nil {
		opErr = r.fail(KindFilesystem, fmt.Errorf("failed to create remote rules directory: %w", err))
		return SyncStats{}, opErr
	}
	if err := os.WriteFile(filepath.Join(remoteRoot, ".gitkeep"), nil, 0644); err != nil {
		opErr = r.fail(KindFilesystem, fmt.Errorf("failed to write placeholder: %w", err))
		return SyncStats{}, opErr
	}

	r.enter(StateCommitting)
	committed, opErr := r.commit(ctx, VerbInitialize)
	if opErr != nil {
		return SyncStats{}, opErr
	}
	if committed {
		if opErr = r.publishCommit(ctx, true); opErr != nil {
			return SyncStats{}, opErr
		}
	}

	e.logger.Info("initialized rule structure", "local", e.cfg.RulesRoot(), "remote_subdir", e.cfg.Remote.Subdir)
	return SyncStats{}, nil
}
