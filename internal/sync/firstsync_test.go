package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssess(t *testing.T) {
	tests := []struct {
		name   string
		local  []string
		remote []string
		want   FirstSyncInfo
	}{
		{
			name: "fresh on both sides",
			want: FirstSyncInfo{IsFirstSync: true, Conflicts: []string{}},
		},
		{
			name:  "local only",
			local: []string{"a.md", "team/b.md"},
			want: FirstSyncInfo{
				HasLocalRules:   true,
				LocalRulesCount: 2,
				Conflicts:       []string{},
			},
		},
		{
			name:   "remote only",
			remote: []string{"a.md"},
			want: FirstSyncInfo{
				HasRemoteRules:   true,
				RemoteRulesCount: 1,
				Conflicts:        []string{},
			},
		},
		{
			name:   "one shared file name",
			local:  []string{"a.md", "b.md"},
			remote: []string{"a.md", "c.md"},
			want: FirstSyncInfo{
				HasLocalRules:    true,
				HasRemoteRules:   true,
				LocalRulesCount:  2,
				RemoteRulesCount: 2,
				Conflicts:        []string{"a.md"},
			},
		},
		{
			// Names are compared without their folders, so unrelated files
			// in different directories still count as conflicting.
			name:   "base name match across folders",
			local:  []string{"team/rule.md"},
			remote: []string{"other/rule.md"},
			want: FirstSyncInfo{
				HasLocalRules:    true,
				HasRemoteRules:   true,
				LocalRulesCount:  1,
				RemoteRulesCount: 1,
				Conflicts:        []string{"rule.md"},
			},
		},
		{
			name:  "local-only rules make the workspace non-empty",
			local: []string{"local-notes.md", "local-stuff/x.md"},
			want: FirstSyncInfo{
				HasLocalRules:   true,
				LocalRulesCount: 2,
				Conflicts:       []string{},
			},
		},
		{
			// Only shared rules are compared for conflicts.
			name:   "local-only rule next to remote rules",
			local:  []string{"local-a.md"},
			remote: []string{"local-a.md", "b.md"},
			want: FirstSyncInfo{
				HasLocalRules:    true,
				HasRemoteRules:   true,
				LocalRulesCount:  1,
				RemoteRulesCount: 1,
				Conflicts:        []string{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			fg := newFakeGit(t)
			for _, rel := range tt.local {
				writeRule(t, cfg.RulesRoot(), rel, rel+"\n")
			}
			for _, rel := range tt.remote {
				writeRule(t, remoteRules(fg), rel, "remote "+rel+"\n")
			}

			e, _ := newTestEngine(t, cfg, fg)
			info, err := e.Assess(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)

			e.Wait()
			entries, err := os.ReadDir(cfg.Paths.TempDir)
			require.NoError(t, err)
			assert.Empty(t, entries, "scratch clone must be discarded")
		})
	}
}

func TestResolve_FirstSyncCreatesStructure(t *testing.T) {
	cfg := testConfig(t)
	fg := newFakeGit(t)

	e, _ := newTestEngine(t, cfg, fg)
	stats, err := e.Resolve(context.Background(), StrategyAuto)
	require.NoError(t, err)

	assert.Equal(t, SyncStats{}, stats)
	assert.DirExists(t, cfg.RulesRoot())
	assert.FileExists(t, filepath.Join(remoteRules(fg), ".gitkeep"))
	require.Len(t, fg.messages, 1)
	assert.Equal(t, "Initialize rules from ws at 2026-03-04 05:06:07", fg.messages[0])

	// The placeholder is hidden, so the next assessment is still a first sync
	// and initializing again changes nothing.
	_, err = e.Resolve(context.Background(), StrategyAuto)
	require.NoError(t, err)
	assert.Len(t, fg.messages, 1)
}

func TestResolve_AutoNeedsDecisionWhenBothSidesHaveRules(t *testing.T) {
	cfg := testConfig(t)
	fg := newFakeGit(t)
	writeRule(t, cfg.RulesRoot(), "shared.md", "mine\n")
	writeRule(t, remoteRules(fg), "shared.md", "theirs\n")

	e, _ := newTestEngine(t, cfg, fg)
	_, err := e.Resolve(context.Background(), StrategyAuto)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecisionRequired))

	var decision *DecisionError
	require.ErrorAs(t, err, &decision)
	assert.Equal(t, []string{"shared.md"}, decision.Info.Conflicts)
	assert.Zero(t, fg.pushes)
	assert.Equal(t, "mine\n", readRule(t, cfg.RulesRoot(), "shared.md"))
}

func TestResolve_Strategies(t *testing.T) {
	tests := []struct {
		name       string
		strategy   Strategy
		local      bool
		remote     bool
		wantLocal  string
		wantRemote string
	}{
		{"auto pushes local only", StrategyAuto, true, false, "mine\n", "mine\n"},
		{"auto pulls remote only", StrategyAuto, false, true, "theirs\n", "theirs\n"},
		{"local first", StrategyLocalFirst, true, true, "mine\n", "mine\n"},
		{"remote first", StrategyRemoteFirst, true, true, "theirs\n", "theirs\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			fg := newFakeGit(t)
			if tt.local {
				writeRule(t, cfg.RulesRoot(), "rule.md", "mine\n")
			}
			if tt.remote {
				writeRule(t, remoteRules(fg), "rule.md", "theirs\n")
			}

			e, _ := newTestEngine(t, cfg, fg)
			stats, err := e.Resolve(context.Background(), tt.strategy)
			require.NoError(t, err)

			assert.Equal(t, 1, stats.Total)
			assert.Equal(t, tt.wantLocal, readRule(t, cfg.RulesRoot(), "rule.md"))
			assert.Equal(t, tt.wantRemote, readRule(t, remoteRules(fg), "rule.md"))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategyAuto, false},
		{"auto", StrategyAuto, false},
		{"local-first", StrategyLocalFirst, false},
		{"Remote-First", StrategyRemoteFirst, false},
		{"newest", "", true},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}
