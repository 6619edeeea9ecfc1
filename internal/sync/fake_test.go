package sync

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/rulesync/internal/config"
	"github.com/schaermu/rulesync/internal/git"
	"github.com/schaermu/rulesync/internal/retry"
)

// fakeGit implements git.Client over a plain directory standing in for the
// remote's working tree.
type fakeGit struct {
	remote string

	cloneErrs []error
	pushErrs  []error
	pullErr   error
	onPull    func(remote string)

	bases map[string]map[string]string // clone dir -> tree at clone time
	heads map[string]map[string]string // clone dir -> committed tree

	clones   int
	pulls    int
	pushes   int
	messages []string
}

func newFakeGit(t *testing.T) *fakeGit {
	t.Helper()
	remote := filepath.Join(t.TempDir(), "remote")
	require.NoError(t, os.MkdirAll(remote, 0755))
	return &fakeGit{
		remote: remote,
		bases:  make(map[string]map[string]string),
		heads:  make(map[string]map[string]string),
	}
}

func (f *fakeGit) Clone(_ context.Context, _, destDir string) error {
	f.clones++
	if len(f.cloneErrs) > 0 {
		err := f.cloneErrs[0]
		f.cloneErrs = f.cloneErrs[1:]
		if err != nil {
			return err
		}
	}

	tree, err := readTree(f.remote)
	if err != nil {
		return err
	}
	if err := writeTree(destDir, tree); err != nil {
		return err
	}
	f.bases[destDir] = tree
	f.heads[destDir] = copyMap(tree)
	return nil
}

func (f *fakeGit) Status(_ context.Context, dir string) (git.Status, error) {
	tree, err := readTree(dir)
	if err != nil {
		return git.Status{}, err
	}
	head := f.heads[dir]

	var st git.Status
	for rel, content := range tree {
		if prev, ok := head[rel]; !ok || prev != content {
			st.Changes = append(st.Changes, "M  "+rel)
		}
	}
	for rel := range head {
		if _, ok := tree[rel]; !ok {
			st.Changes = append(st.Changes, "D  "+rel)
		}
	}
	sort.Strings(st.Changes)
	return st, nil
}

func (f *fakeGit) Add(context.Context, string, string) error {
	return nil
}

func (f *fakeGit) Commit(ctx context.Context, dir, message string) error {
	st, err := f.Status(ctx, dir)
	if err != nil {
		return err
	}
	if st.Clean() {
		return git.ErrNothingToCommit
	}
	tree, err := readTree(dir)
	if err != nil {
		return err
	}
	f.heads[dir] = tree
	f.messages = append(f.messages, message)
	return nil
}

// Pull takes every remote change to a path the clone's commits left alone.
func (f *fakeGit) Pull(_ context.Context, dir string) error {
	f.pulls++
	if f.onPull != nil {
		f.onPull(f.remote)
		f.onPull = nil
	}
	if f.pullErr != nil {
		return f.pullErr
	}

	remote, err := readTree(f.remote)
	if err != nil {
		return err
	}
	local, err := readTree(dir)
	if err != nil {
		return err
	}
	base, head := f.bases[dir], f.heads[dir]
	for rel, content := range remote {
		if head[rel] == base[rel] {
			local[rel] = content
			head[rel] = content
		}
	}
	return writeTree(dir, local)
}

// Push replaces the remote with the clone's committed tree.
func (f *fakeGit) Push(_ context.Context, dir string) error {
	f.pushes++
	if len(f.pushErrs) > 0 {
		err := f.pushErrs[0]
		f.pushErrs = f.pushErrs[1:]
		if err != nil {
			return err
		}
	}

	if err := os.RemoveAll(f.remote); err != nil {
		return err
	}
	return writeTree(f.remote, f.heads[dir])
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func readTree(root string) (map[string]string, error) {
	tree := make(map[string]string)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return tree, nil
	}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return tree, err
}

func writeTree(root string, tree map[string]string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}
	for rel, content := range tree {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

const testRulesDir = ".cursor/rules"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Remote: config.RemoteConfig{URL: "https://example.com/team/rules.git"},
		Paths: config.PathsConfig{
			Workspace: filepath.Join(t.TempDir(), "ws"),
			RulesDir:  testRulesDir,
			TempDir:   t.TempDir(),
		},
		Sync: config.SyncConfig{ExcludePatterns: []string{"local-*"}},
	}
	require.NoError(t, cfg.ApplyDefaults())
	return cfg
}

var testNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)

// sleepRecorder captures backoff delays instead of sleeping.
type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestEngine(t *testing.T, cfg *config.Config, g git.Client, opts ...Option) (*Engine, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithRetryOptions(retry.WithSleep(rec.sleep)),
	}, opts...)
	e := NewEngine(cfg, g, testLogger(), opts...)
	t.Cleanup(e.Wait)
	return e, rec
}

func writeRule(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func readRule(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func remoteRules(f *fakeGit) string {
	return filepath.Join(f.remote, filepath.FromSlash(testRulesDir))
}
