//go:build integration

package tier1

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/rulesync/internal/testutil"
)

const (
	defaultTimeout = 5 * time.Minute
	testRulesDir   = ".cursor/rules"
)

// Harness builds the rulesync binary once and runs it against workspaces
// sharing one bare remote.
type Harness struct {
	t      *testing.T
	binary string
	remote string
}

// Workspace is one checkout of a project using rulesync.
type Workspace struct {
	Name       string
	Root       string
	RulesRoot  string
	ConfigPath string
}

// NewHarness creates a new test harness with a seeded bare remote
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	remote := testutil.NewBareRemote(t)
	testutil.PushFiles(t, remote, map[string]*string{"README.md": testutil.Ptr("# shared rules\n")}, "Initial commit")
	return &Harness{t: t, remote: remote}
}

// BuildBinary compiles cmd/rulesync into a temporary directory
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot := testutil.ProjectRoot(h.t)
	h.binary = filepath.Join(h.t.TempDir(), "rulesync")
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/rulesync")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// NewWorkspace creates an empty workspace and its config file
func (h *Harness) NewWorkspace(name string) *Workspace {
	h.t.Helper()

	base := h.t.TempDir()
	ws := &Workspace{
		Name:       name,
		Root:       filepath.Join(base, name),
		ConfigPath: filepath.Join(base, "config.yaml"),
	}
	ws.RulesRoot = filepath.Join(ws.Root, filepath.FromSlash(testRulesDir))

	config := fmt.Sprintf(`remote:
  url: %s
paths:
  workspace: %s
  rules_dir: %s
sync:
  exclude_patterns: ["local-*"]
  workspace_label: %s
git:
  author_name: %s
  author_email: %s@example.com
`, h.remote, ws.Root, testRulesDir, name, name, name)

	if err := os.MkdirAll(ws.Root, 0755); err != nil {
		h.t.Fatalf("create workspace: %v", err)
	}
	if err := os.WriteFile(ws.ConfigPath, []byte(config), 0600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
	return ws
}

// Run executes rulesync for a workspace
func (h *Harness) Run(ctx context.Context, ws *Workspace, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append(args, "--config", ws.ConfigPath)
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = ws.Root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes rulesync and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, ws *Workspace, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, ws, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("rulesync %v failed with exit code %d\nstdout: %s\nstderr: %s",
			args, exitCode, stdout, stderr)
	}
	return stdout, stderr
}

// WriteRule writes a rule document into a workspace
func (h *Harness) WriteRule(ws *Workspace, rel, content string) {
	h.t.Helper()
	testutil.WriteFile(h.t, filepath.Join(ws.RulesRoot, filepath.FromSlash(rel)), content)
}

// ReadRule reads a rule document from a workspace
func (h *Harness) ReadRule(ws *Workspace, rel string) (string, bool) {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(ws.RulesRoot, filepath.FromSlash(rel)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// RemoveRule deletes a rule document from a workspace
func (h *Harness) RemoveRule(ws *Workspace, rel string) {
	h.t.Helper()
	if err := os.Remove(filepath.Join(ws.RulesRoot, filepath.FromSlash(rel))); err != nil {
		h.t.Fatalf("remove rule: %v", err)
	}
}

// RemoteRule reads a rule document from the remote's main branch
func (h *Harness) RemoteRule(rel string) (string, bool) {
	h.t.Helper()
	return testutil.ReadRemoteFile(h.t, h.remote, testRulesDir+"/"+rel)
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
