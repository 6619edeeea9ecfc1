package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// RequireGit skips the test when the git binary is not on PATH.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found on PATH")
	}
}

// RunGit runs git with args and fails the test on error.
func RunGit(t *testing.T, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.com",
		"GIT_TERMINAL_PROMPT=0",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

// NewBareRemote creates an empty bare repository whose default branch is main.
func NewBareRemote(t *testing.T) string {
	t.Helper()
	RequireGit(t)
	dir := filepath.Join(t.TempDir(), "remote.git")
	RunGit(t, "init", "--bare", "-b", "main", dir)
	return dir
}

// PushFiles commits files (slash-relative path to content) to the remote's
// main branch. A nil content deletes the path.
func PushFiles(t *testing.T, remote string, files map[string]*string, message string) {
	t.Helper()
	work := filepath.Join(t.TempDir(), "seed")
	RunGit(t, "clone", remote, work)
	RunGit(t, "-C", work, "checkout", "-B", "main")

	for rel, content := range files {
		p := filepath.Join(work, filepath.FromSlash(rel))
		if content == nil {
			RunGit(t, "-C", work, "rm", "-q", "--", rel)
			continue
		}
		WriteFile(t, p, *content)
	}

	RunGit(t, "-C", work, "add", "-A")
	RunGit(t, "-C", work, "commit", "-m", message)
	RunGit(t, "-C", work, "push", "origin", "main")
}

// ReadRemoteFile returns the content of rel at the tip of the remote's main
// branch, and false when the path does not exist there.
func ReadRemoteFile(t *testing.T, remote, rel string) (string, bool) {
	t.Helper()
	cmd := exec.Command("git", "--git-dir", remote, "show", "main:"+rel)
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return string(out), true
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// Ptr returns a pointer to s.
func Ptr(s string) *string {
	return &s
}
