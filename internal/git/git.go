package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNothingToCommit is returned by Commit when the working tree is clean.
var ErrNothingToCommit = errors.New("nothing to commit")

// ErrNotFastForward is returned by Push when the remote has commits the
// local branch does not.
var ErrNotFastForward = errors.New("not a fast-forward")

// Status is the working tree state of a clone.
type Status struct {
	Changes []string // porcelain-style entries, one per changed path
}

// Clean reports whether nothing is staged or modified.
func (s Status) Clean() bool {
	return len(s.Changes) == 0
}

// Client provides the version-control operations rulesync needs. Every
// operation other than Clone acts on the clone rooted at dir.
type Client interface {
	// Clone clones url into destDir. An empty remote yields an empty
	// working tree with origin configured.
	Clone(ctx context.Context, url, destDir string) error
	Status(ctx context.Context, dir string) (Status, error)
	// Add stages additions, modifications and deletions matching pattern.
	Add(ctx context.Context, dir, pattern string) error
	Commit(ctx context.Context, dir, message string) error
	Pull(ctx context.Context, dir string) error
	Push(ctx context.Context, dir string) error
}

// DefaultBranch is the branch created when cloning a remote without commits.
const DefaultBranch = "main"

// Option configures a Client.
type Option func(*options)

type options struct {
	defaultBranch string
}

// WithDefaultBranch sets the branch an empty remote is initialized with.
func WithDefaultBranch(name string) Option {
	return func(o *options) {
		if name != "" {
			o.defaultBranch = name
		}
	}
}

func newOptions(opts []Option) options {
	o := options{defaultBranch: DefaultBranch}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Identity is the author recorded on commits.
type Identity struct {
	Name  string
	Email string
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	sshKeyFile     string
	httpsTokenFile string
	author         Identity
	options
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(sshKeyFile, httpsTokenFile string, author Identity, opts ...Option) *ShellClient {
	return &ShellClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		author:         author,
		options:        newOptions(opts),
	}
}

// Clone clones the repository into destDir
func (c *ShellClient) Clone(ctx context.Context, url, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	// init.defaultBranch only applies when the remote does not advertise
	// its unborn HEAD.
	cmd := exec.CommandContext(ctx, "git", "-c", "init.defaultBranch="+c.defaultBranch, "clone", url, destDir)
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// Status lists changed paths in porcelain format
func (c *ShellClient) Status(ctx context.Context, dir string) (Status, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "status", "--porcelain")
	out, err := c.runCommand(cmd)
	if err != nil {
		return Status{}, fmt.Errorf("git status failed: %w", err)
	}

	var st Status
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			st.Changes = append(st.Changes, line)
		}
	}
	return st, nil
}

// Add stages every change matching pattern, including deletions
func (c *ShellClient) Add(ctx context.Context, dir, pattern string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "add", "--all", "--", pattern)
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// Commit records the staged changes
func (c *ShellClient) Commit(ctx context.Context, dir, message string) error {
	st, err := c.Status(ctx, dir)
	if err != nil {
		return err
	}
	if st.Clean() {
		return ErrNothingToCommit
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir,
		"-c", "user.name="+c.author.Name,
		"-c", "user.email="+c.author.Email,
		"commit", "-m", message)
	if _, err := c.runCommand(cmd); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// Pull rebases local commits onto the remote branch. A remote without any
// branches has nothing to pull.
func (c *ShellClient) Pull(ctx context.Context, dir string) error {
	url := c.remoteURL(ctx, dir)

	lsRemote := exec.CommandContext(ctx, "git", "-C", dir, "ls-remote", "--heads", "origin")
	if err := c.configureAuth(lsRemote, url); err != nil {
		return err
	}
	heads, err := c.runCommand(lsRemote)
	if err != nil {
		return fmt.Errorf("git ls-remote failed: %w", err)
	}
	if strings.TrimSpace(heads) == "" {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir,
		"-c", "user.name="+c.author.Name,
		"-c", "user.email="+c.author.Email,
		"pull", "--rebase", "origin", "HEAD")
	if err := c.configureAuth(cmd, url); err != nil {
		return err
	}
	if _, err := c.runCommand(cmd); err != nil {
		// A conflicting rebase leaves HEAD detached; restore the branch so
		// the push is rejected as non-fast-forward.
		abort := exec.CommandContext(ctx, "git", "-C", dir, "rebase", "--abort")
		_, _ = c.runCommand(abort)
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// Push publishes the current branch to origin
func (c *ShellClient) Push(ctx context.Context, dir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", "origin", "HEAD")
	if err := c.configureAuth(cmd, c.remoteURL(ctx, dir)); err != nil {
		return err
	}
	if out, err := c.runCommand(cmd); err != nil {
		if isRejection(out) {
			return fmt.Errorf("git push failed: %w: %s", ErrNotFastForward, out)
		}
		return fmt.Errorf("git push failed: %w", err)
	}
	return nil
}

func isRejection(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(lower, "non-fast-forward") ||
		strings.Contains(lower, "fetch first") ||
		strings.Contains(lower, "[rejected]")
}

// remoteURL returns the origin URL so auth can be chosen per scheme
func (c *ShellClient) remoteURL(ctx context.Context, dir string) string {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// configureAuth sets up authentication for git operations
func (c *ShellClient) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if c.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return err
		}

		// The token travels in the environment and is read by an inline
		// credential helper, never embedded in a shell expression.
		cmd.Env = append(cmd.Env, "RULESYNC_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$RULESYNC_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

func readToken(path string) (string, error) {
	token, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read HTTPS token file: %w", err)
	}
	return strings.TrimSpace(string(token)), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns its combined output, wrapping
// the output into the error on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) (string, error) {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("%w: %s", err, string(output))
	}
	return string(output), nil
}
