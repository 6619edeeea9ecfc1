package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// GoGitClient implements Client in-process with go-git. Pull is
// fast-forward only, so a clone whose local commit has diverged from the
// remote reports ErrNotFastForward instead of rebasing.
type GoGitClient struct {
	sshKeyFile     string
	httpsTokenFile string
	author         Identity
	now            func() time.Time
	options
}

// NewGoGitClient creates a client backed by go-git.
func NewGoGitClient(sshKeyFile, httpsTokenFile string, author Identity, opts ...Option) *GoGitClient {
	return &GoGitClient{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
		author:         author,
		now:            time.Now,
		options:        newOptions(opts),
	}
}

// Clone clones url into destDir. When the remote has no commits yet an empty
// repository is initialized on the default branch with origin configured.
func (c *GoGitClient) Clone(ctx context.Context, url, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	auth, err := c.authFor(url)
	if err != nil {
		return err
	}

	_, err = gogit.PlainCloneContext(ctx, destDir, false, &gogit.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return fmt.Errorf("git clone failed: %w", err)
	}

	repo, err := gogit.PlainInitWithOptions(destDir, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{
			DefaultBranch: plumbing.NewBranchReferenceName(c.defaultBranch),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to init empty clone: %w", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{
		Name: gogit.DefaultRemoteName,
		URLs: []string{url},
	}); err != nil {
		return fmt.Errorf("failed to configure origin: %w", err)
	}
	return nil
}

// Status lists changed paths, formatted like git status --porcelain.
func (c *GoGitClient) Status(_ context.Context, dir string) (Status, error) {
	wt, err := worktree(dir)
	if err != nil {
		return Status{}, err
	}

	st, err := wt.Status()
	if err != nil {
		return Status{}, fmt.Errorf("git status failed: %w", err)
	}

	var out Status
	for path, fs := range st {
		if fs.Staging == gogit.Unmodified && fs.Worktree == gogit.Unmodified {
			continue
		}
		out.Changes = append(out.Changes, fmt.Sprintf("%c%c %s", fs.Staging, fs.Worktree, path))
	}
	sort.Strings(out.Changes)
	return out, nil
}

// Add stages every change under pattern, including deletions.
func (c *GoGitClient) Add(_ context.Context, dir, pattern string) error {
	wt, err := worktree(dir)
	if err != nil {
		return err
	}

	opts := &gogit.AddOptions{Path: filepath.ToSlash(pattern)}
	if pattern == "" || pattern == "." {
		opts = &gogit.AddOptions{All: true}
	}
	if err := wt.AddWithOptions(opts); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// Commit records the staged changes.
func (c *GoGitClient) Commit(ctx context.Context, dir, message string) error {
	st, err := c.Status(ctx, dir)
	if err != nil {
		return err
	}
	if st.Clean() {
		return ErrNothingToCommit
	}

	wt, err := worktree(dir)
	if err != nil {
		return err
	}
	sig := &object.Signature{Name: c.author.Name, Email: c.author.Email, When: c.now()}
	if _, err := wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}
	return nil
}

// Pull fast-forwards the current branch from the branch of the same name on
// origin. A remote that does not have the branch yet has nothing to pull.
func (c *GoGitClient) Pull(ctx context.Context, dir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	branch, err := currentBranch(repo)
	if err != nil {
		return err
	}
	auth, err := c.authFor(originURL(repo))
	if err != nil {
		return err
	}

	err = wt.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    gogit.DefaultRemoteName,
		ReferenceName: branch,
		Auth:          auth,
	})
	switch {
	case err == nil,
		errors.Is(err, gogit.NoErrAlreadyUpToDate),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return fmt.Errorf("git pull failed: %w", ErrNotFastForward)
	default:
		return fmt.Errorf("git pull failed: %w", err)
	}
}

// Push publishes the current branch to the branch of the same name on origin.
func (c *GoGitClient) Push(ctx context.Context, dir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	branch, err := currentBranch(repo)
	if err != nil {
		return err
	}
	auth, err := c.authFor(originURL(repo))
	if err != nil {
		return err
	}

	err = repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: gogit.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(branch.String() + ":" + branch.String())},
		Auth:       auth,
	})
	switch {
	case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, gogit.ErrNonFastForwardUpdate) || isRejection(err.Error()):
		return fmt.Errorf("git push failed: %w: %v", ErrNotFastForward, err)
	default:
		return fmt.Errorf("git push failed: %w", err)
	}
}

// authFor picks an auth method by URL scheme. Local paths need none.
//
//nolint:ireturn // go-git requires the transport.AuthMethod interface
func (c *GoGitClient) authFor(url string) (transport.AuthMethod, error) {
	switch {
	case c.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")):
		auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return auth, nil
	case c.httpsTokenFile != "" && strings.HasPrefix(url, "https://"):
		token, err := readToken(c.httpsTokenFile)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil
	default:
		return nil, nil
	}
}

func worktree(dir string) (*gogit.Worktree, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	return wt, nil
}

// currentBranch returns the branch HEAD points at, which may not have any
// commits yet.
func currentBranch(repo *gogit.Repository) (plumbing.ReferenceName, error) {
	head, err := repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return "", errors.New("HEAD is not on a branch")
	}
	return head.Target(), nil
}

func originURL(repo *gogit.Repository) string {
	remote, err := repo.Remote(gogit.DefaultRemoteName)
	if err != nil || len(remote.Config().URLs) == 0 {
		return ""
	}
	return remote.Config().URLs[0]
}
