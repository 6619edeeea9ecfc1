package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/rulesync/internal/retry"
)

// GitBackend selects the version-control implementation
type GitBackend string

const (
	GitBackendShell GitBackend = "shell"
	GitBackendGoGit GitBackend = "go-git"
)

// Config represents the complete rulesync configuration
type Config struct {
	Remote RemoteConfig `yaml:"remote"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Git    GitConfig    `yaml:"git"`
	Auth   AuthConfig   `yaml:"auth"`
	Serve  ServeConfig  `yaml:"serve"`
}

// RemoteConfig configures the shared rules repository
type RemoteConfig struct {
	URL    string `yaml:"url"`
	Subdir string `yaml:"subdir"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	Workspace string `yaml:"workspace"`
	RulesDir  string `yaml:"rules_dir"`
	StateDir  string `yaml:"state_dir"`
	TempDir   string `yaml:"temp_dir"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	ExcludePatterns []string     `yaml:"exclude_patterns"`
	WorkspaceLabel  string       `yaml:"workspace_label"`
	Retry           retry.Config `yaml:"retry"`
}

// GitConfig configures the version-control client
type GitConfig struct {
	Backend     GitBackend `yaml:"backend"`
	AuthorName  string     `yaml:"author_name"`
	AuthorEmail string     `yaml:"author_email"`
	// DefaultBranch is created when the remote has no commits yet and does
	// not advertise its own default.
	DefaultBranch string `yaml:"default_branch"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the webhook server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// ValidationError reports a missing or invalid setting.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Remote.URL = os.ExpandEnv(c.Remote.URL)
	c.Remote.Subdir = os.ExpandEnv(c.Remote.Subdir)
	c.Paths.Workspace = os.ExpandEnv(c.Paths.Workspace)
	c.Paths.RulesDir = os.ExpandEnv(c.Paths.RulesDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.TempDir = os.ExpandEnv(c.Paths.TempDir)
	c.Sync.WorkspaceLabel = os.ExpandEnv(c.Sync.WorkspaceLabel)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
// The workspace defaults to the current working directory.
func (c *Config) ApplyDefaults() error {
	if c.Paths.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to determine working directory: %w", err)
		}
		c.Paths.Workspace = cwd
	}
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = filepath.Join(c.Paths.Workspace, ".rulesync")
	}
	if c.Paths.TempDir == "" {
		c.Paths.TempDir = os.TempDir()
	}
	if c.Remote.Subdir == "" {
		c.Remote.Subdir = c.Paths.RulesDir
	}
	if c.Sync.WorkspaceLabel == "" {
		c.Sync.WorkspaceLabel = filepath.Base(c.Paths.Workspace)
	}

	def := retry.DefaultConfig()
	if c.Sync.Retry.MaxAttempts == 0 {
		c.Sync.Retry.MaxAttempts = def.MaxAttempts
	}
	if c.Sync.Retry.BaseDelay == 0 {
		c.Sync.Retry.BaseDelay = def.BaseDelay
	}
	if c.Sync.Retry.MaxDelay == 0 {
		c.Sync.Retry.MaxDelay = def.MaxDelay
	}
	if c.Sync.Retry.BackoffMultiplier == 0 {
		c.Sync.Retry.BackoffMultiplier = def.BackoffMultiplier
	}

	if c.Git.Backend == "" {
		c.Git.Backend = GitBackendShell
	}
	if c.Git.AuthorName == "" {
		c.Git.AuthorName = "rulesync"
	}
	if c.Git.AuthorEmail == "" {
		c.Git.AuthorEmail = "rulesync@localhost"
	}
	if c.Git.DefaultBranch == "" {
		c.Git.DefaultBranch = "main"
	}
	return nil
}

// ValidateRequired checks the settings every operation needs before any
// repository is touched.
func (c *Config) ValidateRequired() error {
	if strings.TrimSpace(c.Remote.URL) == "" {
		return invalid("remote.url", "is required")
	}
	if strings.TrimSpace(c.Paths.RulesDir) == "" {
		return invalid("paths.rules_dir", "is required")
	}
	if len(c.Sync.ExcludePatterns) == 0 {
		return invalid("sync.exclude_patterns", "must list at least one pattern")
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := c.ValidateRequired(); err != nil {
		return err
	}

	for i, p := range c.Sync.ExcludePatterns {
		if strings.TrimSpace(p) == "" {
			return invalid("sync.exclude_patterns", "entry %d is empty", i)
		}
		if _, err := filepath.Match(p, "probe"); err != nil {
			return invalid("sync.exclude_patterns", "entry %d (%q) is malformed: %v", i, p, err)
		}
	}

	if !filepath.IsAbs(c.Paths.Workspace) {
		return invalid("paths.workspace", "must be an absolute path: %s", c.Paths.Workspace)
	}
	if filepath.IsAbs(c.Paths.RulesDir) {
		return invalid("paths.rules_dir", "must be relative to the workspace: %s", c.Paths.RulesDir)
	}
	if escapes(c.Paths.RulesDir) {
		return invalid("paths.rules_dir", "must stay inside the workspace: %s", c.Paths.RulesDir)
	}
	if filepath.IsAbs(c.Remote.Subdir) || escapes(c.Remote.Subdir) {
		return invalid("remote.subdir", "must be a relative path inside the repository: %s", c.Remote.Subdir)
	}
	if c.Paths.StateDir != "" && !filepath.IsAbs(c.Paths.StateDir) {
		return invalid("paths.state_dir", "must be an absolute path: %s", c.Paths.StateDir)
	}

	if err := c.Sync.Retry.Validate(); err != nil {
		return invalid("sync.retry", "is invalid: %v", err)
	}

	switch c.Git.Backend {
	case GitBackendShell, GitBackendGoGit:
		// valid
	default:
		return invalid("git.backend", "must be shell or go-git, got %q", c.Git.Backend)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return invalid("auth", "may set only one of ssh_key_file or https_token_file")
	}
	if c.Auth.SSHKeyFile != "" && !c.IsSSH() {
		return invalid("auth.ssh_key_file", "is set but remote.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Auth.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return invalid("auth.https_token_file", "is set but remote.url does not use HTTPS scheme")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return invalid("serve.listen_addr", "is required when serve is enabled")
		}
		if c.Serve.GitHubWebhookSecretFile == "" {
			return invalid("serve.github_webhook_secret_file", "is required when serve is enabled")
		}
	}

	return nil
}

func escapes(rel string) bool {
	clean := filepath.Clean(rel)
	return clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

// RulesRoot returns the absolute path of the local rule tree
func (c *Config) RulesRoot() string {
	return filepath.Join(c.Paths.Workspace, c.Paths.RulesDir)
}

// RemoteRulesRoot returns the rule tree inside a clone of the remote
func (c *Config) RemoteRulesRoot(cloneDir string) string {
	return filepath.Join(cloneDir, c.Remote.Subdir)
}

// HistoryPath returns the path to the operation history database
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// LockPath returns the path to the workspace lock file
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "sync.lock")
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the remote URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Remote.URL, "https://")
}

// IsSSH returns true if the remote URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Remote.URL, "git@") || strings.HasPrefix(c.Remote.URL, "ssh://")
}
