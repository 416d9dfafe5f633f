package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	giturls "github.com/whilp/git-urls"
)

const (
	IsolationClone  = "clone"
	IsolationShared = "shared"
)

// Config holds every runtime setting of the binary
type Config struct {
	// WorkflowFile is the workflow definition; empty selects the embedded default
	WorkflowFile string

	// WorkDir is the repository checkout the jobs run in
	WorkDir string

	// ArtifactDir is the root of the artifact store
	ArtifactDir string

	// StateDB is the SQLite file holding run history
	StateDB string

	// Isolation is "clone" (private checkout per job run) or "shared"
	Isolation     string
	WorkspaceRoot string

	MaxParallelJobs int
	Timezone        string
	HTTPAddr        string
	StrictOwnership bool

	Git GitConfig
	Log LogConfig
}

// GitConfig holds repository sync settings
type GitConfig struct {
	Remote      string
	Branch      string
	AuthorName  string
	AuthorEmail string
	SSHKeyPath  string
	Disabled    bool
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string
	Format string
}

// Load reads settings from an optional .env file and the environment
func Load(envFilePath string) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// a missing file is fine, the environment alone is enough
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		WorkflowFile:    getEnv("MARKETSYNC_WORKFLOW", ""),
		WorkDir:         getEnv("MARKETSYNC_WORKDIR", "."),
		ArtifactDir:     getEnv("MARKETSYNC_ARTIFACT_DIR", ".marketsync/artifacts"),
		StateDB:         getEnv("MARKETSYNC_STATE_DB", ".marketsync/runs.db"),
		Isolation:       getEnv("MARKETSYNC_ISOLATION", IsolationClone),
		WorkspaceRoot:   getEnv("MARKETSYNC_WORKSPACE_ROOT", filepath.Join(os.TempDir(), "marketsync")),
		MaxParallelJobs: getEnvAsInt("MARKETSYNC_MAX_PARALLEL", 4),
		Timezone:        getEnv("MARKETSYNC_TIMEZONE", "UTC"),
		HTTPAddr:        getEnv("MARKETSYNC_HTTP_ADDR", ":8080"),
		StrictOwnership: getEnvAsBool("MARKETSYNC_STRICT_OWNERSHIP", false),
		Git: GitConfig{
			Remote:      getEnv("GIT_REMOTE", "origin"),
			Branch:      getEnv("GIT_BRANCH", ""),
			AuthorName:  getEnv("GIT_AUTHOR_NAME", "marketsync"),
			AuthorEmail: getEnv("GIT_AUTHOR_EMAIL", "marketsync@users.noreply.github.com"),
			SSHKeyPath:  getEnv("GIT_SSH_KEY_PATH", ""),
			Disabled:    getEnvAsBool("GIT_SYNC_DISABLED", false),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings that would fail later in a less obvious place
func (c *Config) Validate() error {
	if c.MaxParallelJobs < 1 {
		return fmt.Errorf("MARKETSYNC_MAX_PARALLEL must be at least 1, got %d", c.MaxParallelJobs)
	}
	if c.Isolation != IsolationClone && c.Isolation != IsolationShared {
		return fmt.Errorf("MARKETSYNC_ISOLATION must be %q or %q, got %q", IsolationClone, IsolationShared, c.Isolation)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if strings.Contains(c.Git.Remote, "/") || strings.Contains(c.Git.Remote, ":") {
		if _, err := giturls.Parse(c.Git.Remote); err != nil {
			return fmt.Errorf("invalid GIT_REMOTE %q: %w", c.Git.Remote, err)
		}
	}
	return nil
}

// Location resolves the timezone the cron daemon evaluates schedules in
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid MARKETSYNC_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// RemoteDisplay returns the remote with any credentials stripped, for logs
func (c *Config) RemoteDisplay() string {
	u, err := giturls.Parse(c.Git.Remote)
	if err != nil || u.Host == "" {
		return c.Git.Remote
	}
	u.User = nil
	return u.String()
}

// getEnv returns the variable or a default when unset or empty
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the variable as an int or a default
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool returns the variable as a bool or a default
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
