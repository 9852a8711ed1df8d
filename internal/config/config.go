package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/dirtidy/internal/fingerprint"
)

const (
	DefaultStagingPrefix     = "__temp_"
	DefaultListenAddr        = "127.0.0.1:8787"
	DefaultMaxConcurrentJobs = 2
	DefaultLogLines          = 200
)

// Config represents the complete dirtidy configuration
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Serve  ServeConfig  `yaml:"serve"`
}

// EngineConfig configures deduplication and renaming
type EngineConfig struct {
	Hash          fingerprint.Algorithm `yaml:"hash"`
	ChunkSize     int                   `yaml:"chunk_size"`
	StagingPrefix string                `yaml:"staging_prefix"`
	DryRun        bool                  `yaml:"dry_run"`
}

// ServeConfig configures the job control server
type ServeConfig struct {
	ListenAddr        string   `yaml:"listen_addr"`
	SecretFile        string   `yaml:"secret_file"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	LogLines          int      `yaml:"log_lines"`
	AllowedRoots      []string `yaml:"allowed_roots"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
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
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default when it
// does not. Any other read or parse error is returned.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in path-like string fields
func (c *Config) expandEnv() {
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	for i, root := range c.Serve.AllowedRoots {
		c.Serve.AllowedRoots[i] = os.ExpandEnv(root)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Engine.Hash == "" {
		c.Engine.Hash = fingerprint.SHA256
	}
	if c.Engine.ChunkSize == 0 {
		c.Engine.ChunkSize = fingerprint.DefaultChunkSize
	}
	if c.Engine.StagingPrefix == "" {
		c.Engine.StagingPrefix = DefaultStagingPrefix
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
	if c.Serve.MaxConcurrentJobs == 0 {
		c.Serve.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if c.Serve.LogLines == 0 {
		c.Serve.LogLines = DefaultLogLines
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !fingerprint.Valid(c.Engine.Hash) {
		return fmt.Errorf("invalid engine.hash: %s (must be sha256 or xxhash)", c.Engine.Hash)
	}
	if c.Engine.ChunkSize < 0 {
		return fmt.Errorf("engine.chunk_size must not be negative: %d", c.Engine.ChunkSize)
	}

	// The staging prefix must stay a plain file name component
	if strings.ContainsAny(c.Engine.StagingPrefix, `/\`) {
		return fmt.Errorf("engine.staging_prefix must not contain path separators: %q", c.Engine.StagingPrefix)
	}

	if c.Serve.MaxConcurrentJobs < 1 {
		return fmt.Errorf("serve.max_concurrent_jobs must be at least 1: %d", c.Serve.MaxConcurrentJobs)
	}
	if c.Serve.LogLines < 0 {
		return fmt.Errorf("serve.log_lines must not be negative: %d", c.Serve.LogLines)
	}
	for _, root := range c.Serve.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("serve.allowed_roots must be absolute paths: %s", root)
		}
	}

	return nil
}

// SecretConfigured returns true if mutating API requests must be signed
func (c *Config) SecretConfigured() bool {
	return c.Serve.SecretFile != ""
}

// FolderAllowed reports whether folder lies inside one of the allowed roots.
// Symlinks in folder and in the roots are resolved first, so a link inside
// a root cannot point the check elsewhere. An empty allow-list permits every
// folder.
func (c *Config) FolderAllowed(folder string) bool {
	if len(c.Serve.AllowedRoots) == 0 {
		return true
	}

	target := resolvePath(folder)
	for _, root := range c.Serve.AllowedRoots {
		rel, err := filepath.Rel(resolvePath(root), target)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// resolvePath cleans path and resolves its symlinks. When path does not
// exist, its nearest existing parent is resolved instead.
func resolvePath(path string) string {
	clean := filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		return resolved
	}

	parent := filepath.Dir(clean)
	if parent == clean {
		return clean
	}
	return filepath.Join(resolvePath(parent), filepath.Base(clean))
}
