// Package config holds the control-plane tunables. Scalar settings come
// from NEXUS_* environment variables with documented defaults and range
// validation; list-valued settings (core-file patterns, CI pipelines,
// bot authors) live in an optional YAML file.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all control-plane tunables.
type Config struct {
	// MaxRemediationDepth bounds the self-healing loop. The registry
	// schema enforces the same ceiling, so it cannot be raised past 3
	// by configuration alone.
	// Default: 3, Range: 0-3
	MaxRemediationDepth int

	// MaxParallelAgents caps repair jobs dispatched per cascade.
	// Default: 5, Range: 1-20
	MaxParallelAgents int

	// MinConfidence is the floor below which a cascade decomposition is
	// recorded but not dispatched.
	// Default: 0.7, Range: 0.0-1.0
	MinConfidence float64

	// AnalysisTimeout bounds one cascade decomposition call.
	// Default: 60s
	AnalysisTimeout time.Duration

	// ReviewTimeout bounds one audit review call.
	// Default: 30s
	ReviewTimeout time.Duration

	// SyncInterval, when positive, runs a periodic reconciliation sweep
	// over executing sessions. Zero disables it; the control plane is
	// webhook-driven by default.
	SyncInterval time.Duration

	// CoreFilePatterns are the glob patterns whose change triggers
	// cascade analysis.
	CoreFilePatterns []string

	// PrimaryPipelines is the allow-list of CI check names that drive
	// session transitions. Checks outside it are logged and ignored.
	PrimaryPipelines []string

	// BotAuthors are commit authors whose pushes are skipped to prevent
	// self-triggering.
	BotAuthors []string

	// WebhookSecret is the shared secret for webhook HMAC verification.
	WebhookSecret string

	// Agent provider endpoint and key.
	AgentProviderURL string
	AgentProviderKey string

	// VCS provider endpoint (empty = public GitHub API) and token.
	VCSProviderURL   string
	VCSProviderToken string

	// DatabasePath is the registry store location.
	// Default: .nexus/nexus.db
	DatabasePath string

	// ListenAddr is the HTTP bind address.
	// Default: :8400
	ListenAddr string
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxRemediationDepth: 3,
		MaxParallelAgents:   5,
		MinConfidence:       0.7,
		AnalysisTimeout:     60 * time.Second,
		ReviewTimeout:       30 * time.Second,
		PrimaryPipelines:    []string{"ci"},
		DatabasePath:        ".nexus/nexus.db",
		ListenAddr:          ":8400",
	}
}

// fileConfig is the YAML shape for list-valued settings.
type fileConfig struct {
	CoreFilePatterns []string `yaml:"core_file_patterns"`
	PrimaryPipelines []string `yaml:"primary_pipelines"`
	BotAuthors       []string `yaml:"bot_authors"`
}

// Load builds the configuration from defaults, the optional YAML file,
// and NEXUS_* environment variables, in that order of precedence.
func Load(filePath string) (*Config, error) {
	cfg := Default()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			if len(fc.CoreFilePatterns) > 0 {
				cfg.CoreFilePatterns = fc.CoreFilePatterns
			}
			if len(fc.PrimaryPipelines) > 0 {
				cfg.PrimaryPipelines = fc.PrimaryPipelines
			}
			if len(fc.BotAuthors) > 0 {
				cfg.BotAuthors = fc.BotAuthors
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("NEXUS_MAX_REMEDIATION_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEXUS_MAX_REMEDIATION_DEPTH: %w", err)
		}
		c.MaxRemediationDepth = n
	}
	if v := os.Getenv("NEXUS_MAX_PARALLEL_AGENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEXUS_MAX_PARALLEL_AGENTS: %w", err)
		}
		c.MaxParallelAgents = n
	}
	if v := os.Getenv("NEXUS_MIN_CONFIDENCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid NEXUS_MIN_CONFIDENCE: %w", err)
		}
		c.MinConfidence = f
	}
	if v := os.Getenv("NEXUS_ANALYSIS_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEXUS_ANALYSIS_TIMEOUT_MS: %w", err)
		}
		c.AnalysisTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("NEXUS_REVIEW_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEXUS_REVIEW_TIMEOUT_MS: %w", err)
		}
		c.ReviewTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("NEXUS_SYNC_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEXUS_SYNC_INTERVAL_MINUTES: %w", err)
		}
		c.SyncInterval = time.Duration(n) * time.Minute
	}
	if v := os.Getenv("NEXUS_CORE_FILE_PATTERNS"); v != "" {
		c.CoreFilePatterns = splitList(v)
	}
	if v := os.Getenv("NEXUS_PRIMARY_PIPELINES"); v != "" {
		c.PrimaryPipelines = splitList(v)
	}
	if v := os.Getenv("NEXUS_BOT_AUTHORS"); v != "" {
		c.BotAuthors = splitList(v)
	}
	if v := os.Getenv("NEXUS_WEBHOOK_SECRET"); v != "" {
		c.WebhookSecret = v
	}
	if v := os.Getenv("NEXUS_AGENT_PROVIDER_URL"); v != "" {
		c.AgentProviderURL = v
	}
	if v := os.Getenv("NEXUS_AGENT_PROVIDER_KEY"); v != "" {
		c.AgentProviderKey = v
	}
	if v := os.Getenv("NEXUS_VCS_URL"); v != "" {
		c.VCSProviderURL = v
	}
	if v := os.Getenv("NEXUS_VCS_TOKEN"); v != "" {
		c.VCSProviderToken = v
	}
	if v := os.Getenv("NEXUS_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("NEXUS_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	return nil
}

// Validate checks ranges and pattern syntax.
func (c *Config) Validate() error {
	if c.MaxRemediationDepth < 0 || c.MaxRemediationDepth > 3 {
		return fmt.Errorf("max remediation depth must be between 0 and 3 (got %d)", c.MaxRemediationDepth)
	}
	if c.MaxParallelAgents < 1 || c.MaxParallelAgents > 20 {
		return fmt.Errorf("max parallel agents must be between 1 and 20 (got %d)", c.MaxParallelAgents)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0.0 and 1.0 (got %g)", c.MinConfidence)
	}
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("analysis timeout must be positive")
	}
	if c.ReviewTimeout <= 0 {
		return fmt.Errorf("review timeout must be positive")
	}
	for _, pattern := range c.CoreFilePatterns {
		if _, err := path.Match(pattern, "probe"); err != nil {
			return fmt.Errorf("invalid core file pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// IsCoreFile reports whether a path matches any configured core pattern.
// Patterns match against the full path and against the base name, so
// "schema.sql" catches "db/schema.sql".
func (c *Config) IsCoreFile(filePath string) bool {
	for _, pattern := range c.CoreFilePatterns {
		if ok, _ := path.Match(pattern, filePath); ok {
			return true
		}
		if ok, _ := path.Match(pattern, path.Base(filePath)); ok {
			return true
		}
		// "dir/..." style prefix patterns
		if strings.HasSuffix(pattern, "/...") &&
			strings.HasPrefix(filePath, strings.TrimSuffix(pattern, "...")) {
			return true
		}
	}
	return false
}

// IsPrimaryPipeline reports whether a CI check name is on the allow-list
// that drives session transitions.
func (c *Config) IsPrimaryPipeline(name string) bool {
	for _, p := range c.PrimaryPipelines {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// IsBotAuthor reports whether a commit author is one of ours, so the
// webhook handler can break self-trigger loops.
func (c *Config) IsBotAuthor(author string) bool {
	for _, b := range c.BotAuthors {
		if strings.EqualFold(b, author) {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
