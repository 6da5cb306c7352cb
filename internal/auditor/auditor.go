// Package auditor abstracts the LLM-backed reviewer behind a narrow
// interface: per-diff review against acceptance criteria, and
// blast-radius decomposition for cascades. The engine must behave
// correctly given whatever the oracle returns; every hard invariant is
// enforced by the callers, not here.
package auditor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"

	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Severity classifies how disruptive a change is.
type Severity string

const (
	SeverityNone  Severity = "none"
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	return s == SeverityNone || s == SeverityMinor || s == SeverityMajor
}

// CriterionAssessment is the oracle's verdict on one acceptance criterion.
type CriterionAssessment struct {
	Met           bool     `json:"met"`
	Reasoning     string   `json:"reasoning"`
	EvidenceFiles []string `json:"evidence_files,omitempty"`
}

// AuditReport is the oracle's verdict on one diff.
type AuditReport struct {
	Severity             Severity                       `json:"severity"`
	Summary              string                         `json:"summary"`
	Findings             []string                       `json:"findings,omitempty"`
	RecommendedFixPrompt string                         `json:"recommended_fix_prompt,omitempty"`
	CriteriaAssessment   map[string]CriterionAssessment `json:"criteria_assessment,omitempty"`
}

// RepairJob is one unit of downstream repair work in a cascade.
type RepairJob struct {
	ID              string   `json:"id"`
	Files           []string `json:"files"`
	Prompt          string   `json:"prompt"`
	Priority        string   `json:"priority"` // high | medium | low
	EstimatedImpact string   `json:"estimated_impact,omitempty"`
}

// PriorityRank orders priorities for tie-breaking (high first).
func (j *RepairJob) PriorityRank() int {
	switch j.Priority {
	case "high":
		return 0
	case "medium":
		return 1
	case "low":
		return 2
	default:
		return 3
	}
}

// CascadeAnalysis is the oracle's decomposition of a core-file change
// into disjoint repair jobs.
type CascadeAnalysis struct {
	IsCascade        bool        `json:"is_cascade"`
	CoreFilesChanged []string    `json:"core_files_changed"`
	DownstreamFiles  []string    `json:"downstream_files"`
	RepairJobs       []RepairJob `json:"repair_jobs"`
	Summary          string      `json:"summary"`
	Confidence       float64     `json:"confidence"`
}

// ReviewInput carries everything the oracle needs to judge one diff.
type ReviewInput struct {
	Repo     string
	Branch   string
	Commit   string
	Criteria []types.Criterion
	Diff     string
}

// DecomposeInput carries the change set for blast-radius analysis.
type DecomposeInput struct {
	Repo             string
	Commit           string
	CoreFilesChanged []string
	ChangedPaths     []string
	Diff             string
	// HeldPaths gives the oracle context about files other sessions
	// already hold, so it can route repairs around them.
	HeldPaths []*types.LockHolder
}

// Oracle is the auditor interface the engine consumes. Implementations
// must be safe for concurrent use.
type Oracle interface {
	Review(ctx context.Context, input ReviewInput) (*AuditReport, error)
	Decompose(ctx context.Context, input DecomposeInput) (*CascadeAnalysis, error)
}

// Model constants. Review and decomposition use the same model; it can
// be overridden by environment variable.
const (
	ModelDefault = "claude-sonnet-4-5-20250929"
)

// GetModel returns the audit model, checking NEXUS_AUDITOR_MODEL first.
func GetModel() string {
	if model := os.Getenv("NEXUS_AUDITOR_MODEL"); model != "" {
		return model
	}
	return ModelDefault
}

// Client is the production oracle on the Anthropic API.
type Client struct {
	client         *anthropic.Client
	model          string
	retry          RetryConfig
	breaker        *circuitBreaker
	concurrencySem *semaphore.Weighted
	reviewTimeout  time.Duration
	decomposeTime  time.Duration
}

var _ Oracle = (*Client)(nil)

// Config holds auditor client configuration
type Config struct {
	APIKey string // if empty, reads ANTHROPIC_API_KEY
	Model  string // default: claude-sonnet-4-5-20250929
	Retry  RetryConfig
	// ReviewTimeout bounds a single review call; DecomposeTimeout bounds
	// cascade analysis (larger inputs, longer budget).
	ReviewTimeout    time.Duration
	DecomposeTimeout time.Duration
}

// NewClient creates a production auditor client.
func NewClient(cfg *Config) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = GetModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	reviewTimeout := cfg.ReviewTimeout
	if reviewTimeout == 0 {
		reviewTimeout = 30 * time.Second
	}
	decomposeTimeout := cfg.DecomposeTimeout
	if decomposeTimeout == 0 {
		decomposeTimeout = 60 * time.Second
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	var breaker *circuitBreaker
	if retry.CircuitBreakerEnabled {
		breaker = newCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}

	var sem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		sem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	return &Client{
		client:         &client,
		model:          model,
		retry:          retry,
		breaker:        breaker,
		concurrencySem: sem,
		reviewTimeout:  reviewTimeout,
		decomposeTime:  decomposeTimeout,
	}, nil
}

// Review audits one diff against the goal's acceptance criteria.
func (c *Client) Review(ctx context.Context, input ReviewInput) (*AuditReport, error) {
	ctx, cancel := context.WithTimeout(ctx, c.reviewTimeout)
	defer cancel()

	prompt := buildReviewPrompt(input)
	responseText, err := c.complete(ctx, "review", prompt, 4096)
	if err != nil {
		return nil, err
	}

	result := Parse[AuditReport](responseText, ParseOptions{Context: "audit report"})
	if !result.Success {
		return nil, fmt.Errorf("failed to parse audit report: %s (response: %s)",
			result.Error, truncate(responseText, 200))
	}
	report := result.Data
	if !report.Severity.IsValid() {
		report.Severity = SeverityNone
	}
	return &report, nil
}

// Decompose groups the blast radius of a core-file change into disjoint
// repair jobs. Disjointness is not trusted from the model; the cascade
// engine re-enforces it.
func (c *Client) Decompose(ctx context.Context, input DecomposeInput) (*CascadeAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, c.decomposeTime)
	defer cancel()

	prompt := buildDecomposePrompt(input)
	responseText, err := c.complete(ctx, "decompose", prompt, 8192)
	if err != nil {
		return nil, err
	}

	result := Parse[CascadeAnalysis](responseText, ParseOptions{Context: "cascade analysis"})
	if !result.Success {
		return nil, fmt.Errorf("failed to parse cascade analysis: %s (response: %s)",
			result.Error, truncate(responseText, 200))
	}
	return &result.Data, nil
}

// complete runs one message through the API with retry, returning the
// concatenated text blocks.
func (c *Client) complete(ctx context.Context, operation, prompt string, maxTokens int64) (string, error) {
	var response *anthropic.Message
	err := c.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var text string
	for _, block := range response.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
