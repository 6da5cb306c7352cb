// Package cascade implements blast-radius analysis and dispatch. A
// commit touching a core file is decomposed by the auditor oracle into
// disjoint repair jobs, which are dispatched as parallel sessions under
// the lock discipline. The engine enforces disjointness, the confidence
// floor, and the parallelism cap regardless of what the oracle returns.
package cascade

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Brian125bot/nexusaiv1/internal/auditor"
	"github.com/Brian125bot/nexusaiv1/internal/config"
	"github.com/Brian125bot/nexusaiv1/internal/events"
	"github.com/Brian125bot/nexusaiv1/internal/lifecycle"
	"github.com/Brian125bot/nexusaiv1/internal/lockmgr"
	"github.com/Brian125bot/nexusaiv1/internal/storage"
	"github.com/Brian125bot/nexusaiv1/internal/types"
)

// Engine runs cascade analysis and dispatch.
type Engine struct {
	store    storage.Store
	locks    *lockmgr.Manager
	sessions *lifecycle.Manager
	oracle   auditor.Oracle
	cfg      *config.Config
}

// New creates a cascade engine.
func New(store storage.Store, locks *lockmgr.Manager, sessions *lifecycle.Manager, oracle auditor.Oracle, cfg *config.Config) *Engine {
	return &Engine{store: store, locks: locks, sessions: sessions, oracle: oracle, cfg: cfg}
}

// AnalyzeRequest describes a commit to run blast-radius analysis on.
type AnalyzeRequest struct {
	Repo             string   `json:"repo"`
	Commit           string   `json:"commit"`
	ChangedPaths     []string `json:"changedPaths"`
	Diff             string   `json:"diff,omitempty"`
	GoalID           string   `json:"goalId,omitempty"`
	TriggerSessionID string   `json:"triggerSessionId,omitempty"`
	BaseBranch       string   `json:"baseBranch,omitempty"`
	// DryRun records the decomposition without dispatching anything.
	DryRun bool `json:"dryRun,omitempty"`
}

// DispatchedSession reports one repair job's dispatch outcome.
type DispatchedSession struct {
	JobID     string              `json:"jobId"`
	SessionID string              `json:"sessionId"`
	Branch    string              `json:"branch"`
	Status    types.SessionStatus `json:"status"`
	AgentURL  string              `json:"agentUrl,omitempty"`
	Error     string              `json:"error,omitempty"`

	// conflicts carries the structured conflict rows up to the cascade
	// result without exposing them per-job in the response.
	conflicts []types.LockConflict
}

// Result is the overall cascade response.
type Result struct {
	Cascade            *types.Cascade           `json:"cascade"`
	Analysis           *auditor.CascadeAnalysis `json:"analysis,omitempty"`
	DispatchedSessions []DispatchedSession      `json:"dispatchedSessions,omitempty"`
	Conflicts          []types.LockConflict     `json:"lockConflicts,omitempty"`
	Telemetry          *types.CascadeTelemetry  `json:"telemetry,omitempty"`
	// Skipped carries the reason when nothing was dispatched for a
	// non-conflict reason (not a cascade, confidence below floor, dry run).
	Skipped string `json:"skipped,omitempty"`
}

// AllConflict reports whether the dispatch produced only conflicts, the
// condition the HTTP layer maps to a 409.
func (r *Result) AllConflict() bool {
	if r.Telemetry == nil {
		return false
	}
	return r.Telemetry.DispatchedCount == 0 && r.Telemetry.ConflictCount > 0
}

// CoreFilesIn returns the subset of paths matching the configured core
// patterns.
func (e *Engine) CoreFilesIn(paths []string) []string {
	var core []string
	for _, p := range paths {
		if e.cfg.IsCoreFile(p) {
			core = append(core, p)
		}
	}
	return core
}

// Analyze runs the oracle decomposition for a commit and, unless the
// request is a dry run or the analysis falls below the confidence floor,
// dispatches the surviving repair jobs in parallel.
func (e *Engine) Analyze(ctx context.Context, req AnalyzeRequest) (*Result, error) {
	coreFiles := e.CoreFilesIn(req.ChangedPaths)
	if len(coreFiles) == 0 {
		// Operator-invoked analysis is explicit intent; treat the whole
		// change set as core rather than refusing.
		coreFiles = req.ChangedPaths
	}

	cascade := &types.Cascade{
		TriggerSessionID: req.TriggerSessionID,
		CoreFilesChanged: coreFiles,
		Status:           types.CascadeAnalyzing,
	}
	if err := e.store.CreateCascade(ctx, cascade); err != nil {
		return nil, err
	}

	holders, err := e.locks.ConflictStatus(ctx, nil)
	if err != nil {
		return nil, err
	}

	analysisCtx, cancel := context.WithTimeout(ctx, e.cfg.AnalysisTimeout)
	defer cancel()
	analysis, err := e.oracle.Decompose(analysisCtx, auditor.DecomposeInput{
		Repo:             req.Repo,
		Commit:           req.Commit,
		CoreFilesChanged: coreFiles,
		ChangedPaths:     req.ChangedPaths,
		Diff:             req.Diff,
		HeldPaths:        holders,
	})
	if err != nil {
		_ = e.store.UpdateCascade(ctx, cascade.ID, map[string]interface{}{
			"status":  string(types.CascadeFailed),
			"summary": fmt.Sprintf("decomposition failed: %v", err),
		})
		return nil, fmt.Errorf("cascade decomposition failed: %w", err)
	}

	jobs := normalizeJobs(analysis.RepairJobs, e.cfg.MaxParallelAgents)

	result := &Result{Cascade: cascade, Analysis: analysis}

	switch {
	case !analysis.IsCascade || len(jobs) == 0:
		result.Skipped = "not_a_cascade"
	case analysis.Confidence < e.cfg.MinConfidence:
		result.Skipped = fmt.Sprintf("confidence %.2f below floor %.2f", analysis.Confidence, e.cfg.MinConfidence)
	}

	if result.Skipped != "" || req.DryRun {
		status := types.CascadeFailed
		if req.DryRun {
			result.Skipped = "dry_run"
			status = types.CascadeAnalyzing
		}
		if err := e.store.UpdateCascade(ctx, cascade.ID, map[string]interface{}{
			"status":           string(status),
			"summary":          analysis.Summary,
			"downstream_files": analysis.DownstreamFiles,
			"repair_job_count": len(jobs),
		}); err != nil {
			return nil, err
		}
		cascade.Status = status
		cascade.Summary = analysis.Summary
		return result, nil
	}

	return e.dispatch(ctx, cascade, req.Repo, req.BaseBranch, req.GoalID, analysis, jobs, result)
}

// BatchRequest dispatches explicit repair jobs under one cascade,
// bypassing the oracle.
type BatchRequest struct {
	Repo       string              `json:"repo"`
	BaseBranch string              `json:"baseBranch,omitempty"`
	GoalID     string              `json:"goalId,omitempty"`
	Summary    string              `json:"summary,omitempty"`
	Jobs       []auditor.RepairJob `json:"jobs"`
}

// DispatchBatch creates a cascade for operator-supplied jobs and
// dispatches them under the same invariants as an analyzed cascade.
func (e *Engine) DispatchBatch(ctx context.Context, req BatchRequest) (*Result, error) {
	if len(req.Jobs) == 0 {
		return nil, fmt.Errorf("batch has no jobs")
	}

	jobs := normalizeJobs(req.Jobs, e.cfg.MaxParallelAgents)
	cascade := &types.Cascade{
		Summary: req.Summary,
		Status:  types.CascadeAnalyzing,
	}
	if err := e.store.CreateCascade(ctx, cascade); err != nil {
		return nil, err
	}

	analysis := &auditor.CascadeAnalysis{
		IsCascade:  true,
		RepairJobs: jobs,
		Summary:    req.Summary,
		Confidence: 1.0, // operator-supplied jobs bypass the floor
	}
	result := &Result{Cascade: cascade, Analysis: analysis}
	return e.dispatch(ctx, cascade, req.Repo, req.BaseBranch, req.GoalID, analysis, jobs, result)
}

// dispatch creates one session per surviving job, in parallel. Lock
// conflicts fail the job's session without aborting its siblings;
// disjointness guarantees no conflicts arise within the cascade itself.
func (e *Engine) dispatch(ctx context.Context, cascade *types.Cascade, repo, baseBranch, goalID string, analysis *auditor.CascadeAnalysis, jobs []auditor.RepairJob, result *Result) (*Result, error) {
	start := time.Now()

	if baseBranch == "" {
		baseBranch = "main"
	}
	if goalID == "" {
		goal, err := e.synthesizeGoal(ctx, cascade, analysis, jobs)
		if err != nil {
			return nil, err
		}
		goalID = goal.ID
	}

	var mu sync.Mutex
	dispatched := make([]DispatchedSession, 0, len(jobs))
	var conflicts []types.LockConflict
	telemetry := &types.CascadeTelemetry{}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			ds := e.dispatchJob(gctx, cascade, repo, baseBranch, goalID, job)
			mu.Lock()
			defer mu.Unlock()
			dispatched = append(dispatched, ds)
			switch {
			case ds.Status == types.SessionExecuting || ds.Status == types.SessionQueued:
				telemetry.DispatchedCount++
			case strings.HasPrefix(ds.Error, "LockConflict"):
				telemetry.FailedCount++
				telemetry.ConflictCount++
				conflicts = append(conflicts, ds.conflicts...)
			default:
				telemetry.FailedCount++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(dispatched, func(i, j int) bool { return dispatched[i].JobID < dispatched[j].JobID })
	telemetry.DispatchLatencyMs = time.Since(start).Milliseconds()

	status := types.CascadeFailed
	if telemetry.DispatchedCount > 0 {
		status = types.CascadeDispatched
	}
	if err := e.store.UpdateCascade(ctx, cascade.ID, map[string]interface{}{
		"status":           string(status),
		"summary":          analysis.Summary,
		"downstream_files": analysis.DownstreamFiles,
		"repair_job_count": len(jobs),
		"telemetry":        telemetry,
	}); err != nil {
		return nil, err
	}
	cascade.Status = status
	cascade.Summary = analysis.Summary
	cascade.RepairJobCount = len(jobs)
	cascade.Telemetry = telemetry

	result.DispatchedSessions = dispatched
	result.Conflicts = conflicts
	result.Telemetry = telemetry
	return result, nil
}

// dispatchJob creates and dispatches one repair session. Failures are
// reported in the returned record, never as an error: one bad job must
// not sink the cascade.
func (e *Engine) dispatchJob(ctx context.Context, cascade *types.Cascade, repo, baseBranch, goalID string, job auditor.RepairJob) DispatchedSession {
	branch := repairBranchName(cascade.ID, job.ID)
	ds := DispatchedSession{JobID: job.ID, Branch: branch}

	created, err := e.sessions.Create(ctx, lifecycle.CreateSpec{
		GoalID:     goalID,
		CascadeID:  cascade.ID,
		SourceRepo: repo,
		BranchName: branch,
		BaseBranch: baseBranch,
		LockPaths:  job.Files,
	})
	if err != nil {
		ds.Error = err.Error()
		ds.Status = types.SessionFailed
		return ds
	}
	ds.SessionID = created.Session.ID
	ds.Status = created.Session.Status

	if created.Locks != nil && !created.Locks.Ok {
		ds.Error = created.Session.LastError
		ds.conflicts = created.Locks.Conflicts
		return ds
	}

	if err := e.store.RecordEvent(ctx, events.NewCascadeDispatched(created.Session.ID, cascade.ID, job.Files)); err != nil {
		ds.Error = err.Error()
		ds.Status = types.SessionFailed
		return ds
	}

	if err := e.sessions.Dispatch(ctx, created.Session, job.Prompt, map[string]string{
		"cascadeId": cascade.ID,
		"jobId":     job.ID,
	}, false); err != nil {
		ds.Error = err.Error()
		ds.Status = types.SessionFailed
		return ds
	}
	ds.Status = created.Session.Status
	ds.AgentURL = created.Session.AgentURL
	return ds
}

// synthesizeGoal creates a goal whose acceptance criteria are the repair
// prompts themselves. It drifts like any other goal if its repairs
// exhaust remediation.
func (e *Engine) synthesizeGoal(ctx context.Context, cascade *types.Cascade, analysis *auditor.CascadeAnalysis, jobs []auditor.RepairJob) (*types.Goal, error) {
	criteria := make([]types.Criterion, 0, len(jobs))
	for _, job := range jobs {
		criteria = append(criteria, types.Criterion{
			Text: job.Prompt,
		})
	}
	title := "Cascade repair: " + firstLine(analysis.Summary)
	if strings.TrimSpace(title) == "Cascade repair:" {
		title = "Cascade repair " + cascade.ID
	}
	goal := &types.Goal{
		Title:       title,
		Description: analysis.Summary,
		Criteria:    criteria,
		Status:      types.GoalInProgress,
		Synthetic:   true,
	}
	if err := e.store.CreateGoal(ctx, goal); err != nil {
		return nil, fmt.Errorf("failed to synthesize goal: %w", err)
	}
	return goal, nil
}

// normalizeJobs enforces the engine-side invariants on oracle output:
// pairwise-disjoint file sets (tie-break by priority, then list order),
// jobs emptied by deduplication dropped, and the survivor list truncated
// to the parallelism cap keeping highest priority first.
func normalizeJobs(jobs []auditor.RepairJob, maxParallel int) []auditor.RepairJob {
	ordered := make([]auditor.RepairJob, len(jobs))
	copy(ordered, jobs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PriorityRank() < ordered[j].PriorityRank()
	})

	claimed := make(map[string]bool)
	var survivors []auditor.RepairJob
	for _, job := range ordered {
		var files []string
		for _, f := range job.Files {
			if f == "" || claimed[f] {
				continue
			}
			claimed[f] = true
			files = append(files, f)
		}
		if len(files) == 0 {
			continue
		}
		job.Files = files
		survivors = append(survivors, job)
	}

	if maxParallel > 0 && len(survivors) > maxParallel {
		survivors = survivors[:maxParallel]
	}
	return survivors
}

func repairBranchName(cascadeID, jobID string) string {
	short := cascadeID
	if len(short) > 8 {
		short = short[:8]
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, jobID)
	return fmt.Sprintf("nexus/repair-%s-%s", short, slug)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}
