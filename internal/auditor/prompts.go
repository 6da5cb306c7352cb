package auditor

import (
	"fmt"
	"strings"
)

// maxDiffChars caps the diff included in a prompt. Oversized diffs are
// truncated from the tail; the head carries the file headers the oracle
// needs most.
const maxDiffChars = 80_000

func buildReviewPrompt(input ReviewInput) string {
	var b strings.Builder

	b.WriteString("You are auditing a code change produced by an autonomous coding agent.\n\n")
	fmt.Fprintf(&b, "Repository: %s\nBranch: %s\nCommit: %s\n\n", input.Repo, input.Branch, input.Commit)

	if len(input.Criteria) > 0 {
		b.WriteString("Acceptance criteria for the goal this work belongs to:\n")
		for _, c := range input.Criteria {
			fmt.Fprintf(&b, "- [%s] %s\n", c.ID, c.Text)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("No acceptance criteria are attached; judge severity only.\n\n")
	}

	b.WriteString("The diff:\n\n```diff\n")
	b.WriteString(truncateDiff(input.Diff))
	b.WriteString("\n```\n\n")

	b.WriteString(`Assess the change and respond with ONLY a JSON object:
{
  "severity": "none" | "minor" | "major",
  "summary": "one-paragraph assessment",
  "findings": ["specific problems, empty if none"],
  "recommended_fix_prompt": "instructions for a repair agent, only if something must change",
  "criteria_assessment": {
    "<criterion id>": {
      "met": true | false,
      "reasoning": "why",
      "evidence_files": ["paths supporting the verdict"]
    }
  }
}

Rules:
- severity "major" means the change breaks behavior, security, or data integrity.
- Only include criteria you can actually assess from this diff; omit the rest.
- evidence_files must be paths that appear in the diff.`)

	return b.String()
}

func buildDecomposePrompt(input DecomposeInput) string {
	var b strings.Builder

	b.WriteString("A change to core files may have broken downstream code. ")
	b.WriteString("Group the blast radius into independent repair jobs that can run in parallel.\n\n")
	fmt.Fprintf(&b, "Repository: %s\nCommit: %s\n\n", input.Repo, input.Commit)

	b.WriteString("Core files changed:\n")
	for _, f := range input.CoreFilesChanged {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\nAll changed paths:\n")
	for _, f := range input.ChangedPaths {
		fmt.Fprintf(&b, "- %s\n", f)
	}

	if len(input.HeldPaths) > 0 {
		b.WriteString("\nPaths already locked by other active sessions (avoid assigning these):\n")
		for _, h := range input.HeldPaths {
			fmt.Fprintf(&b, "- %s (session %s, %s)\n", h.Path, h.SessionID, h.Status)
		}
	}

	if input.Diff != "" {
		b.WriteString("\nThe core-file diff:\n\n```diff\n")
		b.WriteString(truncateDiff(input.Diff))
		b.WriteString("\n```\n")
	}

	b.WriteString(`
Respond with ONLY a JSON object:
{
  "is_cascade": true | false,
  "core_files_changed": ["..."],
  "downstream_files": ["..."],
  "repair_jobs": [
    {
      "id": "short-slug",
      "files": ["paths this job may modify"],
      "prompt": "complete instructions for the repair agent",
      "priority": "high" | "medium" | "low",
      "estimated_impact": "one line"
    }
  ],
  "summary": "what changed and why repairs are needed",
  "confidence": 0.0-1.0
}

Rules:
- Jobs MUST have pairwise-disjoint file sets; one file belongs to exactly one job.
- is_cascade false (with empty repair_jobs) when the change is self-contained.
- confidence reflects how sure you are the grouping is right and complete.`)

	return b.String()
}

func truncateDiff(diff string) string {
	if len(diff) <= maxDiffChars {
		return diff
	}
	return diff[:maxDiffChars] + "\n... (diff truncated)"
}
