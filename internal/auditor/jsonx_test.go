package auditor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestParseDirect(t *testing.T) {
	result := Parse[sample](`{"name": "a", "count": 3}`)
	require.True(t, result.Success)
	assert.Equal(t, "a", result.Data.Name)
	assert.Equal(t, 3, result.Data.Count)
}

func TestParseStripsCodeFences(t *testing.T) {
	input := "```json\n{\"name\": \"fenced\", \"count\": 1}\n```"
	result := Parse[sample](input)
	require.True(t, result.Success)
	assert.Equal(t, "fenced", result.Data.Name)

	// Fence without a language tag.
	input = "```\n{\"name\": \"plain\", \"count\": 2}\n```"
	result = Parse[sample](input)
	require.True(t, result.Success)
	assert.Equal(t, "plain", result.Data.Name)
}

func TestParseFixesTrailingCommas(t *testing.T) {
	result := Parse[sample](`{"name": "x", "count": 9,}`)
	require.True(t, result.Success)
	assert.Equal(t, 9, result.Data.Count)
}

func TestParseExtractsFromProse(t *testing.T) {
	input := "Here is my assessment:\n\n{\"name\": \"buried\", \"count\": 7}\n\nLet me know if you need more."
	result := Parse[sample](input)
	require.True(t, result.Success)
	assert.Equal(t, "buried", result.Data.Name)
}

func TestParseArrayNotNarrowedToFirstElement(t *testing.T) {
	result := Parse[[]sample](`[{"name": "a", "count": 1}, {"name": "b", "count": 2}]`)
	require.True(t, result.Success)
	assert.Len(t, result.Data, 2)
}

func TestParseEmptyAndGarbage(t *testing.T) {
	assert.False(t, Parse[sample]("").Success)
	assert.False(t, Parse[sample]("   \n ").Success)
	assert.False(t, Parse[sample]("not json at all").Success)
}

func TestParseErrorCarriesContext(t *testing.T) {
	result := Parse[sample]("garbage", ParseOptions{Context: "audit report"})
	require.False(t, result.Success)
	assert.Contains(t, result.Error, "audit report")
}

func TestParseAuditReportShape(t *testing.T) {
	input := "```json\n" + `{
		"severity": "major",
		"summary": "breaks auth",
		"findings": ["removed the middleware"],
		"criteria_assessment": {
			"c-1": {"met": false, "reasoning": "handler unprotected", "evidence_files": ["auth.go"]}
		}
	}` + "\n```"

	result := Parse[AuditReport](input)
	require.True(t, result.Success)
	assert.Equal(t, SeverityMajor, result.Data.Severity)
	require.Contains(t, result.Data.CriteriaAssessment, "c-1")
	assert.False(t, result.Data.CriteriaAssessment["c-1"].Met)
	assert.Equal(t, []string{"auth.go"}, result.Data.CriteriaAssessment["c-1"].EvidenceFiles)
}
