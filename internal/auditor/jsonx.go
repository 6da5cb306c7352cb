package auditor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// LLM JSON output arrives with code fences, trailing commas, and prose
// around the payload. The parser tries progressively more aggressive
// strategies rather than failing on the first quirk.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)`{3}(?:json)?\\s*\\n?([\\s\\S]*?)\\n?`{3}")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	objectRegex        = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	arrayRegex         = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// maxParseInput caps parser input to keep a pathological response from
// ballooning memory.
const maxParseInput = 10 * 1024 * 1024

// ParseResult reports a parse attempt without panicking.
type ParseResult[T any] struct {
	Success bool
	Data    T
	Error   string
}

// ParseOptions configures parsing behavior.
type ParseOptions struct {
	Context string // included in error messages
}

// Parse attempts to decode a JSON value of type T from raw oracle
// output. Strategy sequence: direct parse, fence stripping, trailing
// comma cleanup, extraction of the first JSON object or array from
// surrounding prose.
func Parse[T any](text string, opts ...ParseOptions) ParseResult[T] {
	var options ParseOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	if len(text) > maxParseInput {
		return parseError[T](fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), maxParseInput), options)
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T]("empty input", options)
	}

	if data, err := tryParse[T](trimmed); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	} else {
		slog.Debug("direct JSON parse failed, trying cleanup strategies",
			"error", err.Error(), "context", options.Context)
	}

	candidate := stripCodeFences(trimmed)
	if data, err := tryParse[T](candidate); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	}

	candidate = trailingCommaRegex.ReplaceAllString(candidate, "$1")
	if data, err := tryParse[T](candidate); err == nil {
		return ParseResult[T]{Success: true, Data: data}
	}

	if extracted := extractJSON(candidate); extracted != "" {
		if data, err := tryParse[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: data}
		}
	}

	return parseError[T]("all JSON parsing strategies failed", options)
}

func tryParse[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

func stripCodeFences(text string) string {
	cleaned := codeFenceRegex.ReplaceAllString(text, "$1")
	cleaned = strings.TrimSpace(cleaned)
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.Trim(cleaned, "`")
	}
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls the outermost JSON object or array out of mixed
// content. The first-character check keeps an array from being narrowed
// to its first element.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return arrayRegex.FindString(text)
	}
	if match := objectRegex.FindString(text); match != "" {
		return match
	}
	return arrayRegex.FindString(text)
}

func parseError[T any](message string, options ParseOptions) ParseResult[T] {
	if options.Context != "" {
		message = options.Context + ": " + message
	}
	return ParseResult[T]{Error: message}
}

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
