// Package context implements prompt assembly for a freshly rotated agent
// session: token-budget turn selection, tool-call summarization, and
// section-based prompt composition (spec.md §4.5).
package context

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	toolInvokeRe  = regexp.MustCompile(`(?s)<invoke name="([^"]+)">(.*?)</invoke>`)
	toolResultRe  = regexp.MustCompile(`(?s)<(?:function_results|tool_result)>(.*?)</(?:function_results|tool_result)>`)
	foundFilesRe  = regexp.MustCompile(`(?i)Found (\d+) files?`)
	numberedLines = regexp.MustCompile(`(?m)^\s*\d+[:.]\s`)
	exitCodeRe    = regexp.MustCompile(`(?i)exit code[: ]+(-?\d+)`)
)

// ToolSummarizer detects tool-call/tool-result text and compacts it to
// `[Tool: <name>] <action>` plus an optional `Result: <brief>` line,
// preserving semantic identity while shedding bulk (spec.md §4.5).
type ToolSummarizer struct{}

// NewToolSummarizer constructs a ToolSummarizer. It carries no state.
func NewToolSummarizer() *ToolSummarizer { return &ToolSummarizer{} }

// IsToolCall reports whether text looks like a tool invocation or result
// block rather than prose.
func (s *ToolSummarizer) IsToolCall(text string) bool {
	return toolInvokeRe.MatchString(text) || toolResultRe.MatchString(text) || foundFilesRe.MatchString(text)
}

// Summarize compacts a tool-call/tool-result text block. Text that doesn't
// match any recognized tool pattern is returned unchanged.
func (s *ToolSummarizer) Summarize(text string) string {
	if m := toolInvokeRe.FindStringSubmatch(text); m != nil {
		name, body := m[1], strings.TrimSpace(m[2])
		action := firstLine(body)
		out := fmt.Sprintf("[Tool: %s] %s", name, action)
		if r := toolResultRe.FindStringSubmatch(text); r != nil {
			out += "\nResult: " + s.briefResult(strings.TrimSpace(r[1]))
		}
		return out
	}

	if m := toolResultRe.FindStringSubmatch(text); m != nil {
		body := strings.TrimSpace(m[1])
		return fmt.Sprintf("[Tool result] %s", s.briefResult(body))
	}

	if m := foundFilesRe.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("[Tool: search] Found %s files", m[1])
	}

	if numberedLines.MatchString(text) {
		lines := strings.Split(strings.TrimSpace(text), "\n")
		return fmt.Sprintf("[Tool: read] %d lines", len(lines))
	}

	return text
}

// briefResult reduces a tool-result body to size/exit-code/match-count or
// the first-line error, per spec.md §4.5.
func (s *ToolSummarizer) briefResult(body string) string {
	if m := exitCodeRe.FindStringSubmatch(body); m != nil && m[1] != "0" {
		return fmt.Sprintf("exit code %s: %s", m[1], firstLine(body))
	}
	if m := foundFilesRe.FindStringSubmatch(body); m != nil {
		return fmt.Sprintf("%s matches", m[1])
	}
	return fmt.Sprintf("%d bytes", len(body))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
