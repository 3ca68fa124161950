package context

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolSummarizer_IsToolCall(t *testing.T) {
	s := NewToolSummarizer()

	assert.True(t, s.IsToolCall(`<invoke name="grep">pattern</invoke>`))
	assert.True(t, s.IsToolCall("Found 12 files matching the pattern"))
	assert.False(t, s.IsToolCall("just a normal reply to the user"))
}

func TestToolSummarizer_Summarize_InvokeBlock(t *testing.T) {
	s := NewToolSummarizer()
	out := s.Summarize(`<invoke name="bash">ls -la /tmp</invoke>`)
	assert.Contains(t, out, "[Tool: bash]")
	assert.Contains(t, out, "ls -la /tmp")
}

func TestToolSummarizer_Summarize_FoundFiles(t *testing.T) {
	s := NewToolSummarizer()
	out := s.Summarize("Found 7 files")
	assert.Equal(t, "[Tool: search] Found 7 files", out)
}

func TestToolSummarizer_Summarize_PassesThroughProse(t *testing.T) {
	s := NewToolSummarizer()
	out := s.Summarize("Sure, I can help with that.")
	assert.Equal(t, "Sure, I can help with that.", out)
}
