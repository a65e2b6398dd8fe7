package chunker

import (
	"strings"
	"testing"
)

func TestParseFrontmatterExtractsMetadata(t *testing.T) {
	raw := "---\ntitle: My Note\ntags:\n  - go\n---\n\n# Heading\n\nbody text"
	parsed, err := ParseFrontmatter(raw)
	if err != nil {
		t.Fatalf("ParseFrontmatter: %v", err)
	}
	if got := parsed.Metadata["title"]; got != "My Note" {
		t.Errorf("metadata title = %v, want My Note", got)
	}
	if strings.Contains(parsed.Content, "---") {
		t.Errorf("frontmatter delimiter leaked into content: %q", parsed.Content)
	}
	if !strings.HasPrefix(parsed.Content, "# Heading") {
		t.Errorf("content should start at body, got %q", parsed.Content)
	}
}

func TestParseFrontmatterAbsentTreatsWholeFileAsBody(t *testing.T) {
	raw := "# Heading\n\nbody"
	parsed, err := ParseFrontmatter(raw)
	if err != nil {
		t.Fatalf("ParseFrontmatter: %v", err)
	}
	if len(parsed.Metadata) != 0 {
		t.Errorf("expected empty metadata, got %v", parsed.Metadata)
	}
	if parsed.Content != raw {
		t.Errorf("content = %q, want %q", parsed.Content, raw)
	}
}

func TestResolveTitlePrecedence(t *testing.T) {
	meta := map[string]interface{}{"title": "From Meta"}
	if got := ResolveTitle(meta, "# From Heading\nbody", "fallback"); got != "From Meta" {
		t.Errorf("metadata title should win, got %q", got)
	}
	if got := ResolveTitle(map[string]interface{}{}, "# From Heading\nbody", "fallback"); got != "From Heading" {
		t.Errorf("heading should win over fallback, got %q", got)
	}
	if got := ResolveTitle(map[string]interface{}{}, "no headings here", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestChunkMarkdownLineLocatorsAndTokenCounts(t *testing.T) {
	content := "# Title\n\nalpha beta gamma delta"
	chunks := ChunkMarkdown(content, MarkdownConfig{MaxTokens: 2, OverlapRatio: 0.5}, "Title")

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(chunks), chunks)
	}

	first := chunks[0]
	if first.Content != "# Title" || first.TokenCount != 2 {
		t.Errorf("first chunk = %q (%d tokens), want \"# Title\" (2 tokens)", first.Content, first.TokenCount)
	}
	if first.StartLine == nil || first.EndLine == nil || *first.StartLine != 1 || *first.EndLine != 1 {
		t.Errorf("first chunk locator = %v-%v, want L1-L1", first.StartLine, first.EndLine)
	}

	second := chunks[1]
	if second.Content != "alpha beta gamma delta" {
		t.Errorf("second chunk content = %q", second.Content)
	}
	// The body is a single line; line-granular accumulation carries the
	// whole line's token count even past MaxTokens.
	if second.TokenCount != 4 {
		t.Errorf("second chunk tokens = %d, want 4", second.TokenCount)
	}
	if second.StartLine == nil || second.EndLine == nil || *second.StartLine != 2 || *second.EndLine != 3 {
		t.Errorf("second chunk locator = %v-%v, want L2-L3", second.StartLine, second.EndLine)
	}
	if first.PageNo != nil || second.PageNo != nil {
		t.Errorf("markdown chunks must not carry page locators")
	}
}

func TestChunkMarkdownDeepHeadingsStayInSection(t *testing.T) {
	content := "# A\none two\n### deep\nthree four\n## B\nfive six"
	chunks := ChunkMarkdown(content, MarkdownConfig{MaxTokens: 100, OverlapRatio: 0.1}, "A")

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks (### must not split), got %d", len(chunks))
	}
	if !strings.Contains(chunks[0].Content, "### deep") {
		t.Errorf("level-3 heading should stay inside its section, chunk 0 = %q", chunks[0].Content)
	}
	if *chunks[0].StartLine != 1 || *chunks[0].EndLine != 4 {
		t.Errorf("chunk 0 locator L%d-L%d, want L1-L4", *chunks[0].StartLine, *chunks[0].EndLine)
	}
	if *chunks[1].StartLine != 5 || *chunks[1].EndLine != 6 {
		t.Errorf("chunk 1 locator L%d-L%d, want L5-L6", *chunks[1].StartLine, *chunks[1].EndLine)
	}
}

func TestChunkMarkdownOverlapRepeatsTailLine(t *testing.T) {
	content := "a b\nc d\ne f\ng h"
	chunks := ChunkMarkdown(content, MarkdownConfig{MaxTokens: 4, OverlapRatio: 0.5}, "T")

	if len(chunks) != 3 {
		t.Fatalf("expected 3 overlapping chunks, got %d: %+v", len(chunks), chunks)
	}
	want := []struct {
		content    string
		start, end int
	}{
		{"a b\nc d", 1, 2},
		{"c d\ne f", 2, 3},
		{"e f\ng h", 3, 4},
	}
	for i, w := range want {
		if chunks[i].Content != w.content {
			t.Errorf("chunk %d content = %q, want %q", i, chunks[i].Content, w.content)
		}
		if *chunks[i].StartLine != w.start || *chunks[i].EndLine != w.end {
			t.Errorf("chunk %d locator L%d-L%d, want L%d-L%d", i, *chunks[i].StartLine, *chunks[i].EndLine, w.start, w.end)
		}
		if chunks[i].TokenCount != 4 {
			t.Errorf("chunk %d tokens = %d, want 4", i, chunks[i].TokenCount)
		}
	}
}

func TestChunkMarkdownBlankLinesCountedButDropped(t *testing.T) {
	content := "# H\n\n\nword one two"
	chunks := ChunkMarkdown(content, MarkdownConfig{MaxTokens: 100, OverlapRatio: 0.1}, "H")

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if strings.Contains(chunks[0].Content, "\n\n") {
		t.Errorf("blank lines should be dropped from chunk text: %q", chunks[0].Content)
	}
	// Locators still span the blank lines.
	if *chunks[0].StartLine != 1 || *chunks[0].EndLine != 4 {
		t.Errorf("locator L%d-L%d, want L1-L4", *chunks[0].StartLine, *chunks[0].EndLine)
	}
}
