package retrieval

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Snippet is a retrieval result composed into a citable context block ready
// for the synthesis prompt.
type Snippet struct {
	DocumentID  int64
	ChunkID     int64
	Content     string
	Citation    string
	Rationale   string
	ScoreBM25   *float64
	ScoreVector *float64
}

// ContextBuilder composes retrieval results into concise, citable context
// snippets: whitespace-normalized, length-clipped, with a formatted citation
// and a short human-readable rationale for why each snippet was retrieved.
type ContextBuilder struct {
	maxLength int
}

// NewContextBuilder constructs a ContextBuilder. maxLength <= 0 falls back
// to 900, the reference implementation's default.
func NewContextBuilder(maxLength int) *ContextBuilder {
	if maxLength <= 0 {
		maxLength = 900
	}
	return &ContextBuilder{maxLength: maxLength}
}

// Build converts retrieval results into context snippets, dropping any
// whose content normalizes to empty.
func (b *ContextBuilder) Build(results []Result) []Snippet {
	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		normalized := normalizeText(r.Content)
		if normalized == "" {
			continue
		}
		snippets = append(snippets, Snippet{
			DocumentID:  r.DocumentID,
			ChunkID:     r.ChunkID,
			Content:     clip(normalized, b.maxLength),
			Citation:    formatCitation(r),
			Rationale:   composeRationale(r),
			ScoreBM25:   r.ScoreBM25,
			ScoreVector: r.ScoreVector,
		})
	}
	return snippets
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// clip shortens text to at most maxLength runes, breaking on a word
// boundary and appending an ellipsis, mirroring textwrap.shorten.
func clip(text string, maxLength int) string {
	if utf8.RuneCountInString(text) <= maxLength {
		return text
	}
	const placeholder = " ..."
	budget := maxLength - len(placeholder)
	if budget <= 0 {
		return placeholder[1:]
	}

	words := strings.Fields(text)
	var b strings.Builder
	used := 0
	for i, w := range words {
		extra := utf8.RuneCountInString(w)
		if i > 0 {
			extra++ // separating space
		}
		if used+extra > budget {
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
		used += extra
	}
	return b.String() + placeholder
}

// formatCitation renders "filename:L<start>-L<end>" for line-addressed
// chunks, "filename:p.<n>" for page-addressed chunks, or bare filename when
// neither locator is present (e.g. email chunks).
func formatCitation(r Result) string {
	name := filepath.Base(r.Path)
	var fragment string
	switch {
	case r.StartLine != nil && r.EndLine != nil:
		fragment = fmt.Sprintf("L%d-L%d", *r.StartLine, *r.EndLine)
	case r.PageNo != nil:
		fragment = fmt.Sprintf("p.%d", *r.PageNo)
	}
	if fragment == "" {
		return name
	}
	return name + ":" + fragment
}

// composeRationale produces a short human-readable note on why a snippet
// was retrieved, preferring the BM25/vector scores that actually matched.
func composeRationale(r Result) string {
	var parts []string
	if r.ScoreBM25 != nil {
		parts = append(parts, fmt.Sprintf("BM25=%.3f", *r.ScoreBM25))
	}
	if r.ScoreVector != nil {
		parts = append(parts, fmt.Sprintf("Embed=%.3f", *r.ScoreVector))
	} else if r.Distance != nil {
		parts = append(parts, fmt.Sprintf("Dist=%.3f", *r.Distance))
	}
	if len(parts) == 0 {
		return "Relevant snippet"
	}
	return strings.Join(parts, ", ")
}
