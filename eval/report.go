package eval

import (
	"fmt"
	"os"
	"strings"
)

// FormatMarkdown renders a Report as a Markdown document, adapted from the
// original evaluation runner's report writer.
func FormatMarkdown(r *Report) string {
	var b strings.Builder
	b.WriteString("# Evaluation Report\n\n")
	fmt.Fprintf(&b, "- Total examples: %d\n", r.Summary.TotalExamples)
	fmt.Fprintf(&b, "- Completed: %d\n", r.Summary.Completed)
	fmt.Fprintf(&b, "- Failed: %d\n", r.Summary.Failed)
	fmt.Fprintf(&b, "- Pending: %d\n", r.Summary.Pending)
	if r.Summary.AvgLatencyMs > 0 {
		fmt.Fprintf(&b, "- Average latency: %d ms\n", r.Summary.AvgLatencyMs)
	}
	if r.Summary.P95LatencyMs > 0 {
		fmt.Fprintf(&b, "- P95 latency: %d ms\n", r.Summary.P95LatencyMs)
	}
	b.WriteString("\n## Result Breakdown\n")
	for _, res := range r.Results {
		question := res.Question
		if question == "" {
			question = "Unknown question"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", strings.ToUpper(res.Status), question)
		for _, issue := range res.Issues {
			fmt.Fprintf(&b, "  - %s\n", issue)
		}
	}
	return b.String()
}

// WriteMarkdownReport writes the Markdown rendering of r to path.
func WriteMarkdownReport(path string, r *Report) error {
	return os.WriteFile(path, []byte(FormatMarkdown(r)), 0o644)
}
