package chunker

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var headingPattern = regexp.MustCompile(`^(#{1,2})\s+(.+?)\s*$`)

// MarkdownConfig controls markdown chunking.
type MarkdownConfig struct {
	MaxTokens    int
	OverlapRatio float64
}

// DefaultMarkdownConfig mirrors the reference implementation's defaults.
func DefaultMarkdownConfig() MarkdownConfig {
	return MarkdownConfig{MaxTokens: 800, OverlapRatio: 0.12}
}

type markdownSection struct {
	title     string
	startLine int // 1-indexed
	lines     []string
}

// ParsedMarkdown is a markdown file split into its YAML frontmatter and body.
type ParsedMarkdown struct {
	Title    string
	Content  string
	Metadata map[string]interface{}
}

// ParseFrontmatter splits a raw markdown file into frontmatter metadata and
// body content. Frontmatter is a leading `---\n...\n---` YAML block; its
// absence is not an error, the whole file is then treated as the body.
func ParseFrontmatter(raw string) (ParsedMarkdown, error) {
	const delim = "---"
	lines := strings.Split(raw, "\n")

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != delim {
		return ParsedMarkdown{Content: strings.TrimSpace(raw), Metadata: map[string]interface{}{}}, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delim {
			end = i
			break
		}
	}
	if end == -1 {
		return ParsedMarkdown{Content: strings.TrimSpace(raw), Metadata: map[string]interface{}{}}, nil
	}

	fmBlock := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")

	metadata := map[string]interface{}{}
	if strings.TrimSpace(fmBlock) != "" {
		if err := yaml.Unmarshal([]byte(fmBlock), &metadata); err != nil {
			return ParsedMarkdown{}, err
		}
	}

	return ParsedMarkdown{Content: strings.TrimSpace(body), Metadata: metadata}, nil
}

// ResolveTitle picks a document title: explicit frontmatter "title", else
// the first heading line, else the given fallback (typically the filename
// stem).
func ResolveTitle(metadata map[string]interface{}, content, fallback string) string {
	if t, ok := metadata["title"].(string); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	for _, line := range strings.Split(content, "\n") {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[2])
		}
	}
	return fallback
}

// ChunkMarkdown splits markdown body content into flat, overlapping chunks.
// Content is first split into heading-bounded sections (level-1/2 headings),
// then each section's lines are greedily packed up to MaxTokens with a
// tail overlap of OverlapRatio*MaxTokens tokens between consecutive chunks
// drawn from the same section.
func ChunkMarkdown(content string, cfg MarkdownConfig, defaultTitle string) []Chunk {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultMarkdownConfig()
	}
	overlapTokens := int(float64(cfg.MaxTokens) * cfg.OverlapRatio)
	if overlapTokens < 1 {
		overlapTokens = 1
	}

	sections := splitSections(strings.Split(content, "\n"), defaultTitle)

	var chunks []Chunk
	for _, sec := range sections {
		chunks = append(chunks, chunkSection(sec, cfg.MaxTokens, overlapTokens)...)
	}
	return chunks
}

func splitSections(lines []string, defaultTitle string) []markdownSection {
	var sections []markdownSection
	var current []string
	currentTitle := defaultTitle
	currentStart := 1

	for i, line := range lines {
		lineNo := i + 1
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			if len(current) > 0 {
				sections = append(sections, markdownSection{title: currentTitle, startLine: currentStart, lines: current})
			}
			currentTitle = strings.TrimSpace(m[2])
			currentStart = lineNo
			current = []string{line}
		} else {
			current = append(current, line)
		}
	}
	if len(current) > 0 {
		sections = append(sections, markdownSection{title: currentTitle, startLine: currentStart, lines: current})
	}
	return sections
}

func chunkSection(sec markdownSection, maxTokens, overlapTokens int) []Chunk {
	tokensPerLine := make([]int, len(sec.lines))
	for i, l := range sec.lines {
		tokensPerLine[i] = countTokens(l)
	}

	var chunks []Chunk
	total := len(sec.lines)
	cursor := 0

	for cursor < total {
		tokenSum := 0
		end := cursor
		for end < total && tokenSum < maxTokens {
			tokenSum += tokensPerLine[end]
			end++
		}

		var chunkLines []string
		for _, l := range sec.lines[cursor:end] {
			if strings.TrimSpace(l) != "" {
				chunkLines = append(chunkLines, strings.TrimRight(l, " \t"))
			}
		}

		if len(chunkLines) > 0 {
			text := strings.TrimSpace(strings.Join(chunkLines, "\n"))
			startLine := sec.startLine + cursor
			endLine := sec.startLine + end - 1
			chunks = append(chunks, Chunk{
				Content:     text,
				TokenCount:  tokenSum,
				StartLine:   intPtr(startLine),
				EndLine:     intPtr(endLine),
				ContentHash: contentHash(text),
			})
		}

		if end >= total {
			break
		}

		overlapLines := computeOverlapUnits(tokensPerLine[cursor:end], overlapTokens)
		nextCursor := end - overlapLines
		if nextCursor < cursor+1 {
			nextCursor = cursor + 1
		}
		cursor = nextCursor
	}

	return chunks
}
