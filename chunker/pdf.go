package chunker

import "strings"

// PDFConfig controls PDF chunking.
type PDFConfig struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultPDFConfig mirrors the reference implementation's defaults.
func DefaultPDFConfig() PDFConfig {
	return PDFConfig{MaxTokens: 800, OverlapTokens: 120}
}

// ChunkPDFPage splits one page's extracted text into flat, page-bounded
// paragraph chunks. Paragraphs are greedily packed up to MaxTokens — a
// single paragraph is always included even if it alone exceeds MaxTokens,
// guaranteeing forward progress — with a tail overlap of OverlapTokens
// carried into the next chunk.
func ChunkPDFPage(pageNo int, text string, cfg PDFConfig) []Chunk {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultPDFConfig()
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		paragraphs = []string{trimmed}
	}

	tokenCounts := make([]int, len(paragraphs))
	for i, p := range paragraphs {
		tokenCounts[i] = countTokens(p)
	}

	var chunks []Chunk
	total := len(paragraphs)
	cursor := 0

	for cursor < total {
		tokenSum := 0
		end := cursor
		for end < total && (tokenSum+tokenCounts[end] <= cfg.MaxTokens || end == cursor) {
			tokenSum += tokenCounts[end]
			end++
		}

		text := strings.TrimSpace(strings.Join(paragraphs[cursor:end], "\n\n"))
		if text != "" {
			finalCount := tokenSum
			if actual := countTokens(text); actual > finalCount {
				finalCount = actual
			}
			chunks = append(chunks, Chunk{
				Content:     text,
				TokenCount:  finalCount,
				PageNo:      intPtr(pageNo),
				ContentHash: contentHash(text),
			})
		}

		if end >= total {
			break
		}

		overlap := computeOverlapUnits(tokenCounts[cursor:end], cfg.OverlapTokens)
		nextCursor := end - overlap
		if nextCursor < cursor+1 {
			nextCursor = cursor + 1
		}
		cursor = nextCursor
	}

	return chunks
}
