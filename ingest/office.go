package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pka/analyst/chunker"
)

// buildOfficeDraft routes docx/xlsx/pptx (and, when LlamaParse is
// configured, legacy doc/xls/ppt) through parser.Registry. Each parsed
// Section is treated as a page-like unit and chunked with ChunkPDFPage's
// paragraph-packing policy, the same greedy-accumulation-with-overlap
// shape the PDF chunker uses — sections have no line locators of their
// own, so the resulting chunks carry the section's PageNumber as PageNo
// when the parser set one, and the 1-based section ordinal otherwise.
func (c *Coordinator) buildOfficeDraft(ctx context.Context, path string) (draft, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")

	p, err := c.officeReg.Get(ext)
	if err != nil {
		return draft{}, err
	}

	result, err := p.Parse(ctx, path)
	if err != nil {
		return draft{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	var chunks []chunker.Chunk
	for i, sec := range result.Sections {
		pageNo := sec.PageNumber
		if pageNo <= 0 {
			pageNo = i + 1
		}
		text := strings.TrimSpace(sec.Content)
		if sec.Heading != "" {
			text = strings.TrimSpace(sec.Heading + "\n\n" + text)
		}
		if text == "" {
			continue
		}
		chunks = append(chunks, chunker.ChunkPDFPage(pageNo, text, c.cfg.PDF)...)
	}

	meta := map[string]interface{}{
		"sections":     len(result.Sections),
		"parse_method": result.Method,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return draft{}, err
	}

	return draft{title: titleFallback(path), metadataJSON: string(metaJSON), chunks: chunks}, nil
}
