package ingest

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/pka/analyst/chunker"
)

// buildPDFDraft extracts per-page plain text and chunks each page
// independently, preserving the page_no locator the vector/lexical index
// surfaces back to the user as a citation.
func (c *Coordinator) buildPDFDraft(path string, _ []byte) (draft, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return draft{}, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var chunks []chunker.Chunk

	for i := 1; i <= totalPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		chunks = append(chunks, chunker.ChunkPDFPage(i, text, c.cfg.PDF)...)
	}

	metaJSON := fmt.Sprintf(`{"pages":%d}`, totalPages)
	return draft{title: titleFallback(path), metadataJSON: metaJSON, chunks: chunks}, nil
}
