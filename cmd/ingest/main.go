// Command ingest drives offline ingestion runs against the store and
// lexical index without starting the HTTP server: bulk-load a corpus, or
// rebuild the lexical index from the relational store's existing chunks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pka/analyst"
	"github.com/pka/analyst/embed"
	"github.com/pka/analyst/ingest"
	"github.com/pka/analyst/lexicon"
	"github.com/pka/analyst/parser"
	"github.com/pka/analyst/store"
)

func main() {
	markdownDir := flag.String("markdown-dir", "", "Directory of Markdown files to ingest")
	pdfDir := flag.String("pdf-dir", "", "Directory of PDF files to ingest")
	emailDir := flag.String("email-dir", "", "Directory of .eml files to ingest")
	officeDir := flag.String("office-dir", "", "Directory of docx/xlsx/pptx (and, with LlamaParse configured, legacy doc/xls/ppt) files to ingest")
	reindex := flag.Bool("reindex", false, "Rebuild the lexical index from the store's existing chunks, skipping ingestion")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := analyst.DefaultConfig()
	if v := os.Getenv("ANALYST_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ANALYST_LEXICON_PATH"); v != "" {
		cfg.LexiconPath = v
	}
	if v := os.Getenv("ANALYST_EMBED_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("ANALYST_EMBED_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ANALYST_EMBED_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("ANALYST_LLAMAPARSE_API_KEY"); v != "" {
		cfg.LlamaParseAPIKey = v
	}
	if v := os.Getenv("ANALYST_LLAMAPARSE_BASE_URL"); v != "" {
		cfg.LlamaParseBaseURL = v
	}

	st, err := store.New(cfg.ResolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		slog.Error("opening store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	lex, err := lexicon.Open(cfg.ResolveLexiconPath())
	if err != nil {
		slog.Error("opening lexicon", "error", err)
		os.Exit(1)
	}
	defer lex.Close()

	ctx := context.Background()

	if *reindex {
		if err := rebuildLexicon(ctx, st, lex); err != nil {
			slog.Error("rebuilding lexicon", "error", err)
			os.Exit(1)
		}
		return
	}

	if *markdownDir == "" && *pdfDir == "" && *emailDir == "" && *officeDir == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass --markdown-dir/--pdf-dir/--email-dir/--office-dir, or --reindex")
		os.Exit(1)
	}

	embedder := embed.New(cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.APIKey, cfg.EmbeddingDim, 5*time.Minute)
	defer embedder.Close()

	ingestCfg := ingest.Config{}
	if cfg.LlamaParseAPIKey != "" {
		ingestCfg.LlamaParse = &parser.LlamaParseConfig{
			APIKey:  cfg.LlamaParseAPIKey,
			BaseURL: cfg.LlamaParseBaseURL,
		}
	}
	coordinator := ingest.New(st, lex, embedder, ingestCfg)

	total, failed := 0, 0
	runDir(ctx, coordinator, *markdownDir, ingest.SourceMarkdown, &total, &failed)
	runDir(ctx, coordinator, *pdfDir, ingest.SourcePDF, &total, &failed)
	runDir(ctx, coordinator, *emailDir, ingest.SourceEmail, &total, &failed)
	runDir(ctx, coordinator, *officeDir, ingest.SourceOffice, &total, &failed)

	fmt.Fprintf(os.Stderr, "ingestion complete: %d files processed, %d failed\n", total, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func runDir(ctx context.Context, c *ingest.Coordinator, dir string, sourceType ingest.SourceType, total, failed *int) {
	if dir == "" {
		return
	}
	results, err := c.IngestDir(ctx, dir, sourceType)
	if err != nil {
		slog.Error("ingesting directory", "dir", dir, "source_type", sourceType, "error", err)
		*failed++
		return
	}
	for _, r := range results {
		*total++
		if r.Err != nil {
			*failed++
			continue
		}
		status := "ingested"
		if r.Skipped {
			status = "unchanged"
		}
		slog.Info("ingest", "path", r.Path, "status", status, "document_id", r.DocID, "chunk_count", r.ChunkCount)
	}
}

// rebuildLexicon drops and repopulates the bleve index from the relational
// store's chunks, the authoritative source of truth. Used to recover from
// lexical-index drift without re-ingesting any documents.
func rebuildLexicon(ctx context.Context, st *store.Store, lex *lexicon.Index) error {
	if err := lex.Clear(); err != nil {
		return fmt.Errorf("clearing lexicon: %w", err)
	}

	docs, err := st.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}

	var indexed int
	for _, doc := range docs {
		chunks, err := st.GetChunksByDocument(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("loading chunks for document %d: %w", doc.ID, err)
		}
		title := documentTitle(doc)
		batch := make([]lexicon.Doc, len(chunks))
		for i, ch := range chunks {
			batch[i] = lexicon.Doc{
				ChunkID:    ch.ID,
				DocumentID: doc.ID,
				Path:       doc.Path,
				Title:      title,
				Content:    ch.Content,
				Metadata:   doc.Metadata,
				StartLine:  ch.StartLine,
				EndLine:    ch.EndLine,
			}
		}
		if err := lex.AddDocuments(batch); err != nil {
			return fmt.Errorf("indexing document %d: %w", doc.ID, err)
		}
		indexed += len(batch)
	}

	slog.Info("lexicon rebuilt", "documents", len(docs), "chunks", indexed)
	return nil
}

// documentTitle falls back to the filename for rows ingested before the
// title column was populated.
func documentTitle(doc store.Document) string {
	if doc.Title != "" {
		return doc.Title
	}
	return doc.Filename
}
