// Package ingest implements the IngestionCoordinator: discover source
// files, hash them for change detection, chunk and embed unchanged-skip
// survivors, write chunks and embeddings inside one relational
// transaction, and reconcile the satellite lexical index afterward.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pka/analyst/chunker"
	"github.com/pka/analyst/embed"
	"github.com/pka/analyst/lexicon"
	"github.com/pka/analyst/parser"
	"github.com/pka/analyst/store"
)

// maxConcurrentIngests bounds how many files IngestDir processes at once,
// keeping embedding-request concurrency against the model daemon in check.
const maxConcurrentIngests = 4

// SourceType identifies which chunker a document is routed through.
type SourceType string

const (
	SourceMarkdown SourceType = "markdown"
	SourcePDF      SourceType = "pdf"
	SourceEmail    SourceType = "email"

	// SourceOffice routes docx/xlsx/pptx (and, via LlamaParse, legacy
	// doc/xls/ppt) through parser.Registry rather than one of the three
	// chunkers named by the core retrieval contract. It is an optional
	// source kind: documents ingested this way still land in the same
	// Document/Chunk tables and are retrievable like any other chunk.
	SourceOffice SourceType = "office"
)

// Config controls the coordinator's chunking parameters, passed through to
// the individual chunkers, plus optional LlamaParse credentials for the
// office-document fallback parser.
type Config struct {
	Markdown chunker.MarkdownConfig
	PDF      chunker.PDFConfig
	Email    chunker.EmailConfig

	// LlamaParse, if set, is wired into the parser.Registry so legacy
	// binary formats (.doc/.xls/.ppt) and complex office documents fall
	// back to the hosted parser instead of failing outright.
	LlamaParse *parser.LlamaParseConfig
}

// Coordinator discovers, chunks, embeds, and persists documents from the
// configured source directories.
type Coordinator struct {
	store     *store.Store
	lexicon   *lexicon.Index
	embedder  *embed.Client
	cfg       Config
	officeReg *parser.Registry
}

// New constructs a Coordinator.
func New(st *store.Store, lex *lexicon.Index, embedder *embed.Client, cfg Config) *Coordinator {
	if cfg.Markdown.MaxTokens == 0 {
		cfg.Markdown = chunker.DefaultMarkdownConfig()
	}
	if cfg.PDF.MaxTokens == 0 {
		cfg.PDF = chunker.DefaultPDFConfig()
	}
	if cfg.Email.MaxTokens == 0 {
		cfg.Email = chunker.DefaultEmailConfig()
	}

	reg := parser.NewRegistry()
	if cfg.LlamaParse != nil {
		reg.SetLlamaParse(*cfg.LlamaParse)
	}

	return &Coordinator{store: st, lexicon: lex, embedder: embedder, cfg: cfg, officeReg: reg}
}

// Result summarizes one file's ingestion outcome.
type Result struct {
	Path      string
	DocID     int64
	Skipped   bool // unchanged, content_hash matched
	ChunkCount int
	Err       error
}

// IngestDir discovers and ingests every file of sourceType under dir,
// returning one Result per discovered file in discovery order (errors are
// per-file, never fatal to the batch). Files are ingested concurrently, up
// to maxConcurrentIngests at a time.
func (c *Coordinator) IngestDir(ctx context.Context, dir string, sourceType SourceType) ([]Result, error) {
	paths, err := discover(dir, sourceType)
	if err != nil {
		return nil, fmt.Errorf("discovering %s files under %s: %w", sourceType, dir, err)
	}

	results := make([]Result, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentIngests)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			res := c.IngestFile(gctx, p, sourceType)
			if res.Err != nil {
				slog.Error("ingest failed", "path", p, "source_type", sourceType, "error", res.Err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait() // per-file errors are carried in Result.Err, never aborts the batch
	return results, nil
}

// discover returns a deterministic (sorted) list of files under dir
// matching one of the extensions for sourceType.
func discover(dir string, sourceType SourceType) ([]string, error) {
	exts := extensionsFor(sourceType)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		slog.Warn("source directory does not exist", "dir", dir, "source_type", sourceType)
		return nil, nil
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		for _, want := range exts {
			if strings.EqualFold(ext, want) {
				abs, aerr := filepath.Abs(path)
				if aerr != nil {
					return aerr
				}
				paths = append(paths, abs)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func extensionsFor(t SourceType) []string {
	switch t {
	case SourceMarkdown:
		return []string{".md"}
	case SourcePDF:
		return []string{".pdf"}
	case SourceEmail:
		return []string{".eml"}
	case SourceOffice:
		return []string{".docx", ".xlsx", ".xls", ".pptx", ".doc", ".ppt"}
	default:
		return nil
	}
}

// IngestFile ingests a single file, skipping it if its content hash
// matches the already-stored document.
func (c *Coordinator) IngestFile(ctx context.Context, path string, sourceType SourceType) Result {
	res := Result{Path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("reading %s: %w", path, err)
		return res
	}
	hash := sha256Hex(raw)

	existing, err := c.store.GetDocumentByPath(ctx, path)
	hasExisting := err == nil
	if hasExisting && existing.ContentHash == hash {
		res.Skipped = true
		res.DocID = existing.ID
		return res
	}

	// Old chunk ids must be collected before persist replaces them; they
	// are what reconcileLexicon removes from the satellite index.
	var staleIDs []int64
	if hasExisting {
		oldChunks, cerr := c.store.GetChunksByDocument(ctx, existing.ID)
		if cerr != nil {
			res.Err = fmt.Errorf("listing stale chunks for %s: %w", path, cerr)
			return res
		}
		for _, oc := range oldChunks {
			staleIDs = append(staleIDs, oc.ID)
		}
	}

	draft, err := c.buildDraft(ctx, path, sourceType, raw)
	if err != nil {
		res.Err = fmt.Errorf("chunking %s: %w", path, err)
		return res
	}
	if len(draft.chunks) == 0 {
		res.Err = fmt.Errorf("no chunks produced for %s", path)
		return res
	}

	texts := make([]string, len(draft.chunks))
	for i, ch := range draft.chunks {
		texts[i] = ch.Content
	}
	vectors, err := c.embedder.EmbedAll(ctx, texts)
	if err != nil {
		res.Err = fmt.Errorf("embedding %s: %w", path, err)
		return res
	}
	if len(vectors) != len(draft.chunks) {
		res.Err = fmt.Errorf("embedding count mismatch for %s: %d vectors for %d chunks", path, len(vectors), len(draft.chunks))
		return res
	}

	docID, chunkIDs, err := c.persist(ctx, path, sourceType, hash, int64(len(raw)), draft, vectors, hasExisting, existing)
	if err != nil {
		res.Err = err
		return res
	}

	if err := c.reconcileLexicon(staleIDs, docID, path, draft, chunkIDs); err != nil {
		slog.Warn("lexicon reconciliation failed; relational store is authoritative", "path", path, "error", err)
	}

	res.DocID = docID
	res.ChunkCount = len(draft.chunks)
	return res
}

type draft struct {
	title           string
	metadataJSON    string
	confidentiality string
	chunks          []chunker.Chunk
}

// titleFallback derives a title from a file's basename when no richer title
// is available (frontmatter, email subject).
func titleFallback(path string) string {
	return strings.ReplaceAll(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), "_", " ")
}

func (c *Coordinator) buildDraft(ctx context.Context, path string, sourceType SourceType, raw []byte) (draft, error) {
	switch sourceType {
	case SourceMarkdown:
		return c.buildMarkdownDraft(path, raw)
	case SourcePDF:
		return c.buildPDFDraft(path, raw)
	case SourceEmail:
		return c.buildEmailDraft(path, raw)
	case SourceOffice:
		return c.buildOfficeDraft(ctx, path)
	default:
		return draft{}, fmt.Errorf("unknown source type %q", sourceType)
	}
}

func (c *Coordinator) buildMarkdownDraft(path string, raw []byte) (draft, error) {
	parsed, err := chunker.ParseFrontmatter(string(raw))
	if err != nil {
		return draft{}, err
	}
	if strings.TrimSpace(parsed.Content) == "" {
		return draft{}, nil
	}

	fallback := titleFallback(path)
	title := chunker.ResolveTitle(parsed.Metadata, parsed.Content, fallback)
	parsed.Metadata["title"] = title

	confidentiality := ""
	if v, ok := parsed.Metadata["confidentiality"].(string); ok {
		confidentiality = strings.TrimSpace(v)
	}

	metaJSON, err := json.Marshal(parsed.Metadata)
	if err != nil {
		return draft{}, err
	}

	chunks := chunker.ChunkMarkdown(parsed.Content, c.cfg.Markdown, title)
	// Chunk locators count from the start of the body; shift them so they
	// are line numbers of the original file, frontmatter included.
	if idx := strings.LastIndex(string(raw), parsed.Content); idx > 0 {
		if offset := strings.Count(string(raw)[:idx], "\n"); offset > 0 {
			for _, ch := range chunks {
				if ch.StartLine != nil {
					*ch.StartLine += offset
				}
				if ch.EndLine != nil {
					*ch.EndLine += offset
				}
			}
		}
	}
	return draft{title: title, metadataJSON: string(metaJSON), confidentiality: confidentiality, chunks: chunks}, nil
}

func (c *Coordinator) buildEmailDraft(path string, raw []byte) (draft, error) {
	meta, body, err := chunker.ParseEmail(raw)
	if err != nil {
		return draft{}, err
	}
	if strings.TrimSpace(body) == "" {
		return draft{}, nil
	}

	cleaned := chunker.StripQuotes(body)
	chunks := chunker.ChunkEmail(cleaned, c.cfg.Email)

	metaMap := map[string]string{}
	if meta.From != "" {
		metaMap["from"] = meta.From
	}
	if meta.To != "" {
		metaMap["to"] = meta.To
	}
	if meta.CC != "" {
		metaMap["cc"] = meta.CC
	}
	if meta.Subject != "" {
		metaMap["subject"] = meta.Subject
	}
	if meta.Date != "" {
		metaMap["date"] = meta.Date
	}
	metaJSON, err := json.Marshal(metaMap)
	if err != nil {
		return draft{}, err
	}

	title := meta.Subject
	if title == "" {
		title = titleFallback(path)
	}

	return draft{title: title, metadataJSON: string(metaJSON), chunks: chunks}, nil
}

// persist writes one file's document, chunks, and embeddings through
// store.ReplaceDocument's single transaction: either every row lands, or
// the store stays at the previous successful ingest.
func (c *Coordinator) persist(ctx context.Context, path string, sourceType SourceType, hash string, size int64, d draft, vectors [][]float32, hasExisting bool, existing *store.Document) (int64, []int64, error) {
	doc := store.Document{
		Path:               path,
		Filename:           filepath.Base(path),
		Title:              d.title,
		SourceType:         string(sourceType),
		Size:               size,
		ContentHash:        hash,
		ConfidentialityTag: d.confidentiality,
		Status:             "indexed",
		Metadata:           d.metadataJSON,
	}
	if hasExisting {
		doc.ID = existing.ID
		if doc.ConfidentialityTag == "" {
			doc.ConfidentialityTag = existing.ConfidentialityTag
		}
	}

	storeChunks := make([]store.Chunk, len(d.chunks))
	for i, ch := range d.chunks {
		storeChunks[i] = store.Chunk{
			Ordinal:     i + 1,
			Content:     ch.Content,
			TokenCount:  ch.TokenCount,
			StartLine:   ch.StartLine,
			EndLine:     ch.EndLine,
			PageNo:      ch.PageNo,
			ContentHash: ch.ContentHash,
		}
	}

	docID, chunkIDs, err := c.store.ReplaceDocument(ctx, doc, storeChunks, vectors)
	if err != nil {
		return 0, nil, fmt.Errorf("persisting %s: %w", path, err)
	}
	return docID, chunkIDs, nil
}

// reconcileLexicon updates the satellite lexical index after the relational
// transaction has committed. This runs outside that transaction by design:
// the index is allowed to be briefly stale, never allowed to block or roll
// back a document write.
func (c *Coordinator) reconcileLexicon(staleIDs []int64, docID int64, path string, d draft, chunkIDs []int64) error {
	if c.lexicon == nil {
		return nil
	}

	docs := make([]lexicon.Doc, len(d.chunks))
	for i, ch := range d.chunks {
		docs[i] = lexicon.Doc{
			ChunkID:    chunkIDs[i],
			DocumentID: docID,
			Path:       path,
			Title:      d.title,
			Content:    ch.Content,
			Metadata:   d.metadataJSON,
			StartLine:  ch.StartLine,
			EndLine:    ch.EndLine,
		}
	}

	return c.lexicon.BulkReplace(staleIDs, docs)
}

// DeleteFile removes a document's chunks and embeddings from both the
// relational store and the lexicon.
func (c *Coordinator) DeleteFile(ctx context.Context, path string) error {
	doc, err := c.store.GetDocumentByPath(ctx, path)
	if err != nil {
		return err
	}

	chunks, err := c.store.GetChunksByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	ids := make([]int64, len(chunks))
	for i, ch := range chunks {
		ids[i] = ch.ID
	}

	if err := c.store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}

	if c.lexicon != nil {
		if err := c.lexicon.RemoveChunks(ids); err != nil {
			slog.Warn("lexicon cleanup failed after document delete", "path", path, "error", err)
		}
	}
	return nil
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
