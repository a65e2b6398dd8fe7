// Package analyst is the Personal Knowledge Analyst engine: it wires the
// IngestionCoordinator, RetrievalOrchestrator, ContextBuilder, SynthesisEngine,
// and RunStore into the single control flow described by the external
// /api/chat contract — retrieve, build context, open a run, synthesize,
// finalize.
package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pka/analyst/chunker"
	"github.com/pka/analyst/embed"
	"github.com/pka/analyst/ingest"
	"github.com/pka/analyst/lexicon"
	"github.com/pka/analyst/llm"
	"github.com/pka/analyst/parser"
	"github.com/pka/analyst/retrieval"
	"github.com/pka/analyst/store"
	"github.com/pka/analyst/synth"
)

// Engine is the main entry point for the Personal Knowledge Analyst.
type Engine interface {
	// IngestDir discovers and ingests every file of sourceType under dir.
	IngestDir(ctx context.Context, dir string, sourceType ingest.SourceType) ([]ingest.Result, error)

	// IngestFile ingests a single file, skipping it if its content hash is
	// unchanged from the stored document.
	IngestFile(ctx context.Context, path string, sourceType ingest.SourceType) ingest.Result

	// Update re-ingests path if its content hash has changed.
	Update(ctx context.Context, path string, sourceType ingest.SourceType) (bool, error)

	// UpdateAll checks every ingested document for changes.
	UpdateAll(ctx context.Context) ([]UpdateResult, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]Document, error)

	// Ask runs hybrid retrieval, synthesizes an answer, and persists the run.
	Ask(ctx context.Context, question, mode string) (*Answer, error)

	// Replay reconstructs a prior run for inspection.
	Replay(ctx context.Context, runID string) (*store.RunRecord, error)

	// ListRuns returns recent run summaries, most recent first.
	ListRuns(ctx context.Context, limit int) ([]store.QARun, error)

	// Store returns the underlying store for diagnostic access (e.g. eval
	// ground-truth checks).
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Answer is the full /api/chat response: the synthesized answer plus the
// context it was grounded on and the run's identifying metadata.
type Answer struct {
	RunID         string        `json:"run_id"`
	LatencyMs     int64         `json:"latency_ms"`
	Answer        synth.Answer  `json:"answer"`
	Context       []ContextItem `json:"context"`
	Question      string        `json:"question"`
	Mode          string        `json:"mode"`
	LLMVersion    string        `json:"llm_version"`
	PromptVersion string        `json:"prompt_version"`
	TemplateHash  string        `json:"template_hash"`
}

// ContextItem is one retrieved-and-cited snippet backing an Answer.
type ContextItem struct {
	ChunkID     int64    `json:"chunk_id"`
	DocumentID  int64    `json:"document_id"`
	Citation    string   `json:"citation"`
	Rationale   string   `json:"rationale"`
	Content     string   `json:"content"`
	ScoreBM25   *float64 `json:"score_bm25,omitempty"`
	ScoreVector *float64 `json:"score_embed,omitempty"`
}

// Document represents an ingested document.
type Document struct {
	ID                 int64             `json:"id"`
	Path               string            `json:"path"`
	Filename           string            `json:"filename"`
	Title              string            `json:"title"`
	SourceType         string            `json:"source_type"`
	Size               int64             `json:"size"`
	ContentHash        string            `json:"content_hash"`
	ConfidentialityTag string            `json:"confidentiality_tag"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          string            `json:"created_at"`
	UpdatedAt          string            `json:"updated_at"`
}

// UpdateResult reports the outcome of a document update check.
type UpdateResult struct {
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	Changed    bool   `json:"changed"`
	Error      error  `json:"error,omitempty"`
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg          Config
	store        *store.Store
	lexicon      *lexicon.Index
	embedder     *embed.Client
	chatProvider llm.Provider

	coordinator  *ingest.Coordinator
	orchestrator *retrieval.Orchestrator
	ctxBuilder   *retrieval.ContextBuilder
	synthesizer  *synth.Engine
}

// New creates a new analyst engine with the given configuration.
func New(cfg Config) (Engine, error) {
	if cfg.Chat.Provider == "" || cfg.Chat.Model == "" {
		return nil, fmt.Errorf("%w: chat provider and model must be set", ErrConfig)
	}
	if cfg.Embedding.BaseURL == "" || cfg.Embedding.Model == "" {
		return nil, fmt.Errorf("%w: embedding base URL and model must be set", ErrConfig)
	}

	dbPath := cfg.resolveDBPath()
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	st, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	lex, err := lexicon.Open(cfg.resolveLexiconPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening lexicon: %w", err)
	}

	embedTimeout := time.Duration(cfg.Embedding.Timeout) * time.Second
	if embedTimeout <= 0 {
		embedTimeout = 60 * time.Second
	}
	embedder := embed.New(cfg.Embedding.BaseURL, cfg.Embedding.Model, cfg.Embedding.APIKey, cfg.EmbeddingDim, embedTimeout,
		embed.WithBatchSize(cfg.EmbedBatch))

	chatProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		lex.Close()
		st.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	ingestCfg := ingest.Config{
		Markdown: chunkerMarkdownConfig(cfg),
		PDF:      chunkerPDFConfig(cfg),
		Email:    chunkerEmailConfig(cfg),
	}
	if cfg.LlamaParseAPIKey != "" {
		ingestCfg.LlamaParse = &parser.LlamaParseConfig{
			APIKey:  cfg.LlamaParseAPIKey,
			BaseURL: cfg.LlamaParseBaseURL,
		}
	}
	coordinator := ingest.New(st, lex, embedder, ingestCfg)

	orchestrator := retrieval.New(st, lex, embedder, retrieval.Config{
		MaxBM25:      cfg.MaxBM25,
		MaxVector:    cfg.MaxVector,
		FinalLimit:   cfg.FinalLimit,
		DiversityCap: cfg.DiversityCap,
		VectorMetric: cfg.VectorMetric,
	})

	ctxBuilder := retrieval.NewContextBuilder(cfg.MaxSnippetLength)

	schema, err := synth.CompileSchema()
	if err != nil {
		lex.Close()
		st.Close()
		return nil, fmt.Errorf("compiling answer schema: %w", err)
	}
	registry := synth.DefaultRegistry()
	synthesizer := synth.New(chatProvider, registry, schema, synth.DefaultTemplateName, synth.Config{
		Model:       cfg.Chat.Model,
		Temperature: cfg.Temperature,
		Seed:        cfg.Seed,
		MaxRetries:  cfg.MaxRetries,
		NumPredict:  intOrZero(cfg.NumPredict),
		NumCtx:      intOrZero(cfg.NumCtx),
		KeepAlive:   cfg.KeepAlive,
	})

	return &engine{
		cfg:          cfg,
		store:        st,
		lexicon:      lex,
		embedder:     embedder,
		chatProvider: chatProvider,
		coordinator:  coordinator,
		orchestrator: orchestrator,
		ctxBuilder:   ctxBuilder,
		synthesizer:  synthesizer,
	}, nil
}

func chunkerMarkdownConfig(cfg Config) chunker.MarkdownConfig {
	return chunker.MarkdownConfig{MaxTokens: cfg.MaxChunkTokensMD, OverlapRatio: cfg.OverlapRatioMD}
}

func chunkerPDFConfig(cfg Config) chunker.PDFConfig {
	return chunker.PDFConfig{MaxTokens: cfg.MaxChunkTokensPDF, OverlapTokens: cfg.OverlapTokensPDF}
}

func chunkerEmailConfig(cfg Config) chunker.EmailConfig {
	return chunker.EmailConfig{MaxTokens: cfg.MaxChunkTokensEmail, OverlapRatio: cfg.OverlapRatioEmail}
}

func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (e *engine) IngestDir(ctx context.Context, dir string, sourceType ingest.SourceType) ([]ingest.Result, error) {
	return e.coordinator.IngestDir(ctx, dir, sourceType)
}

func (e *engine) IngestFile(ctx context.Context, path string, sourceType ingest.SourceType) ingest.Result {
	res := e.coordinator.IngestFile(ctx, path, sourceType)
	if res.Err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrIngestion, res.Err)
	}
	return res
}

// Update re-ingests path if it changed (IngestFile's own hash comparison
// decides); the boolean reports whether the file was actually re-processed.
func (e *engine) Update(ctx context.Context, path string, sourceType ingest.SourceType) (bool, error) {
	res := e.coordinator.IngestFile(ctx, path, sourceType)
	if res.Err != nil {
		return false, fmt.Errorf("%w: %v", ErrIngestion, res.Err)
	}
	return !res.Skipped, nil
}

func (e *engine) UpdateAll(ctx context.Context) ([]UpdateResult, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]UpdateResult, 0, len(docs))
	for _, doc := range docs {
		changed, err := e.Update(ctx, doc.Path, ingest.SourceType(doc.SourceType))
		results = append(results, UpdateResult{
			DocumentID: doc.ID,
			Path:       doc.Path,
			Changed:    changed,
			Error:      err,
		})
	}
	return results, nil
}

func (e *engine) Delete(ctx context.Context, documentID int64) error {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: document %d", ErrDocumentNotFound, documentID)
		}
		return err
	}
	return e.coordinator.DeleteFile(ctx, doc.Path)
}

func (e *engine) ListDocuments(ctx context.Context) ([]Document, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Document, len(docs))
	for i, d := range docs {
		result[i] = Document{
			ID:                 d.ID,
			Path:               d.Path,
			Filename:           d.Filename,
			Title:              d.Title,
			SourceType:         d.SourceType,
			Size:               d.Size,
			ContentHash:        d.ContentHash,
			ConfidentialityTag: d.ConfidentialityTag,
			Status:             d.Status,
			CreatedAt:          d.CreatedAt,
			UpdatedAt:          d.UpdatedAt,
		}
		if d.Metadata != "" {
			_ = json.Unmarshal([]byte(d.Metadata), &result[i].Metadata)
		}
	}
	return result, nil
}

// Ask runs the full question-answering pipeline: retrieve, build context,
// open a run, synthesize, finalize. Retrieval and context construction
// happen before the run is created; contexts are persisted before the
// answer; finalize runs strictly last, per the ordering contract in §5.
func (e *engine) Ask(ctx context.Context, question, mode string) (*Answer, error) {
	if mode == "" {
		mode = "synthesize"
	}
	start := time.Now()

	results, trace, err := e.orchestrator.Retrieve(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", mapEmbedError(err))
	}
	if trace != nil {
		slog.Debug("ask: retrieval complete",
			"bm25_hits", trace.BM25Hits, "vector_hits", trace.VectorHits,
			"merged", trace.Merged, "elapsed_ms", trace.ElapsedMs)
	}

	snippets := e.ctxBuilder.Build(results)

	template, err := e.synthesizer.Template()
	if err != nil {
		return nil, fmt.Errorf("resolving prompt template: %w", err)
	}

	runID, err := e.store.CreateRun(ctx, store.QARun{
		Question:      question,
		Mode:          mode,
		PromptVersion: template.Version,
		TemplateHash:  template.Hash(),
		LLMVersion:    e.cfg.Chat.Model,
		Status:        "pending",
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	if err := e.store.WriteContexts(ctx, runID, toQAContexts(runID, snippets, results)); err != nil {
		e.finalizeFailed(ctx, runID, start, err)
		return nil, fmt.Errorf("writing contexts: %w", err)
	}

	synthSnippets := make([]synth.Snippet, len(snippets))
	for i, s := range snippets {
		synthSnippets[i] = synth.Snippet{Citation: s.Citation, Rationale: s.Rationale, Content: s.Content}
	}

	result, genErr := e.synthesizer.Generate(ctx, question, synthSnippets, mode)
	if genErr != nil {
		e.finalizeFailed(ctx, runID, start, genErr)
		return nil, fmt.Errorf("synthesis: %w", mapSynthError(genErr))
	}

	if err := e.store.WriteAnswer(ctx, toQAAnswer(runID, result.Answer, e.synthesizer.LastRawResponse())); err != nil {
		e.finalizeFailed(ctx, runID, start, err)
		return nil, fmt.Errorf("writing answer: %w", err)
	}

	latencyMs := time.Since(start).Milliseconds()
	if err := e.store.FinalizeRun(ctx, runID, result.Answer.Abstain, result.Retries, latencyMs, "complete", "", e.cfg.Chat.Model); err != nil {
		slog.Error("ask: finalizing run failed", "run_id", runID, "error", err)
	}

	return &Answer{
		RunID:         runID,
		LatencyMs:     latencyMs,
		Answer:        result.Answer,
		Context:       toContextItems(snippets),
		Question:      question,
		Mode:          mode,
		LLMVersion:    e.cfg.Chat.Model,
		PromptVersion: result.PromptVersion,
		TemplateHash:  result.TemplateHash,
	}, nil
}

// mapSynthError translates synth's local sentinels onto the top-level
// taxonomy so API handlers only need to switch on one set of errors.
func mapSynthError(err error) error {
	switch {
	case errors.Is(err, synth.ErrTransport):
		return fmt.Errorf("%w: %v", ErrTransport, err)
	case errors.Is(err, synth.ErrValidation):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	default:
		return err
	}
}

// mapEmbedError translates embed's local protocol sentinel onto the
// top-level taxonomy, the same way mapSynthError does for synth.
func mapEmbedError(err error) error {
	if errors.Is(err, embed.ErrProtocol) {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return err
}

// finalizeFailed marks a run as failed. Finalization failures are logged,
// not returned, since the caller is already propagating the original error.
func (e *engine) finalizeFailed(ctx context.Context, runID string, start time.Time, cause error) {
	latencyMs := time.Since(start).Milliseconds()
	if err := e.store.FinalizeRun(ctx, runID, false, 0, latencyMs, "failed", cause.Error(), e.cfg.Chat.Model); err != nil {
		slog.Error("ask: finalizing failed run failed", "run_id", runID, "error", err)
	}
}

func (e *engine) Replay(ctx context.Context, runID string) (*store.RunRecord, error) {
	record, err := e.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return record, nil
}

func (e *engine) ListRuns(ctx context.Context, limit int) ([]store.QARun, error) {
	return e.store.ListRuns(ctx, limit)
}

func (e *engine) Store() *store.Store {
	return e.store
}

func (e *engine) Close() error {
	if e.lexicon != nil {
		if err := e.lexicon.Close(); err != nil {
			slog.Warn("closing lexicon failed", "error", err)
		}
	}
	e.chatProvider.CloseIdleConnections()
	e.embedder.Close()
	return e.store.Close()
}

// toQAContexts converts ranked snippets into QAContext rows, ranked 1..N in
// input order, carrying whichever score families matched. results supplies
// the document path for each chunk (Build may drop a result whose content
// normalized to empty, so lookups are by chunk id, not position).
func toQAContexts(runID string, snippets []retrieval.Snippet, results []retrieval.Result) []store.QAContext {
	pathByChunk := make(map[int64]string, len(results))
	for _, r := range results {
		pathByChunk[r.ChunkID] = r.Path
	}

	contexts := make([]store.QAContext, len(snippets))
	for i, s := range snippets {
		chunkID := s.ChunkID
		contexts[i] = store.QAContext{
			RunID:        runID,
			ChunkID:      &chunkID,
			Rank:         i + 1,
			ScoreBM25:    s.ScoreBM25,
			ScoreEmbed:   s.ScoreVector,
			Rationale:    s.Rationale,
			Snippet:      s.Content,
			DocumentPath: pathByChunk[chunkID],
			Locator:      s.Citation,
		}
	}
	return contexts
}

func toContextItems(snippets []retrieval.Snippet) []ContextItem {
	items := make([]ContextItem, len(snippets))
	for i, s := range snippets {
		items[i] = ContextItem{
			ChunkID:     s.ChunkID,
			DocumentID:  s.DocumentID,
			Citation:    s.Citation,
			Rationale:   s.Rationale,
			Content:     s.Content,
			ScoreBM25:   s.ScoreBM25,
			ScoreVector: s.ScoreVector,
		}
	}
	return items
}

// toQAAnswer flattens a synth.Answer's nested sources/conflicts into the
// plain string slices qa_answers persists. Each conflict's claim and its
// own sources are JSON-encoded so the nesting survives the flat column;
// replay re-parses them for display.
func toQAAnswer(runID string, answer synth.Answer, rawResponse string) store.QAAnswer {
	sources := make([]string, len(answer.Sources))
	for i, s := range answer.Sources {
		sources[i] = fmt.Sprintf("%s:%s", s.ID, s.Loc)
	}
	conflicts := make([]string, len(answer.Conflicts))
	for i, c := range answer.Conflicts {
		encoded, err := json.Marshal(c)
		if err != nil {
			conflicts[i] = c.Claim
			continue
		}
		conflicts[i] = string(encoded)
	}
	return store.QAAnswer{
		RunID:       runID,
		Answer:      answer.AnswerText,
		Bullets:     answer.Bullets,
		Conflicts:   conflicts,
		Sources:     sources,
		RawResponse: rawResponse,
	}
}
