// Package retrieval implements hybrid BM25+vector retrieval: concurrent
// search against both indexes, then a deterministic merge that preserves
// result order and caps how many chunks a single document can contribute.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pka/analyst/embed"
	"github.com/pka/analyst/lexicon"
	"github.com/pka/analyst/store"
)

// Config controls the orchestrator's search breadth and output shape.
type Config struct {
	MaxBM25      int
	MaxVector    int
	FinalLimit   int
	DiversityCap int
	VectorMetric string
}

// DefaultConfig mirrors the reference orchestrator's defaults.
func DefaultConfig() Config {
	return Config{MaxBM25: 50, MaxVector: 50, FinalLimit: 12, DiversityCap: 3, VectorMetric: "cosine"}
}

// Result is one retrieved chunk, carrying both indexes' scores when present
// so the context builder can compose a rationale.
type Result struct {
	ChunkID    int64
	DocumentID int64
	Path       string
	Filename   string
	Content    string
	StartLine  *int
	EndLine    *int
	PageNo     *int

	ScoreBM25   *float64
	ScoreVector *float64
	Distance    *float64

	RankBM25   *int
	RankVector *int
}

// Trace records the breakdown of one retrieve() call for observability.
type Trace struct {
	BM25Hits   int   `json:"bm25_hits"`
	VectorHits int   `json:"vector_hits"`
	Merged     int   `json:"merged"`
	ElapsedMs  int64 `json:"elapsed_ms"`
}

// Orchestrator coordinates lexical and vector search and merges their
// results deterministically.
type Orchestrator struct {
	store    *store.Store
	lexicon  *lexicon.Index
	embedder *embed.Client
	cfg      Config
}

// New constructs an Orchestrator.
func New(st *store.Store, lex *lexicon.Index, embedder *embed.Client, cfg Config) *Orchestrator {
	if cfg.MaxBM25 == 0 {
		cfg = DefaultConfig()
	}
	return &Orchestrator{store: st, lexicon: lex, embedder: embedder, cfg: cfg}
}

// Retrieve embeds the question, searches BM25 and vector indexes
// concurrently, and deterministically merges their hits: BM25 hits first in
// their returned order, then vector hits in their returned order, skipping
// duplicates and capping how many chunks any one document contributes.
func (o *Orchestrator) Retrieve(ctx context.Context, question string) ([]Result, *Trace, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &Trace{}, nil
	}
	start := time.Now()

	type bm25Outcome struct {
		hits []lexicon.Hit
		err  error
	}
	type vectorOutcome struct {
		hits []store.RetrievalResult
		err  error
	}

	bm25Ch := make(chan bm25Outcome, 1)
	vecCh := make(chan vectorOutcome, 1)

	go func() {
		hits, err := o.lexicon.Search(ctx, question, o.cfg.MaxBM25)
		bm25Ch <- bm25Outcome{hits, err}
	}()

	go func() {
		vectors, err := o.embedder.EmbedAll(ctx, []string{question})
		if err != nil {
			vecCh <- vectorOutcome{nil, fmt.Errorf("embedding query: %w", err)}
			return
		}
		if len(vectors) == 0 || len(vectors[0]) == 0 {
			vecCh <- vectorOutcome{nil, fmt.Errorf("embedding query: empty vector returned")}
			return
		}
		hits, err := o.store.VectorSearch(ctx, vectors[0], o.cfg.MaxVector, o.cfg.VectorMetric)
		vecCh <- vectorOutcome{hits, err}
	}()

	bm25Res := <-bm25Ch
	vecRes := <-vecCh

	if bm25Res.err != nil {
		slog.Warn("retrieval: bm25 search failed", "error", bm25Res.err)
	}
	if vecRes.err != nil {
		slog.Warn("retrieval: vector search failed", "error", vecRes.err)
	}
	if bm25Res.err != nil && vecRes.err != nil {
		return nil, nil, fmt.Errorf("both retrieval legs failed: bm25=%v vector=%v", bm25Res.err, vecRes.err)
	}

	merged := make(map[int64]*Result)
	bm25IDs := make([]int64, 0, len(bm25Res.hits))
	vecIDs := make([]int64, 0, len(vecRes.hits))

	for rank, hit := range bm25Res.hits {
		bm25IDs = append(bm25IDs, hit.ChunkID)
		r, err := o.hydrate(ctx, merged, hit.ChunkID)
		if err != nil {
			slog.Warn("retrieval: hydrating bm25 hit failed", "chunk_id", hit.ChunkID, "error", err)
			continue
		}
		score := hit.Score
		r.ScoreBM25 = &score
		rk := rank
		r.RankBM25 = &rk
	}

	for rank, hit := range vecRes.hits {
		vecIDs = append(vecIDs, hit.ChunkID)
		r, err := o.hydrate(ctx, merged, hit.ChunkID)
		if err != nil {
			slog.Warn("retrieval: hydrating vector hit failed", "chunk_id", hit.ChunkID, "error", err)
			continue
		}
		score := hit.Score
		r.ScoreVector = &score
		r.Distance = hit.Distance
		rk := rank
		r.RankVector = &rk
	}

	order := mergeOrder(bm25IDs, vecIDs)

	finalLimit := o.cfg.FinalLimit
	if finalLimit <= 0 {
		finalLimit = DefaultConfig().FinalLimit
	}
	diversityCap := o.cfg.DiversityCap
	if diversityCap <= 0 {
		diversityCap = DefaultConfig().DiversityCap
	}

	selected := selectDiverse(order, merged, finalLimit, diversityCap)

	trace := &Trace{
		BM25Hits:   len(bm25Res.hits),
		VectorHits: len(vecRes.hits),
		Merged:     len(selected),
		ElapsedMs:  time.Since(start).Milliseconds(),
	}
	return selected, trace, nil
}

func (o *Orchestrator) hydrate(ctx context.Context, merged map[int64]*Result, chunkID int64) (*Result, error) {
	if r, ok := merged[chunkID]; ok {
		return r, nil
	}
	rr, err := o.store.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	r := &Result{
		ChunkID:    rr.ChunkID,
		DocumentID: rr.DocumentID,
		Path:       rr.Path,
		Filename:   rr.Filename,
		Content:    rr.Content,
		StartLine:  rr.StartLine,
		EndLine:    rr.EndLine,
		PageNo:     rr.PageNo,
	}
	merged[chunkID] = r
	return r, nil
}

// mergeOrder builds the deterministic fused ordering: every BM25 hit in
// its returned order, then every vector hit not already present, in its
// returned order. Position in these two lists is the only tie-break, so
// the fusion is reproducible even when scores collide.
func mergeOrder(bm25, vector []int64) []int64 {
	order := make([]int64, 0, len(bm25)+len(vector))
	for _, id := range bm25 {
		if _, seen := indexOf(order, id); !seen {
			order = append(order, id)
		}
	}
	for _, id := range vector {
		if _, seen := indexOf(order, id); !seen {
			order = append(order, id)
		}
	}
	return order
}

// selectDiverse walks order (the deterministic BM25-then-vector merge
// order, first occurrence wins) and keeps the first finalLimit results,
// skipping any chunk whose document has already contributed diversityCap
// chunks to the selection.
func selectDiverse(order []int64, merged map[int64]*Result, finalLimit, diversityCap int) []Result {
	var selected []Result
	docCounts := make(map[int64]int)
	for _, chunkID := range order {
		r := merged[chunkID]
		if r == nil {
			continue
		}
		if docCounts[r.DocumentID] >= diversityCap {
			continue
		}
		selected = append(selected, *r)
		docCounts[r.DocumentID]++
		if len(selected) >= finalLimit {
			break
		}
	}
	return selected
}

func indexOf(ids []int64, id int64) (int, bool) {
	for i, v := range ids {
		if v == id {
			return i, true
		}
	}
	return -1, false
}
