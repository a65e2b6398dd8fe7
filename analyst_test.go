//go:build cgo

package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pka/analyst/embed"
	"github.com/pka/analyst/ingest"
	"github.com/pka/analyst/lexicon"
	"github.com/pka/analyst/llm"
	"github.com/pka/analyst/retrieval"
	"github.com/pka/analyst/store"
	"github.com/pka/analyst/synth"
)

// fakeChatProvider returns queued Chat responses in order, repeating the
// last one once exhausted; Embed is never called on the chat leg.
type fakeChatProvider struct {
	responses []string
	calls     int
}

func (f *fakeChatProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return &llm.ChatResponse{Content: f.responses[idx]}, nil
}

func (f *fakeChatProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeChatProvider) CloseIdleConnections() {}

// newTestEngine wires a real store + lexicon + embed client (against an
// httptest fixture returning a fixed vector) with a fake chat provider, the
// same way the production New does, but without going through llm.NewProvider.
func newTestEngine(t *testing.T, chat *fakeChatProvider) (*engine, func()) {
	t.Helper()
	dir := t.TempDir()

	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{1, 0, 0, 0}},
		})
	}))

	st, err := store.New(filepath.Join(dir, "test.db"), 4)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	lex, err := lexicon.Open(filepath.Join(dir, "lexicon.bleve"))
	if err != nil {
		st.Close()
		t.Fatalf("lexicon.Open: %v", err)
	}
	embedder := embed.New(embedSrv.URL, "test-embed", "", 4, 0)

	coordinator := ingest.New(st, lex, embedder, ingest.Config{})
	orchestrator := retrieval.New(st, lex, embedder, retrieval.Config{
		MaxBM25: 10, MaxVector: 10, FinalLimit: 5, DiversityCap: 3, VectorMetric: "cosine",
	})
	ctxBuilder := retrieval.NewContextBuilder(900)

	schema, err := synth.CompileSchema()
	if err != nil {
		t.Fatalf("CompileSchema: %v", err)
	}
	registry := synth.DefaultRegistry()
	synthesizer := synth.New(chat, registry, schema, synth.DefaultTemplateName, synth.Config{
		Model: "test-chat", MaxRetries: 1,
	})

	e := &engine{
		cfg:          Config{Chat: LLMConfig{Model: "test-chat"}},
		store:        st,
		lexicon:      lex,
		embedder:     embedder,
		chatProvider: chat,
		coordinator:  coordinator,
		orchestrator: orchestrator,
		ctxBuilder:   ctxBuilder,
		synthesizer:  synthesizer,
	}

	cleanup := func() {
		e.Close()
		embedSrv.Close()
	}
	return e, cleanup
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestAskEndToEndRunsRetrievalSynthesisAndPersistsRun(t *testing.T) {
	chat := &fakeChatProvider{responses: []string{
		`{"abstain": false, "answer": "Widgets are blue.", "sources": [{"id":"doc1","loc":"L1-L3"}]}`,
	}}
	e, cleanup := newTestEngine(t, chat)
	defer cleanup()

	docsDir := t.TempDir()
	path := writeTempFile(t, docsDir, "widgets.md", "# Widgets\n\nWidgets are blue and small.\n")

	ctx := context.Background()
	res := e.IngestFile(ctx, path, ingest.SourceMarkdown)
	if res.Err != nil {
		t.Fatalf("IngestFile: %v", res.Err)
	}
	if res.ChunkCount == 0 {
		t.Fatal("expected at least one chunk from ingestion")
	}

	answer, err := e.Ask(ctx, "what color are widgets?", "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answer.RunID == "" {
		t.Fatal("expected a non-empty run id")
	}
	if answer.Answer.Abstain {
		t.Fatalf("expected abstain=false, got answer: %+v", answer.Answer)
	}
	if answer.Mode != "synthesize" {
		t.Errorf("expected default mode synthesize, got %q", answer.Mode)
	}

	record, err := e.Replay(ctx, answer.RunID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if record.Run.Status != "complete" {
		t.Errorf("expected status complete, got %q", record.Run.Status)
	}
	if record.Answer == nil || record.Answer.Answer != "Widgets are blue." {
		t.Fatalf("unexpected persisted answer: %+v", record.Answer)
	}
}

func TestAskFinalizesRunAsFailedOnValidationExhaustion(t *testing.T) {
	chat := &fakeChatProvider{responses: []string{"not json", "still not json"}}
	e, cleanup := newTestEngine(t, chat)
	defer cleanup()

	docsDir := t.TempDir()
	path := writeTempFile(t, docsDir, "notes.md", "# Notes\n\nSome content about gadgets.\n")

	ctx := context.Background()
	if res := e.IngestFile(ctx, path, ingest.SourceMarkdown); res.Err != nil {
		t.Fatalf("IngestFile: %v", res.Err)
	}

	_, err := e.Ask(ctx, "what are gadgets?", "")
	if err == nil {
		t.Fatal("expected an error from exhausted synthesis retries")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	runs, err := e.store.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "failed" {
		t.Errorf("expected the run to be finalized as failed, got %+v", runs)
	}
}

func TestDeleteMapsNotFoundToDocumentNotFound(t *testing.T) {
	e, cleanup := newTestEngine(t, &fakeChatProvider{})
	defer cleanup()

	err := e.Delete(context.Background(), 999)
	if !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestReplayMapsNotFound(t *testing.T) {
	e, cleanup := newTestEngine(t, &fakeChatProvider{})
	defer cleanup()

	_, err := e.Replay(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateReportsUnchangedOnSecondIngest(t *testing.T) {
	e, cleanup := newTestEngine(t, &fakeChatProvider{})
	defer cleanup()

	docsDir := t.TempDir()
	path := writeTempFile(t, docsDir, "stable.md", "# Stable\n\nThis content never changes.\n")

	ctx := context.Background()
	if res := e.IngestFile(ctx, path, ingest.SourceMarkdown); res.Err != nil {
		t.Fatalf("IngestFile: %v", res.Err)
	}

	changed, err := e.Update(ctx, path, ingest.SourceMarkdown)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if changed {
		t.Error("expected changed=false for an unmodified file")
	}
}

func TestMapSynthError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{synth.ErrTransport, ErrTransport},
		{synth.ErrValidation, ErrValidation},
	}
	for _, c := range cases {
		got := mapSynthError(c.in)
		if !errors.Is(got, c.want) {
			t.Errorf("mapSynthError(%v) = %v, want wrapping %v", c.in, got, c.want)
		}
	}
}

func TestToQAContextsPopulatesDocumentPathByChunkID(t *testing.T) {
	bm25 := 0.8
	snippets := []retrieval.Snippet{
		{ChunkID: 1, DocumentID: 10, Citation: "doc1:L1", Content: "hello", ScoreBM25: &bm25},
	}
	results := []retrieval.Result{
		{ChunkID: 1, DocumentID: 10, Path: "/docs/a.md"},
	}

	contexts := toQAContexts("run-1", snippets, results)
	if len(contexts) != 1 {
		t.Fatalf("expected 1 context, got %d", len(contexts))
	}
	if contexts[0].DocumentPath != "/docs/a.md" {
		t.Errorf("expected document path looked up by chunk id, got %q", contexts[0].DocumentPath)
	}
	if contexts[0].ScoreBM25 == nil || *contexts[0].ScoreBM25 != bm25 {
		t.Errorf("expected ScoreBM25 carried through, got %v", contexts[0].ScoreBM25)
	}
	if contexts[0].ScoreEmbed != nil || contexts[0].ScoreRerank != nil {
		t.Errorf("unmatched score families must stay nil: %+v", contexts[0])
	}
}

func TestToQAAnswerFlattensSourcesAndConflicts(t *testing.T) {
	answer := synth.Answer{
		AnswerText: "the answer",
		Bullets:    []string{"a", "b"},
		Sources:    []synth.Source{{ID: "doc1", Loc: "L1-L5"}},
		Conflicts:  []synth.Conflict{{Claim: "disputed claim", Sources: []synth.Source{{ID: "doc2", Loc: "L1"}}}},
	}

	qa := toQAAnswer("run-2", answer, `{"raw":true}`)
	if qa.Answer != "the answer" {
		t.Errorf("unexpected answer text: %q", qa.Answer)
	}
	if len(qa.Sources) != 1 || qa.Sources[0] != "doc1:L1-L5" {
		t.Errorf("unexpected flattened sources: %v", qa.Sources)
	}
	if len(qa.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(qa.Conflicts))
	}
	var decoded synth.Conflict
	if err := json.Unmarshal([]byte(qa.Conflicts[0]), &decoded); err != nil {
		t.Fatalf("expected conflict to be JSON-encoded, got %q: %v", qa.Conflicts[0], err)
	}
	if decoded.Claim != "disputed claim" {
		t.Errorf("unexpected decoded conflict: %+v", decoded)
	}
}

func TestIntOrZero(t *testing.T) {
	if got := intOrZero(nil); got != 0 {
		t.Errorf("intOrZero(nil) = %d, want 0", got)
	}
	n := 42
	if got := intOrZero(&n); got != 42 {
		t.Errorf("intOrZero(&42) = %d, want 42", got)
	}
}
