//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleDoc(path string) Document {
	return Document{
		Path:        path,
		Filename:    "test.pdf",
		Title:       "Test Document",
		SourceType:  "pdf",
		Size:        2048,
		ContentHash: "abc123",
		Status:      "pending",
		Metadata:    `{"pages":10}`,
	}
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Document CRUD
// ---------------------------------------------------------------------------

func TestUpsertAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDocument(ctx, sampleDoc("/docs/a.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero document id")
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Path != "/docs/a.pdf" || got.SourceType != "pdf" {
		t.Errorf("unexpected document: %+v", got)
	}
	if got.Title != "Test Document" || got.Size != 2048 {
		t.Errorf("unexpected title/size: %+v", got)
	}
	if got.ConfidentialityTag != "private" {
		t.Errorf("confidentiality_tag should default to private, got %q", got.ConfidentialityTag)
	}
	if got.Metadata != `{"pages":10}` {
		t.Errorf("metadata: got %q", got.Metadata)
	}
}

func TestGetDocumentByPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertDocument(ctx, sampleDoc("/docs/b.pdf")); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	got, err := s.GetDocumentByPath(ctx, "/docs/b.pdf")
	if err != nil {
		t.Fatalf("GetDocumentByPath: %v", err)
	}
	if got.Path != "/docs/b.pdf" {
		t.Errorf("unexpected path: %q", got.Path)
	}
}

func TestGetDocumentByPathNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDocumentByPath(context.Background(), "/docs/missing.pdf")
	if !isNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertDocumentUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("/docs/c.pdf")
	id1, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	doc.ContentHash = "def456"
	doc.Status = "indexed"
	id2, err := s.UpsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("UpsertDocument (update): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same id on re-upsert, got %d and %d", id1, id2)
	}

	got, err := s.GetDocument(ctx, id1)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.ContentHash != "def456" || got.Status != "indexed" {
		t.Errorf("expected updated fields, got %+v", got)
	}
}

func TestListDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"/docs/1.pdf", "/docs/2.pdf", "/docs/3.pdf"} {
		if _, err := s.UpsertDocument(ctx, sampleDoc(p)); err != nil {
			t.Fatalf("UpsertDocument(%s): %v", p, err)
		}
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDocument(ctx, sampleDoc("/docs/d.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	if err := s.UpdateDocumentStatus(ctx, id, "indexed"); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}

	got, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != "indexed" {
		t.Errorf("expected status indexed, got %q", got.Status)
	}
}

func TestDeleteDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDocument(ctx, sampleDoc("/docs/e.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if _, err := s.InsertChunks(ctx, []Chunk{{DocumentID: id, Ordinal: 0, Content: "hello", TokenCount: 1}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	if err := s.DeleteDocument(ctx, id); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	if _, err := s.GetDocument(ctx, id); !isNotFound(err) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	chunks, err := s.GetChunksByDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetChunksByDocument: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected chunks to cascade-delete, got %d", len(chunks))
	}
}

func TestDeleteDocumentDataKeepsDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDocument(ctx, sampleDoc("/docs/f.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	if _, err := s.InsertChunks(ctx, []Chunk{{DocumentID: id, Ordinal: 0, Content: "hello", TokenCount: 1}}); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	if err := s.DeleteDocumentData(ctx, id); err != nil {
		t.Fatalf("DeleteDocumentData: %v", err)
	}

	if _, err := s.GetDocument(ctx, id); err != nil {
		t.Fatalf("expected document to survive DeleteDocumentData: %v", err)
	}
	chunks, err := s.GetChunksByDocument(ctx, id)
	if err != nil {
		t.Fatalf("GetChunksByDocument: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected chunks removed, got %d", len(chunks))
	}
}

// ---------------------------------------------------------------------------
// Chunk operations
// ---------------------------------------------------------------------------

func TestInsertAndGetChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/g.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	page := 1
	ids, err := s.InsertChunks(ctx, []Chunk{
		{DocumentID: docID, Ordinal: 0, Content: "first chunk", TokenCount: 2, PageNo: &page},
		{DocumentID: docID, Ordinal: 1, Content: "second chunk", TokenCount: 2, PageNo: &page},
	})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if len(ids) != 2 || ids[0] == 0 || ids[1] == 0 {
		t.Fatalf("expected two non-zero ids, got %v", ids)
	}

	chunks, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("GetChunksByDocument: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Ordinal != 0 || chunks[1].Ordinal != 1 {
		t.Errorf("expected ordinal order preserved, got %+v", chunks)
	}
}

func TestGetChunkJoinsDocumentInfo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/h.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	ids, err := s.InsertChunks(ctx, []Chunk{{DocumentID: docID, Ordinal: 0, Content: "hi", TokenCount: 1}})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	r, err := s.GetChunk(ctx, ids[0])
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if r.Path != "/docs/h.pdf" || r.Filename != "test.pdf" {
		t.Errorf("expected joined document fields, got %+v", r)
	}
}

func TestReplaceDocumentWritesEverythingAtOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, chunkIDs, err := s.ReplaceDocument(ctx, sampleDoc("/docs/r.pdf"), []Chunk{
		{Ordinal: 1, Content: "alpha", TokenCount: 1},
		{Ordinal: 2, Content: "beta", TokenCount: 1},
	}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})
	if err != nil {
		t.Fatalf("ReplaceDocument: %v", err)
	}
	if docID == 0 || len(chunkIDs) != 2 {
		t.Fatalf("unexpected ids: doc %d chunks %v", docID, chunkIDs)
	}

	chunks, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatalf("GetChunksByDocument: %v", err)
	}
	if len(chunks) != 2 || chunks[0].DocumentID != docID {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	for _, id := range chunkIDs {
		has, err := s.ChunkHasEmbedding(ctx, id)
		if err != nil || !has {
			t.Errorf("chunk %d missing embedding (err %v)", id, err)
		}
	}
}

func TestReplaceDocumentClearsPreviousChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := sampleDoc("/docs/s.pdf")
	docID, _, err := s.ReplaceDocument(ctx, doc, []Chunk{
		{Ordinal: 1, Content: "old one", TokenCount: 2},
		{Ordinal: 2, Content: "old two", TokenCount: 2},
	}, [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}})
	if err != nil {
		t.Fatalf("first ReplaceDocument: %v", err)
	}

	doc.ID = docID
	doc.ContentHash = "def456"
	docID2, newIDs, err := s.ReplaceDocument(ctx, doc, []Chunk{
		{Ordinal: 1, Content: "fresh", TokenCount: 1},
	}, [][]float32{{0, 0, 1, 0}})
	if err != nil {
		t.Fatalf("second ReplaceDocument: %v", err)
	}
	if docID2 != docID {
		t.Fatalf("expected same document id, got %d and %d", docID, docID2)
	}

	chunks, err := s.GetChunksByDocument(ctx, docID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Content != "fresh" {
		t.Fatalf("old chunks should be replaced, got %+v", chunks)
	}
	if chunks[0].ID != newIDs[0] {
		t.Errorf("chunk id mismatch: %d vs %d", chunks[0].ID, newIDs[0])
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Chunks != 1 || stats.Embeddings != 1 {
		t.Errorf("stale rows survived replace: %+v", stats)
	}
}

func TestReplaceDocumentRejectsCountMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.ReplaceDocument(ctx, sampleDoc("/docs/t.pdf"), []Chunk{
		{Ordinal: 1, Content: "only chunk", TokenCount: 2},
	}, nil)
	if err == nil {
		t.Fatal("expected an error for embeddings/chunks count mismatch")
	}
	if _, err := s.GetDocumentByPath(ctx, "/docs/t.pdf"); !isNotFound(err) {
		t.Errorf("rejected replace must write nothing, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Vector search
// ---------------------------------------------------------------------------

func TestInsertEmbeddingAndVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/i.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	ids, err := s.InsertChunks(ctx, []Chunk{
		{DocumentID: docID, Ordinal: 0, Content: "alpha", TokenCount: 1},
		{DocumentID: docID, Ordinal: 1, Content: "beta", TokenCount: 1},
	})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	if err := s.InsertEmbedding(ctx, ids[0], []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("InsertEmbedding: %v", err)
	}
	if err := s.InsertEmbedding(ctx, ids[1], []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("InsertEmbedding: %v", err)
	}

	has, err := s.ChunkHasEmbedding(ctx, ids[0])
	if err != nil {
		t.Fatalf("ChunkHasEmbedding: %v", err)
	}
	if !has {
		t.Fatal("expected chunk to have an embedding")
	}

	results, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 2, "cosine")
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ChunkID != ids[0] {
		t.Errorf("expected closest match first, got chunk %d", results[0].ChunkID)
	}
	if results[0].Source != "vector" {
		t.Errorf("expected source=vector, got %q", results[0].Source)
	}
}

func TestVectorSearchTopK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/j.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	for i := 0; i < 5; i++ {
		ids, err := s.InsertChunks(ctx, []Chunk{{DocumentID: docID, Ordinal: i, Content: "c", TokenCount: 1}})
		if err != nil {
			t.Fatalf("InsertChunks: %v", err)
		}
		if err := s.InsertEmbedding(ctx, ids[0], []float32{float32(i), 0, 0, 0}); err != nil {
			t.Fatalf("InsertEmbedding: %v", err)
		}
	}

	results, err := s.VectorSearch(ctx, []float32{0, 0, 0, 0}, 3, "l2")
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected top-3 results, got %d", len(results))
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestDBStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/k.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	ids, err := s.InsertChunks(ctx, []Chunk{{DocumentID: docID, Ordinal: 0, Content: "x", TokenCount: 1}})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	if err := s.InsertEmbedding(ctx, ids[0], []float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("InsertEmbedding: %v", err)
	}
	if _, err := s.CreateRun(ctx, QARun{Question: "q?"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatalf("DBStats: %v", err)
	}
	if stats.Documents != 1 || stats.Chunks != 1 || stats.Embeddings != 1 || stats.Runs != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

// ---------------------------------------------------------------------------
// QA run lifecycle
// ---------------------------------------------------------------------------

func TestRunLifecycleEndToEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, sampleDoc("/docs/l.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	ids, err := s.InsertChunks(ctx, []Chunk{{DocumentID: docID, Ordinal: 1, Content: "widgets are blue", TokenCount: 3}})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	runID, err := s.CreateRun(ctx, QARun{Question: "what color are widgets?", Mode: "lookup", PromptVersion: "v1"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a non-empty run id")
	}

	chunkID := ids[0]
	bm25 := 0.9
	err = s.WriteContexts(ctx, runID, []QAContext{
		{RunID: runID, ChunkID: &chunkID, Rank: 1, ScoreBM25: &bm25, Rationale: "BM25=0.900", Snippet: "widgets are blue", DocumentPath: "/docs/l.pdf", Locator: "doc1:L1"},
	})
	if err != nil {
		t.Fatalf("WriteContexts: %v", err)
	}

	err = s.WriteAnswer(ctx, QAAnswer{
		RunID:   runID,
		Answer:  "Widgets are blue.",
		Bullets: []string{"blue"},
		Sources: []string{"doc1:L1"},
	})
	if err != nil {
		t.Fatalf("WriteAnswer: %v", err)
	}

	if err := s.FinalizeRun(ctx, runID, false, 0, 42, "complete", "", "gpt-test"); err != nil {
		t.Fatalf("FinalizeRun: %v", err)
	}

	record, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if record.Run.Status != "complete" || record.Run.LLMVersion != "gpt-test" {
		t.Errorf("unexpected run: %+v", record.Run)
	}
	if record.Run.Mode != "lookup" {
		t.Errorf("mode = %q, want lookup", record.Run.Mode)
	}
	if len(record.Contexts) != 1 || record.Contexts[0].Snippet != "widgets are blue" {
		t.Errorf("unexpected contexts: %+v", record.Contexts)
	}
	if record.Answer == nil || record.Answer.Answer != "Widgets are blue." {
		t.Fatalf("unexpected answer: %+v", record.Answer)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "does-not-exist")
	if !isNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetRunWithoutAnswerReturnsNilAnswer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, QARun{Question: "pending question"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	record, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if record.Answer != nil {
		t.Errorf("expected nil answer before WriteAnswer, got %+v", record.Answer)
	}
}

func TestListRunsMostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var lastID string
	for i := 0; i < 3; i++ {
		id, err := s.CreateRun(ctx, QARun{Question: "q"})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		lastID = id
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected limit to cap at 2, got %d", len(runs))
	}
	if runs[0].ID != lastID {
		t.Errorf("expected most recent run first, got %q want %q", runs[0].ID, lastID)
	}
}

func TestReplayOmitsNullLinkedContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keptDoc, err := s.UpsertDocument(ctx, sampleDoc("/docs/kept.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	keptIDs, err := s.InsertChunks(ctx, []Chunk{{DocumentID: keptDoc, Ordinal: 0, Content: "kept", TokenCount: 1}})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	removedDoc, err := s.UpsertDocument(ctx, sampleDoc("/docs/removed.pdf"))
	if err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}
	removedIDs, err := s.InsertChunks(ctx, []Chunk{{DocumentID: removedDoc, Ordinal: 0, Content: "removed", TokenCount: 1}})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	runID, err := s.CreateRun(ctx, QARun{Question: "q"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	keptChunkID, removedChunkID := keptIDs[0], removedIDs[0]
	s1, s2 := 1.0, 0.5
	if err := s.WriteContexts(ctx, runID, []QAContext{
		{RunID: runID, ChunkID: &keptChunkID, Rank: 1, ScoreBM25: &s1, Snippet: "kept", DocumentPath: "/docs/kept.pdf"},
		{RunID: runID, ChunkID: &removedChunkID, Rank: 2, ScoreBM25: &s2, Snippet: "removed", DocumentPath: "/docs/removed.pdf"},
	}); err != nil {
		t.Fatalf("WriteContexts: %v", err)
	}

	// Deleting the document nulls its chunk's qa_contexts.chunk_id via
	// ON DELETE SET NULL; the row is retained but replay must not surface it.
	if err := s.DeleteDocument(ctx, removedDoc); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	record, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(record.Contexts) != 1 {
		t.Fatalf("expected the null-linked context to be omitted from replay, got %d contexts", len(record.Contexts))
	}
	if record.Contexts[0].DocumentPath != "/docs/kept.pdf" {
		t.Errorf("expected surviving context to be the one whose chunk wasn't deleted, got %+v", record.Contexts[0])
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
