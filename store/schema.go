package store

import "fmt"

// schemaSQL returns the DDL for all tables. embeddingDim controls the
// vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- Document registry with hash-based change detection
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    path TEXT NOT NULL UNIQUE,
    filename TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    source_type TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL,
    confidentiality_tag TEXT NOT NULL DEFAULT 'private',
    status TEXT NOT NULL DEFAULT 'pending',
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Flat, ordinal-addressed chunks. No parent/child hierarchy: every chunk is
-- independently retrievable and independently embeddable.
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    content TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    start_line INTEGER,
    end_line INTEGER,
    page_no INTEGER,
    content_hash TEXT NOT NULL,
    UNIQUE(document_id, ordinal)
);

-- Vector embeddings via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_id INTEGER PRIMARY KEY,
    embedding float[%d]
);

-- A question-answering run: one user question, one synthesis attempt cycle.
CREATE TABLE IF NOT EXISTS qa_runs (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    mode TEXT NOT NULL DEFAULT 'synthesize',
    abstained BOOLEAN NOT NULL DEFAULT 0,
    retries INTEGER NOT NULL DEFAULT 0,
    latency_ms INTEGER,
    prompt_version TEXT NOT NULL,
    template_hash TEXT NOT NULL,
    llm_version TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- The ranked retrieval context attached to a run. chunk_id is a weak
-- reference: if the source chunk is later deleted (re-ingest, document
-- removal), the row survives with chunk_id NULL, but replay omits it --
-- it no longer resolves to a live chunk to rebuild a snippet from.
CREATE TABLE IF NOT EXISTS qa_contexts (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES qa_runs(id) ON DELETE CASCADE,
    chunk_id INTEGER REFERENCES chunks(id) ON DELETE SET NULL,
    rank INTEGER NOT NULL,
    score_bm25 REAL,
    score_embed REAL,
    score_rerank REAL,
    rationale TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL,
    document_path TEXT NOT NULL,
    locator TEXT
);

-- Exactly one answer per run.
CREATE TABLE IF NOT EXISTS qa_answers (
    run_id TEXT PRIMARY KEY REFERENCES qa_runs(id) ON DELETE CASCADE,
    answer TEXT NOT NULL,
    bullets JSON,
    conflicts JSON,
    sources JSON NOT NULL,
    raw_response TEXT
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_qa_contexts_run ON qa_contexts(run_id);
CREATE INDEX IF NOT EXISTS idx_qa_contexts_chunk ON qa_contexts(chunk_id);
CREATE INDEX IF NOT EXISTS idx_qa_runs_created ON qa_runs(created_at);
`, embeddingDim)
}
