package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// ErrNotFound is returned when a lookup by id or path finds no row. The
// top-level analyst package maps this onto its own ErrNotFound sentinel.
var ErrNotFound = errors.New("store: not found")

// Document represents a row in the documents table.
type Document struct {
	ID                 int64  `json:"id"`
	Path               string `json:"path"`
	Filename           string `json:"filename"`
	Title              string `json:"title"`
	SourceType         string `json:"source_type"` // markdown, pdf, email, office
	Size               int64  `json:"size"`
	ContentHash        string `json:"content_hash"`
	ConfidentialityTag string `json:"confidentiality_tag"`
	Status             string `json:"status"` // pending, indexed, failed
	Metadata           string `json:"metadata,omitempty"`
	CreatedAt          string `json:"created_at"`
	UpdatedAt          string `json:"updated_at"`
}

// Chunk represents a row in the chunks table. Chunks are flat: there is no
// parent/child nesting, only a document-scoped ordinal.
type Chunk struct {
	ID          int64  `json:"id"`
	DocumentID  int64  `json:"document_id"`
	Ordinal     int    `json:"ordinal"`
	Content     string `json:"content"`
	TokenCount  int    `json:"token_count"`
	StartLine   *int   `json:"start_line,omitempty"`
	EndLine     *int   `json:"end_line,omitempty"`
	PageNo      *int   `json:"page_no,omitempty"`
	ContentHash string `json:"content_hash"`
}

// RetrievalResult holds a chunk with its retrieval score and document info.
type RetrievalResult struct {
	ChunkID    int64    `json:"chunk_id"`
	DocumentID int64    `json:"document_id"`
	Content    string   `json:"content"`
	StartLine  *int     `json:"start_line,omitempty"`
	EndLine    *int     `json:"end_line,omitempty"`
	PageNo     *int     `json:"page_no,omitempty"`
	Filename   string   `json:"filename"`
	Path       string   `json:"path"`
	Score      float64  `json:"score"`
	Distance   *float64 `json:"distance,omitempty"` // raw vec0 distance, vector hits only
	Source     string   `json:"source"`             // "bm25" or "vector"
}

// DBStats holds counts of key database objects.
type DBStats struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Embeddings int `json:"embeddings"`
	Runs       int `json:"runs"`
}

// Store wraps the SQLite database for all analyst persistence: documents,
// chunks, vector embeddings, and QA run history.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument inserts or updates a document record. Returns the document ID.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (int64, error) {
	return upsertDocument(ctx, s.db, doc)
}

// execer abstracts *sql.DB and *sql.Tx so document writes can run either
// standalone or inside ReplaceDocument's single ingest transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertDocument(ctx context.Context, db execer, doc Document) (int64, error) {
	if doc.ConfidentialityTag == "" {
		doc.ConfidentialityTag = "private"
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO documents (path, filename, title, source_type, size, content_hash, confidentiality_tag, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			filename = excluded.filename,
			title = excluded.title,
			source_type = excluded.source_type,
			size = excluded.size,
			content_hash = excluded.content_hash,
			confidentiality_tag = excluded.confidentiality_tag,
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`, doc.Path, doc.Filename, doc.Title, doc.SourceType, doc.Size, doc.ContentHash, doc.ConfidentialityTag, doc.Status, doc.Metadata)
	if err != nil {
		return 0, err
	}

	// LastInsertId is not reliable when the upsert took the UPDATE branch,
	// so the id is always read back by path.
	var id int64
	row := db.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", doc.Path)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetDocumentByPath retrieves a document by its file path.
func (s *Store) GetDocumentByPath(ctx context.Context, path string) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, filename, title, source_type, size, content_hash, confidentiality_tag, status, metadata, created_at, updated_at
		FROM documents WHERE path = ?
	`, path).Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Title, &doc.SourceType, &doc.Size,
		&doc.ContentHash, &doc.ConfidentialityTag, &doc.Status, &metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %q: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	doc := &Document{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, path, filename, title, source_type, size, content_hash, confidentiality_tag, status, metadata, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&doc.ID, &doc.Path, &doc.Filename, &doc.Title, &doc.SourceType, &doc.Size,
		&doc.ContentHash, &doc.ConfidentialityTag, &doc.Status, &metadata, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Metadata = metadata.String
	return doc, nil
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, filename, title, source_type, size, content_hash, confidentiality_tag, status, metadata, created_at, updated_at
		FROM documents ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var metadata sql.NullString
		if err := rows.Scan(&d.ID, &d.Path, &d.Filename, &d.Title, &d.SourceType, &d.Size,
			&d.ContentHash, &d.ConfidentialityTag, &d.Status, &metadata, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Metadata = metadata.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus updates just the status field.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		status, id)
	return err
}

// DeleteDocument removes a document and cascades to all related chunks and
// embeddings. Any qa_contexts rows that weak-referenced those chunks survive
// with chunk_id set to NULL (ON DELETE SET NULL in the schema).
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM documents WHERE id = ?", id); err != nil {
			return err
		}

		return nil
	})
}

// DeleteDocumentData removes all chunks and embeddings for a document but
// keeps the document record itself. Used before re-ingesting a changed file.
func (s *Store) DeleteDocumentData(ctx context.Context, docID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_id IN (
				SELECT id FROM chunks WHERE document_id = ?
			)`, docID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return err
		}

		return nil
	})
}

// --- Chunk operations ---

// InsertChunks inserts a batch of chunks within the caller's transaction
// semantics (one call = one transaction) and returns their assigned IDs in
// the same order as the input slice.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, ordinal, content, token_count, start_line, end_line, page_no, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			contentHash := hex.EncodeToString(hash[:])

			res, err := stmt.ExecContext(ctx,
				c.DocumentID, c.Ordinal, c.Content, c.TokenCount,
				c.StartLine, c.EndLine, c.PageNo, contentHash)
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}
		return nil
	})

	return ids, err
}

// ReplaceDocument performs one file's entire ingest write — clearing any
// previous chunks and embeddings, upserting the document row, and inserting
// the new chunks with their embeddings — inside a single transaction. A
// failure at any step rolls the whole write back, leaving the store at the
// previous successful ingest. Chunk rows are bound to the upserted
// document's id; embeddings[i] belongs to chunks[i].
func (s *Store) ReplaceDocument(ctx context.Context, doc Document, chunks []Chunk, embeddings [][]float32) (int64, []int64, error) {
	if len(embeddings) != len(chunks) {
		return 0, nil, fmt.Errorf("replace document %s: %d embeddings for %d chunks", doc.Path, len(embeddings), len(chunks))
	}

	var docID int64
	ids := make([]int64, len(chunks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if doc.ID != 0 {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM vec_chunks WHERE chunk_id IN (
					SELECT id FROM chunks WHERE document_id = ?
				)`, doc.ID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM chunks WHERE document_id = ?", doc.ID); err != nil {
				return err
			}
		}

		var err error
		docID, err = upsertDocument(ctx, tx, doc)
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, ordinal, content, token_count, start_line, end_line, page_no, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			res, err := stmt.ExecContext(ctx,
				docID, c.Ordinal, c.Content, c.TokenCount,
				c.StartLine, c.EndLine, c.PageNo, hex.EncodeToString(hash[:]))
			if err != nil {
				return err
			}
			ids[i], err = res.LastInsertId()
			if err != nil {
				return err
			}
		}

		for i, vec := range embeddings {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
				ids[i], serializeFloat32(vec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return docID, ids, nil
}

// GetChunksByDocument returns all chunks for a given document in ordinal order.
func (s *Store) GetChunksByDocument(ctx context.Context, docID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, ordinal, content, token_count, start_line, end_line, page_no, content_hash
		FROM chunks WHERE document_id = ? ORDER BY ordinal
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Content, &c.TokenCount,
			&c.StartLine, &c.EndLine, &c.PageNo, &c.ContentHash); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunk retrieves a single chunk by ID, joined with its document's path
// and filename. Used to re-hydrate qa_contexts rows during replay.
func (s *Store) GetChunk(ctx context.Context, chunkID int64) (*RetrievalResult, error) {
	r := &RetrievalResult{}
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.document_id, c.content, c.start_line, c.end_line, c.page_no, d.filename, d.path
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id = ?
	`, chunkID).Scan(&r.ChunkID, &r.DocumentID, &r.Content, &r.StartLine, &r.EndLine, &r.PageNo, &r.Filename, &r.Path)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// --- Diagnostics ---

// DBStats returns counts of key objects. Used by the health/readiness probe
// and the eval harness.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
		{"SELECT COUNT(*) FROM qa_runs", &stats.Runs},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
