// Package lexicon is the satellite lexical index: a durable, disk-backed
// BM25 index over chunk content that is rebuilt and reconciled outside the
// relational store's transactions. It is allowed to lag the store briefly
// after a write; it is never allowed to corrupt or block one.
package lexicon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/gofrs/flock"
)

// Hit is one BM25 search result: a chunk id and its relevance score.
type Hit struct {
	ChunkID int64
	Score   float64
}

// Doc is a chunk as seen by the lexical index. Title and Content are the
// searched fields; the rest are stored alongside so an index entry is
// self-describing without a store round-trip.
type Doc struct {
	ChunkID    int64
	DocumentID int64
	Path       string
	Title      string
	Content    string
	Metadata   string
	StartLine  *int
	EndLine    *int
}

// Index wraps a bleve index with single-writer file-lock discipline so that
// the offline ingest CLI and a running server process never interleave
// batch commits against the same on-disk index.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string
	lock  *flock.Flock
}

const lockWaitTimeout = 10 * time.Second

// Open creates or opens the bleve index at path, acquiring an advisory
// single-writer lock alongside it.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("lexicon: creating parent dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockWaitTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("lexicon: could not acquire writer lock on %s: %w", path, err)
	}

	mapping := bleve.NewIndexMapping()

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, mapping)
	}
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("lexicon: opening index at %s: %w", path, err)
	}

	return &Index{index: idx, path: path, lock: lock}, nil
}

// Close releases the bleve index and the writer lock.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.index.Close()
	if unlockErr := x.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}

// AddDocuments indexes a batch of chunks, replacing any existing entries
// with the same chunk id.
func (x *Index) AddDocuments(docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(docID(d.ChunkID), toBleveDoc(d)); err != nil {
			return fmt.Errorf("lexicon: indexing chunk %d: %w", d.ChunkID, err)
		}
	}
	return x.index.Batch(batch)
}

// RemoveChunks deletes the given chunk ids from the index. Safe to call
// with ids that are not currently indexed.
func (x *Index) RemoveChunks(chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(docID(id))
	}
	return x.index.Batch(batch)
}

// BulkReplace atomically (from the caller's perspective) removes stale and
// adds fresh chunk entries in a single batch, used by the ingestion
// coordinator's post-commit reconciliation step.
func (x *Index) BulkReplace(remove []int64, add []Doc) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	batch := x.index.NewBatch()
	for _, id := range remove {
		batch.Delete(docID(id))
	}
	for _, d := range add {
		if err := batch.Index(docID(d.ChunkID), toBleveDoc(d)); err != nil {
			return fmt.Errorf("lexicon: indexing chunk %d: %w", d.ChunkID, err)
		}
	}
	return x.index.Batch(batch)
}

// Search runs a BM25 match query over {title, content} and returns the top
// `limit` hits ordered by descending score, combined score-wise (a hit
// matching in either field contributes).
func (x *Index) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	titleQuery := bleve.NewMatchQuery(query)
	titleQuery.SetField("title")
	contentQuery := bleve.NewMatchQuery(query)
	contentQuery.SetField("content")
	disjunction := bleve.NewDisjunctionQuery(titleQuery, contentQuery)

	req := bleve.NewSearchRequest(disjunction)
	req.Size = limit

	result, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexicon: search: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		id, err := parseDocID(h.ID)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: h.Score})
	}
	return hits, nil
}

// Clear removes every document from the index. Used by `--reindex`.
func (x *Index) Clear() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.index.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(x.path); err != nil {
		return err
	}
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.New(x.path, mapping)
	if err != nil {
		return err
	}
	x.index = idx
	return nil
}

// DocCount returns the number of indexed chunks.
func (x *Index) DocCount() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

type bleveDoc struct {
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Metadata   string `json:"metadata"`
	StartLine  int    `json:"start_line"`
	EndLine    int    `json:"end_line"`
}

func toBleveDoc(d Doc) bleveDoc {
	bd := bleveDoc{
		DocumentID: d.DocumentID,
		Path:       d.Path,
		Title:      d.Title,
		Content:    d.Content,
		Metadata:   d.Metadata,
	}
	if d.StartLine != nil {
		bd.StartLine = *d.StartLine
	}
	if d.EndLine != nil {
		bd.EndLine = *d.EndLine
	}
	return bd
}

func docID(chunkID int64) string {
	return strconv.FormatInt(chunkID, 10)
}

func parseDocID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
