package store

import (
	"context"
	"encoding/binary"
	"math"
)

// InsertEmbedding stores a vector embedding for a chunk.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// ChunkHasEmbedding checks if a specific chunk has a vector embedding.
func (s *Store) ChunkHasEmbedding(ctx context.Context, chunkID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vec_chunks WHERE chunk_id = ?", chunkID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// VectorSearch performs a KNN search against vec_chunks and returns the
// top-k nearest chunks, joined with document metadata. The distance is
// computed with vec_distance_L2 when metric is "l2" and with
// vec_distance_cosine otherwise (see Config.VectorMetric); the returned
// Score is always "higher is better": 1 - distance for cosine, and
// -distance for L2.
func (s *Store) VectorSearch(ctx context.Context, queryEmbedding []float32, k int, metric string) ([]RetrievalResult, error) {
	if len(queryEmbedding) == 0 {
		return nil, nil
	}
	distFn := "vec_distance_cosine"
	if metric == "l2" {
		distFn = "vec_distance_L2"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.chunk_id, `+distFn+`(v.embedding, ?) AS distance,
			c.content, c.start_line, c.end_line, c.page_no, c.document_id,
			d.filename, d.path
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		JOIN documents d ON d.id = c.document_id
		ORDER BY distance
		LIMIT ?
	`, serializeFloat32(queryEmbedding), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var distance float64
		if err := rows.Scan(&r.ChunkID, &distance,
			&r.Content, &r.StartLine, &r.EndLine, &r.PageNo, &r.DocumentID,
			&r.Filename, &r.Path); err != nil {
			return nil, err
		}
		if metric == "l2" {
			r.Score = -distance
		} else {
			r.Score = 1.0 - distance
		}
		d := distance
		r.Distance = &d
		r.Source = "vector"
		results = append(results, r)
	}
	return results, rows.Err()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
