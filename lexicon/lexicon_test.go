package lexicon

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAddAndSearch(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "lexicon.bleve"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	err = idx.AddDocuments([]Doc{
		{ChunkID: 1, Content: "the cat sat on the mat"},
		{ChunkID: 2, Content: "dogs chase squirrels in the park"},
	})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	hits, err := idx.Search(context.Background(), "cat", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != 1 {
		t.Fatalf("expected chunk 1, got %+v", hits)
	}
}

func TestSearchMatchesTitleOnly(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "lexicon.bleve"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	err = idx.AddDocuments([]Doc{
		{ChunkID: 1, Title: "Quarterly Budget Review", Content: "unrelated body text about lunch"},
		{ChunkID: 2, Title: "Team Offsite Notes", Content: "more unrelated body text"},
	})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	hits, err := idx.Search(context.Background(), "budget", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != 1 {
		t.Fatalf("expected title-only match on chunk 1, got %+v", hits)
	}
}

func TestRemoveChunks(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "lexicon.bleve"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.AddDocuments([]Doc{{ChunkID: 5, Content: "privacy policy terms"}}); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if err := idx.RemoveChunks([]int64{5}); err != nil {
		t.Fatalf("RemoveChunks: %v", err)
	}

	hits, err := idx.Search(context.Background(), "privacy", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits after removal, got %+v", hits)
	}
}

func TestBulkReplace(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(filepath.Join(dir, "lexicon.bleve"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	if err := idx.AddDocuments([]Doc{{ChunkID: 1, Content: "old content about weather"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = idx.BulkReplace([]int64{1}, []Doc{{ChunkID: 1, Content: "new content about finance"}})
	if err != nil {
		t.Fatalf("BulkReplace: %v", err)
	}

	hits, err := idx.Search(context.Background(), "finance", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %+v", hits)
	}

	hits, err = idx.Search(context.Background(), "weather", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected stale content gone, got %+v", hits)
	}
}
