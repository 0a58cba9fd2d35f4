package rag

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"valet/pkg/models"
)

type fakeDocs struct {
	docs   []*models.Document
	newest string
	lists  int
}

func (f *fakeDocs) ListDocuments(int64) ([]*models.Document, error) {
	f.lists++
	return f.docs, nil
}

func (f *fakeDocs) NewestDocumentTime(int64) (string, error) {
	return f.newest, nil
}

func TestSplitChunksOverlap(t *testing.T) {
	words := make([]string, 450)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	chunks := splitChunks(1, "doc", strings.Join(words, " "))
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	// Second chunk starts 160 words in, so the last 40 words of chunk 0
	// reappear at the start of chunk 1.
	if !strings.HasPrefix(chunks[1].Text, "w160 ") {
		t.Errorf("chunk 1 starts %q", chunks[1].Text[:20])
	}
	if !strings.Contains(chunks[0].Text, "w160") {
		t.Error("overlap region missing from chunk 0")
	}
}

func TestSearchRanksRelevantChunkFirst(t *testing.T) {
	idx := BuildIndex([]Chunk{
		{DocumentName: "pets", Text: "Cats sleep most of the day and hunt at dusk."},
		{DocumentName: "cooking", Text: "Slice the onions thin and caramelize them slowly."},
		{DocumentName: "pets2", Text: "Dogs need daily walks and plenty of water."},
	})

	hits := idx.Search("when do cats hunt", 2)
	if len(hits) == 0 {
		t.Fatal("no hits")
	}
	if hits[0].Chunk.DocumentName != "pets" {
		t.Errorf("top hit = %q", hits[0].Chunk.DocumentName)
	}
	for _, h := range hits {
		if h.Score <= 0 {
			t.Error("returned hit with non-positive score")
		}
	}
}

func TestSearchNoOverlapReturnsNothing(t *testing.T) {
	idx := BuildIndex([]Chunk{{Text: "quarterly revenue grew eight percent"}})
	if hits := idx.Search("zebra migration", 4); len(hits) != 0 {
		t.Errorf("hits = %v, want none", hits)
	}
}

func TestManagerCachesUntilDocumentsChange(t *testing.T) {
	docs := &fakeDocs{
		docs: []*models.Document{
			{ID: 1, Name: "a", Text: "the capital of France is Paris"},
		},
		newest: "t1",
	}
	m := NewManager(docs, t.TempDir(), slog.Default())

	if _, err := m.Search(7, "capital France", 4); err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, err := m.Search(7, "capital France", 4); err != nil {
		t.Fatalf("search: %v", err)
	}
	if docs.lists != 1 {
		t.Errorf("index rebuilt %d times, want 1", docs.lists)
	}

	// A newer document invalidates the cache.
	docs.docs = append(docs.docs, &models.Document{ID: 2, Name: "b", Text: "Berlin is the capital of Germany"})
	docs.newest = "t2"
	hits, err := m.Search(7, "capital Germany Berlin", 4)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if docs.lists != 2 {
		t.Errorf("rebuilds = %d, want 2", docs.lists)
	}
	if len(hits) == 0 || hits[0].Chunk.DocumentName != "b" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestManagerReloadsPersistedIndex(t *testing.T) {
	dir := t.TempDir()
	docs := &fakeDocs{
		docs:   []*models.Document{{ID: 1, Name: "a", Text: "alpha beta gamma"}},
		newest: "t1",
	}

	m1 := NewManager(docs, dir, slog.Default())
	if _, err := m1.Search(3, "alpha", 4); err != nil {
		t.Fatalf("search: %v", err)
	}

	// Fresh manager, same directory: should load from disk, not rebuild.
	m2 := NewManager(docs, dir, slog.Default())
	if _, err := m2.Search(3, "alpha", 4); err != nil {
		t.Fatalf("search: %v", err)
	}
	if docs.lists != 1 {
		t.Errorf("rebuilds = %d, want 1 (persisted index should be reused)", docs.lists)
	}
}

func TestManagerNoDocuments(t *testing.T) {
	m := NewManager(&fakeDocs{}, t.TempDir(), slog.Default())
	hits, err := m.Search(1, "anything", 4)
	if err != nil || hits != nil {
		t.Errorf("hits = %v, err = %v", hits, err)
	}
}

func TestFormatContext(t *testing.T) {
	if FormatContext(nil) != "" {
		t.Error("empty hits should format to empty string")
	}
	out := FormatContext([]Hit{{Chunk: Chunk{DocumentName: "notes.md", Text: "hello"}}})
	if !strings.Contains(out, "[notes.md]") || !strings.Contains(out, "hello") {
		t.Errorf("out = %q", out)
	}
}
