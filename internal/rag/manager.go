// Package rag retrieves the document chunks most relevant to a prompt
// using per-conversation TF-IDF indexes persisted alongside the database.
package rag

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"valet/pkg/models"
)

// DocumentSource is the slice of the store retrieval needs.
type DocumentSource interface {
	ListDocuments(conversationID int64) ([]*models.Document, error)
	NewestDocumentTime(conversationID int64) (string, error)
}

// Manager builds, caches, and persists one index per conversation. An
// index is stale once a newer document exists and is rebuilt lazily on
// the next search.
type Manager struct {
	docs   DocumentSource
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[int64]*cachedIndex
}

type cachedIndex struct {
	index   *Index
	builtAt string // newest document time at build
}

// NewManager creates a retrieval manager persisting indexes under dir.
func NewManager(docs DocumentSource, dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		docs:   docs,
		dir:    dir,
		logger: logger,
		cache:  make(map[int64]*cachedIndex),
	}
}

// Search returns up to topK chunks relevant to the query from the
// conversation's documents. Returns nil when the conversation has no
// documents or nothing overlaps the query.
func (m *Manager) Search(conversationID int64, query string, topK int) ([]Hit, error) {
	idx, err := m.indexFor(conversationID)
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return nil, nil
	}
	return idx.Search(query, topK), nil
}

// Invalidate drops the cached index for a conversation, forcing a rebuild
// on the next search. Callers use it after document deletion, which does
// not advance the newest-document timestamp.
func (m *Manager) Invalidate(conversationID int64) {
	m.mu.Lock()
	delete(m.cache, conversationID)
	m.mu.Unlock()
	os.Remove(m.indexPath(conversationID))
}

func (m *Manager) indexFor(conversationID int64) (*Index, error) {
	newest, err := m.docs.NewestDocumentTime(conversationID)
	if err != nil {
		return nil, fmt.Errorf("rag: newest document time: %w", err)
	}
	if newest == "" {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.cache[conversationID]; ok && cached.builtAt == newest {
		return cached.index, nil
	}

	// A previous process may have left a fresh index on disk.
	if idx := m.loadIndex(conversationID); idx != nil && idx.BuiltAt == newest {
		m.cache[conversationID] = &cachedIndex{index: idx, builtAt: newest}
		return idx, nil
	}

	docs, err := m.docs.ListDocuments(conversationID)
	if err != nil {
		return nil, fmt.Errorf("rag: list documents: %w", err)
	}
	var chunks []Chunk
	for _, d := range docs {
		chunks = append(chunks, splitChunks(d.ID, d.Name, d.Text)...)
	}
	idx := BuildIndex(chunks)
	idx.BuiltAt = newest

	m.cache[conversationID] = &cachedIndex{index: idx, builtAt: newest}
	m.saveIndex(conversationID, idx)
	m.logger.Debug("retrieval index rebuilt",
		"conversation", conversationID, "documents", len(docs), "chunks", len(chunks))
	return idx, nil
}

func (m *Manager) indexPath(conversationID int64) string {
	return filepath.Join(m.dir, fmt.Sprintf("conv_%d.json", conversationID))
}

func (m *Manager) loadIndex(conversationID int64) *Index {
	data, err := os.ReadFile(m.indexPath(conversationID))
	if err != nil {
		return nil
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil
	}
	return &idx
}

func (m *Manager) saveIndex(conversationID int64, idx *Index) {
	data, err := json.Marshal(idx)
	if err != nil {
		return
	}
	path := m.indexPath(conversationID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.logger.Warn("retrieval index not persisted", "error", err)
		return
	}
	os.Rename(tmp, path)
}

// FormatContext renders hits as the context block the system prompt
// embeds. Empty input yields an empty string.
func FormatContext(hits []Hit) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant document excerpts:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "\n[%s]\n%s\n", h.Chunk.DocumentName, h.Chunk.Text)
	}
	return b.String()
}
