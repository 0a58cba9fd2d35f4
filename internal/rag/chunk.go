package rag

import "strings"

// Chunk is one retrievable slice of a document.
type Chunk struct {
	DocumentID   int64  `json:"document_id"`
	DocumentName string `json:"document_name"`
	Ordinal      int    `json:"ordinal"`
	Text         string `json:"text"`
}

const (
	chunkWords   = 200
	overlapWords = 40
)

// splitChunks windows a document's text into overlapping word spans.
// Overlap keeps sentences that straddle a boundary retrievable from
// either side.
func splitChunks(docID int64, name, text string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	step := chunkWords - overlapWords
	for start := 0; start < len(words); start += step {
		end := start + chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			DocumentID:   docID,
			DocumentName: name,
			Ordinal:      len(chunks),
			Text:         strings.Join(words[start:end], " "),
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}

// tokenize lowercases and strips punctuation so "Go," and "go" share a
// term. Tokens under two runes carry no signal and are dropped.
func tokenize(text string) []string {
	var tokens []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.TrimFunc(word, func(r rune) bool {
			return !isWordRune(r)
		})
		if len([]rune(word)) >= 2 {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r > 127: // keep accented letters whole
		return true
	}
	return false
}
