package rag

import (
	"math"
	"sort"
)

// Index is a TF-IDF index over a conversation's document chunks. It is
// immutable once built; the Manager swaps whole indexes on rebuild.
type Index struct {
	Chunks  []Chunk            `json:"chunks"`
	DF      map[string]int     `json:"df"`
	Vectors []map[string]float64 `json:"vectors"`
	BuiltAt string             `json:"built_at"`
}

// BuildIndex computes TF-IDF vectors for every chunk.
func BuildIndex(chunks []Chunk) *Index {
	idx := &Index{
		Chunks: chunks,
		DF:     make(map[string]int),
	}

	tokenized := make([][]string, len(chunks))
	for i, c := range chunks {
		tokens := tokenize(c.Text)
		tokenized[i] = tokens
		seen := make(map[string]bool)
		for _, t := range tokens {
			if !seen[t] {
				seen[t] = true
				idx.DF[t]++
			}
		}
	}

	idx.Vectors = make([]map[string]float64, len(chunks))
	for i, tokens := range tokenized {
		idx.Vectors[i] = idx.vectorize(tokens)
	}
	return idx
}

// vectorize builds a normalized TF-IDF vector for a token sequence.
func (idx *Index) vectorize(tokens []string) map[string]float64 {
	if len(tokens) == 0 {
		return map[string]float64{}
	}
	tf := make(map[string]float64)
	for _, t := range tokens {
		tf[t]++
	}

	n := float64(len(idx.Chunks))
	vec := make(map[string]float64, len(tf))
	var norm float64
	for term, count := range tf {
		df := idx.DF[term]
		// Smoothed IDF keeps query-only terms from zeroing out.
		idf := math.Log((n+1)/(float64(df)+1)) + 1
		w := (count / float64(len(tokens))) * idf
		vec[term] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for term := range vec {
			vec[term] /= norm
		}
	}
	return vec
}

// Hit is one retrieval result.
type Hit struct {
	Chunk Chunk
	Score float64
}

// Search returns the topK chunks most similar to the query, best first.
// Chunks with zero overlap are omitted.
func (idx *Index) Search(query string, topK int) []Hit {
	if len(idx.Chunks) == 0 || topK <= 0 {
		return nil
	}
	qvec := idx.vectorize(tokenize(query))

	hits := make([]Hit, 0, len(idx.Chunks))
	for i, vec := range idx.Vectors {
		score := cosine(qvec, vec)
		if score > 0 {
			hits = append(hits, Hit{Chunk: idx.Chunks[i], Score: score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func cosine(a, b map[string]float64) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for term, w := range a {
		dot += w * b[term]
	}
	return dot
}
