package memory

import (
	"context"
	"strings"
)

// hashEmbedder is a deterministic, dependency-free Embedder: it hashes
// each whitespace-separated token in the summary into a fixed-width
// vector using the feature-hashing trick, the same FNV-1a idiom
// pkg/utils uses for stable experiment-arm allocation. No embedding-model
// API client exists anywhere in the retrieved example pack, so this
// stands in for one; RetrieveSimilar's cosine-similarity ranking still
// gives nearest-neighbor retrieval over recent decisions, just without
// genuine semantic generalization across distinct wordings.
type hashEmbedder struct {
	dims int
}

// NewHashEmbedder builds a fixed-width feature-hashing Embedder.
func NewHashEmbedder(dims int) Embedder {
	if dims <= 0 {
		dims = 64
	}
	return &hashEmbedder{dims: dims}
}

func (h *hashEmbedder) Embed(ctx context.Context, summary string) ([]float64, error) {
	vec := make([]float64, h.dims)
	for _, tok := range strings.Fields(strings.ToLower(summary)) {
		idx := int(fnvHash(tok) % uint64(h.dims))
		sign := 1.0
		if fnvHash(tok+"#sign")%2 == 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	return vec, nil
}

func fnvHash(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
