package vectorstore

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic bag-of-words embedder for tests and
// offline runs: each lowercased word increments one hashed dimension.
type HashEmbedder struct {
	Dim int
}

func NewHashEmbedder(dim int) *HashEmbedder { return &HashEmbedder{Dim: dim} }

func (h *HashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, h.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		f := fnv.New32a()
		_, _ = f.Write([]byte(w))
		v[int(f.Sum32())%h.Dim]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v, nil
}

func (h *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.EmbedQuery(ctx, t)
	}
	return out, nil
}
