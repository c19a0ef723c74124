package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/justinstimatze/undercity/internal/core"
)

// Embedder produces a fixed-dimension embedding for a chunk of text. The
// engine makes no network calls except via the LLM client, so this is a
// deterministic, local, thread-safe feature-hashing embedder rather than an
// API-backed model: it hashes word unigrams and bigrams into a 384-bucket
// vector and L2-normalizes it, the same trick bag-of-ngrams hashing
// vectorizers use when no learned embedding model is available.
type Embedder struct{}

// NewEmbedder creates a stateless Embedder.
func NewEmbedder() *Embedder { return &Embedder{} }

var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// Embed implements the engine's text-to-vector function: deterministic and
// idempotent on input.
func (e *Embedder) Embed(_ context.Context, text string) ([core.EmbeddingDim]float32, error) {
	var vec [core.EmbeddingDim]float32
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return vec, nil
	}

	ngrams := make([]string, 0, len(tokens)+len(tokens)-2)
	ngrams = append(ngrams, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		ngrams = append(ngrams, tokens[i]+"_"+tokens[i+1])
	}

	for _, ng := range ngrams {
		h := fnv.New32a()
		_, _ = h.Write([]byte(ng))
		bucket := h.Sum32() % core.EmbeddingDim

		signH := fnv.New32a()
		_, _ = signH.Write([]byte("sign:" + ng))
		sign := float32(1)
		if signH.Sum32()%2 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec, nil
}

// CosineSimilarity computes the cosine similarity between two unit-length
// vectors, equivalent to their dot product.
func CosineSimilarity(a, b [core.EmbeddingDim]float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
