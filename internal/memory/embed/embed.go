// Package embed provides the local embedding backend. The model-backed
// embedder lives with the agent runtime, outside this subsystem; the local
// embedder here is deterministic per input, which is all the pipeline and
// its tests require.
package embed

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/cadre-oss/recall/internal/memory"
)

// LocalEmbedder generates deterministic embeddings from a text hash. The
// same text always maps to the same unit vector, so idempotent re-embeds
// produce identical index records.
type LocalEmbedder struct {
	dimensions int
}

// NewLocal creates an embedder producing vectors of the given dimension.
func NewLocal(dimensions int) *LocalEmbedder {
	return &LocalEmbedder{dimensions: dimensions}
}

func (e *LocalEmbedder) Dimensions() int {
	return e.dimensions
}

// Embed hashes the text and expands the hash through an LCG into a
// normalized vector.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, e.dimensions)
	var norm float64
	for i := range embedding {
		seed = seed*6364136223846793005 + 1442695040888963407
		val := float32(int64(seed)) / float32(math.MaxInt64)
		embedding[i] = val
		norm += float64(val) * float64(val)
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range embedding {
			embedding[i] = float32(float64(embedding[i]) / norm)
		}
	}
	return embedding, nil
}

var _ memory.Embedder = (*LocalEmbedder)(nil)
