package embedding

import (
	"context"
	"crypto/sha256"
	"math"
)

// Mock is a deterministic in-process embedder for tests and the memory
// backend. Vectors are derived from a content hash and unit-normalized,
// so identical texts are close and different texts are not.
type Mock struct {
	model     string
	dimension int
}

// NewMock creates a Mock with the given dimension.
func NewMock(dimension int) *Mock {
	if dimension <= 0 {
		dimension = 64
	}
	return &Mock{model: "mock-embedding", dimension: dimension}
}

func (m *Mock) Model() string  { return m.model }
func (m *Mock) Dimension() int { return m.dimension }

func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	h := sha256.Sum256([]byte(text))
	vec := make([]float32, m.dimension)
	for i := range vec {
		b := h[i%len(h)]
		vec[i] = float32(int(b)-128) / 128
	}
	return unitNorm(vec), nil
}

func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func unitNorm(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= norm
	}
	return vec
}

var _ Embedder = (*Mock)(nil)
