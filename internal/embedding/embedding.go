// Package embedding abstracts the sentence-embedding backend behind the
// two operations the DSM and the arbitration engine actually need: batch
// embedding and cosine similarity. This lets both hold only a reference to
// the capability (spec.md §9 "Embedding provider → capability interface"),
// and lets tests supply a deterministic stub instead of a real model.
package embedding

import "math"

// Provider embeds text and scores similarity between vectors.
type Provider interface {
	// Embed returns one vector per input text, in order.
	Embed(texts []string) ([][]float64, error)
	// Cosine returns the cosine similarity of two vectors in [-1, 1].
	Cosine(a, b []float64) float64
}

// Cosine computes cosine similarity of two equal-length vectors. It is
// exported standalone so providers can reuse it from their Cosine method.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
