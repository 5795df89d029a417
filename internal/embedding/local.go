package embedding

import (
	"hash/fnv"
	"strings"
)

// LocalHashProvider is a deterministic, dependency-free Provider used when
// no remote embedding service is configured. It hashes words into a fixed-
// width bag-of-words vector, which is enough to drive the DSM's loop
// detection and the arbiter's consensus check deterministically in tests
// and in small deployments that don't want a model dependency. It is not a
// substitute for a real sentence-embedding model in production — swap in a
// remote Provider (e.g. backed by an embeddings API) for that.
type LocalHashProvider struct {
	Dimensions int
}

// NewLocalHashProvider returns a LocalHashProvider with a sensible default
// vector width.
func NewLocalHashProvider() *LocalHashProvider {
	return &LocalHashProvider{Dimensions: 128}
}

func (p *LocalHashProvider) dims() int {
	if p.Dimensions <= 0 {
		return 128
	}
	return p.Dimensions
}

// Embed hashes each text's lowercase words into a bag-of-words vector.
func (p *LocalHashProvider) Embed(texts []string) ([][]float64, error) {
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = p.embedOne(text)
	}
	return vectors, nil
}

func (p *LocalHashProvider) embedOne(text string) []float64 {
	dims := p.dims()
	vec := make([]float64, dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[int(h.Sum32())%dims]++
	}
	return vec
}

// Cosine delegates to the package-level Cosine helper.
func (p *LocalHashProvider) Cosine(a, b []float64) float64 {
	return Cosine(a, b)
}
