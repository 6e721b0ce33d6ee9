// Package embedding defines the vectorizer capability the destination
// finalize step uses to turn an entity's embeddable text into the float
// vector a vector-capable destination stores alongside it. No embedding-model
// SDK appears anywhere in the dependency pack this module draws on, so the
// interface is kept opaque and the one implementation here is a deterministic
// placeholder standing in for a real model call.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// Vectorizer turns text into a fixed-dimension embedding. A production
// deployment would back this with a real model API; the orchestrator only
// depends on this interface, so swapping implementations never touches the
// router or destination code.
type Vectorizer interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashVectorizer derives a deterministic pseudo-embedding from a SHA-256
// digest of the input text, expanded to Dimensions float32 values in
// [-1, 1). It produces no semantic similarity whatsoever; it exists so the
// finalize path (materialize -> embed -> ledger diff) and the pgvector
// destination's storage/search round-trip are exercised end to end without
// a real model dependency.
type HashVectorizer struct {
	Dimensions int
}

// NewHashVectorizer returns a HashVectorizer producing vectors of the given
// dimension, defaulting to 256 if dimensions is not positive.
func NewHashVectorizer(dimensions int) *HashVectorizer {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashVectorizer{Dimensions: dimensions}
}

// Embed returns a deterministic vector for text: empty text yields a nil
// vector so callers can skip storing/searching on it.
func (h *HashVectorizer) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	out := make([]float32, h.Dimensions)
	block := sha256.Sum256([]byte(text))
	for i := range out {
		// Re-hash the previous block's bytes each time the 32-byte digest
		// is exhausted so arbitrarily large dimensions stay deterministic
		// without repeating the same 8 values in a visible cycle.
		if i%8 == 0 && i > 0 {
			block = sha256.Sum256(block[:])
		}
		offset := (i % 8) * 4
		bits := binary.BigEndian.Uint32(block[offset : offset+4])
		out[i] = float32(int32(bits))/float32(1<<31) // in [-1, 1)
	}
	return out, nil
}
