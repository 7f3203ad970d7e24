package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// HashEmbedder is a deterministic, dependency-free Embedder; config's
// NewBackend always wires it as the backend's embedder. It has no semantic
// value but satisfies the Embedder contract (fixed dims, stable output),
// which is all internal/memory's hybrid search requires to exercise its
// vector path without a live provider.
type HashEmbedder struct {
	dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 32
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Dims() int { return h.dims }

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out := make([]float32, h.dims)
	block := sha256.Sum256([]byte(text))
	for i := 0; i < h.dims; i++ {
		// Re-hash the block itself once we exhaust its 32 bytes (every
		// 8 slots), so dims > 8 still vary per slot.
		seg := block[(i*4)%32 : (i*4)%32+4]
		if i > 0 && (i*4)%32 == 0 {
			block = sha256.Sum256(block[:])
		}
		u := binary.BigEndian.Uint32(seg)
		out[i] = (float32(u%2000) - 1000) / 1000.0
	}
	return out, nil
}
