package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeVector packs a float32 embedding into a blob:
// 4-byte little-endian dimension followed by the raw float32 values.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	blob := make([]byte, 4+len(vec)*4)
	binary.LittleEndian.PutUint32(blob, uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[4+i*4:], math.Float32bits(v))
	}
	return blob
}

// decodeVector unpacks a blob produced by encodeVector.
func decodeVector(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob) < 4 {
		return nil, fmt.Errorf("vector blob too short: %d bytes", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if len(blob) != 4+dim*4 {
		return nil, fmt.Errorf("vector blob length mismatch: dim=%d len=%d", dim, len(blob))
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4+i*4:]))
	}
	return vec, nil
}

// cosineSimilarity scores two embeddings in [-1, 1]. Mismatched or
// zero-norm vectors score zero rather than erroring, since retrieval
// is best effort.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	score := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, score))
}
