package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Embedding blobs are a little-endian uint32 dimension followed by that many float32s.
const (
	blobHeaderSize = 4
	floatSize      = 4
)

var (
	errEmptyVector = errors.New("empty vector")
	errZeroNorm    = errors.New("zero vector norm")
)

func EncodeVector(v []float32) ([]byte, error) {
	if len(v) == 0 {
		return nil, fmt.Errorf("encode vector: %w", errEmptyVector)
	}
	blob := make([]byte, blobHeaderSize+len(v)*floatSize)
	binary.LittleEndian.PutUint32(blob, uint32(len(v)))
	for i, f := range v {
		if !finite(f) {
			return nil, fmt.Errorf("encode vector: non-finite value at %d", i)
		}
		binary.LittleEndian.PutUint32(blob[blobHeaderSize+i*floatSize:], math.Float32bits(f))
	}
	return blob, nil
}

func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < blobHeaderSize {
		return nil, fmt.Errorf("decode vector: short blob (%d bytes)", len(blob))
	}
	dim := int(binary.LittleEndian.Uint32(blob))
	if dim == 0 {
		return nil, fmt.Errorf("decode vector: %w", errEmptyVector)
	}
	if want := blobHeaderSize + dim*floatSize; len(blob) != want {
		return nil, fmt.Errorf("decode vector: dim %d needs %d bytes, got %d", dim, want, len(blob))
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[blobHeaderSize+i*floatSize:]))
		if !finite(v[i]) {
			return nil, fmt.Errorf("decode vector: non-finite value at %d", i)
		}
	}
	return v, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, errEmptyVector
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, errZeroNorm
	}
	return math.Max(-1, math.Min(1, dot/(math.Sqrt(na)*math.Sqrt(nb)))), nil
}

func finite(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
