package store

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorCodec(t *testing.T) {
	in := []float32{0.25, -1.5, 3}
	blob, err := EncodeVector(in)
	require.NoError(t, err)
	assert.Len(t, blob, 4+3*4)

	out, err := DecodeVector(blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = EncodeVector(nil)
	assert.Error(t, err)
	_, err = EncodeVector([]float32{float32(math.NaN())})
	assert.Error(t, err)
	_, err = DecodeVector([]byte{1, 0})
	assert.Error(t, err)
	_, err = DecodeVector(blob[:len(blob)-1])
	assert.Error(t, err)
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
	_, err = CosineSimilarity([]float32{0, 0}, []float32{1, 2})
	assert.Error(t, err)
}

func TestMatchVectors(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	vectors := []Vector{
		{ID: "a", UserID: "u1", Content: "walked the dog in the rain", Embedding: []float32{1, 0, 0}},
		{ID: "b", UserID: "u1", Content: "dog ate my homework", Embedding: []float32{0.8, 0.6, 0}},
		{ID: "c", UserID: "u1", Content: "tax forms", Embedding: []float32{0, 0, 1}},
		{ID: "d", UserID: "u2", Content: "someone else's dog", Embedding: []float32{1, 0, 0}},
		{ID: "e", UserID: "u1", Content: "other model", Embedding: []float32{1, 0}},
	}
	for _, v := range vectors {
		require.NoError(t, s.InsertVector(ctx, v))
	}

	matches, err := s.MatchVectors(ctx, "u1", []float32{1, 0, 0}, 0.5, 3)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "walked the dog in the rain", matches[0].Content)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.Equal(t, "dog ate my homework", matches[1].Content)
	assert.InDelta(t, 0.8, matches[1].Similarity, 1e-6)

	matches, err = s.MatchVectors(ctx, "u1", []float32{1, 0, 0}, 0.5, 1)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = s.MatchVectors(ctx, "nobody", []float32{1, 0, 0}, 0.5, 3)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestInsertVector_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v := Vector{ID: "task-1", UserID: "u1", Content: "once", Embedding: []float32{1, 2}}
	require.NoError(t, s.InsertVector(ctx, v))
	v.Content = "twice"
	require.NoError(t, s.InsertVector(ctx, v))

	n, err := s.CountVectors(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPruneVectors(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		for i := 0; i < 5; i++ {
			clock.Advance(time.Minute)
			require.NoError(t, s.InsertVector(ctx, Vector{
				ID:        fmt.Sprintf("%s-%d", user, i),
				UserID:    user,
				Content:   fmt.Sprintf("message %d", i),
				Embedding: []float32{1, float32(i)},
			}))
		}
	}

	removed, err := s.PruneVectors(ctx, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 4, removed)

	for _, user := range []string{"u1", "u2"} {
		n, err := s.CountVectors(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}

	var oldest string
	require.NoError(t, s.db.Get(&oldest, `SELECT content FROM recall_vectors WHERE user_id = 'u1' ORDER BY created_at ASC LIMIT 1`))
	assert.Equal(t, "message 2", oldest)
}
