package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Vector is one remembered user message and its embedding.
type Vector struct {
	ID        string
	UserID    string
	Content   string
	Embedding []float32
	CreatedAt time.Time
}

// Match is a stored message ranked against a query.
type Match struct {
	Content    string
	Similarity float64
}

type vectorRow struct {
	ID        string `db:"id"`
	Content   string `db:"content"`
	Embedding []byte `db:"embedding"`
}

// InsertVector stores v. Inserting an id that already exists is a no-op, so a retried
// task never stores the same message twice.
func (s *Store) InsertVector(ctx context.Context, v Vector) error {
	blob, err := EncodeVector(v.Embedding)
	if err != nil {
		return err
	}
	created := v.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO recall_vectors (id, user_id, content, embedding, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.ID, v.UserID, strings.TrimSpace(v.Content), blob, len(v.Embedding), created.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	return nil
}

// MatchVectors ranks the user's stored messages by cosine similarity to query and
// returns at most count matches scoring above threshold. Rows that cannot be compared
// with the query are skipped.
func (s *Store) MatchVectors(ctx context.Context, userID string, query []float32, threshold float64, count int) ([]Match, error) {
	if count <= 0 || len(query) == 0 {
		return nil, nil
	}

	var rows []vectorRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, content, embedding FROM recall_vectors
		WHERE user_id = ? AND dim = ?
	`, userID, len(query))
	if err != nil {
		return nil, fmt.Errorf("match vectors: %w", err)
	}

	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		vec, err := DecodeVector(r.Embedding)
		if err != nil {
			continue
		}
		sim, err := CosineSimilarity(query, vec)
		if err != nil || sim <= threshold {
			continue
		}
		matches = append(matches, Match{Content: r.Content, Similarity: sim})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > count {
		matches = matches[:count]
	}
	return matches, nil
}

// PruneVectors keeps the newest keep vectors per user and deletes the rest.
func (s *Store) PruneVectors(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM recall_vectors WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY user_id ORDER BY created_at DESC, id DESC
				) AS rn FROM recall_vectors
			) WHERE rn > ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune vectors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune vectors: %w", err)
	}
	return n, nil
}

// CountVectors returns how many vectors are stored for userID.
func (s *Store) CountVectors(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM recall_vectors WHERE user_id = ?`, userID); err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	return n, nil
}
