package store

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/keepsake/internal/companion"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "keepsake.db"), WithClock(clock.Now), WithLogger(log.New(io.Discard)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keepsake.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"memories", "recall_vectors", "background_tasks"} {
		var n int
		require.NoError(t, s.db.Get(&n, `SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, table))
		assert.Equal(t, 1, n, table)
	}
	var version int
	require.NoError(t, s.db.Get(&version, `PRAGMA user_version`))
	assert.Equal(t, schemaVersion, version)
}

func TestLoad_MissingReturnsDefaults(t *testing.T) {
	s, clock := newTestStore(t)

	mem, found, err := s.Load(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, companion.DefaultMemory(clock.Now()), mem)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mem := companion.DefaultMemory(clock.Now())
	for i := 0; i < 60; i++ {
		mem.History = append(mem.History, companion.Message{Role: companion.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}
	for i := 0; i < 25; i++ {
		mem.UserFacts = append(mem.UserFacts, companion.Fact{Content: fmt.Sprintf("f%d", i), CreatedAt: companion.FormatTimestamp(clock.Now())})
	}
	mem.Tier = companion.TierPlus
	mem.Balance = 42
	mem.UserProfile.Name = "Sam"
	mem.SessionFlags.TurboTeaserShown = true
	mem.ActiveContext.SignificantEvent = "exam"

	require.NoError(t, s.Save(ctx, "u1", mem))
	assert.Len(t, mem.History, 60, "caller record must not be truncated")

	got, found, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)

	want := mem.Clone()
	want.History = want.History[10:]
	want.UserFacts = want.UserFacts[5:]
	assert.Equal(t, want, got)
	assert.Equal(t, "m10", got.History[0].Content)
	assert.Equal(t, "f5", got.UserFacts[0].Content)
}

func TestLoad_LegacyRecord(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	legacy := `{
		"history": [{"role": "user", "content": "hi"}],
		"emotional_state": {"closeness": 150, "warmth": -3, "pace": 10, "stability": 80, "scene_score": 0, "agency": 10},
		"user_facts": ["• likes tea"],
		"tier": 9,
		"balance": 7
	}`
	_, err := s.db.Exec(`INSERT INTO memories (user_id, data, updated_at) VALUES (?, ?, 0)`, "old", legacy)
	require.NoError(t, err)

	first := clock.Now()
	mem, found, err := s.Load(ctx, "old")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 100, mem.EmotionalState.Closeness)
	assert.Equal(t, 0, mem.EmotionalState.Warmth)
	assert.Equal(t, companion.TierFree, mem.Tier)
	assert.Equal(t, 7, mem.Balance)
	assert.Equal(t, companion.DefaultAvatarID, mem.AvatarID, "absent keys keep defaults")
	require.Len(t, mem.UserFacts, 1)
	assert.Equal(t, companion.FormatTimestamp(first), mem.UserFacts[0].CreatedAt)

	// The stamp is persisted, so a later load does not restart the expiry window.
	clock.Advance(50 * time.Hour)
	mem, _, err = s.Load(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, companion.FormatTimestamp(first), mem.UserFacts[0].CreatedAt)

	visible, expired := companion.ValidFacts(mem.UserFacts, mem.Tier, clock.Now())
	assert.Empty(t, visible)
	assert.Equal(t, 1, expired)
}

func TestLoad_LegacyWriteBackFails(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	legacy := `{"history": [{"role": "user", "content": "hi"}], "user_facts": ["• likes tea"], "tier": 1, "balance": 42}`
	_, err := s.db.Exec(`INSERT INTO memories (user_id, data, updated_at) VALUES (?, ?, 0)`, "old", legacy)
	require.NoError(t, err)
	_, err = s.db.Exec(`CREATE TRIGGER memories_readonly BEFORE UPDATE ON memories
		BEGIN SELECT RAISE(ABORT, 'read only'); END`)
	require.NoError(t, err)

	mem, found, err := s.Load(ctx, "old")
	require.NoError(t, err, "a readable record is returned even when the write-back fails")
	require.True(t, found)
	assert.Equal(t, companion.TierPlus, mem.Tier)
	assert.Equal(t, 42, mem.Balance)
	require.Len(t, mem.History, 1)
	require.Len(t, mem.UserFacts, 1)
	assert.Equal(t, companion.FormatTimestamp(clock.Now()), mem.UserFacts[0].CreatedAt)
}

func TestSaveState_KeepsMergedFacts(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "u1", companion.DefaultMemory(clock.Now())))

	// a turn loads the record, then extraction merges facts before the turn saves
	turn, _, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	saved, err := s.SaveFacts(ctx, "u1", companion.Extraction{
		Facts: []string{"• has a cat"},
		Event: &companion.Event{Name: "interview", Date: "2026-10-16"},
	})
	require.NoError(t, err)
	require.True(t, saved)

	turn.Balance = 99
	turn.History = append(turn.History, companion.Message{Role: companion.RoleUser, Content: "hey"})
	require.NoError(t, s.SaveState(ctx, "u1", turn))

	got, _, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 99, got.Balance)
	require.Len(t, got.History, 1)
	require.Len(t, got.UserFacts, 1)
	assert.Equal(t, "• has a cat", got.UserFacts[0].Content)
	assert.Equal(t, "interview", got.ActiveContext.SignificantEvent)
	assert.Empty(t, turn.UserFacts, "the caller's record is not modified")
}

func TestSaveState_NewUser(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mem := companion.DefaultMemory(clock.Now())
	mem.Balance = 5
	require.NoError(t, s.SaveState(ctx, "new", mem))

	got, found, err := s.Load(ctx, "new")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 5, got.Balance)
}

func TestLoad_CorruptRecord(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.db.Exec(`INSERT INTO memories (user_id, data, updated_at) VALUES ('bad', '{not json', 0)`)
	require.NoError(t, err)

	_, _, err = s.Load(context.Background(), "bad")
	assert.Error(t, err)
}

func TestSaveFacts_DedupAndEvent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	mem := companion.DefaultMemory(clock.Now())
	mem.History = []companion.Message{{Role: companion.RoleUser, Content: "hello"}}
	require.NoError(t, s.Save(ctx, "u1", mem))

	ex := companion.Extraction{Facts: []string{"• likes coffee"}}
	for _, e := range []companion.Extraction{ex, ex, {Event: &companion.Event{Name: "exam", Date: "2026-10-15"}}} {
		saved, err := s.SaveFacts(ctx, "u1", e)
		require.NoError(t, err)
		assert.True(t, saved)
	}

	got, _, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got.UserFacts, 1)
	assert.Equal(t, "• likes coffee", got.UserFacts[0].Content)
	assert.Equal(t, "exam", got.ActiveContext.SignificantEvent)
	assert.Equal(t, "2026-10-15", got.ActiveContext.EventDate)
	assert.Len(t, got.History, 1, "merge must keep the rest of the record")
}

func TestSaveFacts_Cap(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "u1", companion.DefaultMemory(clock.Now())))

	for i := 0; i < 30; i++ {
		saved, err := s.SaveFacts(ctx, "u1", companion.Extraction{Facts: []string{fmt.Sprintf("• fact %02d", i)}})
		require.NoError(t, err)
		require.True(t, saved)
	}

	got, _, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got.UserFacts, companion.MaxFacts)
	assert.Equal(t, "• fact 10", got.UserFacts[0].Content)
}

func TestSaveFacts_MissingUserWritesNothing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	saved, err := s.SaveFacts(ctx, "ghost", companion.Extraction{
		Facts: []string{"• likes tea"},
		Event: &companion.Event{Name: "move", Date: "2026-10-20"},
	})
	require.NoError(t, err)
	assert.False(t, saved)

	_, found, err := s.Load(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found, "merging facts must not create a user")

	ids, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSaveFacts_EmptyIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	saved, err := s.SaveFacts(context.Background(), "ghost", companion.Extraction{})
	require.NoError(t, err)
	assert.True(t, saved)

	_, found, err := s.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveFacts_Concurrent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "u1", companion.DefaultMemory(clock.Now())))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			saved, err := s.SaveFacts(ctx, "u1", companion.Extraction{Facts: []string{fmt.Sprintf("• %d", i)}})
			assert.NoError(t, err)
			assert.True(t, saved)
		}(i)
	}
	wg.Wait()

	got, _, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got.UserFacts, 8)
}

func TestUsers(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "b", companion.DefaultMemory(clock.Now())))
	require.NoError(t, s.Save(ctx, "a", companion.DefaultMemory(clock.Now())))

	ids, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}
