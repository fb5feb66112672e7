package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cron", "jobs.json")
	return NewService(path, nil), path
}

func TestNewCronJob(t *testing.T) {
	job := NewCronJob("prune", Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}, Payload{Task: "vectors:prune"})
	if job.ID == "" {
		t.Error("job ID should not be empty")
	}
	if !job.Enabled {
		t.Error("job should be enabled by default")
	}
	if job.Payload.Task != "vectors:prune" {
		t.Errorf("task = %q, want vectors:prune", job.Payload.Task)
	}
}

func TestService_AddAndPersist(t *testing.T) {
	s, path := newTestService(t)

	job, err := s.AddJob("job1", Schedule{Kind: KindEvery, EveryMs: 60000}, Payload{Task: "tick"})
	if err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if job.Name != "job1" {
		t.Errorf("name = %q, want job1", job.Name)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []CronJob
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != job.ID {
		t.Errorf("stored = %+v, want the added job", stored)
	}

	reloaded := NewService(path, nil)
	if got := reloaded.ListJobs(); len(got) != 1 || got[0].Name != "job1" {
		t.Errorf("reloaded jobs = %+v", got)
	}
}

func TestService_AddJob_Invalid(t *testing.T) {
	s, _ := newTestService(t)
	tests := []Schedule{
		{Kind: KindCron, Expr: "invalid"},
		{Kind: KindCron, Expr: "0 * * * *"},
		{Kind: KindEvery},
		{Kind: "at"},
	}
	for _, sch := range tests {
		if _, err := s.AddJob("bad", sch, Payload{}); err == nil {
			t.Errorf("AddJob(%+v) should fail", sch)
		}
	}
	if len(s.ListJobs()) != 0 {
		t.Error("invalid jobs should not be stored")
	}
}

func TestService_EnsureJob(t *testing.T) {
	s, path := newTestService(t)
	daily := Schedule{Kind: KindCron, Expr: "0 0 3 * * *"}

	first, err := s.EnsureJob("__internal:vectors:prune", daily, Payload{Task: "a"})
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	again, err := s.EnsureJob("__internal:vectors:prune", daily, Payload{Task: "a"})
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if again.ID != first.ID || len(s.ListJobs()) != 1 {
		t.Fatalf("EnsureJob should not duplicate jobs: %+v", s.ListJobs())
	}

	if _, err := s.EnableJob(first.ID, false); err != nil {
		t.Fatalf("EnableJob: %v", err)
	}
	hourly := Schedule{Kind: KindCron, Expr: "0 0 * * * *"}
	updated, err := s.EnsureJob("__internal:vectors:prune", hourly, Payload{Task: "a"})
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if updated.Schedule != hourly {
		t.Errorf("schedule = %+v, want %+v", updated.Schedule, hourly)
	}
	if updated.Enabled {
		t.Error("EnsureJob should keep a disabled job disabled")
	}

	reloaded := NewService(path, nil)
	if got := reloaded.ListJobs(); len(got) != 1 || got[0].Schedule != hourly {
		t.Errorf("reloaded jobs = %+v", got)
	}
}

func TestService_RemoveJob(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.AddJob("rm-test", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Task: "x"})

	if !s.RemoveJob(job.ID) {
		t.Error("RemoveJob returned false")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
	if s.RemoveJob("nonexistent") {
		t.Error("RemoveJob should return false for nonexistent")
	}
}

func TestService_EnableJob(t *testing.T) {
	s, _ := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	job, err := s.AddJob("toggle", Schedule{Kind: KindCron, Expr: "0 0 * * * *"}, Payload{Task: "x"})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	s.mu.Lock()
	_, registered := s.entryMap[job.ID]
	s.mu.Unlock()
	if !registered {
		t.Fatal("cron job should be registered after AddJob")
	}

	updated, err := s.EnableJob(job.ID, false)
	if err != nil || updated.Enabled {
		t.Fatalf("EnableJob(false) = %+v, %v", updated, err)
	}
	s.mu.Lock()
	_, registered = s.entryMap[job.ID]
	s.mu.Unlock()
	if registered {
		t.Error("disabled job should be unregistered")
	}

	updated, err = s.EnableJob(job.ID, true)
	if err != nil || !updated.Enabled {
		t.Fatalf("EnableJob(true) = %+v, %v", updated, err)
	}

	if _, err := s.EnableJob("nonexistent", true); err == nil {
		t.Error("expected error for nonexistent job")
	}
}

func TestService_RunJob(t *testing.T) {
	s, _ := newTestService(t)
	now := time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	var received CronJob
	s.OnJob = func(_ context.Context, job CronJob) (string, error) {
		received = job
		return "pruned 3", nil
	}
	job, _ := s.AddJob("exec", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Task: "t"})

	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if received.Name != "exec" {
		t.Errorf("handler got %q, want exec", received.Name)
	}
	st := s.ListJobs()[0].State
	if st.LastStatus != "ok" || st.LastResult != "pruned 3" || st.LastRunAtMs != now.UnixMilli() {
		t.Errorf("state = %+v", st)
	}

	s.OnJob = func(context.Context, CronJob) (string, error) {
		return "", fmt.Errorf("disk full")
	}
	_ = s.RunJob(context.Background(), job.ID)
	st = s.ListJobs()[0].State
	if st.LastStatus != "error" || st.LastError != "disk full" {
		t.Errorf("state = %+v", st)
	}

	if err := s.RunJob(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing job")
	}
}

func TestService_RunJob_NoHandler(t *testing.T) {
	s, _ := newTestService(t)
	job, _ := s.AddJob("no-handler", Schedule{Kind: KindEvery, EveryMs: 1000}, Payload{Task: "x"})
	if err := s.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if s.ListJobs()[0].State.LastStatus != "" {
		t.Error("state should be untouched without a handler")
	}
}

func TestService_TickLoop_StopsWithService(t *testing.T) {
	s, _ := newTestService(t)

	var count atomic.Int32
	s.OnJob = func(context.Context, CronJob) (string, error) {
		count.Add(1)
		return "ok", nil
	}
	job := NewCronJob("fast", Schedule{Kind: KindEvery, EveryMs: 100}, Payload{Task: "tick"})
	job.State.LastRunAtMs = time.Now().UnixMilli() - 200
	s.jobs = append(s.jobs, job)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if count.Load() == 0 {
		t.Fatal("expected at least one tick execution before Stop")
	}

	s.Stop()
	after := count.Load()
	time.Sleep(1300 * time.Millisecond)
	if count.Load() != after {
		t.Fatalf("tick loop should stop after Stop; count changed from %d to %d", after, count.Load())
	}
}

func TestService_ParentCancelInvokesStop(t *testing.T) {
	s, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil && s.stopCh == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()
	t.Fatal("expected parent context cancellation to trigger Stop")
}

func TestService_StartWithInvalidStoredExpr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	jobs := []CronJob{{
		ID:       "bad-cron",
		Name:     "invalid-cron",
		Enabled:  true,
		Schedule: Schedule{Kind: KindCron, Expr: "invalid"},
	}}
	data, _ := json.Marshal(jobs)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s := NewService(path, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Start should not fail on a bad stored expression: %v", err)
	}
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entryMap["bad-cron"]; ok {
		t.Error("invalid job should not be registered")
	}
}

func TestService_CorruptStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewService(path, nil)
	if len(s.ListJobs()) != 0 {
		t.Error("corrupt store should load as empty")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("héllo world", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
}
