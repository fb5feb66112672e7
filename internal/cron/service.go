package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	rcron "github.com/robfig/cron/v3"
)

// Handler runs one job and returns a short result for the job state.
type Handler func(ctx context.Context, job CronJob) (string, error)

// Service runs persisted maintenance jobs. The job list lives in a JSON file so
// schedule edits survive restarts.
type Service struct {
	storePath string
	OnJob     Handler
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	jobs     []CronJob
	cron     *rcron.Cron
	entryMap map[string]rcron.EntryID
	runCtx   context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
}

func NewService(storePath string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		storePath: storePath,
		logger:    logger.WithPrefix("cron"),
		now:       time.Now,
		entryMap:  make(map[string]rcron.EntryID),
		runCtx:    context.Background(),
	}
	if err := s.load(); err != nil {
		s.logger.Warn("load jobs", "path", storePath, "err", err)
	}
	return s
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	s.cron = rcron.New(rcron.WithSeconds())
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", "jobs", count)

	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// registerJob adds a cron entry. Callers hold s.mu.
func (s *Service) registerJob(job *CronJob) {
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule.Expr, func() { s.runJob(id) })
	if err != nil {
		s.logger.Error("register job", "name", job.Name, "expr", job.Schedule.Expr, "err", err)
		return
	}
	s.entryMap[job.ID] = entryID
}

// unregisterJob removes a cron entry. Callers hold s.mu.
func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok && s.cron != nil {
		s.cron.Remove(entryID)
	}
	delete(s.entryMap, id)
}

func (s *Service) runJob(id string) {
	s.mu.Lock()
	var job *CronJob
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			job = &s.jobs[i]
			break
		}
	}
	if job == nil {
		s.mu.Unlock()
		return
	}
	jobCopy := *job
	ctx := s.runCtx
	s.mu.Unlock()

	s.executeJob(ctx, jobCopy)
}

func (s *Service) executeJob(ctx context.Context, job CronJob) {
	if s.OnJob == nil {
		s.logger.Warn("no job handler set", "name", job.Name)
		return
	}
	s.logger.Debug("executing job", "name", job.Name, "task", job.Payload.Task)

	result, err := s.OnJob(ctx, job)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = s.now().UnixMilli()
		if err != nil {
			st.LastStatus = "error"
			st.LastError = err.Error()
			st.LastResult = ""
			s.logger.Error("job failed", "name", job.Name, "err", err)
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
			st.LastResult = truncate(result, 100)
			s.logger.Info("job done", "name", job.Name, "result", st.LastResult)
		}
		break
	}
	if err := s.save(); err != nil {
		s.logger.Warn("save jobs", "err", err)
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runDueIntervals(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) runDueIntervals(ctx context.Context) {
	now := s.now().UnixMilli()
	s.mu.Lock()
	var due []CronJob
	for _, job := range s.jobs {
		if job.Enabled && job.Schedule.Kind == KindEvery && job.Schedule.EveryMs > 0 &&
			now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		s.executeJob(ctx, job)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func validate(schedule Schedule) error {
	switch schedule.Kind {
	case KindCron:
		if _, err := rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor).Parse(schedule.Expr); err != nil {
			return fmt.Errorf("parse cron expression %q: %w", schedule.Expr, err)
		}
	case KindEvery:
		if schedule.EveryMs <= 0 {
			return errors.New("interval must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
	return nil
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := validate(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)
	if job.Schedule.Kind == KindCron && s.cron != nil {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob makes sure a job with this name exists and runs on schedule. An existing
// job keeps its id, state and enabled flag; only the schedule and payload follow the
// arguments.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := validate(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for i := range s.jobs {
		job := &s.jobs[i]
		if job.Name != name {
			continue
		}
		if job.Schedule != schedule || job.Payload != payload {
			s.unregisterJob(job.ID)
			job.Schedule = schedule
			job.Payload = payload
			if job.Enabled && schedule.Kind == KindCron && s.cron != nil {
				s.registerJob(job)
			}
			if err := s.save(); err != nil {
				s.mu.Unlock()
				return nil, fmt.Errorf("save jobs: %w", err)
			}
		}
		out := *job
		s.mu.Unlock()
		return &out, nil
	}
	s.mu.Unlock()
	return s.AddJob(name, schedule, payload)
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregisterJob(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			if err := s.save(); err != nil {
				s.logger.Warn("save jobs", "err", err)
			}
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		job := &s.jobs[i]
		if job.ID != id {
			continue
		}
		job.Enabled = enabled
		if job.Schedule.Kind == KindCron && s.cron != nil {
			_, registered := s.entryMap[id]
			switch {
			case enabled && !registered:
				s.registerJob(job)
			case !enabled:
				s.unregisterJob(id)
			}
		}
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("save jobs: %w", err)
		}
		out := *job
		return &out, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// RunJob executes a job immediately, outside its schedule.
func (s *Service) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	var found *CronJob
	for _, job := range s.jobs {
		if job.ID == id {
			j := job
			found = &j
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("job %s not found", id)
	}
	s.executeJob(ctx, *found)
	return nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

// save writes the job list. Callers hold s.mu.
func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0o644)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
