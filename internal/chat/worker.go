package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/keepsake/internal/companion"
	"github.com/stellarlinkco/keepsake/internal/llm"
	"github.com/stellarlinkco/keepsake/internal/store"
)

const (
	TaskExtractFacts = "extract_facts"
	TaskSaveVector   = "save_vector"

	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 5
	defaultBatchSize    = 16
	retryBaseDelay      = 5 * time.Second
	retryMaxDelay       = 10 * time.Minute
)

type extractPayload struct {
	History []companion.Message `json:"history"`
}

type vectorPayload struct {
	Content string `json:"content"`
}

type WorkerOptions struct {
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
}

// Worker drains the background task queue: fact extraction and vector saves. Every
// task is processed at least once; handlers are safe to repeat.
type Worker struct {
	store    Store
	gen      llm.Generator
	embedder llm.Embedder
	model    string
	logger   *log.Logger
	now      func() time.Time

	// callTimeout bounds each model and embedding call.
	callTimeout time.Duration
	interval    time.Duration
	maxAttempts int
	batch       int

	mu      sync.Mutex
	stopCh  chan struct{}
	stopWg  sync.WaitGroup
	started bool
}

// NewWorker shares the service's store, models and clock.
func NewWorker(svc *Service, opts WorkerOptions) *Worker {
	w := &Worker{
		store:       svc.store,
		gen:         svc.gen,
		embedder:    svc.embedder,
		model:       svc.models.Economy,
		logger:      svc.logger.WithPrefix("worker"),
		now:         svc.now,
		callTimeout: svc.callTimeout,
		interval:    opts.PollInterval,
		maxAttempts: opts.MaxAttempts,
		batch:       opts.BatchSize,
		stopCh:      make(chan struct{}),
	}
	if w.interval <= 0 {
		w.interval = defaultPollInterval
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.batch <= 0 {
		w.batch = defaultBatchSize
	}
	return w
}

func (w *Worker) MaxAttempts() int { return w.maxAttempts }

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.stopWg.Add(1)
	go func() {
		defer w.stopWg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for the batch in flight.
func (w *Worker) Stop() {
	w.mu.Lock()
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.mu.Unlock()
	w.stopWg.Wait()
}

// RunOnce processes the tasks that are due and returns how many succeeded.
func (w *Worker) RunOnce(ctx context.Context) int {
	tasks, err := w.store.DueTasks(ctx, w.batch)
	if err != nil {
		w.logger.Error("load due tasks", "err", err)
		return 0
	}

	done := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if err := w.process(ctx, t); err != nil {
			w.fail(ctx, t, err)
			continue
		}
		if err := w.store.CompleteTask(ctx, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.logger.Error("complete task", "id", t.ID, "err", err)
			continue
		}
		done++
	}
	return done
}

func (w *Worker) fail(ctx context.Context, t store.Task, cause error) {
	if t.Attempts+1 >= w.maxAttempts {
		w.logger.Error("drop task", "kind", t.Kind, "id", t.ID, "user", t.UserID, "attempts", t.Attempts+1, "err", cause)
		if err := w.store.DropTask(ctx, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			w.logger.Error("drop task", "id", t.ID, "err", err)
		}
		return
	}
	delay := backoff(t.Attempts)
	w.logger.Warn("task failed, retrying", "kind", t.Kind, "id", t.ID, "in", delay, "err", cause)
	if err := w.store.RetryTask(ctx, t.ID, delay, cause); err != nil && !errors.Is(err, store.ErrNotFound) {
		w.logger.Error("reschedule task", "id", t.ID, "err", err)
	}
}

// backoff doubles the delay per failed attempt up to retryMaxDelay.
func backoff(attempts int) time.Duration {
	d := retryBaseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

func (w *Worker) process(ctx context.Context, t store.Task) error {
	switch t.Kind {
	case TaskExtractFacts:
		var p extractPayload
		if err := t.Decode(&p); err != nil {
			return w.discard(t, err)
		}
		return w.extract(ctx, t.UserID, p.History)
	case TaskSaveVector:
		var p vectorPayload
		if err := t.Decode(&p); err != nil {
			return w.discard(t, err)
		}
		return w.saveVector(ctx, t, p.Content)
	default:
		return w.discard(t, fmt.Errorf("unknown task kind %q", t.Kind))
	}
}

// discard logs a task that can never succeed and lets it complete.
func (w *Worker) discard(t store.Task, err error) error {
	w.logger.Error("discard task", "kind", t.Kind, "id", t.ID, "err", err)
	return nil
}

func (w *Worker) extract(ctx context.Context, userID string, history []companion.Message) error {
	prompt, ok := companion.ExtractionPrompt(history)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	text, err := w.gen.Complete(callCtx, llm.Request{Model: w.model, System: prompt, User: userID})
	cancel()
	if err != nil {
		return fmt.Errorf("extract facts: %w", err)
	}
	ex := companion.ParseExtraction(text, w.now())
	if ex.Empty() {
		return nil
	}
	saved, err := w.store.SaveFacts(ctx, userID, ex)
	if err != nil {
		return fmt.Errorf("save facts: %w", err)
	}
	if !saved {
		w.logger.Debug("no record, facts dropped", "user", userID)
		return nil
	}
	w.logger.Debug("facts extracted", "user", userID, "facts", len(ex.Facts), "event", ex.Event != nil)
	return nil
}

func (w *Worker) saveVector(ctx context.Context, t store.Task, content string) error {
	if w.embedder == nil {
		return w.discard(t, errors.New("embeddings disabled"))
	}
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	vec, err := w.embedder.Embed(callCtx, content)
	cancel()
	if err != nil {
		return fmt.Errorf("embed message: %w", err)
	}
	return w.store.InsertVector(ctx, store.Vector{
		ID:        t.ID,
		UserID:    t.UserID,
		Content:   content,
		Embedding: vec,
		CreatedAt: w.now(),
	})
}
