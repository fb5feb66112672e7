// Package chat runs conversation turns: it loads the user's record, applies the
// companion policies, calls the model and persists the outcome.
package chat

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stellarlinkco/keepsake/internal/companion"
	"github.com/stellarlinkco/keepsake/internal/llm"
	"github.com/stellarlinkco/keepsake/internal/persona"
	"github.com/stellarlinkco/keepsake/internal/store"
)

const (
	defaultHistoryWindow = 10
	defaultCallTimeout   = 60 * time.Second
	defaultChunkTimeout  = 20 * time.Second
	defaultTemperature   = 0.85

	recallThreshold = 0.5
	recallCount     = 3
)

// Store is the persistence the service needs. *store.Store satisfies it.
type Store interface {
	Load(ctx context.Context, id string) (*companion.UserMemory, bool, error)
	Save(ctx context.Context, id string, mem *companion.UserMemory) error
	SaveState(ctx context.Context, id string, mem *companion.UserMemory) error
	SaveFacts(ctx context.Context, id string, ex companion.Extraction) (bool, error)

	InsertVector(ctx context.Context, v store.Vector) error
	MatchVectors(ctx context.Context, userID string, query []float32, threshold float64, count int) ([]store.Match, error)

	EnqueueTask(ctx context.Context, kind, userID string, payload any) (string, error)
	DueTasks(ctx context.Context, limit int) ([]store.Task, error)
	CompleteTask(ctx context.Context, id string) error
	RetryTask(ctx context.Context, id string, delay time.Duration, cause error) error
	DropTask(ctx context.Context, id string) error
}

type Options struct {
	Models        companion.ModelSet
	Temperature   float64
	MaxTokens     int
	HistoryWindow int
	CallTimeout   time.Duration
	ChunkTimeout  time.Duration

	Logger *log.Logger
	Now    func() time.Time
	Rand   func() float64
}

type Service struct {
	store    Store
	gen      llm.Generator
	embedder llm.Embedder
	personas *persona.Library

	models        companion.ModelSet
	temperature   float64
	maxTokens     int
	historyWindow int
	callTimeout   time.Duration
	chunkTimeout  time.Duration

	logger *log.Logger
	now    func() time.Time
	rand   func() float64
}

// NewService wires a chat service. embedder may be nil, which disables retrieval and
// vector saves.
func NewService(st Store, gen llm.Generator, embedder llm.Embedder, personas *persona.Library, opts Options) *Service {
	s := &Service{
		store:         st,
		gen:           gen,
		embedder:      embedder,
		personas:      personas,
		models:        opts.Models,
		temperature:   opts.Temperature,
		maxTokens:     opts.MaxTokens,
		historyWindow: opts.HistoryWindow,
		callTimeout:   opts.CallTimeout,
		chunkTimeout:  opts.ChunkTimeout,
		logger:        opts.Logger,
		now:           opts.Now,
		rand:          opts.Rand,
	}
	if s.models.Economy == "" || s.models.Premium == "" {
		def := companion.DefaultModelSet()
		if s.models.Economy == "" {
			s.models.Economy = def.Economy
		}
		if s.models.Premium == "" {
			s.models.Premium = def.Premium
		}
	}
	if s.temperature <= 0 {
		s.temperature = defaultTemperature
	}
	if s.historyWindow <= 0 {
		s.historyWindow = defaultHistoryWindow
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.chunkTimeout <= 0 {
		s.chunkTimeout = defaultChunkTimeout
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithPrefix("chat")
	if s.now == nil {
		s.now = time.Now
	}
	if s.rand == nil {
		s.rand = rand.Float64
	}
	if s.personas == nil {
		s.personas = persona.Load("", s.logger)
	}
	return s
}

// Models returns the resolved model ids.
func (s *Service) Models() companion.ModelSet { return s.models }

// load returns the user's record, or a default one when the store fails.
func (s *Service) load(ctx context.Context, userID string) *companion.UserMemory {
	mem, _ := s.loadStored(ctx, userID)
	return mem
}

// loadStored is load for callers that write the record back. stored is false when the
// store failed: the default record stands in for one that may exist and must not be
// saved over it.
func (s *Service) loadStored(ctx context.Context, userID string) (mem *companion.UserMemory, stored bool) {
	mem, _, err := s.store.Load(ctx, userID)
	if err != nil {
		s.logger.Warn("load memory, using defaults", "user", userID, "err", err)
		return companion.DefaultMemory(s.now()), false
	}
	return mem, true
}

// save persists mem and reports success. Failures are logged, never returned. Stored
// facts and the significant event are kept; they change only through SaveFacts and
// ClearFacts.
func (s *Service) save(ctx context.Context, userID string, mem *companion.UserMemory, stored bool) bool {
	if !stored {
		s.logger.Warn("skip save, stored record was unreadable", "user", userID)
		return false
	}
	if err := s.store.SaveState(ctx, userID, mem); err != nil {
		s.logger.Error("save memory", "user", userID, "err", err)
		return false
	}
	return true
}
