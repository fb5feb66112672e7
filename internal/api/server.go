// Package api serves the companion over HTTP. Identity comes from the X-User-ID
// header; authentication is left to whatever sits in front of the server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/cors"

	"github.com/stellarlinkco/keepsake/internal/chat"
	"github.com/stellarlinkco/keepsake/internal/companion"
	"github.com/stellarlinkco/keepsake/internal/llm"
)

const (
	UserHeader = "X-User-ID"

	shutdownTimeout = 30 * time.Second
)

// ChatService is the part of chat.Service the routes call.
type ChatService interface {
	Send(ctx context.Context, req chat.TurnRequest) (*chat.TurnResult, error)
	SendStream(ctx context.Context, req chat.TurnRequest, onChunk func(string) error) (*chat.TurnResult, error)
	Greeting(ctx context.Context, userID string, vibe int) (*chat.GreetingResult, error)
	History(ctx context.Context, userID string, limit int) []companion.Message

	Facts(ctx context.Context, userID string) chat.FactsSummary
	ClearFacts(ctx context.Context, userID string) bool
	Sync(ctx context.Context, userID string) chat.SyncResult
	EmotionalState(ctx context.Context, userID string) chat.EmotionalView
	Stats(ctx context.Context, userID string) chat.Stats

	Scenes(ctx context.Context, userID string) chat.ScenesView
	Scene(ctx context.Context, userID, name string) (companion.SceneInfo, bool)

	Profile(ctx context.Context, userID string) *chat.Profile
	UpdateProfile(ctx context.Context, userID string, upd chat.ProfileUpdate) *chat.Profile
	SetAvatar(ctx context.Context, userID, avatarID string) error
	Balance(ctx context.Context, userID string) chat.BalanceView
	Spend(ctx context.Context, userID string, amount int) (*chat.SpendResult, error)
}

type Options struct {
	CORSOrigins []string
	Logger      *log.Logger
	Version     string
}

type Server struct {
	svc     ChatService
	logger  *log.Logger
	origins []string
	version string
}

func NewServer(svc ChatService, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		svc:     svc,
		logger:  logger.WithPrefix("api"),
		origins: origins,
		version: opts.Version,
	}
}

func (s *Server) Router() *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.Recoverer)
	router.Use(s.logRequests)
	router.Use(cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   s.origins,
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept", UserHeader},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
	}).Handler)

	router.Get("/", s.rootHandler)
	router.Get("/health", s.healthHandler)

	router.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Route("/chat", func(r chi.Router) {
			r.Post("/message", s.sendMessage)
			r.Post("/message/stream", s.sendMessageStream)
			r.Post("/greeting", s.greeting)
			r.Get("/history", s.history)
		})

		r.Route("/memory", func(r chi.Router) {
			r.Get("/facts", s.facts)
			r.Delete("/facts", s.clearFacts)
			r.Post("/sync", s.sync)
			r.Get("/emotional-state", s.emotionalState)
			r.Get("/stats", s.stats)
		})

		r.Get("/scenes", s.scenes)
		r.Get("/scenes/{name}", s.scene)

		r.Route("/user", func(r chi.Router) {
			r.Get("/profile", s.profile)
			r.Put("/profile", s.updateProfile)
			r.Post("/avatar/{id}", s.setAvatar)
			r.Get("/balance", s.balance)
			r.Post("/spend/{amount}", s.spend)
		})
	})

	return router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("stopped")
	return nil
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"app":     "Keepsake API",
		"version": s.version,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
	})
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

type errorBody struct {
	Detail string          `json:"detail"`
	Kind   chat.DenialKind `json:"kind,omitempty"`
	Unlock string          `json:"unlock,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}

// retryable reports failures the user can fix by sending the message again.
func retryable(err error) bool {
	return errors.Is(err, chat.ErrTryAgain) || errors.Is(err, llm.ErrEmptyReply)
}

func denialStatus(kind chat.DenialKind) int {
	switch kind {
	case chat.DenialInsufficientBalance, chat.DenialInvalidAmount:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// fail maps a service error onto an HTTP response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if d, ok := chat.AsDenial(err); ok {
		writeJSON(w, denialStatus(d.Kind), errorBody{Detail: d.Reason, Kind: d.Kind, Unlock: d.Unlock})
		return
	}
	switch {
	case retryable(err):
		writeError(w, http.StatusServiceUnavailable, chat.ErrTryAgain.Error())
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrUnknownAvatar):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "user", userID(r), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
