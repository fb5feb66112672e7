package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/stellarlinkco/keepsake/internal/chat"
)

type chatRequest struct {
	Message          string `json:"message"`
	Vibe             *int   `json:"vibe,omitempty"`
	Scene            string `json:"scene,omitempty"`
	IsFirstOfSession bool   `json:"is_first_of_session,omitempty"`
}

type greetingRequest struct {
	Vibe *int `json:"vibe,omitempty"`
}

// decodeBody reads an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func vibeOf(v *int) (int, error) {
	if v == nil {
		return chat.DefaultVibe, nil
	}
	if *v < 0 || *v > 100 {
		return 0, fmt.Errorf("vibe must be between 0 and 100")
	}
	return *v, nil
}

func (s *Server) turnRequest(w http.ResponseWriter, r *http.Request) (chat.TurnRequest, bool) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return chat.TurnRequest{}, false
	}
	vibe, err := vibeOf(req.Vibe)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return chat.TurnRequest{}, false
	}
	return chat.TurnRequest{
		UserID:       userID(r),
		Message:      req.Message,
		Scene:        req.Scene,
		Vibe:         vibe,
		SessionStart: req.IsFirstOfSession,
	}, true
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := s.turnRequest(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Send(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sendMessageStream answers with server-sent events: one data event per fragment,
// then "data: [DONE]". Failures before the first fragment are plain HTTP errors;
// later ones arrive as an "error" event.
func (s *Server) sendMessageStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.turnRequest(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	_, err := s.svc.SendStream(r.Context(), req, func(chunk string) error {
		begin()
		if err := writeEvent(w, "", chunk); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			s.fail(w, r, err)
			return
		}
		msg := "internal error"
		if retryable(err) {
			msg = chat.ErrTryAgain.Error()
		} else if r.Context().Err() == nil {
			s.logger.Error("stream failed", "user", req.UserID, "err", err)
		}
		_ = writeEvent(w, "error", msg)
		flusher.Flush()
		return
	}

	begin()
	_ = writeEvent(w, "", "[DONE]")
	flusher.Flush()
}

// writeEvent frames data as one SSE event. Newlines become extra data lines.
func writeEvent(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: " + event + "\n")
	}
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func (s *Server) greeting(w http.ResponseWriter, r *http.Request) {
	var req greetingRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	vibe, err := vibeOf(req.Vibe)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	res, err := s.svc.Greeting(r.Context(), userID(r), vibe)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	hist := s.svc.History(r.Context(), userID(r), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"history":        hist,
		"total_messages": len(hist),
	})
}
