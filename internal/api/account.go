package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/samber/lo"

	"github.com/stellarlinkco/keepsake/internal/chat"
	"github.com/stellarlinkco/keepsake/internal/companion"
)

func (s *Server) facts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Facts(r.Context(), userID(r)))
}

func (s *Server) clearFacts(w http.ResponseWriter, r *http.Request) {
	if !s.svc.ClearFacts(r.Context(), userID(r)) {
		writeError(w, http.StatusInternalServerError, "could not clear facts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Facts cleared successfully"})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Sync(r.Context(), userID(r)))
}

func (s *Server) emotionalState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.EmotionalState(r.Context(), userID(r)))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats(r.Context(), userID(r)))
}

func (s *Server) scenes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Scenes(r.Context(), userID(r)))
}

func (s *Server) scene(w http.ResponseWriter, r *http.Request) {
	info, ok := s.svc.Scene(r.Context(), userID(r), chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "Scene not found",
			"available_scenes": lo.Map(companion.AllScenes, func(sc companion.Scene, _ int) string {
				return string(sc)
			}),
		})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) profile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Profile(r.Context(), userID(r)))
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var upd chat.ProfileUpdate
	if err := decodeBody(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, http.StatusOK, s.svc.UpdateProfile(r.Context(), userID(r), upd))
}

func (s *Server) setAvatar(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.SetAvatar(r.Context(), userID(r), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":   "Avatar updated to " + id,
		"avatar_id": id,
	})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Balance(r.Context(), userID(r)))
}

func (s *Server) spend(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.Atoi(chi.URLParam(r, "amount"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "amount must be an integer")
		return
	}
	res, err := s.svc.Spend(r.Context(), userID(r), amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
