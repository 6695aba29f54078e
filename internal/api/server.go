// Package api exposes read-only inspection endpoints over the routing core:
// health, status, and per-user model and history views.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ford-at-home/whispersync/internal/agents"
	"github.com/ford-at-home/whispersync/internal/usermodel"
)

// ModelReader serves committed user-model snapshots.
type ModelReader interface {
	Get(ctx context.Context, userID string) (*usermodel.Model, error)
}

// HistoryReader serves the observation audit log.
type HistoryReader interface {
	RecentHistory(ctx context.Context, userID string, limit int) ([]usermodel.HistoryEntry, error)
}

type Server struct {
	router  *chi.Mux
	port    int
	models  ModelReader
	history HistoryReader
}

func NewServer(port int, models ModelReader, history HistoryReader) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:  router,
		port:    port,
		models:  models,
		history: history,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/status", s.status)
	router.Get("/api/v1/users/{userID}/model", s.userModel)
	router.Get("/api/v1/users/{userID}/history", s.userHistory)

	return s
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	slog.Info("API server starting", "addr", addr)
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ids := agents.All()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "whispersync",
		"status":  "ok",
		"agents":  names,
	})
}

func (s *Server) userModel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	model, err := s.models.Get(r.Context(), userID)
	if err != nil {
		if errors.Is(err, usermodel.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no model for user"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) userHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := s.history.RecentHistory(r.Context(), userID, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []usermodel.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
