package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yonaka/researchd/internal/research"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps carries everything the HTTP surface needs.
type AppDeps struct {
	Service *research.Service
	Hub     *research.Hub
	Token   string
}

// NewHandler returns the research REST API. The health endpoint is open;
// everything else requires the bearer token.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/research", handleCreateResearch(deps))
		r.Get("/research/{id}", handleGetResearch(deps))
		r.Post("/research/{id}/re-execute", handleReExecuteResearch(deps))
		r.Get("/research/{id}/events", handleResearchEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type createResearchRequest struct {
	Query        string `json:"query"`
	SelectedText string `json:"selectedText"`
	VoiceCommand string `json:"voiceCommand"`
}

// handleCreateResearch accepts the research request and returns 202 with the
// initial snapshot. Execution happens on the worker; completion is observed
// via the event stream or polling.
func handleCreateResearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createResearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		snapshot, err := deps.Service.Create(r.Context(), research.CreateInput{
			Query:        req.Query,
			SelectedText: req.SelectedText,
			VoiceCommand: req.VoiceCommand,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create research: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(snapshot)
	}
}

func handleGetResearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		snapshot, err := deps.Service.Get(r.Context(), id)
		if errors.Is(err, research.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "research not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get research: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
	}
}

func handleReExecuteResearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		snapshot, err := deps.Service.ReExecute(r.Context(), id)
		if errors.Is(err, research.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "research not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to re-execute research: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(snapshot)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
