package researchsvc

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const missingPrompt = `Missing "prompt" field in request body`

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Handler exposes the service over HTTP: POST /api/research and GET /health.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/research", s.handleResearch)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "PharmAgent Backend"})
	})
	return r
}

func (s *Service) handleResearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt *string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Prompt == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: missingPrompt})
		return
	}
	writeJSON(w, http.StatusOK, s.Research(*body.Prompt))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
