package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.Recoverer)
	mux.Use(s.RequestLogger)
	if s.tel != nil {
		mux.Use(s.tel.RequestInFlight())
		mux.Use(s.tel.RequestDuration())
	}

	mux.Post("/trigger", s.Trigger)
	mux.Get("/runs", s.ListRuns)
	mux.Get("/runs/{id}", s.GetRun)
	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{instance}", s.Logs)

	if s.vault != nil && s.acl != nil && s.cfg.Server.AdminToken != "" {
		mux.Group(func(r chi.Router) {
			r.Use(s.Authenticate)

			r.Route("/secrets/{pipeline}", func(r chi.Router) {
				r.Use(s.RequireSecretsAccess)
				r.Get("/", s.ListSecrets)
				r.Put("/{key}", s.AddSecret)
				r.Delete("/{key}", s.RemoveSecret)
			})

			r.Get("/acl", s.ListOwnPipelines)
			r.Route("/acl/{pipeline}", func(r chi.Router) {
				r.Get("/", s.ListMaintainers)
				r.With(s.RequireOwner).Put("/{user}", s.AddMaintainer)
				r.With(s.RequireOwner).Delete("/{user}", s.RemoveMaintainer)
			})
		})
	}

	if s.tel != nil {
		return s.tel.Handler(mux)
	}
	return mux
}

func (s *Server) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		queryParams := r.URL.Query()
		queryAttrs := make([]any, 0, len(queryParams))
		for key, values := range queryParams {
			if len(values) == 1 {
				queryAttrs = append(queryAttrs, slog.String(key, values[0]))
			} else {
				queryAttrs = append(queryAttrs, slog.Any(key, values))
			}
		}

		s.l.LogAttrs(r.Context(), slog.LevelInfo, "",
			slog.Group("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Group("query", queryAttrs...),
				slog.Duration("duration", time.Since(start)),
			),
		)
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
