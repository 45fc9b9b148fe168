package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/bobbin/db"
	"tangled.sh/tangled.sh/bobbin/models"
)

type runsResponse struct {
	Runs   []models.RunRecord `json:"runs"`
	Cursor string             `json:"cursor,omitempty"`
}

type runResponse struct {
	Run       models.RunRecord `json:"run"`
	Instances []db.StatusEvent `json:"instances"`
}

// ListRuns pages through runs; pass the returned cursor to get the next page.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.GetRuns(r.URL.Query().Get("cursor"))
	if err != nil {
		s.l.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := runsResponse{Runs: runs}
	if resp.Runs == nil {
		resp.Runs = []models.RunRecord{}
	}
	if len(runs) > 0 {
		resp.Cursor = runs[len(runs)-1].Id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.db.GetRun(id)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.l.Error("failed to get run", "run", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	statuses, err := s.db.GetInstanceStatuses(id)
	if err != nil {
		s.l.Error("failed to get instance statuses", "run", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if statuses == nil {
		statuses = []db.StatusEvent{}
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run, Instances: statuses})
}
