package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"tangled.sh/tangled.sh/bobbin/engine"
	"tangled.sh/tangled.sh/bobbin/queue"
	"tangled.sh/tangled.sh/bobbin/workflow"
)

type triggerRequest struct {
	workflow.TriggerEvent

	// Definition names a pipeline file next to the configured one.
	Definition string `json:"definition,omitempty"`
	// Only restricts the run to the cells a selector matches.
	Only string `json:"only,omitempty"`
}

type triggerResponse struct {
	RunId     string `json:"run_id"`
	Instances int    `json:"instances"`
}

func (s *Server) Trigger(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Trigger")

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid trigger event: %v", err))
		return
	}
	if req.Kind == "" {
		req.Kind = workflow.TriggerKindManual
	}

	p, err := s.loadPipeline(req.Definition)
	if err != nil {
		l.Error("failed to load pipeline", "definition", req.Definition, "error", err)
		s.writeConfigError(w, err)
		return
	}

	sel, err := workflow.ParseSelector(req.Only)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	run, err := s.eng.NewRun(p, req.TriggerEvent, sel)
	if errors.Is(err, engine.ErrRejected) {
		l.Info("trigger rejected", "pipeline", p.Name, "kind", req.Kind, "branch", req.Branch, "reason", err)
		s.notify.RunRejected(r.Context(), p.Name, req.TriggerEvent, err)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeConfigError(w, err)
		return
	}

	ok := s.jq.Enqueue(queue.Job{
		Run: func(ctx context.Context) error {
			_, err := s.eng.Execute(ctx, run)
			return err
		},
		OnFail: func(err error) {
			s.l.Error("run failed", "run", run.Id, "error", err)
		},
	})
	if !ok {
		l.Error("failed to enqueue run: queue is full", "run", run.Id)
		writeError(w, http.StatusServiceUnavailable, "run queue is full")
		return
	}

	l.Info("run enqueued", "run", run.Id, "pipeline", p.Name, "instances", len(run.Instances))
	writeJSON(w, http.StatusAccepted, triggerResponse{RunId: run.Id, Instances: len(run.Instances)})
}

func (s *Server) loadPipeline(name string) (*workflow.Pipeline, error) {
	path := s.cfg.Server.Definition
	if name != "" {
		var err error
		path, err = securejoin.SecureJoin(filepath.Dir(s.cfg.Server.Definition), name)
		if err != nil {
			return nil, err
		}
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	p, diags, err := workflow.Load(filepath.Base(path), contents)
	for _, warn := range diags.Warnings {
		s.l.Warn("pipeline warning", "definition", path, "warning", warn.String())
	}
	return p, err
}

func (s *Server) writeConfigError(w http.ResponseWriter, err error) {
	var cerr *workflow.ConfigurationError
	if errors.As(err, &cerr) {
		details := make([]string, 0, len(cerr.Diagnostics.Errors))
		for _, e := range cerr.Diagnostics.Errors {
			details = append(details, e.String())
		}
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "invalid pipeline", Details: details})
		return
	}
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "pipeline definition not found")
		return
	}
	writeError(w, http.StatusUnprocessableEntity, err.Error())
}
