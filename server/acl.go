package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/bobbin/rbac"
)

type subjectKey struct{}

func subjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// subjectForToken maps a bearer token to the subject it authenticates.
func (s *Server) subjectForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}

	sub, found := "", false
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.AdminToken)) == 1 {
		sub, found = rbac.Owner, true
	}
	for name, t := range s.cfg.Server.Tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(t)) == 1 && !found {
			sub, found = name, true
		}
	}
	return sub, found
}

func (s *Server) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		sub, ok := s.subjectForToken(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
	})
}

func (s *Server) RequireSecretsAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := subjectFromContext(r.Context())
		pipeline := chi.URLParam(r, "pipeline")

		ok, err := s.acl.IsSecretsManageAllowed(sub, pipeline)
		if err != nil {
			s.l.Error("failed to check permissions", "subject", sub, "pipeline", pipeline, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to check permissions")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "not a maintainer of "+pipeline)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := subjectFromContext(r.Context())

		ok, err := s.acl.IsAclManageAllowed(sub)
		if err != nil {
			s.l.Error("failed to check permissions", "subject", sub, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to check permissions")
			return
		}
		if !ok {
			writeError(w, http.StatusForbidden, "only the server owner may change maintainers")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type maintainersResponse struct {
	Pipeline    string   `json:"pipeline"`
	Maintainers []string `json:"maintainers"`
}

func (s *Server) ListMaintainers(w http.ResponseWriter, r *http.Request) {
	pipeline := chi.URLParam(r, "pipeline")

	users, err := s.acl.GetMaintainers(pipeline)
	if err != nil {
		s.l.Error("failed to list maintainers", "pipeline", pipeline, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list maintainers")
		return
	}
	if users == nil {
		users = []string{}
	}

	writeJSON(w, http.StatusOK, maintainersResponse{Pipeline: pipeline, Maintainers: users})
}

// ListOwnPipelines lists the pipelines the caller maintains.
func (s *Server) ListOwnPipelines(w http.ResponseWriter, r *http.Request) {
	sub := subjectFromContext(r.Context())

	pipelines, err := s.acl.GetPipelinesForUser(sub)
	if err != nil {
		s.l.Error("failed to list pipelines", "subject", sub, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list pipelines")
		return
	}
	if pipelines == nil {
		pipelines = []string{}
	}

	writeJSON(w, http.StatusOK, pipelines)
}

func (s *Server) AddMaintainer(w http.ResponseWriter, r *http.Request) {
	pipeline := chi.URLParam(r, "pipeline")
	user := chi.URLParam(r, "user")

	if _, ok := s.cfg.Server.Tokens[user]; !ok {
		writeError(w, http.StatusBadRequest, "no token is configured for "+user)
		return
	}

	if err := s.acl.AddMaintainer(pipeline, user); err != nil {
		s.l.Error("failed to add maintainer", "pipeline", pipeline, "user", user, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to add maintainer")
		return
	}
	if err := s.acl.E.SavePolicy(); err != nil {
		s.l.Error("failed to save acl", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to add maintainer")
		return
	}

	s.l.Info("added maintainer", "pipeline", pipeline, "user", user, "by", subjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) RemoveMaintainer(w http.ResponseWriter, r *http.Request) {
	pipeline := chi.URLParam(r, "pipeline")
	user := chi.URLParam(r, "user")

	if err := s.acl.RemoveMaintainer(pipeline, user); err != nil {
		s.l.Error("failed to remove maintainer", "pipeline", pipeline, "user", user, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to remove maintainer")
		return
	}
	if err := s.acl.E.SavePolicy(); err != nil {
		s.l.Error("failed to save acl", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to remove maintainer")
		return
	}

	s.l.Info("removed maintainer", "pipeline", pipeline, "user", user, "by", subjectFromContext(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
