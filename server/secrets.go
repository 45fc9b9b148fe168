package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/bobbin/secrets"
)

type addSecretRequest struct {
	Value string `json:"value"`
}

type secretResponse struct {
	Key       string    `json:"key"`
	Scope     string    `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

// ListSecrets lists the keys of a pipeline's secrets; values never leave the
// server.
func (s *Server) ListSecrets(w http.ResponseWriter, r *http.Request) {
	scope := secrets.Scope(chi.URLParam(r, "pipeline"))

	ls, err := s.vault.GetSecretsLocked(r.Context(), scope)
	if err != nil {
		s.l.Error("failed to get secrets from vault", "scope", scope, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list secrets")
		return
	}

	out := make([]secretResponse, 0, len(ls))
	for _, sec := range ls {
		out = append(out, secretResponse{
			Key:       sec.Key,
			Scope:     string(sec.Scope),
			CreatedAt: sec.CreatedAt,
			CreatedBy: sec.CreatedBy,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) AddSecret(w http.ResponseWriter, r *http.Request) {
	scope := secrets.Scope(chi.URLParam(r, "pipeline"))
	key := chi.URLParam(r, "key")

	if err := secrets.ValidateKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var data addSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	err := s.vault.AddSecret(r.Context(), secrets.UnlockedSecret{
		Key:       key,
		Value:     data.Value,
		Scope:     scope,
		CreatedAt: time.Now(),
		CreatedBy: subjectFromContext(r.Context()),
	})
	if errors.Is(err, secrets.ErrKeyAlreadyPresent) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.l.Error("failed to add secret to vault", "scope", scope, "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to add secret")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) RemoveSecret(w http.ResponseWriter, r *http.Request) {
	scope := secrets.Scope(chi.URLParam(r, "pipeline"))
	key := chi.URLParam(r, "key")

	err := s.vault.RemoveSecret(r.Context(), secrets.Secret[any]{Key: key, Scope: scope})
	if errors.Is(err, secrets.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.l.Error("failed to remove secret from vault", "scope", scope, "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to remove secret")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
