package secrets

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewOpenBaoManager_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tests := []struct {
		name     string
		address  string
		roleID   string
		secretID string
	}{
		{"empty address", "", "role", "secret"},
		{"empty role id", "http://localhost:8200", "", "secret"},
		{"empty secret id", "http://localhost:8200", "role", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewOpenBaoManager(tt.address, tt.roleID, tt.secretID, logger)
			assert.Error(t, err)
			assert.Nil(t, m)
		})
	}
}

func TestOpenBaoManager_PathBuilding(t *testing.T) {
	m := &OpenBaoManager{mountPath: "bobbin"}

	assert.Equal(t, "ci", m.buildScopePath("ci"))
	assert.Equal(t, "org_repo_ci_yml", m.buildScopePath("org/repo:ci.yml"))
	assert.Equal(t, "org_repo/TOKEN", m.buildSecretPath("org/repo", "TOKEN"))
}

func TestOpenBaoManager_StopIsIdempotent(t *testing.T) {
	m := &OpenBaoManager{stopCh: make(chan struct{})}
	m.Stop()
	m.Stop()

	select {
	case <-m.stopCh:
	default:
		t.Fatal("stop channel should be closed")
	}

	var _ Stopper = m
}

func TestSecretFromData(t *testing.T) {
	s, ok := secretFromData("ci", "TOKEN", map[string]any{
		"value":      "v",
		"created_by": "admin",
		"created_at": "2025-01-02T03:04:05Z",
	})
	assert.True(t, ok)
	assert.Equal(t, "TOKEN", s.Key)
	assert.Equal(t, "v", s.Value)
	assert.Equal(t, 2025, s.CreatedAt.Year())

	_, ok = secretFromData("ci", "TOKEN", map[string]any{"key": "TOKEN"})
	assert.False(t, ok, "entries without a value are skipped")
}
