package secrets

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

// Scope groups the secrets one pipeline may read, usually the pipeline name.
type Scope string

// Shared holds secrets every pipeline sees. A pipeline's own secret wins
// over a shared one with the same key.
const Shared Scope = "shared"

type Secret[T any] struct {
	Key       string
	Value     T
	Scope     Scope
	CreatedAt time.Time
	CreatedBy string
}

// the secret is not present
type LockedSecret = Secret[struct{}]

// the secret is present in plaintext, never expose this publicly,
// only use in the engine
type UnlockedSecret = Secret[string]

type Manager interface {
	AddSecret(ctx context.Context, secret UnlockedSecret) error
	RemoveSecret(ctx context.Context, secret Secret[any]) error
	GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error)
	GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error)
}

// stopper interface for managers that need cleanup
type Stopper interface {
	Stop()
}

var ErrKeyAlreadyPresent = errors.New("key already present")
var ErrInvalidKeyIdent = errors.New("key is not a valid identifier")
var ErrKeyNotFound = errors.New("key not found")

var (
	_ = []Manager{
		&SqliteManager{},
		&OpenBaoManager{},
	}
)

var (
	// bash identifier syntax
	keyIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func ValidateKey(key string) error {
	if key == "" || !keyIdent.MatchString(key) {
		return ErrInvalidKeyIdent
	}
	return nil
}

// Lock drops the values.
func Lock(unlocked []UnlockedSecret) []LockedSecret {
	var locked []LockedSecret
	for _, u := range unlocked {
		locked = append(locked, LockedSecret{
			Key:       u.Key,
			Scope:     u.Scope,
			CreatedAt: u.CreatedAt,
			CreatedBy: u.CreatedBy,
		})
	}
	return locked
}

// Unlock returns the secrets a pipeline runs with: the shared ones merged
// with those in its own scope, sorted by key.
func Unlock(ctx context.Context, m Manager, scope Scope) ([]UnlockedSecret, error) {
	byKey := make(map[string]UnlockedSecret)

	scopes := []Scope{Shared}
	if scope != Shared {
		scopes = append(scopes, scope)
	}
	for _, sc := range scopes {
		unlocked, err := m.GetSecretsUnlocked(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("unlocking %s secrets: %w", sc, err)
		}
		for _, u := range unlocked {
			byKey[u.Key] = u
		}
	}

	out := make([]UnlockedSecret, 0, len(byKey))
	for _, key := range slices.Sorted(maps.Keys(byKey)) {
		out = append(out, byKey[key])
	}
	return out, nil
}

// Env turns unlocked secrets into step environment variables.
func Env(unlocked []UnlockedSecret) map[string]string {
	env := make(map[string]string, len(unlocked))
	for _, s := range unlocked {
		env[s.Key] = s.Value
	}
	return env
}
