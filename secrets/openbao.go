package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
)

// OpenBaoManager keeps secrets in an OpenBao (or Vault) KV v2 mount, one
// entry per scope and key, authenticating with AppRole.
type OpenBaoManager struct {
	client    *vault.Client
	mountPath string
	roleID    string
	secretID  string
	stopCh    chan struct{}
	stopOnce  sync.Once
	tokenMu   sync.RWMutex
	logger    *slog.Logger
}

type OpenBaoManagerOpt func(*OpenBaoManager)

func WithMountPath(mountPath string) OpenBaoManagerOpt {
	return func(v *OpenBaoManager) {
		v.mountPath = mountPath
	}
}

func NewOpenBaoManager(address, roleID, secretID string, logger *slog.Logger, opts ...OpenBaoManagerOpt) (*OpenBaoManager, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if roleID == "" {
		return nil, fmt.Errorf("role_id cannot be empty")
	}
	if secretID == "" {
		return nil, fmt.Errorf("secret_id cannot be empty")
	}

	config := vault.DefaultConfig()
	config.Address = address

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create openbao client: %w", err)
	}

	if err := authenticateAppRole(client, roleID, secretID); err != nil {
		return nil, fmt.Errorf("failed to authenticate with AppRole: %w", err)
	}

	manager := &OpenBaoManager{
		client:    client,
		mountPath: "bobbin",
		roleID:    roleID,
		secretID:  secretID,
		stopCh:    make(chan struct{}),
		logger:    logger,
	}

	for _, opt := range opts {
		opt(manager)
	}

	go manager.tokenRenewalLoop()

	return manager, nil
}

func authenticateAppRole(client *vault.Client, roleID, secretID string) error {
	resp, err := client.Logical().Write("auth/approle/login", map[string]any{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}

	if resp == nil || resp.Auth == nil {
		return fmt.Errorf("no auth info returned from AppRole login")
	}

	client.SetToken(resp.Auth.ClientToken)
	return nil
}

func (v *OpenBaoManager) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
}

func (v *OpenBaoManager) tokenRenewalLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			if err := v.ensureValidToken(); err != nil {
				v.logger.Error("openbao token renewal failed", "error", err)
			}
		}
	}
}

// ensureValidToken renews the token when its ttl runs low and logs in again
// when it can't.
func (v *OpenBaoManager) ensureValidToken() error {
	v.tokenMu.Lock()
	defer v.tokenMu.Unlock()

	info, err := v.client.Auth().Token().LookupSelf()
	if err != nil || info == nil {
		v.logger.Warn("token lookup failed, re-authenticating", "error", err)
		return v.reAuthenticate()
	}

	ttl, err := info.TokenTTL()
	if err != nil {
		return v.reAuthenticate()
	}

	if ttl < 5*time.Minute {
		v.logger.Info("token ttl low, attempting renewal", "ttl", ttl)

		renewed, err := v.client.Auth().Token().RenewSelf(3600)
		if err != nil || renewed == nil || renewed.Auth == nil {
			v.logger.Warn("token renewal failed, re-authenticating", "error", err)
			return v.reAuthenticate()
		}

		v.logger.Info("token renewed", "new_ttl_seconds", renewed.Auth.LeaseDuration)
	}

	return nil
}

func (v *OpenBaoManager) reAuthenticate() error {
	if err := authenticateAppRole(v.client, v.roleID, v.secretID); err != nil {
		return fmt.Errorf("re-authentication failed: %w", err)
	}
	v.logger.Info("re-authenticated with approle")
	return nil
}

func (v *OpenBaoManager) AddSecret(ctx context.Context, secret UnlockedSecret) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	if err := ValidateKey(secret.Key); err != nil {
		return err
	}

	secretPath := v.buildSecretPath(secret.Scope, secret.Key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err == nil && existing != nil {
		return ErrKeyAlreadyPresent
	}

	_, err = v.client.KVv2(v.mountPath).Put(ctx, secretPath, map[string]any{
		"value":      secret.Value,
		"scope":      string(secret.Scope),
		"key":        secret.Key,
		"created_at": secret.CreatedAt.Format(time.RFC3339),
		"created_by": secret.CreatedBy,
	})
	if err != nil {
		return fmt.Errorf("failed to store secret in openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) RemoveSecret(ctx context.Context, secret Secret[any]) error {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	secretPath := v.buildSecretPath(secret.Scope, secret.Key)

	existing, err := v.client.KVv2(v.mountPath).Get(ctx, secretPath)
	if err != nil || existing == nil {
		return ErrKeyNotFound
	}

	if err := v.client.KVv2(v.mountPath).DeleteMetadata(ctx, secretPath); err != nil {
		return fmt.Errorf("failed to delete secret from openbao: %w", err)
	}

	return nil
}

func (v *OpenBaoManager) GetSecretsLocked(ctx context.Context, scope Scope) ([]LockedSecret, error) {
	unlocked, err := v.GetSecretsUnlocked(ctx, scope)
	if err != nil {
		return nil, err
	}

	return Lock(unlocked), nil
}

func (v *OpenBaoManager) GetSecretsUnlocked(ctx context.Context, scope Scope) ([]UnlockedSecret, error) {
	v.tokenMu.RLock()
	defer v.tokenMu.RUnlock()

	scopePath := v.buildScopePath(scope)

	list, err := v.client.Logical().ListWithContext(ctx, fmt.Sprintf("%s/metadata/%s", v.mountPath, scopePath))
	if err != nil {
		if strings.Contains(err.Error(), "no secret found") || strings.Contains(err.Error(), "no handler for route") {
			return []UnlockedSecret{}, nil
		}
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	if list == nil || list.Data == nil {
		return []UnlockedSecret{}, nil
	}

	keys, ok := list.Data["keys"].([]any)
	if !ok {
		return []UnlockedSecret{}, nil
	}

	var out []UnlockedSecret
	for _, k := range keys {
		key, ok := k.(string)
		if !ok {
			continue
		}

		entry, err := v.client.KVv2(v.mountPath).Get(ctx, path.Join(scopePath, key))
		if err != nil || entry == nil || entry.Data == nil {
			continue
		}

		if s, ok := secretFromData(scope, key, entry.Data); ok {
			out = append(out, s)
		}
	}

	return out, nil
}

func secretFromData(scope Scope, key string, data map[string]any) (UnlockedSecret, bool) {
	value, ok := data["value"].(string)
	if !ok {
		return UnlockedSecret{}, false
	}

	s := UnlockedSecret{
		Key:   key,
		Value: value,
		Scope: scope,
	}

	if k, ok := data["key"].(string); ok {
		s.Key = k
	}
	if by, ok := data["created_by"].(string); ok {
		s.CreatedBy = by
	}
	if at, ok := data["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			s.CreatedAt = t
		}
	}

	return s, true
}

// buildScopePath turns a scope into a single safe path segment.
func (v *OpenBaoManager) buildScopePath(scope Scope) string {
	return strings.NewReplacer("/", "_", ":", "_", ".", "_").Replace(string(scope))
}

func (v *OpenBaoManager) buildSecretPath(scope Scope, key string) string {
	return path.Join(v.buildScopePath(scope), key)
}
