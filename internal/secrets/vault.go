package secrets

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// Vault resolves secret references (vault:KEY) at runtime.
// Secrets are encrypted at rest (AES-256-GCM) and resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

const settingPrefix = "secret."

// SettingsSecretStore persists ciphertexts in the settings table under
// a "secret." key prefix, base64-encoded.
type SettingsSecretStore struct {
	settings store.Store
}

// NewSettingsSecretStore wraps a store as a SecretStore.
func NewSettingsSecretStore(s store.Store) *SettingsSecretStore {
	return &SettingsSecretStore{settings: s}
}

func (s *SettingsSecretStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	return s.settings.SetSetting(ctx, settingPrefix+key, base64.StdEncoding.EncodeToString(value))
}

func (s *SettingsSecretStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	raw, err := s.settings.GetSetting(ctx, settingPrefix+key)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q is corrupted: %v", key, err)
	}
	return data, nil
}

func (s *SettingsSecretStore) DeleteSecret(ctx context.Context, key string) error {
	return s.settings.SetSetting(ctx, settingPrefix+key, "")
}

// ListSecrets is unsupported on the settings backend: the settings contract
// has no key enumeration. Callers track their own secret names.
func (s *SettingsSecretStore) ListSecrets(ctx context.Context) ([]string, error) {
	return nil, schema.NewError(schema.ErrCodeValidation, "settings-backed vault cannot enumerate secrets")
}

const envRefPrefix = "vault:"

// ResolveEnv replaces vault:KEY values in NAME=value pairs with the
// decrypted secret. Non-reference values pass through untouched.
func ResolveEnv(ctx context.Context, vault Vault, env []string) ([]string, error) {
	resolved := make([]string, 0, len(env))
	for _, entry := range env {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(value, envRefPrefix) {
			resolved = append(resolved, entry)
			continue
		}
		key := strings.TrimPrefix(value, envRefPrefix)
		secret, err := vault.Resolve(ctx, key)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"resolve %s for env %s: %v", key, name, err)
		}
		resolved = append(resolved, name+"="+string(secret))
	}
	return resolved, nil
}
