package secrets

import (
	"context"
	"regexp"

	"github.com/rendis/chatflow/pkg/schema"
)

// Vault resolves {{secret:KEY}} references and webhook subscription signing
// secrets at runtime. Secrets are encrypted at rest (AES-256-GCM) and
// resolved in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.LibSQLStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// ValidateKey rejects keys that could not appear inside a {{secret:KEY}} placeholder.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeVault,
			"invalid secret key %q: use 1-128 letters, digits, '_', '.' or '-'", key)
	}
	return nil
}

// SubscriptionKey is the vault key holding a webhook subscription's signing secret.
func SubscriptionKey(subscriptionID string) string {
	return "webhook_subscription." + subscriptionID
}
