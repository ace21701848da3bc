package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vikashloomba/mcpgate/pkg/ledger"
)

// KeyStore is the subset of the ledger the API key authenticator reads.
type KeyStore interface {
	FindAPIKeys(ctx context.Context, prefix string) ([]ledger.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	GetAccount(ctx context.Context, id string) (ledger.Account, error)
}

type APIKeyOptions struct {
	// CacheTTL bounds how long a verified key skips hashing. Zero uses one
	// minute; a negative value disables the cache.
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// APIKeyAuthenticator verifies mcpg_ keys against the hashes in a KeyStore.
type APIKeyAuthenticator struct {
	store  KeyStore
	cache  *Cache
	logger *slog.Logger
}

func NewAPIKeyAuthenticator(store KeyStore, opts *APIKeyOptions) *APIKeyAuthenticator {
	var o APIKeyOptions
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = time.Minute
	}
	a := &APIKeyAuthenticator{store: store, logger: o.Logger}
	if o.CacheTTL > 0 {
		a.cache = NewCache(o.CacheTTL)
	}
	return a
}

// Close releases the verification cache.
func (a *APIKeyAuthenticator) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
}

func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if !strings.HasPrefix(token, KeyPrefix) || len(token) <= LookupPrefixLen {
		return Identity{}, ErrUnauthenticated
	}

	digest := sha256.Sum256([]byte(token))
	cacheKey := hex.EncodeToString(digest[:])
	if a.cache != nil {
		if id, ok := a.cache.Get(cacheKey); ok {
			return id, nil
		}
	}

	candidates, err := a.store.FindAPIKeys(ctx, LookupPrefix(token))
	if err != nil {
		return Identity{}, fmt.Errorf("auth: find api keys: %w", err)
	}
	if len(candidates) == 0 {
		DummyVerify()
		return Identity{}, ErrUnauthenticated
	}

	for _, key := range candidates {
		ok, err := VerifyAPIKey(token, key.Hash)
		if err != nil {
			a.logger.Warn("auth: malformed key hash", "key_id", key.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		acct, err := a.store.GetAccount(ctx, key.AccountID)
		if errors.Is(err, ledger.ErrNotFound) {
			return Identity{}, ErrUnauthenticated
		}
		if err != nil {
			return Identity{}, fmt.Errorf("auth: load account: %w", err)
		}
		if err := a.store.TouchAPIKey(ctx, key.ID, time.Now()); err != nil {
			a.logger.Debug("auth: touch api key failed", "key_id", key.ID, "error", err)
		}

		id := Identity{AccountID: acct.ID, Name: acct.Name, Method: MethodAPIKey}
		if a.cache != nil {
			a.cache.Set(cacheKey, id)
		}
		return id, nil
	}
	return Identity{}, ErrUnauthenticated
}

// IssueAPIKey generates a key for an account, stores its hash, and returns
// the plaintext. The plaintext is not recoverable afterwards.
func IssueAPIKey(ctx context.Context, store interface {
	CreateAPIKey(ctx context.Context, key ledger.APIKey) error
}, accountID, label string) (string, ledger.APIKey, error) {
	plaintext, prefix, err := GenerateAPIKey()
	if err != nil {
		return "", ledger.APIKey{}, err
	}
	hash, err := HashAPIKey(plaintext)
	if err != nil {
		return "", ledger.APIKey{}, err
	}
	key := ledger.APIKey{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Prefix:    prefix,
		Hash:      hash,
		Label:     label,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return "", ledger.APIKey{}, fmt.Errorf("auth: store api key: %w", err)
	}
	return plaintext, key, nil
}
