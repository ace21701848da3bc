// Package auth turns bearer credentials into gateway identities.
//
// Two credential kinds are supported: opaque API keys (mcpg_...), stored as
// Argon2id hashes in the ledger, and EdDSA-signed JWTs whose subject is an
// account id. Chain combines authenticators so a deployment can accept both.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthenticated is returned for any credential that does not map to an
// identity.
var ErrUnauthenticated = errors.New("auth: unauthenticated")

const (
	MethodAPIKey = "api_key"
	MethodJWT    = "jwt"
)

// Identity is the authenticated principal on whose behalf calls are billed.
type Identity struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Method    string `json:"method"`
}

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

type chain []Authenticator

// Chain tries each authenticator in order and returns the first identity.
// API keys are routed straight to authenticators that accept them, so a JWT
// verifier never sees a key and vice versa.
func Chain(auths ...Authenticator) Authenticator {
	var c chain
	for _, a := range auths {
		if a != nil {
			c = append(c, a)
		}
	}
	return c
}

func (c chain) Authenticate(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	isKey := strings.HasPrefix(token, KeyPrefix)
	var errs []error
	for _, a := range c {
		switch a.(type) {
		case *APIKeyAuthenticator:
			if !isKey {
				continue
			}
		case *JWTManager:
			if isKey {
				continue
			}
		}
		id, err := a.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, errors.Join(errs...))
}
