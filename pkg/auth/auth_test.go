package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("mcpg_test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("mcpg_test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("mcpg_wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("x", "no-separator")
	assert.Error(t, err)
}

func TestGenerateAPIKey(t *testing.T) {
	key, prefix, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, auth.KeyPrefix))
	assert.Len(t, key, len(auth.KeyPrefix)+32)
	assert.Len(t, prefix, auth.LookupPrefixLen)
	assert.Equal(t, key[:auth.LookupPrefixLen], prefix)

	other, _, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestAPIKeyAuthenticator(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	acct, err := store.CreateAccount(ctx, "alice", ledger.FromCredits(1))
	require.NoError(t, err)

	plaintext, key, err := auth.IssueAPIKey(ctx, store, acct.ID, "laptop")
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)

	a := auth.NewAPIKeyAuthenticator(store, nil)
	t.Cleanup(a.Close)

	id, err := a.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{AccountID: acct.ID, Name: "alice", Method: auth.MethodAPIKey}, id)

	// Second hit is served from the cache.
	id, err = a.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, id.AccountID)

	keys, err := store.FindAPIKeys(ctx, key.Prefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].LastUsedAt.IsZero())

	samePrefix := key.Prefix + strings.Repeat("0", len(plaintext)-len(key.Prefix))
	require.NotEqual(t, plaintext, samePrefix)
	_, err = a.Authenticate(ctx, samePrefix)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = a.Authenticate(ctx, "mcpg_ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = a.Authenticate(ctx, "not-a-key")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	assert.True(t, mgr.Ephemeral())

	token, exp, err := mgr.IssueToken("acct-1", "alice", 0)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	id, err := mgr.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{AccountID: "acct-1", Name: "alice", Method: auth.MethodJWT}, id)

	other, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	_, err = other.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0o600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0o600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	assert.False(t, mgr.Ephemeral())
	return mgr, priv
}

func TestValidateToken_RejectsForeignClaims(t *testing.T) {
	mgr, priv := newTestJWTManagerWithKey(t)
	now := time.Now().UTC()

	sign := func(c auth.Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c).SignedString(priv)
		require.NoError(t, err)
		return s
	}

	tests := []struct {
		name   string
		claims auth.Claims
	}{
		{"wrong issuer", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject: "acct", Issuer: "other", Audience: jwt.ClaimStrings{"mcpgate"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}},
		{"wrong audience", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject: "acct", Issuer: "mcpgate", Audience: jwt.ClaimStrings{"other"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}},
		{"expired", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject: "acct", Issuer: "mcpgate", Audience: jwt.ClaimStrings{"mcpgate"},
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		}}},
		{"no expiry", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
			Subject: "acct", Issuer: "mcpgate", Audience: jwt.ClaimStrings{"mcpgate"},
		}}},
		{"no subject", auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "mcpgate", Audience: jwt.ClaimStrings{"mcpgate"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(sign(tt.claims))
			assert.Error(t, err)
		})
	}
}

func TestChainRoutesByCredentialKind(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	acct, err := store.CreateAccount(ctx, "alice", 0)
	require.NoError(t, err)
	plaintext, _, err := auth.IssueAPIKey(ctx, store, acct.ID, "")
	require.NoError(t, err)

	keys := auth.NewAPIKeyAuthenticator(store, &auth.APIKeyOptions{CacheTTL: -1})
	jwts, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := jwts.IssueToken(acct.ID, "alice", time.Minute)
	require.NoError(t, err)

	chain := auth.Chain(keys, nil, jwts)

	id, err := chain.Authenticate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, auth.MethodAPIKey, id.Method)

	id, err = chain.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, auth.MethodJWT, id.Method)
	assert.Equal(t, acct.ID, id.AccountID)

	_, err = chain.Authenticate(ctx, "")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = chain.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}

func TestCacheExpiry(t *testing.T) {
	c := auth.NewCache(20 * time.Millisecond)
	t.Cleanup(c.Close)

	c.Set("k", auth.Identity{AccountID: "a"})
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "a", got.AccountID)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	c.Close()
}
