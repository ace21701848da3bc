package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16

	// KeyPrefix marks plaintext gateway API keys.
	KeyPrefix = "mcpg_"
	// LookupPrefixLen is how many leading characters of a key are stored in
	// clear for lookup.
	LookupPrefixLen = 12

	keyRandomBytes = 16
)

// GenerateAPIKey returns a fresh plaintext key of the form mcpg_<32 hex> and
// its lookup prefix.
func GenerateAPIKey() (plaintext, prefix string, err error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("auth: generate key: %w", err)
	}
	plaintext = KeyPrefix + hex.EncodeToString(buf)
	return plaintext, LookupPrefix(plaintext), nil
}

// LookupPrefix returns the stored lookup prefix for a plaintext key.
func LookupPrefix(key string) string {
	if len(key) <= LookupPrefixLen {
		return key
	}
	return key[:LookupPrefixLen]
}

// HashAPIKey hashes an API key using Argon2id. The result is "salt$hash" with
// both parts base64 encoded.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	sum := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(sum), nil
}

// DummyVerify burns the same Argon2id cost as a real verification. Call it
// when no candidate key was found so timing does not reveal prefix hits.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks an API key against an encoded Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	got := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
