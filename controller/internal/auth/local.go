package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	// OWASP minimum recommendation is 1; 2 provides a better security margin.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// Authenticator validates the single static admin credential pair configured
// on the Controller (admin_username, admin_password). There is no user
// repository or refresh-token rotation in this bootstrap auth model — user
// credential storage lives outside the controller.
type Authenticator struct {
	username     string
	passwordHash string // "saltHex:hashHex", see HashPassword
}

// NewAuthenticator hashes password once at construction time so every
// subsequent login only does a verify, not a re-hash.
func NewAuthenticator(username, password string) (*Authenticator, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("auth: hashing admin password: %w", err)
	}
	return &Authenticator{username: username, passwordHash: hash}, nil
}

// Verify checks username/password against the configured admin credential.
func (a *Authenticator) Verify(username, password string) bool {
	// Compare usernames in constant time too — avoids timing side-channels
	// from golang's short-circuiting string equality, however small.
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) != 1 {
		return false
	}
	return verifyPassword(password, a.passwordHash)
}

// HashPassword returns an Argon2id hash of the given plaintext password.
//
// Format: saltHex:hashHex
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// verifyPassword checks a plaintext password against a stored Argon2id hash.
// Returns false if the hash format is invalid rather than propagating an error,
// since an invalid hash means authentication must fail.
func verifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expectedHash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expectedHash)))

	return subtle.ConstantTimeCompare(actual, expectedHash) == 1
}

// splitHash splits a "saltHex:hashHex" string into its two components.
func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
