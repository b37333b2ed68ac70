package guard

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// minPBKDF2Iterations is the floor enforced on configured iteration counts
	minPBKDF2Iterations = 10000
	// derivedKeyLength is the PBKDF2 output length in bytes
	derivedKeyLength = 64
	// saltLength is the random salt length in bytes before hex encoding
	saltLength = 16
	// sessionIDLength is the session identifier entropy in bytes before hex encoding
	sessionIDLength = 32
)

// HashPassword derives a salted password hash using PBKDF2-SHA256. If
// salt is empty a fresh cryptographically random salt is generated. Both
// hash and salt are returned hex-encoded.
func HashPassword(password, salt string, iterations int) (string, string, error) {
	if iterations < minPBKDF2Iterations {
		iterations = minPBKDF2Iterations
	}
	if salt == "" {
		generated, err := generateRandomToken(saltLength)
		if err != nil {
			return "", "", fmt.Errorf("failed to generate salt: %w", err)
		}
		salt = generated
	}

	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, derivedKeyLength, sha256.New)
	return hex.EncodeToString(key), salt, nil
}

// VerifyPassword recomputes the hash with the stored salt and compares in
// constant time. The comparison never short-circuits on the first
// differing byte.
func VerifyPassword(password, hash, salt string, iterations int) bool {
	if iterations < minPBKDF2Iterations {
		iterations = minPBKDF2Iterations
	}
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, derivedKeyLength, sha256.New)
	computed := hex.EncodeToString(key)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// hashPassword derives a hash using the service's configured iteration count
func (a *AuthService) hashPassword(password, salt string) (string, string, error) {
	return HashPassword(password, salt, a.securityConfig.PBKDF2Iterations)
}

// verifyPassword checks a password using the service's configured iteration count
func (a *AuthService) verifyPassword(password, hash, salt string) bool {
	return VerifyPassword(password, hash, salt, a.securityConfig.PBKDF2Iterations)
}

// dummyVerify burns one full key derivation against a throwaway salt so a
// request for a non-existent account costs the same as a real
// verification. Without this, response timing would reveal which
// usernames exist.
func (a *AuthService) dummyVerify(password string) {
	VerifyPassword(password, dummyHash, dummySalt, a.securityConfig.PBKDF2Iterations)
}

var (
	dummySalt = "5f8b2a90c43d1e67a2b9f0d4c8e13576"
	dummyHash = "0000000000000000000000000000000000000000000000000000000000000000" +
		"0000000000000000000000000000000000000000000000000000000000000000"
)

// generateRandomToken returns length cryptographically random bytes,
// hex-encoded
func generateRandomToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// generateSessionID returns a new high-entropy session identifier
func generateSessionID() (string, error) {
	return generateRandomToken(sessionIDLength)
}
