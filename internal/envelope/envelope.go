// Package envelope implements the AEAD payload envelope used between the
// Agent and the Fleet Server, plus the stricter envelope used to encrypt
// configuration at rest. Seal/Open expose the nonce/ciphertext split the
// wire format requires; password-derived keys come from PBKDF2-HMAC-SHA256
// (DeriveKey).
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

func newSHA256() hash.Hash { return sha256.New() }

// KeySize is the required AEAD key length in bytes (256 bits).
const KeySize = 32

// NonceSize is the GCM nonce length in bytes (96 bits).
const NonceSize = 12

// MinKDFIterations is the floor the config store enforces at startup.
const MinKDFIterations = 100000

// RecommendedKDFIterations is what the strict config-at-rest envelope
// calls for.
const RecommendedKDFIterations = 600000

var (
	// ErrAuthFailure is returned when Open fails to authenticate the
	// ciphertext — a wrong key, wrong AAD, or a tampered payload. It is
	// never distinguished further: authentication failure requires
	// constant-time behavior regardless of the mismatch position, and
	// AEAD.Open already
	// gives us that by construction (it's a single compare, not reached
	// until after the whole block is processed).
	ErrAuthFailure = errors.New("envelope: authentication failed")
	// ErrInvalidKeySize is returned when a key is not exactly KeySize bytes.
	ErrInvalidKeySize = fmt.Errorf("envelope: key must be %d bytes", KeySize)
	// ErrCiphertextTooShort is returned by Open/StrictOpen when the input
	// cannot possibly contain a nonce and a tag.
	ErrCiphertextTooShort = errors.New("envelope: ciphertext too short")
)

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: new gcm: %w", err)
	}
	return aead, nil
}

// Seal encrypts plaintext under key, returning a freshly-random nonce and
// the ciphertext (tag included, per AEAD.Seal convention). aad may be nil.
// Reusing a (key, nonce) pair is the caller's responsibility to avoid; Seal
// always draws a new random nonce so two calls with the same key never
// collide except by the negligible chance of a 96-bit birthday collision.
func Seal(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("envelope: read nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext sealed by Seal under the same key, nonce and aad.
func Open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte key from a password and a per-installation
// salt via PBKDF2-HMAC-SHA256. iterations must be >= MinKDFIterations; the
// config store refuses to start otherwise.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, KeySize, newSHA256)
}

// NewSalt returns a fresh per-installation random 32-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: read salt: %w", err)
	}
	return salt, nil
}

// ConstantTimeEqual reports whether a and b are equal, in time independent
// of where they first differ. Used for comparing passwords/tokens, never
// for AEAD tags (those already get constant-time comparison from the
// standard library's GCM implementation).
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// Returns early without comparing any bytes: length mismatch is
		// public information in every usage in this codebase (it's
		// compared against a fixed-length stored secret).
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
