package envelope

import (
	"bytes"
	"fmt"
)

// wireVersion is the first byte of the on-disk encrypted blob format:
// version(1) || nonce(12) || ciphertext || tag(16).
const wireVersion byte = 1

// tagSize is the GCM authentication tag length at the end of every ciphertext.
const tagSize = 16

// StrictSeal encrypts plaintext with key and returns that on-disk blob
// format. This is used for configuration-at-rest, where the key is
// derived via DeriveKey from a password and a per-installation salt
// persisted beside (and only beside) the blob.
func StrictSeal(key, plaintext, aad []byte) ([]byte, error) {
	nonce, ciphertext, err := Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(nonce)+len(ciphertext))
	buf = append(buf, wireVersion)
	buf = append(buf, nonce...)
	buf = append(buf, ciphertext...)
	return buf, nil
}

// StrictOpen decrypts a blob produced by StrictSeal.
func StrictOpen(key, blob, aad []byte) ([]byte, error) {
	if len(blob) < 1+NonceSize+tagSize {
		return nil, ErrCiphertextTooShort
	}
	if blob[0] != wireVersion {
		return nil, fmt.Errorf("envelope: unsupported blob version %d", blob[0])
	}
	nonce := blob[1 : 1+NonceSize]
	ciphertext := blob[1+NonceSize:]
	return Open(key, nonce, ciphertext, aad)
}

// Equal reports whether two blobs are byte-identical; exposed for tests
// that want to assert round-trip stability without depending on bytes.Equal
// directly at call sites outside the package.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
