package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrAuthenticationFailed is returned when a ciphertext does not verify
	// under the given key and nonce.
	ErrAuthenticationFailed = errors.New("authentication failed: ciphertext has been tampered with or key is wrong")
)

// Encrypt seals plaintext with XSalsa20-Poly1305 under key.
//
// A fresh random nonce is drawn for every call and returned alongside the
// ciphertext; the caller ships both. The ciphertext carries a 16-byte
// Poly1305 tag in front of the encrypted bytes, matching NaCl's box.after
// layout so that peers using other NaCl bindings can open it.
//
// Returns:
//   - nonce: 24 bytes, never reused
//   - ciphertext: len(plaintext)+Overhead bytes
//   - error if the random source fails
func Encrypt(plaintext []byte, key SymmetricKey) (nonce, ciphertext []byte, err error) {
	n, err := NewNonce()
	if err != nil {
		return nil, nil, err
	}

	k := [KeySize]byte(key)
	ciphertext = secretbox.Seal(nil, plaintext, n, &k)
	return n[:], ciphertext, nil
}

// Decrypt opens a ciphertext produced by Encrypt.
//
// Any mismatch (wrong key, altered nonce, altered or truncated ciphertext,
// wrong nonce length) yields ErrAuthenticationFailed and no plaintext.
func Decrypt(nonce, ciphertext []byte, key SymmetricKey) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce is %d bytes, want %d", ErrAuthenticationFailed, len(nonce), NonceSize)
	}
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short (%d bytes)", ErrAuthenticationFailed, len(ciphertext))
	}

	var n [NonceSize]byte
	copy(n[:], nonce)
	k := [KeySize]byte(key)

	plaintext, ok := secretbox.Open(nil, ciphertext, &n, &k)
	if !ok {
		return nil, ErrAuthenticationFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
