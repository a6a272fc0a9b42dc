package crypto

import (
	"crypto/rand"
	"fmt"
)

// NewNonce samples a fresh 24-byte nonce from the system CSPRNG.
//
// XSalsa20's 192-bit nonce is large enough that random sampling never
// needs a counter: every Encrypt call draws its own.
func NewNonce() (*[NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return &nonce, nil
}
