// Package crypto provides the cryptographic primitives for WhisperLink chats.
//
// This package implements:
//   - secp256k1 identity keypairs, generated once per process
//   - ECDH shared key derivation (x-coordinate of the shared point)
//   - XSalsa20-Poly1305 authenticated encryption with random 24-byte nonces
//   - BLAKE3 digests for content handles and key fingerprints
//
// Keys travel as hex strings. Public keys are 65-byte uncompressed points
// ("0x04..."), private keys are 32-byte scalars ("0x..."). The "0x" prefix
// is optional on input.
package crypto

import (
	"encoding/hex"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// KeySize is the length of a derived symmetric key.
	KeySize = 32

	// NonceSize is the length of a secretbox nonce.
	NonceSize = 24

	// Overhead is the Poly1305 tag length added to every ciphertext.
	Overhead = 16

	hexPrefix = "0x"
)

// Identity is a secp256k1 keypair owned by the local participant.
// It lives in memory only and is never rotated.
type Identity struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// SymmetricKey is the 32-byte secret shared by two identities.
type SymmetricKey [KeySize]byte

// Fingerprint returns a short printable digest of the key, safe to log.
func (k SymmetricKey) Fingerprint() string {
	return shortDigest(k[:])
}

func trimHexPrefix(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, hexPrefix) || strings.HasPrefix(s, "0X") {
		return s[2:]
	}
	return s
}

func encodeHex(b []byte) string {
	return hexPrefix + hex.EncodeToString(b)
}
