package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// GenerateIdentity samples a fresh secp256k1 keypair.
//
// Returns:
//   - Identity holding the private scalar and its public point
//   - error if the system random source fails
func GenerateIdentity() (*Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate secp256k1 keypair: %w", err)
	}

	return &Identity{priv: priv, pub: priv.PubKey()}, nil
}

// IdentityFromPrivateKey rebuilds an identity from a hex private key.
func IdentityFromPrivateKey(privateKeyHex string) (*Identity, error) {
	priv, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: priv.PubKey()}, nil
}

// PublicKeyHex returns the uncompressed public key as "0x04...".
func (id *Identity) PublicKeyHex() string {
	return encodeHex(id.pub.SerializeUncompressed())
}

// CompressedPublicKeyHex returns the 33-byte compressed public key as
// "0x02..." or "0x03...".
func (id *Identity) CompressedPublicKeyHex() string {
	return encodeHex(id.pub.SerializeCompressed())
}

// PrivateKeyHex returns the 32-byte private scalar as "0x...".
func (id *Identity) PrivateKeyHex() string {
	return encodeHex(id.priv.Serialize())
}

// Address is the identifier peers use to reach this identity. It is the
// uncompressed public key hex.
func (id *Identity) Address() string {
	return id.PublicKeyHex()
}

// Fingerprint returns a short digest of the public key for display and logs.
func (id *Identity) Fingerprint() string {
	return PublicKeyFingerprint(id.PublicKeyHex())
}

// SharedKey derives the symmetric key shared with the given counterpart.
func (id *Identity) SharedKey(counterpartPublicKeyHex string) (SymmetricKey, error) {
	pub, err := parsePublicKey(counterpartPublicKeyHex)
	if err != nil {
		return SymmetricKey{}, err
	}
	return sharedKey(id.priv, pub), nil
}
