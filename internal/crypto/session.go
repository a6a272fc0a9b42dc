package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrInvalidKey is returned when a public or private key cannot be parsed
// or does not describe a valid secp256k1 key.
var ErrInvalidKey = errors.New("invalid key")

const (
	compressedPubKeyLen   = 33
	uncompressedPubKeyLen = 65
)

// DeriveSharedKey performs secp256k1 ECDH between our private key and the
// counterpart's public key.
//
// The counterpart key may be compressed (02/03 marker) or uncompressed (04
// marker), with or without a "0x" prefix. Compressed keys are expanded to
// their uncompressed form before use. The result is the big-endian
// x-coordinate of the shared point, always 32 bytes.
//
// For any two identities A and B:
//
//	DeriveSharedKey(B.pub, A.priv) == DeriveSharedKey(A.pub, B.priv)
func DeriveSharedKey(counterpartPublicKeyHex, ownPrivateKeyHex string) (SymmetricKey, error) {
	pub, err := parsePublicKey(counterpartPublicKeyHex)
	if err != nil {
		return SymmetricKey{}, err
	}

	priv, err := parsePrivateKey(ownPrivateKeyHex)
	if err != nil {
		return SymmetricKey{}, err
	}

	return sharedKey(priv, pub), nil
}

// DecompressPublicKey expands a compressed public key into its 65-byte
// uncompressed hex form. Uncompressed input is validated and normalized.
func DecompressPublicKey(publicKeyHex string) (string, error) {
	pub, err := parsePublicKey(publicKeyHex)
	if err != nil {
		return "", err
	}
	return encodeHex(pub.SerializeUncompressed()), nil
}

// ValidatePublicKey reports whether the hex string is a usable counterpart key.
func ValidatePublicKey(publicKeyHex string) error {
	_, err := parsePublicKey(publicKeyHex)
	return err
}

func sharedKey(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey) SymmetricKey {
	var key SymmetricKey
	copy(key[:], secp256k1.GenerateSharedSecret(priv, pub))
	return key
}

func parsePublicKey(s string) (*secp256k1.PublicKey, error) {
	raw := trimHexPrefix(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty public key", ErrInvalidKey)
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex: %v", ErrInvalidKey, err)
	}

	switch len(b) {
	case compressedPubKeyLen:
		if b[0] != 0x02 && b[0] != 0x03 {
			return nil, fmt.Errorf("%w: bad compressed key marker 0x%02x", ErrInvalidKey, b[0])
		}
	case uncompressedPubKeyLen:
		if b[0] != 0x04 {
			return nil, fmt.Errorf("%w: bad uncompressed key marker 0x%02x", ErrInvalidKey, b[0])
		}
	default:
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(b))
	}

	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

func parsePrivateKey(s string) (*secp256k1.PrivateKey, error) {
	raw := trimHexPrefix(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidKey)
	}

	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not hex: %v", ErrInvalidKey, err)
	}
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: private key is %d bytes, want %d", ErrInvalidKey, len(b), secp256k1.PrivKeyBytesLen)
	}

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow {
		return nil, fmt.Errorf("%w: private key exceeds curve order", ErrInvalidKey)
	}
	if scalar.IsZero() {
		return nil, fmt.Errorf("%w: private key is zero", ErrInvalidKey)
	}

	return secp256k1.NewPrivateKey(&scalar), nil
}
