package crypto

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

const fingerprintLen = 8

// ContentDigest returns the BLAKE3 digest of data as lowercase hex. It is
// used as a content handle for file payloads.
func ContentDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PublicKeyFingerprint returns a short BLAKE3 fingerprint of a public key.
// Compressed and uncompressed encodings of the same key share a fingerprint.
// Unparseable input is fingerprinted as-is.
func PublicKeyFingerprint(publicKeyHex string) string {
	if pub, err := parsePublicKey(publicKeyHex); err == nil {
		return shortDigest(pub.SerializeUncompressed())
	}
	return shortDigest([]byte(publicKeyHex))
}

func shortDigest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:fingerprintLen])
}
