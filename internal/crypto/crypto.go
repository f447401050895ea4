// Package crypto wraps the signing, verification, and hashing primitives
// used by the transaction validator and fingerprint accumulator. It is
// intentionally thin: every operation here is a pure function of its
// explicit inputs, never of ambient randomness or wall-clock time, per the
// determinism requirements of the executor's seeded environment.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// VerifyEd25519 reports whether signatureHex is a valid Ed25519 signature by
// senderHex over msg. Malformed hex inputs return false rather than an error,
// since callers treat any verification failure identically (signature-invalid).
func VerifyEd25519(senderHex, signatureHex string, msg []byte) bool {
	pub, err := hex.DecodeString(senderHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// SHA3_256Hex returns the lowercase-hex SHA3-256 digest of data, matching the
// transaction-hash digest used by the reference implementation.
func SHA3_256Hex(data []byte) string {
	h := sha3.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256Hex returns the lowercase-hex SHA-256 digest of data, used for
// snapshot chunk integrity checks.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// DecodeHexUTF8 decodes a hex string into its UTF-8 byte content, as used by
// the transaction wire form (hex(UTF-8(JSON(...)))).
func DecodeHexUTF8(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex wire form: %w", err)
	}
	return b, nil
}

// EncodeHexUTF8 is the inverse of DecodeHexUTF8.
func EncodeHexUTF8(b []byte) string {
	return hex.EncodeToString(b)
}
