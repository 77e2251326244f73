// Package authcrypto provides the cryptographic primitives for the
// authentication subsystem: hashing, hex codecs, constant-time comparison,
// and signature verification over the two supported algorithm families.
//
// All functions in this package are pure and must never panic on malformed
// input; malformed input simply does not verify.
package authcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Errors
var (
	ErrInvalidHex        = errors.New("authcrypto: invalid hex encoding")
	ErrUnsupportedKey    = errors.New("authcrypto: unsupported public key format")
	ErrEmptyKey          = errors.New("authcrypto: empty public key")
)

// hashDomain separates authentication digests from any other SHA-256 use
// in the daemon.
const hashDomain = "gestured:auth:v1"

// KeyIDSize is the number of digest bytes used as a key identifier.
const KeyIDSize = 16

// Hash computes a domain-separated SHA-256 digest.
// The domain prefix is length-framed so distinct domains can never collide.
func Hash(data []byte) [32]byte {
	h := sha256.New()

	prefix := []byte(hashDomain)
	h.Write([]byte{byte(len(prefix))})
	h.Write(prefix)
	h.Write(data)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

// HashRaw computes an undomained SHA-256 digest. Use this only for
// fingerprints that must match externally defined formats.
func HashRaw(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// EncodeHex returns the lowercase hex encoding of data.
func EncodeHex(data []byte) string {
	return hex.EncodeToString(data)
}

// DecodeHex decodes a hex string, returning a typed error on malformed input.
func DecodeHex(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return out, nil
}

// KeyID returns the stable identifier for a public key: the hex encoding of
// the first KeyIDSize bytes of its domain-separated digest.
func KeyID(publicKey []byte) string {
	digest := Hash(publicKey)
	return hex.EncodeToString(digest[:KeyIDSize])
}

// ConstantTimeEqual compares two byte slices without short-circuiting.
// The full length of the longer input is always scanned, so the time taken
// is independent of the position of the first differing byte.
func ConstantTimeEqual(a, b []byte) bool {
	diff := len(a) ^ len(b)

	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		diff |= int(av ^ bv)
	}

	return diff == 0
}
