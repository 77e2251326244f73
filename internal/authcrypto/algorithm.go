package authcrypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/x509"
	"fmt"
)

// Algorithm identifies a supported signature algorithm family.
type Algorithm int

const (
	// AlgorithmUnknown is the zero value; keys must never carry it.
	AlgorithmUnknown Algorithm = iota

	// AlgorithmEd25519 uses raw 32-byte public keys and 64-byte signatures.
	AlgorithmEd25519

	// AlgorithmEcdsaP256 uses DER-encoded (SPKI or uncompressed-point)
	// public keys and ASN.1/DER signatures over P-256.
	AlgorithmEcdsaP256
)

// String returns the wire name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmEd25519:
		return "ed25519"
	case AlgorithmEcdsaP256:
		return "ecdsa-p256"
	default:
		return "unknown"
	}
}

// ParseAlgorithm maps a wire name back to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "ed25519":
		return AlgorithmEd25519, nil
	case "ecdsa-p256":
		return AlgorithmEcdsaP256, nil
	default:
		return AlgorithmUnknown, fmt.Errorf("%w: algorithm %q", ErrUnsupportedKey, s)
	}
}

// DetectAlgorithm classifies a public key by its byte shape.
//
// Recognized forms:
//   - 32 bytes                      raw Ed25519 key
//   - 65 bytes starting with 0x04   uncompressed P-256 point
//   - DER SEQUENCE (0x30)           SPKI wrapping either algorithm
func DetectAlgorithm(publicKey []byte) (Algorithm, error) {
	if len(publicKey) == 0 {
		return AlgorithmUnknown, ErrEmptyKey
	}

	if len(publicKey) == ed25519.PublicKeySize {
		return AlgorithmEd25519, nil
	}

	if len(publicKey) == 65 && publicKey[0] == 0x04 {
		return AlgorithmEcdsaP256, nil
	}

	if publicKey[0] == 0x30 {
		parsed, err := x509.ParsePKIXPublicKey(publicKey)
		if err != nil {
			return AlgorithmUnknown, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
		}
		switch k := parsed.(type) {
		case ed25519.PublicKey:
			return AlgorithmEd25519, nil
		case *ecdsa.PublicKey:
			if k.Curve == elliptic.P256() {
				return AlgorithmEcdsaP256, nil
			}
			return AlgorithmUnknown, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
	}

	return AlgorithmUnknown, fmt.Errorf("%w: %d bytes", ErrUnsupportedKey, len(publicKey))
}

// Verify checks a signature against a public key, dispatching on the
// detected algorithm. Malformed keys or signatures do not verify; this
// function never panics.
func Verify(publicKey, message, signature []byte) bool {
	alg, err := DetectAlgorithm(publicKey)
	if err != nil {
		return false
	}
	return VerifyWithAlgorithm(alg, publicKey, message, signature)
}

// VerifyWithAlgorithm checks a signature using a known algorithm tag.
func VerifyWithAlgorithm(alg Algorithm, publicKey, message, signature []byte) bool {
	switch alg {
	case AlgorithmEd25519:
		return verifyEd25519(publicKey, message, signature)
	case AlgorithmEcdsaP256:
		return verifyEcdsaP256(publicKey, message, signature)
	default:
		return false
	}
}

func verifyEd25519(publicKey, message, signature []byte) bool {
	key := normalizeEd25519(publicKey)
	if key == nil {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, message, signature)
}

func verifyEcdsaP256(publicKey, message, signature []byte) bool {
	key := normalizeEcdsaP256(publicKey)
	if key == nil {
		return false
	}
	digest := HashRaw(message)
	return ecdsa.VerifyASN1(key, digest[:], signature)
}

// normalizeEd25519 accepts raw or SPKI-wrapped Ed25519 keys.
func normalizeEd25519(publicKey []byte) ed25519.PublicKey {
	if len(publicKey) == ed25519.PublicKeySize {
		return ed25519.PublicKey(publicKey)
	}

	parsed, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return nil
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil
	}
	return key
}

// normalizeEcdsaP256 accepts uncompressed-point or SPKI-wrapped P-256 keys.
func normalizeEcdsaP256(publicKey []byte) *ecdsa.PublicKey {
	if len(publicKey) == 65 && publicKey[0] == 0x04 {
		x, y := elliptic.Unmarshal(elliptic.P256(), publicKey)
		if x == nil {
			return nil
		}
		return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	}

	parsed, err := x509.ParsePKIXPublicKey(publicKey)
	if err != nil {
		return nil
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok || key.Curve != elliptic.P256() {
		return nil
	}
	return key
}
