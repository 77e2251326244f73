package authcrypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"
)

func TestHashIsDomainSeparated(t *testing.T) {
	data := []byte("some message")
	domained := Hash(data)
	raw := sha256.Sum256(data)
	if domained == raw {
		t.Fatal("Hash must not equal a bare SHA-256 of the input")
	}
}

func TestHashDeterministic(t *testing.T) {
	a := Hash([]byte("payload"))
	b := Hash([]byte("payload"))
	if a != b {
		t.Fatal("same input produced different digests")
	}
	c := Hash([]byte("payloae"))
	if a == c {
		t.Fatal("different inputs produced the same digest")
	}
}

func TestKeyID(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	id := KeyID(pub)
	if len(id) != KeyIDSize*2 {
		t.Fatalf("key id length = %d, want %d hex chars", len(id), KeyIDSize*2)
	}
	if id != KeyID(pub) {
		t.Fatal("key id is not stable")
	}

	other, _, _ := ed25519.GenerateKey(rand.Reader)
	if id == KeyID(other) {
		t.Fatal("distinct keys produced the same id")
	}
}

func TestHexRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0xff}
	decoded, err := DecodeHex(EncodeHex(data))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("roundtrip mismatch: %x", decoded)
	}

	if _, err := DecodeHex("not hex"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b []byte
		want bool
	}{
		{"equal", []byte("abcdef"), []byte("abcdef"), true},
		{"different", []byte("abcdef"), []byte("abcdeg"), false},
		{"different first byte", []byte("xbcdef"), []byte("abcdef"), false},
		{"shorter", []byte("abc"), []byte("abcdef"), false},
		{"longer", []byte("abcdef"), []byte("abc"), false},
		{"both empty", nil, nil, true},
		{"one empty", []byte("a"), nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ConstantTimeEqual(tc.a, tc.b); got != tc.want {
				t.Fatalf("ConstantTimeEqual = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDetectAlgorithm(t *testing.T) {
	edPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if alg, err := DetectAlgorithm(edPub); err != nil || alg != AlgorithmEd25519 {
		t.Fatalf("ed25519 detection: alg=%v err=%v", alg, err)
	}

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ecPub := elliptic.Marshal(elliptic.P256(), ecKey.X, ecKey.Y)
	if alg, err := DetectAlgorithm(ecPub); err != nil || alg != AlgorithmEcdsaP256 {
		t.Fatalf("ecdsa detection: alg=%v err=%v", alg, err)
	}

	if _, err := DetectAlgorithm([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for unrecognizable key")
	}
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	msg := []byte("challenge bytes")
	sig := ed25519.Sign(priv, msg)

	if !Verify(pub, msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if Verify(pub, []byte("other message"), sig) {
		t.Fatal("signature accepted for wrong message")
	}

	sig[0] ^= 0xff
	if Verify(pub, msg, sig) {
		t.Fatal("corrupted signature accepted")
	}
}

func TestVerifyEcdsaP256(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	pub := elliptic.Marshal(elliptic.P256(), key.X, key.Y)

	msg := []byte("challenge bytes")
	digest := HashRaw(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	if !VerifyWithAlgorithm(AlgorithmEcdsaP256, pub, msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyWithAlgorithm(AlgorithmEcdsaP256, pub, []byte("other"), sig) {
		t.Fatal("signature accepted for wrong message")
	}
}

func TestVerifyNeverPanicsOnGarbage(t *testing.T) {
	if Verify([]byte{0x04, 0x01}, []byte("m"), []byte("s")) {
		t.Fatal("garbage key verified")
	}
	if VerifyWithAlgorithm(AlgorithmEd25519, nil, []byte("m"), nil) {
		t.Fatal("nil key verified")
	}
	if VerifyWithAlgorithm(AlgorithmUnknown, []byte("k"), []byte("m"), []byte("s")) {
		t.Fatal("unknown algorithm verified")
	}
}

func TestParseAlgorithm(t *testing.T) {
	if alg, err := ParseAlgorithm("ed25519"); err != nil || alg != AlgorithmEd25519 {
		t.Fatalf("ed25519: alg=%v err=%v", alg, err)
	}
	if alg, err := ParseAlgorithm("ecdsa-p256"); err != nil || alg != AlgorithmEcdsaP256 {
		t.Fatalf("ecdsa-p256: alg=%v err=%v", alg, err)
	}
	if _, err := ParseAlgorithm("rsa"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
