package auth

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gestured/internal/authcrypto"
	"gestured/internal/security"
)

// Legacy key file format: a hex blob, optionally wrapped in an encrypted
// envelope. The envelope is a magic prefix, a 16-byte nonce, then the hex
// blob XORed with a keystream derived from the unwrap key and nonce.
const legacyEnvelopeMagic = "GSTDKEY1"

const legacyNonceSize = 16

// LoadLegacyKey reads the single configured public key from path.
// unwrapKey decrypts an enveloped file; a plain hex file ignores it.
func LoadLegacyKey(path string, unwrapKey []byte) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legacy key: %w", err)
	}

	if bytes.HasPrefix(data, []byte(legacyEnvelopeMagic)) {
		body := data[len(legacyEnvelopeMagic):]
		if len(body) < legacyNonceSize {
			return nil, errKind(KindKeyInvalid, "legacy key envelope truncated")
		}
		if len(unwrapKey) == 0 {
			return nil, errKind(KindKeyInvalid, "legacy key is enveloped but no unwrap key configured")
		}

		nonce := body[:legacyNonceSize]
		ciphertext := body[legacyNonceSize:]
		plain := applyEnvelopeKeystream(ciphertext, unwrapKey, nonce)
		defer security.Wipe(plain)

		key, err := authcrypto.DecodeHex(strings.TrimSpace(string(plain)))
		if err != nil {
			return nil, wrapKind(KindKeyInvalid, err, "legacy key envelope did not decrypt to hex")
		}
		return key, nil
	}

	key, err := authcrypto.DecodeHex(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, wrapKind(KindKeyInvalid, err, "legacy key is not valid hex")
	}
	return key, nil
}

// SaveLegacyKey writes the key as an encrypted envelope when unwrapKey is
// set, or as a plain hex blob otherwise.
func SaveLegacyKey(path string, publicKey, unwrapKey []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create legacy key directory: %w", err)
	}

	hexBlob := []byte(authcrypto.EncodeHex(publicKey) + "\n")

	if len(unwrapKey) == 0 {
		return os.WriteFile(path, hexBlob, 0600)
	}

	nonce := make([]byte, legacyNonceSize)
	if err := security.GenerateSecureRandom(nonce); err != nil {
		return err
	}

	out := make([]byte, 0, len(legacyEnvelopeMagic)+legacyNonceSize+len(hexBlob))
	out = append(out, legacyEnvelopeMagic...)
	out = append(out, nonce...)
	out = append(out, applyEnvelopeKeystream(hexBlob, unwrapKey, nonce)...)

	return os.WriteFile(path, out, 0600)
}

// applyEnvelopeKeystream XORs data with Hash(key ++ nonce) extended by
// repeated hashing, the same stream construction the challenge store uses.
func applyEnvelopeKeystream(data, key, nonce []byte) []byte {
	out := make([]byte, len(data))

	seed := make([]byte, 0, len(key)+len(nonce))
	seed = append(seed, key...)
	seed = append(seed, nonce...)
	block := authcrypto.HashRaw(seed)
	security.Wipe(seed)

	for off := 0; off < len(data); {
		n := copy(out[off:], block[:])
		for i := 0; i < n; i++ {
			out[off+i] ^= data[off+i]
		}
		off += n
		block = authcrypto.HashRaw(block[:])
	}

	return out
}
