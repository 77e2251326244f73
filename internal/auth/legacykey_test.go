package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyKeyPlainRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_key")
	key := []byte{0x01, 0x02, 0x03, 0xfe, 0xff}

	require.NoError(t, SaveLegacyKey(path, key, nil))

	loaded, err := LoadLegacyKey(path, nil)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)

	// The plain format is a hex blob, no envelope magic.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), legacyEnvelopeMagic)
}

func TestLegacyKeyEnvelopeRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_key")
	key := []byte{0x10, 0x20, 0x30, 0x40}
	unwrap := []byte("0123456789abcdef0123456789abcdef")

	require.NoError(t, SaveLegacyKey(path, key, unwrap))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, legacyEnvelopeMagic, string(raw[:len(legacyEnvelopeMagic)]))

	loaded, err := LoadLegacyKey(path, unwrap)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)
}

func TestLegacyKeyEnvelopeWrongUnwrapKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_key")
	unwrap := []byte("0123456789abcdef0123456789abcdef")

	require.NoError(t, SaveLegacyKey(path, []byte{0x10, 0x20}, unwrap))

	_, err := LoadLegacyKey(path, []byte("wrong key material here........."))
	require.Error(t, err)
	assert.Equal(t, KindKeyInvalid, KindOf(err))
}

func TestLegacyKeyEnvelopeWithoutUnwrapKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_key")
	unwrap := []byte("0123456789abcdef0123456789abcdef")

	require.NoError(t, SaveLegacyKey(path, []byte{0x10, 0x20}, unwrap))

	_, err := LoadLegacyKey(path, nil)
	require.Error(t, err)
	assert.Equal(t, KindKeyInvalid, KindOf(err))
}

func TestLegacyKeyTruncatedEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_key")
	require.NoError(t, os.WriteFile(path, []byte(legacyEnvelopeMagic+"short"), 0600))

	_, err := LoadLegacyKey(path, []byte("key"))
	require.Error(t, err)
	assert.Equal(t, KindKeyInvalid, KindOf(err))
}

func TestLegacyKeyInvalidHex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth_key")
	require.NoError(t, os.WriteFile(path, []byte("not hex at all"), 0600))

	_, err := LoadLegacyKey(path, nil)
	require.Error(t, err)
	assert.Equal(t, KindKeyInvalid, KindOf(err))
}

func TestLegacyKeyMissingFile(t *testing.T) {
	_, err := LoadLegacyKey(filepath.Join(t.TempDir(), "nope"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
