package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestured/internal/devicebind"
	"gestured/internal/ratelimit"
	"gestured/internal/session"
	"gestured/internal/whitelist"
)

// deniedBinder fails every device check.
type deniedBinder struct{}

func (deniedBinder) VerifyDevice() devicebind.Verdict {
	return devicebind.Verdict{FailureReason: "device fingerprint changed"}
}

type testEnv struct {
	mgr  *Manager
	keys *whitelist.Whitelist
	priv ed25519.PrivateKey
	id   string
}

// newTestEnv builds a manager with one authorized (legacy-imported)
// whitelist key and no caller or device gates.
func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	keys, err := whitelist.Open(filepath.Join(t.TempDir(), "keys.db"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	entry, _, err := keys.ImportLegacy(pub)
	require.NoError(t, err)

	sessions, err := session.NewStore(session.DefaultConfig())
	require.NoError(t, err)

	limiter := ratelimit.New(ratelimit.DefaultConfig())

	mgr, err := New(cfg, sessions, limiter, keys, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &testEnv{mgr: mgr, keys: keys, priv: priv, id: entry.ID}
}

func enabledConfig() Config {
	return Config{Enabled: true}
}

func (e *testEnv) authenticate(t *testing.T, instanceID string) (Result, error) {
	t.Helper()
	challenge, err := e.mgr.GetChallenge(1000, 42)
	require.NoError(t, err)
	return e.mgr.Authenticate(instanceID, 1000, 42, ed25519.Sign(e.priv, challenge))
}

func TestAuthenticateHappyPath(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	res, err := env.authenticate(t, "instance-a")
	require.NoError(t, err)
	assert.Equal(t, env.id, res.KeyID)
	assert.Equal(t, whitelist.TrustLegacy, res.TrustState)
	assert.Equal(t, "instance-a", res.Session.InstanceID)
	assert.True(t, env.mgr.ValidateSession("instance-a", 1000))
}

func TestAuthenticateWithoutChallenge(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	_, err := env.mgr.Authenticate("instance-a", 1000, 42, []byte("sig"))
	require.Error(t, err)
	assert.Equal(t, KindChallengeNotFound, KindOf(err))
}

func TestFailedAttemptConsumesChallenge(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	_, err := env.mgr.GetChallenge(1000, 42)
	require.NoError(t, err)

	_, err = env.mgr.Authenticate("instance-a", 1000, 42, []byte("bad signature"))
	require.Error(t, err)
	assert.Equal(t, KindSignatureInvalid, KindOf(err))

	// The challenge is gone; a retry must fetch a new one.
	_, err = env.mgr.Authenticate("instance-a", 1000, 42, []byte("bad signature"))
	assert.Equal(t, KindChallengeNotFound, KindOf(err))
}

func TestChallengeCannotBeReplayed(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	challenge, err := env.mgr.GetChallenge(1000, 42)
	require.NoError(t, err)
	sig := ed25519.Sign(env.priv, challenge)

	_, err = env.mgr.Authenticate("instance-a", 1000, 42, sig)
	require.NoError(t, err)

	// Same valid signature again: the challenge was consumed.
	_, err = env.mgr.Authenticate("instance-a", 1000, 42, sig)
	require.Error(t, err)
	assert.Equal(t, KindChallengeNotFound, KindOf(err))
}

func TestRateLimitAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	for i := 0; i < 5; i++ {
		_, err := env.mgr.GetChallenge(1000, 42)
		require.NoError(t, err)
		_, err = env.mgr.Authenticate("instance-a", 1000, 42, []byte("bad signature"))
		require.Error(t, err)
	}

	_, err := env.mgr.GetChallenge(1000, 42)
	require.NoError(t, err)
	_, err = env.mgr.Authenticate("instance-a", 1000, 42, []byte("bad signature"))
	assert.Equal(t, KindRateLimited, KindOf(err))

	// A different identity is unaffected.
	challenge, err := env.mgr.GetChallenge(2000, 42)
	require.NoError(t, err)
	_, err = env.mgr.Authenticate("instance-b", 2000, 42, ed25519.Sign(env.priv, challenge))
	require.NoError(t, err)
}

func TestSessionConflictSurfaced(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	_, err := env.authenticate(t, "instance-a")
	require.NoError(t, err)

	_, err = env.authenticate(t, "instance-b")
	require.Error(t, err)
	assert.Equal(t, KindSessionConflict, KindOf(err))

	// The original session survives the conflict.
	assert.True(t, env.mgr.ValidateSession("instance-a", 1000))
}

func TestInvalidateSessionFreesSlot(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	_, err := env.authenticate(t, "instance-a")
	require.NoError(t, err)

	env.mgr.InvalidateSession(1000, 42)
	assert.False(t, env.mgr.ValidateSession("instance-a", 1000))

	_, err = env.authenticate(t, "instance-b")
	require.NoError(t, err)
}

func TestDeviceBindingFailureBlocksAuth(t *testing.T) {
	keys, err := whitelist.Open(filepath.Join(t.TempDir(), "keys.db"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })

	sessions, err := session.NewStore(session.DefaultConfig())
	require.NoError(t, err)

	mgr, err := New(enabledConfig(), sessions, ratelimit.New(ratelimit.DefaultConfig()), keys, nil, deniedBinder{}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	_, err = mgr.GetChallenge(1000, 42)
	require.NoError(t, err)
	_, err = mgr.Authenticate("instance-a", 1000, 42, []byte("sig"))
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestLegacyKeyFallback(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "auth_key")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, SaveLegacyKey(keyPath, pub, nil))

	keys, err := whitelist.Open(filepath.Join(dir, "keys.db"), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })

	sessions, err := session.NewStore(session.DefaultConfig())
	require.NoError(t, err)

	mgr, err := New(Config{Enabled: true, LegacyKeyPath: keyPath},
		sessions, ratelimit.New(ratelimit.DefaultConfig()), keys, nil, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	challenge, err := mgr.GetChallenge(1000, 42)
	require.NoError(t, err)

	res, err := mgr.Authenticate("instance-a", 1000, 42, ed25519.Sign(priv, challenge))
	require.NoError(t, err)
	assert.Empty(t, res.KeyID, "legacy path reports an empty key id")
	assert.Equal(t, whitelist.TrustLegacy, res.TrustState)

	// The key lives in guarded memory and Close destroys it.
	require.NotNil(t, mgr.legacyKey)
	mgr.Close()
	assert.Nil(t, mgr.legacyKey)
}

func TestDisabledGrantsEverything(t *testing.T) {
	env := newTestEnv(t, Config{Enabled: false})

	challenge, err := env.mgr.GetChallenge(1000, 42)
	require.NoError(t, err)
	assert.Nil(t, challenge)

	res, err := env.mgr.Authenticate("instance-a", 1000, 42, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Session.InstanceID)
	assert.True(t, env.mgr.ValidateSession("instance-a", 1000))
	assert.True(t, env.mgr.ValidateSession("anything", 9999))
}

func TestMarkKeyUsedOnSuccess(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	before, ok := env.keys.Get(env.id)
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	_, err := env.authenticate(t, "instance-a")
	require.NoError(t, err)

	after, ok := env.keys.Get(env.id)
	require.True(t, ok)
	assert.True(t, after.LastUsedAt.After(before.LastUsedAt))
}

func TestCheckCallerAllowedWithoutVerifier(t *testing.T) {
	env := newTestEnv(t, enabledConfig())

	dec := env.mgr.CheckCallerAllowed(1000, 42)
	assert.True(t, dec.Allowed)
}
