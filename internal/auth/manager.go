package auth

import (
	"fmt"
	"sync"

	"gestured/internal/audit"
	"gestured/internal/authcrypto"
	"gestured/internal/caller"
	"gestured/internal/devicebind"
	"gestured/internal/logging"
	"gestured/internal/ratelimit"
	"gestured/internal/security"
	"gestured/internal/session"
	"gestured/internal/whitelist"
)

// Config controls the authentication manager.
type Config struct {
	// Enabled gates the whole subsystem. When false every request is
	// granted, which only makes sense for development builds.
	Enabled bool

	// LegacyKeyPath is the single-key fallback file. Empty disables the
	// legacy path entirely.
	LegacyKeyPath string

	// LegacyUnwrapKey decrypts an enveloped legacy key file.
	LegacyUnwrapKey []byte
}

// Result is a successful authentication outcome.
type Result struct {
	// Session is the authenticated session that was created.
	Session session.Session

	// KeyID identifies the matched whitelist entry. Empty when the
	// legacy key matched instead.
	KeyID string

	// TrustState is the matched key's trust state, Legacy for the
	// single-key path.
	TrustState whitelist.TrustState
}

// Decision is the outcome of a pre-authentication gate check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Manager orchestrates challenge issuance, verification, rate limiting,
// device binding and session lifecycle. All dependencies are injected.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	sessions *session.Store
	limiter  *ratelimit.Limiter
	keys     *whitelist.Whitelist
	callers  *caller.Verifier
	device   devicebind.Binder
	auditLog *audit.Log
	log      *logging.Logger

	legacyKey *security.SecureBytes
	legacyAlg authcrypto.Algorithm
}

// New creates a Manager. device and callers may be nil to disable those
// gates; the legacy key is loaded lazily from cfg.LegacyKeyPath.
func New(cfg Config, sessions *session.Store, limiter *ratelimit.Limiter, keys *whitelist.Whitelist, callers *caller.Verifier, device devicebind.Binder, auditLog *audit.Log, log *logging.Logger) (*Manager, error) {
	if sessions == nil {
		return nil, errKind(KindInternal, "session store is required")
	}
	if limiter == nil {
		return nil, errKind(KindInternal, "rate limiter is required")
	}
	if keys == nil {
		return nil, errKind(KindInternal, "whitelist is required")
	}

	m := &Manager{
		cfg:      cfg,
		sessions: sessions,
		limiter:  limiter,
		keys:     keys,
		callers:  callers,
		device:   device,
		auditLog: auditLog,
		log:      log,
	}

	if cfg.LegacyKeyPath != "" {
		key, err := LoadLegacyKey(cfg.LegacyKeyPath, cfg.LegacyUnwrapKey)
		if err == nil {
			alg, algErr := authcrypto.DetectAlgorithm(key)
			if algErr != nil {
				security.Wipe(key)
				return nil, wrapKind(KindKeyInvalid, algErr, "legacy key unusable")
			}
			// Locked memory for the daemon's lifetime; FromBytes wipes
			// the plain copy.
			guarded, gErr := security.FromBytes(key)
			if gErr != nil {
				return nil, wrapKind(KindInternal, gErr, "legacy key guard")
			}
			m.legacyKey = guarded
			m.legacyAlg = alg
		} else if KindOf(err) == KindKeyInvalid {
			// A present but corrupt key file is a configuration error,
			// a missing file just means no legacy key is provisioned.
			return nil, err
		}
	}

	return m, nil
}

// Enabled reports whether authentication is enforced.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Enabled
}

// GetChallenge issues a one-time challenge for the identity. With
// authentication disabled the challenge is empty and any later
// Authenticate call succeeds unconditionally.
func (m *Manager) GetChallenge(uid uint32, pid int32) ([]byte, error) {
	if !m.Enabled() {
		m.record(audit.Event{
			Type:     audit.EventAuthDisabled,
			Severity: audit.SeverityWarning,
			UID:      uid,
			PID:      pid,
			Details:  "challenge requested while authentication is disabled",
		})
		return nil, nil
	}

	challenge, err := m.sessions.CreateChallenge(uid)
	if err != nil {
		return nil, wrapKind(KindInternal, err, "create challenge")
	}

	m.record(audit.Event{
		Type:     audit.EventChallengeIssued,
		Severity: audit.SeverityInfo,
		UID:      uid,
		PID:      pid,
	})
	return challenge, nil
}

// Authenticate verifies a signed challenge and establishes the session.
//
// The gates run cheapest first: rate limiting and device binding are
// checked before any signature verification, and the pending challenge is
// consumed only after verification has actually run, so a failed attempt
// burns the challenge but a rate-limited one does not.
func (m *Manager) Authenticate(instanceID string, uid uint32, pid int32, signature []byte) (Result, error) {
	if !m.Enabled() {
		sess, err := m.sessions.CreateSession(instanceID, uid)
		if err != nil {
			return Result{}, wrapKind(KindSessionConflict, err, "session conflict")
		}
		m.record(audit.Event{
			Type:       audit.EventAuthDisabled,
			Severity:   audit.SeverityWarning,
			UID:        uid,
			PID:        pid,
			InstanceID: instanceID,
			Details:    "authentication disabled, session granted without verification",
		})
		return Result{Session: sess, TrustState: whitelist.TrustLegacy}, nil
	}

	if dec := m.limiter.CheckAllowed(uid); !dec.Allowed {
		m.record(audit.Event{
			Type:       audit.EventRateLimited,
			Severity:   audit.SeverityWarning,
			UID:        uid,
			PID:        pid,
			InstanceID: instanceID,
			Details:    fmt.Sprintf("%s, retry in %s", dec.Reason, dec.RetryAfter),
		})
		return Result{}, errKind(KindRateLimited, "rate limited, retry in %s", dec.RetryAfter)
	}

	if m.device != nil {
		if v := m.device.VerifyDevice(); !v.Verified {
			m.record(audit.Event{
				Type:       audit.EventDeviceMismatch,
				Severity:   audit.SeverityCritical,
				UID:        uid,
				PID:        pid,
				InstanceID: instanceID,
				Details:    v.FailureReason,
			})
			return Result{}, errKind(KindInternal, "device binding check failed: %s", v.FailureReason)
		}
	}

	challenge, err := m.sessions.PendingChallenge(uid)
	if err != nil {
		switch err {
		case session.ErrChallengeExpired:
			m.sessions.ConsumeChallenge(uid)
			m.failure(instanceID, uid, pid, "challenge expired")
			return Result{}, wrapKind(KindChallengeExpired, err, "challenge expired")
		case session.ErrChallengeNotFound:
			m.failure(instanceID, uid, pid, "no pending challenge")
			return Result{}, wrapKind(KindChallengeNotFound, err, "no pending challenge")
		default:
			return Result{}, wrapKind(KindInternal, err, "load challenge")
		}
	}
	defer security.Wipe(challenge)

	keyID, matched := m.verify(challenge, signature)

	// The challenge is one-time regardless of the verdict.
	m.sessions.ConsumeChallenge(uid)

	if !matched {
		m.failure(instanceID, uid, pid, "signature did not match any authorized key")
		return Result{}, errKind(KindSignatureInvalid, "signature verification failed")
	}

	trust := whitelist.TrustLegacy
	if keyID != "" {
		if entry, ok := m.keys.Get(keyID); ok {
			trust = entry.Trust
		}
		m.keys.MarkKeyUsed(keyID)
	}

	sess, err := m.sessions.CreateSession(instanceID, uid)
	if err != nil {
		m.record(audit.Event{
			Type:       audit.EventSessionConflict,
			Severity:   audit.SeverityWarning,
			UID:        uid,
			PID:        pid,
			InstanceID: instanceID,
			Details:    "authentication succeeded but another session is active",
		})
		return Result{}, wrapKind(KindSessionConflict, err, "session conflict")
	}

	m.limiter.RecordSuccess(uid)
	m.record(audit.Event{
		Type:       audit.EventAuthSuccess,
		Severity:   audit.SeverityInfo,
		UID:        uid,
		PID:        pid,
		InstanceID: instanceID,
		Details:    authDetails(keyID),
	})
	m.record(audit.Event{
		Type:       audit.EventSessionCreated,
		Severity:   audit.SeverityInfo,
		UID:        uid,
		PID:        pid,
		InstanceID: instanceID,
	})

	return Result{Session: sess, KeyID: keyID, TrustState: trust}, nil
}

// verify tries the whitelist first, then the legacy single key. Returns
// the matched key ID ("" for legacy) and whether anything matched.
func (m *Manager) verify(challenge, signature []byte) (string, bool) {
	if keyID, ok := m.keys.VerifySignature(challenge, signature); ok {
		return keyID, true
	}

	m.mu.Lock()
	guarded := m.legacyKey
	legacyAlg := m.legacyAlg
	m.mu.Unlock()

	if guarded == nil || guarded.Len() == 0 {
		return "", false
	}
	legacyKey := guarded.Bytes()

	if m.callers != nil {
		fp := authcrypto.Hash(legacyKey)
		match, pinned := m.callers.VerifyPinned(fp[:])
		if pinned && !match {
			m.record(audit.Event{
				Type:     audit.EventPinMismatch,
				Severity: audit.SeverityCritical,
				Details:  "legacy key does not match pinned fingerprint",
			})
			return "", false
		}
	}

	return "", authcrypto.VerifyWithAlgorithm(legacyAlg, legacyKey, challenge, signature)
}

// ValidateSession reports whether (instanceID, uid) holds the live
// session, refreshing its activity timestamp when it does.
func (m *Manager) ValidateSession(instanceID string, uid uint32) bool {
	if !m.Enabled() {
		return true
	}
	return m.sessions.ValidateSession(instanceID, uid)
}

// InvalidateSession drops the active session, if any.
func (m *Manager) InvalidateSession(uid uint32, pid int32) {
	m.sessions.InvalidateSession()
	m.record(audit.Event{
		Type:     audit.EventSessionInvalidated,
		Severity: audit.SeverityInfo,
		UID:      uid,
		PID:      pid,
	})
}

// CheckCallerAllowed runs the process-level allow-lists for (uid, pid).
// It says nothing about sessions; privileged handlers pair it with
// ValidateSession.
func (m *Manager) CheckCallerAllowed(uid uint32, pid int32) Decision {
	if m.callers == nil {
		return Decision{Allowed: true}
	}

	v := m.callers.VerifyCaller(uid, pid)
	if !v.Allowed {
		sev := audit.SeverityWarning
		if v.Tampered {
			sev = audit.SeverityCritical
		}
		m.record(audit.Event{
			Type:     audit.EventCallerRejected,
			Severity: sev,
			UID:      uid,
			PID:      pid,
			Details:  v.Reason,
		})
	}
	return Decision{Allowed: v.Allowed, Reason: v.Reason}
}

// CleanupExpired drops expired challenges, sessions and rate limiter
// records. Returns the number of entries removed.
func (m *Manager) CleanupExpired() int {
	return m.sessions.CleanupExpired() + m.limiter.CleanupExpired()
}

// Close wipes the legacy key and shuts down the session store.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.legacyKey != nil {
		m.legacyKey.Destroy()
		m.legacyKey = nil
	}
	m.mu.Unlock()

	m.sessions.Close()
}

func (m *Manager) failure(instanceID string, uid uint32, pid int32, reason string) {
	m.limiter.RecordFailure(uid)
	m.record(audit.Event{
		Type:       audit.EventAuthFailure,
		Severity:   audit.SeverityWarning,
		UID:        uid,
		PID:        pid,
		InstanceID: instanceID,
		Details:    reason,
	})
}

func (m *Manager) record(ev audit.Event) {
	if m.auditLog != nil {
		m.auditLog.Record(ev)
	}
	if m.log != nil {
		m.log.Debug("audit event", "type", string(ev.Type), "uid", ev.UID, "pid", ev.PID)
	}
}

func authDetails(keyID string) string {
	if keyID == "" {
		return "matched legacy key"
	}
	return "key_id=" + keyID
}
