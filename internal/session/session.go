// Package session implements the challenge and session store for the
// authentication subsystem.
//
// Challenges are one-time 32-byte random values bound to a caller identity.
// They are held only in memory and only in encrypted form; the decryption
// key lives for the process lifetime and is never persisted. At most one
// authenticated session exists at a time, expiring after an idle timeout
// measured from last activity.
package session

import (
	"errors"
	"sync"
	"time"

	"gestured/internal/authcrypto"
	"gestured/internal/security"
)

// Errors
var (
	ErrChallengeNotFound = errors.New("session: no pending challenge")
	ErrChallengeExpired  = errors.New("session: challenge expired")
	ErrSessionConflict   = errors.New("session: another instance holds the active session")
	ErrStoreClosed       = errors.New("session: store is closed")
)

// ChallengeSize is the size of a challenge in bytes.
const ChallengeSize = 32

// nonceSize is the per-challenge encryption nonce size.
const nonceSize = 16

// Config holds the store timeouts.
type Config struct {
	// ChallengeTTL is how long an unconsumed challenge stays valid.
	ChallengeTTL time.Duration

	// IdleTimeout is the session expiry measured from last activity.
	IdleTimeout time.Duration
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		ChallengeTTL: 30 * time.Second,
		IdleTimeout:  5 * time.Minute,
	}
}

// Session identifies the single authenticated client instance.
type Session struct {
	InstanceID   string
	UID          uint32
	CreatedAt    time.Time
	LastActivity time.Time
}

// challengeEntry is a pending challenge, encrypted at rest.
type challengeEntry struct {
	ciphertext []byte
	nonce      []byte
	createdAt  time.Time
}

// Store issues one-time challenges and tracks the active session.
type Store struct {
	mu         sync.Mutex
	cfg        Config
	sessionKey *security.SecureBytes
	challenges map[uint32]*challengeEntry
	active     *Session
	closed     bool

	// now is replaceable for tests.
	now func() time.Time
}

// NewStore creates a Store with a fresh process-lifetime encryption key.
func NewStore(cfg Config) (*Store, error) {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultConfig().ChallengeTTL
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}

	master, err := security.GenerateKey(security.RecommendedKeySize)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(master)

	derived, err := security.DeriveKeyWithLabel(master, "challenge-store", security.RecommendedKeySize)
	if err != nil {
		return nil, err
	}

	// Hold the key in locked memory; FromBytes wipes the plain copy.
	sessionKey, err := security.FromBytes(derived)
	if err != nil {
		return nil, err
	}

	return &Store{
		cfg:        cfg,
		sessionKey: sessionKey,
		challenges: make(map[uint32]*challengeEntry),
		now:        time.Now,
	}, nil
}

// CreateChallenge generates and stores a challenge for uid, returning the
// plaintext to hand to the caller. A new request overwrites any pending
// challenge for the same identity.
func (s *Store) CreateChallenge(uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	plaintext := make([]byte, ChallengeSize)
	if err := security.GenerateSecureRandom(plaintext); err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if err := security.GenerateSecureRandom(nonce); err != nil {
		security.Wipe(plaintext)
		return nil, err
	}

	if old, ok := s.challenges[uid]; ok {
		wipeEntry(old)
	}

	s.challenges[uid] = &challengeEntry{
		ciphertext: s.applyKeystream(plaintext, nonce),
		nonce:      nonce,
		createdAt:  s.now(),
	}

	return plaintext, nil
}

// PendingChallenge returns the decrypted challenge for uid if one exists and
// has not exceeded its TTL. Expired entries are reported as expired but not
// purged here; the cleanup sweep handles eviction.
func (s *Store) PendingChallenge(uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entry, ok := s.challenges[uid]
	if !ok {
		return nil, ErrChallengeNotFound
	}

	if s.now().Sub(entry.createdAt) > s.cfg.ChallengeTTL {
		return nil, ErrChallengeExpired
	}

	return s.applyKeystream(entry.ciphertext, entry.nonce), nil
}

// ConsumeChallenge wipes and removes the stored challenge for uid. It is
// called exactly once per authentication attempt, success or failure, so a
// challenge can never be replayed.
func (s *Store) ConsumeChallenge(uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.challenges[uid]
	if !ok {
		return ErrChallengeNotFound
	}

	wipeEntry(entry)
	delete(s.challenges, uid)
	return nil
}

// CreateSession creates or refreshes the session for instanceID.
//
// If an unexpired session belongs to a different instance the call fails
// with ErrSessionConflict; there is no preemption.
func (s *Store) CreateSession(instanceID string, uid uint32) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Session{}, ErrStoreClosed
	}

	now := s.now()

	if s.active != nil && !s.expiredLocked(now) && s.active.InstanceID != instanceID {
		return Session{}, ErrSessionConflict
	}

	if s.active != nil && s.active.InstanceID == instanceID && !s.expiredLocked(now) {
		s.active.LastActivity = now
		return *s.active, nil
	}

	s.active = &Session{
		InstanceID:   instanceID,
		UID:          uid,
		CreatedAt:    now,
		LastActivity: now,
	}
	return *s.active, nil
}

// ValidateSession reports whether (instanceID, uid) matches the active,
// unexpired session. Any mismatch returns false without revealing which
// field failed. A successful validation refreshes the activity clock.
func (s *Store) ValidateSession(instanceID string, uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.active == nil {
		return false
	}

	now := s.now()
	if s.expiredLocked(now) {
		s.active = nil
		return false
	}

	if s.active.InstanceID != instanceID || s.active.UID != uid {
		return false
	}

	s.active.LastActivity = now
	return true
}

// ActiveSession returns a copy of the active session, if any.
func (s *Store) ActiveSession() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.expiredLocked(s.now()) {
		return Session{}, false
	}
	return *s.active, true
}

// InvalidateSession drops the active session.
func (s *Store) InvalidateSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = nil
}

// CleanupExpired evicts expired challenges and an expired session, wiping
// challenge material. The host invokes this on an interval.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for uid, entry := range s.challenges {
		if now.Sub(entry.createdAt) > s.cfg.ChallengeTTL {
			wipeEntry(entry)
			delete(s.challenges, uid)
			removed++
		}
	}

	if s.active != nil && s.expiredLocked(now) {
		s.active = nil
	}

	return removed
}

// Close wipes all cryptographic material. The store is unusable afterwards.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for uid, entry := range s.challenges {
		wipeEntry(entry)
		delete(s.challenges, uid)
	}

	s.sessionKey.Destroy()
	s.active = nil
	s.closed = true
}

// expiredLocked reports whether the active session is past its idle timeout.
func (s *Store) expiredLocked(now time.Time) bool {
	return s.active != nil && now.Sub(s.active.LastActivity) > s.cfg.IdleTimeout
}

// applyKeystream XORs data with a keystream bound to the per-entry nonce.
// The stream is Hash(sessionKey ++ nonce), extended by repeated hashing
// when the data is longer than one digest.
func (s *Store) applyKeystream(data, nonce []byte) []byte {
	out := make([]byte, len(data))

	key := s.sessionKey.Bytes()
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

func wipeEntry(e *challengeEntry) {
	security.Wipe(e.ciphertext)
	security.Wipe(e.nonce)
}
