// Package whitelist maintains the dynamic set of public keys allowed to
// authenticate, each carrying a trust state and an optional attestation
// record.
//
// Every mutation is written to durable storage synchronously before being
// reflected in memory, so a crash mid-write can never leave memory and disk
// inconsistent in the direction of granting trust.
package whitelist

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gestured/internal/attest"
	"gestured/internal/audit"
	"gestured/internal/authcrypto"
)

// Errors
var (
	ErrKeyNotFound         = errors.New("whitelist: key not found")
	ErrKeyInvalid          = errors.New("whitelist: key is invalid")
	ErrKeyRejected         = errors.New("whitelist: key is rejected")
	ErrAttestationRejected = errors.New("whitelist: attestation verification failed")
)

// TrustState is the lifecycle stage of a whitelisted key.
type TrustState int

const (
	// TrustPending means the key was added without a verified attestation
	// and cannot authenticate yet.
	TrustPending TrustState = iota

	// TrustTrusted means an attestation chain verified against the key.
	TrustTrusted

	// TrustLegacy marks keys imported from the single-key deployment mode.
	TrustLegacy

	// TrustRejected means attestation verification failed. This is a
	// one-way transition; the key can never authenticate again.
	TrustRejected
)

// String returns the durable-storage name of the trust state.
func (t TrustState) String() string {
	switch t {
	case TrustTrusted:
		return "TRUSTED"
	case TrustLegacy:
		return "LEGACY"
	case TrustRejected:
		return "REJECTED"
	default:
		return "PENDING_ATTESTATION"
	}
}

// parseTrustState maps a stored name back to a TrustState.
func parseTrustState(s string) (TrustState, error) {
	switch s {
	case "PENDING_ATTESTATION":
		return TrustPending, nil
	case "TRUSTED":
		return TrustTrusted, nil
	case "LEGACY":
		return TrustLegacy, nil
	case "REJECTED":
		return TrustRejected, nil
	default:
		return TrustPending, fmt.Errorf("whitelist: unknown trust state %q", s)
	}
}

// AttestationRecord captures what a verified attestation vouched for.
type AttestationRecord struct {
	Verified      bool
	PackageName   string
	AppSignature  []byte
	SecurityLevel string
}

// KeyEntry is one whitelisted public key.
type KeyEntry struct {
	ID          string
	Algorithm   authcrypto.Algorithm
	PublicKey   []byte
	CreatedAt   time.Time
	LastUsedAt  time.Time
	Active      bool
	Trust       TrustState
	Attestation *AttestationRecord
}

// CanAuthenticate reports whether the key may take part in signature
// matching. Only active Trusted or Legacy keys qualify.
func (e *KeyEntry) CanAuthenticate() bool {
	return e.Active && (e.Trust == TrustTrusted || e.Trust == TrustLegacy)
}

// clone returns a deep copy safe to hand to callers.
func (e *KeyEntry) clone() KeyEntry {
	out := *e
	out.PublicKey = append([]byte(nil), e.PublicKey...)
	if e.Attestation != nil {
		att := *e.Attestation
		att.AppSignature = append([]byte(nil), e.Attestation.AppSignature...)
		out.Attestation = &att
	}
	return out
}

// Whitelist is the persisted key set. It is constructed explicitly and
// injected; tests point it at a temporary storage location.
type Whitelist struct {
	mu       sync.Mutex
	store    *store
	entries  map[string]*KeyEntry
	order    []string
	verifier attest.Verifier
	auditLog *audit.Log

	// now is replaceable for tests.
	now func() time.Time
}

// Open loads the whitelist from the sqlite database at path, creating it
// if necessary. verifier may be nil when no attestation support is wired;
// auditLog may be nil in tests.
func Open(path string, verifier attest.Verifier, auditLog *audit.Log) (*Whitelist, error) {
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}

	entries, order, err := st.loadAll()
	if err != nil {
		st.close()
		return nil, err
	}

	return &Whitelist{
		store:    st,
		entries:  entries,
		order:    order,
		verifier: verifier,
		auditLog: auditLog,
		now:      time.Now,
	}, nil
}

// AddKey registers a public key. Adding an already-registered key is
// success-idempotent; the returned bool is false in that case.
//
// With an attestation chain: a valid chain yields a Trusted entry carrying
// the attestation record; an invalid chain still creates the entry, but
// Pending, unable to authenticate until attestation succeeds later.
func (w *Whitelist) AddKey(publicKey []byte, alg authcrypto.Algorithm, chain [][]byte) (KeyEntry, bool, error) {
	if len(publicKey) == 0 {
		return KeyEntry{}, false, fmt.Errorf("%w: empty key", ErrKeyInvalid)
	}

	detected, err := authcrypto.DetectAlgorithm(publicKey)
	if err != nil {
		return KeyEntry{}, false, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}
	if alg == authcrypto.AlgorithmUnknown {
		alg = detected
	} else if alg != detected {
		return KeyEntry{}, false, fmt.Errorf("%w: declared %s but key is %s", ErrKeyInvalid, alg, detected)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id := authcrypto.KeyID(publicKey)
	if existing, ok := w.entries[id]; ok {
		// Already registered: not an error.
		return existing.clone(), false, nil
	}

	now := w.now()
	entry := &KeyEntry{
		ID:         id,
		Algorithm:  alg,
		PublicKey:  append([]byte(nil), publicKey...),
		CreatedAt:  now,
		LastUsedAt: now,
		Active:     true,
		Trust:      TrustPending,
	}

	if len(chain) > 0 && w.verifier != nil {
		res := w.verifier.Verify(chain, publicKey)
		if res.Valid {
			entry.Trust = TrustTrusted
			entry.Attestation = &AttestationRecord{
				Verified:      true,
				PackageName:   res.PackageName,
				AppSignature:  append([]byte(nil), res.AppSignature...),
				SecurityLevel: res.SecurityLevel,
			}
		}
	}

	if err := w.store.insert(entry); err != nil {
		return KeyEntry{}, false, err
	}
	w.entries[id] = entry
	w.order = append(w.order, id)

	w.record(audit.Event{
		Type:     audit.EventKeyAdded,
		Severity: audit.SeverityInfo,
		Details:  fmt.Sprintf("key %s added, trust=%s alg=%s", id, entry.Trust, alg),
	})

	return entry.clone(), true, nil
}

// ImportLegacy registers a key carried over from single-key deployment
// mode. Legacy entries can authenticate without an attestation record.
// Importing an already-registered key returns the existing entry.
func (w *Whitelist) ImportLegacy(publicKey []byte) (KeyEntry, bool, error) {
	if len(publicKey) == 0 {
		return KeyEntry{}, false, fmt.Errorf("%w: empty key", ErrKeyInvalid)
	}
	alg, err := authcrypto.DetectAlgorithm(publicKey)
	if err != nil {
		return KeyEntry{}, false, fmt.Errorf("%w: %v", ErrKeyInvalid, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id := authcrypto.KeyID(publicKey)
	if existing, ok := w.entries[id]; ok {
		return existing.clone(), false, nil
	}

	now := w.now()
	entry := &KeyEntry{
		ID:         id,
		Algorithm:  alg,
		PublicKey:  append([]byte(nil), publicKey...),
		CreatedAt:  now,
		LastUsedAt: now,
		Active:     true,
		Trust:      TrustLegacy,
	}

	if err := w.store.insert(entry); err != nil {
		return KeyEntry{}, false, err
	}
	w.entries[id] = entry
	w.order = append(w.order, id)

	w.record(audit.Event{
		Type:     audit.EventKeyAdded,
		Severity: audit.SeverityInfo,
		Details:  fmt.Sprintf("legacy key %s imported, alg=%s", id, alg),
	})

	return entry.clone(), true, nil
}

// VerifySignature finds the first usable key whose verification succeeds,
// in insertion order, and returns its id.
//
// The trust-state filter runs before the verifier is consulted: a Rejected
// key must never be reachable here even if its bytes happen to verify.
func (w *Whitelist) VerifySignature(message, signature []byte) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, id := range w.order {
		entry := w.entries[id]
		if entry == nil || !entry.CanAuthenticate() {
			continue
		}
		if authcrypto.VerifyWithAlgorithm(entry.Algorithm, entry.PublicKey, message, signature) {
			return id, true
		}
	}
	return "", false
}

// VerifyKeyAttestation re-runs attestation for a key.
//
// Idempotent no-op if the key is already Trusted. Success promotes Pending
// to Trusted. Failure demotes to Rejected and deactivates the key: a key
// that was pending and then fails attestation is treated as a potential
// impersonation attempt, not a transient error. Rejection is one-way; a
// rejected key is refused here without consulting the verifier and can
// only re-enter the lifecycle through a fresh AddKey.
func (w *Whitelist) VerifyKeyAttestation(keyID string, chain [][]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[keyID]
	if !ok {
		return ErrKeyNotFound
	}

	if entry.Trust == TrustTrusted {
		return nil
	}

	if entry.Trust == TrustRejected {
		return fmt.Errorf("%w: key %s", ErrKeyRejected, keyID)
	}

	if w.verifier == nil {
		return fmt.Errorf("%w: no attestation verifier configured", ErrAttestationRejected)
	}

	res := w.verifier.Verify(chain, entry.PublicKey)
	if !res.Valid {
		updated := *entry
		updated.Trust = TrustRejected
		updated.Active = false
		if err := w.store.update(&updated); err != nil {
			return err
		}
		*entry = updated

		w.record(audit.Event{
			Type:     audit.EventKeyRejected,
			Severity: audit.SeverityCritical,
			Details:  fmt.Sprintf("key %s failed attestation and was rejected: %s", keyID, res.Err),
		})
		return fmt.Errorf("%w: %s", ErrAttestationRejected, res.Err)
	}

	updated := *entry
	updated.Trust = TrustTrusted
	updated.Active = true
	updated.Attestation = &AttestationRecord{
		Verified:      true,
		PackageName:   res.PackageName,
		AppSignature:  append([]byte(nil), res.AppSignature...),
		SecurityLevel: res.SecurityLevel,
	}
	if err := w.store.update(&updated); err != nil {
		return err
	}
	*entry = updated

	w.record(audit.Event{
		Type:     audit.EventKeyTrusted,
		Severity: audit.SeverityInfo,
		Details:  fmt.Sprintf("key %s attested for package %s (%s)", keyID, res.PackageName, res.SecurityLevel),
	})
	return nil
}

// MarkKeyUsed stamps the key's last-used time.
func (w *Whitelist) MarkKeyUsed(keyID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[keyID]
	if !ok {
		return ErrKeyNotFound
	}

	updated := *entry
	updated.LastUsedAt = w.now()
	if err := w.store.update(&updated); err != nil {
		return err
	}
	*entry = updated
	return nil
}

// RevokeKey manually rejects and deactivates a key.
func (w *Whitelist) RevokeKey(keyID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[keyID]
	if !ok {
		return ErrKeyNotFound
	}

	updated := *entry
	updated.Trust = TrustRejected
	updated.Active = false
	if err := w.store.update(&updated); err != nil {
		return err
	}
	*entry = updated

	w.record(audit.Event{
		Type:     audit.EventKeyRevoked,
		Severity: audit.SeverityWarning,
		Details:  fmt.Sprintf("key %s revoked", keyID),
	})
	return nil
}

// RemoveKey deletes a key entirely.
func (w *Whitelist) RemoveKey(keyID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.entries[keyID]; !ok {
		return ErrKeyNotFound
	}

	if err := w.store.remove(keyID); err != nil {
		return err
	}
	delete(w.entries, keyID)
	for i, id := range w.order {
		if id == keyID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}

	w.record(audit.Event{
		Type:     audit.EventKeyRemoved,
		Severity: audit.SeverityInfo,
		Details:  fmt.Sprintf("key %s removed", keyID),
	})
	return nil
}

// Get returns a copy of the entry for keyID.
func (w *Whitelist) Get(keyID string) (KeyEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.entries[keyID]
	if !ok {
		return KeyEntry{}, false
	}
	return entry.clone(), true
}

// ListKeys returns copies of all entries in insertion order.
func (w *Whitelist) ListKeys() []KeyEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]KeyEntry, 0, len(w.order))
	for _, id := range w.order {
		if entry := w.entries[id]; entry != nil {
			out = append(out, entry.clone())
		}
	}
	return out
}

// Close releases the backing store.
func (w *Whitelist) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.store.close()
}

func (w *Whitelist) record(ev audit.Event) {
	if w.auditLog != nil {
		w.auditLog.Record(ev)
	}
}
