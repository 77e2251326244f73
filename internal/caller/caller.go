// Package caller derives a verdict about the calling process itself,
// independent of any cryptographic signature: package identity, on-disk
// signing fingerprint, execution-context label, and executable path.
//
// Configuration is allow-list based. An empty list for a given check means
// "skip that check" (useful for development builds), never "allow nothing".
package caller

import (
	"errors"
	"fmt"
	"sync"

	"gestured/internal/authcrypto"
)

// Errors
var (
	ErrEvidenceUnavailable = errors.New("caller: process evidence unavailable")
)

// Evidence is what can be observed about a calling process.
type Evidence struct {
	UID                uint32
	PID                int32
	PackageName        string
	SigningFingerprint []byte
	ExecContext        string
	ExePath            string
}

// EvidenceSource gathers Evidence for a process. The platform-specific
// implementation lives in this package; tests substitute fakes.
type EvidenceSource interface {
	Gather(uid uint32, pid int32) (Evidence, error)
}

// Config is the allow-list configuration.
type Config struct {
	// AuthorizedPackages are the package identities allowed to call.
	AuthorizedPackages []string

	// AuthorizedSignatures are hex-encoded signing fingerprints.
	AuthorizedSignatures []string

	// AllowedContexts are execution-context labels allowed to call.
	AllowedContexts []string

	// AllowedPaths are executable path prefixes allowed to call.
	AllowedPaths []string
}

// empty reports whether no allow-list is configured at all.
func (c Config) empty() bool {
	return len(c.AuthorizedPackages) == 0 && len(c.AuthorizedSignatures) == 0 &&
		len(c.AllowedContexts) == 0 && len(c.AllowedPaths) == 0
}

// Verdict is the result of caller verification.
type Verdict struct {
	Allowed  bool
	Reason   string
	Tampered bool
}

// Verifier checks calling processes against the configured allow-lists and
// holds the pinned key fingerprint, if any.
type Verifier struct {
	mu     sync.Mutex
	cfg    Config
	source EvidenceSource
	pins   *PinStore
}

// New creates a Verifier. pins may be nil when pinning is not configured.
func New(cfg Config, source EvidenceSource, pins *PinStore) *Verifier {
	if source == nil {
		source = newPlatformSource()
	}
	return &Verifier{
		cfg:    cfg,
		source: source,
		pins:   pins,
	}
}

// VerifyCaller gathers evidence for (uid, pid) and checks it against every
// configured allow-list. Checks with an empty allow-list are skipped.
func (v *Verifier) VerifyCaller(uid uint32, pid int32) Verdict {
	v.mu.Lock()
	cfg := v.cfg
	source := v.source
	v.mu.Unlock()

	ev, err := source.Gather(uid, pid)
	if err != nil {
		if cfg.empty() {
			// No checks configured, nothing to verify against.
			return Verdict{Allowed: true}
		}
		return Verdict{Reason: fmt.Sprintf("evidence unavailable: %v", err)}
	}

	if len(cfg.AuthorizedPackages) > 0 && !containsString(cfg.AuthorizedPackages, ev.PackageName) {
		return Verdict{Reason: fmt.Sprintf("package %q not authorized", ev.PackageName)}
	}

	if len(cfg.AuthorizedSignatures) > 0 {
		fp := authcrypto.EncodeHex(ev.SigningFingerprint)
		if !containsString(cfg.AuthorizedSignatures, fp) {
			return Verdict{Reason: "signing fingerprint not authorized"}
		}
	}

	if len(cfg.AllowedContexts) > 0 && !containsString(cfg.AllowedContexts, ev.ExecContext) {
		return Verdict{Reason: fmt.Sprintf("execution context %q not allowed", ev.ExecContext)}
	}

	if len(cfg.AllowedPaths) > 0 && !hasPrefixAny(cfg.AllowedPaths, ev.ExePath) {
		return Verdict{Reason: fmt.Sprintf("executable path %q not allowed", ev.ExePath)}
	}

	return Verdict{Allowed: true}
}

// UpdateConfig swaps the allow-lists. Safe to call while verification
// is in flight, which makes it suitable for config hot reload.
func (v *Verifier) UpdateConfig(cfg Config) {
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
}

// VerifyPinned checks a key fingerprint against the pin.
//
// Returns (match, pinned). A mismatch against an existing pin is tampering:
// the pinned key must never silently change.
func (v *Verifier) VerifyPinned(fingerprint []byte) (bool, bool) {
	if v.pins == nil {
		return true, false
	}
	return v.pins.Verify(fingerprint)
}

// ReloadPin re-reads the pin file. A true result means the pin on disk no
// longer matches what was loaded, which is tampering.
func (v *Verifier) ReloadPin() (changed bool, err error) {
	if v.pins == nil {
		return false, nil
	}
	return v.pins.Reload()
}

// PinKey records a key fingerprint as the pinned value.
func (v *Verifier) PinKey(fingerprint []byte) error {
	if v.pins == nil {
		return errors.New("caller: pinning not configured")
	}
	return v.pins.Set(fingerprint)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasPrefixAny(prefixes []string, s string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
