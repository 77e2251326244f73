// Package devicebind fingerprints the host and flags when authentication
// state has migrated to a different machine.
//
// The fingerprint prefers a hardware root (TPM endorsement key) and falls
// back to stable software identifiers. The first verification stores the
// fingerprint (trust on first use); any later mismatch fails verification.
package devicebind

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gestured/internal/authcrypto"
)

// Verdict is the device binding result.
type Verdict struct {
	Verified      bool
	FailureReason string
}

// Binder verifies that the daemon still runs on the machine it was
// provisioned on.
type Binder interface {
	VerifyDevice() Verdict
}

// Source contributes one component to the device fingerprint.
type Source interface {
	// Component returns identifying bytes, or an error when the source is
	// unavailable on this host. Unavailable sources are skipped.
	Component() ([]byte, error)

	// Name identifies the source in failure reasons.
	Name() string
}

// Fingerprinter implements Binder over a set of fingerprint sources.
type Fingerprinter struct {
	mu        sync.Mutex
	statePath string
	sources   []Source
}

// New creates a Fingerprinter persisting its reference fingerprint at
// statePath. With no explicit sources the platform defaults are used:
// TPM endorsement key when available, then software identifiers.
func New(statePath string, sources ...Source) *Fingerprinter {
	if len(sources) == 0 {
		sources = defaultSources()
	}
	return &Fingerprinter{
		statePath: statePath,
		sources:   sources,
	}
}

// VerifyDevice computes the current fingerprint and compares it against the
// stored reference. A missing reference is stored on first use.
func (f *Fingerprinter) VerifyDevice() Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.fingerprint()
	if err != nil {
		return Verdict{FailureReason: fmt.Sprintf("fingerprint unavailable: %v", err)}
	}

	stored, err := os.ReadFile(f.statePath)
	if os.IsNotExist(err) {
		if err := f.storeFingerprint(current); err != nil {
			return Verdict{FailureReason: fmt.Sprintf("store fingerprint: %v", err)}
		}
		return Verdict{Verified: true}
	}
	if err != nil {
		return Verdict{FailureReason: fmt.Sprintf("read fingerprint: %v", err)}
	}

	reference, err := authcrypto.DecodeHex(strings.TrimSpace(string(stored)))
	if err != nil {
		return Verdict{FailureReason: fmt.Sprintf("fingerprint state corrupt: %v", err)}
	}

	if !authcrypto.ConstantTimeEqual(reference, current) {
		return Verdict{FailureReason: "device fingerprint changed"}
	}
	return Verdict{Verified: true}
}

// fingerprint hashes all available source components together.
func (f *Fingerprinter) fingerprint() ([]byte, error) {
	var material []byte
	available := 0

	for _, src := range f.sources {
		component, err := src.Component()
		if err != nil {
			continue
		}
		// Length-frame each component so boundaries cannot shift.
		material = append(material, byte(len(src.Name())))
		material = append(material, src.Name()...)
		material = append(material, byte(len(component)>>8), byte(len(component)))
		material = append(material, component...)
		available++
	}

	if available == 0 {
		return nil, fmt.Errorf("no fingerprint sources available")
	}

	digest := authcrypto.HashRaw(material)
	return digest[:], nil
}

func (f *Fingerprinter) storeFingerprint(fp []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.statePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(f.statePath, []byte(authcrypto.EncodeHex(fp)+"\n"), 0600)
}

// machineIDSource reads the stable machine identifier.
type machineIDSource struct{}

func (machineIDSource) Name() string { return "machine-id" }

func (machineIDSource) Component() ([]byte, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return []byte(strings.TrimSpace(string(data))), nil
		}
	}
	return nil, fmt.Errorf("machine id not available")
}

// hostSource contributes hostname and platform.
type hostSource struct{}

func (hostSource) Name() string { return "host" }

func (hostSource) Component() ([]byte, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return []byte(hostname + "/" + runtime.GOOS + "/" + runtime.GOARCH), nil
}
