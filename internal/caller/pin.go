package caller

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gestured/internal/authcrypto"
)

// PinStore persists a single pinned key fingerprint. Once a fingerprint is
// pinned, any mismatch on verify or reload is flagged as tampering rather
// than treated as a routine failure.
type PinStore struct {
	mu     sync.Mutex
	path   string
	pinned []byte
}

// OpenPinStore loads the pin file at path if it exists.
func OpenPinStore(path string) (*PinStore, error) {
	ps := &PinStore{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ps, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pin file: %w", err)
	}

	pinned, err := authcrypto.DecodeHex(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("pin file corrupt: %w", err)
	}
	ps.pinned = pinned

	return ps, nil
}

// Set records fingerprint as the pinned value and persists it before the
// in-memory state changes.
func (p *PinStore) Set(fingerprint []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("create pin directory: %w", err)
	}

	line := authcrypto.EncodeHex(fingerprint) + "\n"
	if err := os.WriteFile(p.path, []byte(line), 0600); err != nil {
		return fmt.Errorf("write pin file: %w", err)
	}

	p.pinned = append([]byte(nil), fingerprint...)
	return nil
}

// Verify compares a fingerprint against the pin in constant time.
// Returns (match, pinned). With no pin recorded, match is true.
func (p *PinStore) Verify(fingerprint []byte) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pinned == nil {
		return true, false
	}
	return authcrypto.ConstantTimeEqual(p.pinned, fingerprint), true
}

// Reload re-reads the pin file, detecting external modification.
// A pin that changes on disk is reported as tampering.
func (p *PinStore) Reload() (changed bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		changed = p.pinned != nil
		return changed, nil
	}
	if err != nil {
		return false, fmt.Errorf("read pin file: %w", err)
	}

	pinned, err := authcrypto.DecodeHex(strings.TrimSpace(string(data)))
	if err != nil {
		return false, fmt.Errorf("pin file corrupt: %w", err)
	}

	if p.pinned != nil && !authcrypto.ConstantTimeEqual(p.pinned, pinned) {
		return true, nil
	}

	p.pinned = pinned
	return false, nil
}
