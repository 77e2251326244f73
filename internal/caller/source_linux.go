//go:build linux

package caller

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gestured/internal/authcrypto"
)

// procSource gathers process evidence from /proc.
type procSource struct{}

func newPlatformSource() EvidenceSource {
	return procSource{}
}

// Gather reads the caller's executable path, on-disk digest, and
// execution-context label from /proc/<pid>.
func (procSource) Gather(uid uint32, pid int32) (Evidence, error) {
	ev := Evidence{UID: uid, PID: pid}

	procDir := fmt.Sprintf("/proc/%d", pid)
	if _, err := os.Stat(procDir); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrEvidenceUnavailable, err)
	}

	exePath, err := os.Readlink(filepath.Join(procDir, "exe"))
	if err != nil {
		return ev, fmt.Errorf("%w: resolve executable: %v", ErrEvidenceUnavailable, err)
	}
	ev.ExePath = exePath

	// Package identity: first cmdline argument, by convention the package
	// name on managed runtimes and the binary path elsewhere.
	if cmdline, err := os.ReadFile(filepath.Join(procDir, "cmdline")); err == nil {
		if idx := bytes.IndexByte(cmdline, 0); idx > 0 {
			ev.PackageName = string(cmdline[:idx])
		} else {
			ev.PackageName = strings.TrimRight(string(cmdline), "\x00")
		}
	}

	// Execution-context label (SELinux domain, if enforced).
	if label, err := os.ReadFile(filepath.Join(procDir, "attr", "current")); err == nil {
		ev.ExecContext = strings.TrimRight(string(label), "\x00\n")
	}

	// On-disk signing fingerprint: digest of the executable as deployed.
	if contents, err := os.ReadFile(exePath); err == nil {
		digest := authcrypto.HashRaw(contents)
		ev.SigningFingerprint = digest[:]
	}

	return ev, nil
}
