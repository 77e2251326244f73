//go:build !linux

package caller

// stubSource is used on platforms without /proc; evidence gathering fails
// and allow-list checks deny unless configured empty.
type stubSource struct{}

func newPlatformSource() EvidenceSource {
	return stubSource{}
}

func (stubSource) Gather(uid uint32, pid int32) (Evidence, error) {
	return Evidence{UID: uid, PID: pid}, ErrEvidenceUnavailable
}
