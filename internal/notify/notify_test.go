package notify

import (
	"testing"
	"time"

	"gestured/internal/audit"
)

func testEvent(sev audit.Severity) audit.Event {
	return audit.Event{
		Timestamp: time.Now(),
		Type:      audit.EventAuthFailure,
		Severity:  sev,
		UID:       1000,
		PID:       4242,
		Details:   "signature verification failed",
	}
}

// A publisher without a bus connection must absorb every call silently;
// the auth path registers its callback unconditionally.
func TestDisabledPublisherIsInert(t *testing.T) {
	p := &Publisher{}

	p.Publish(testEvent(audit.SeverityCritical))

	cb := p.Callback(audit.SeverityCritical)
	cb(testEvent(audit.SeverityInfo))
	cb(testEvent(audit.SeverityCritical))

	p.Close()
	p.Close()
}
