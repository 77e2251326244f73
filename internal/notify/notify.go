// Package notify publishes critical security events on the system D-Bus so
// host-level monitoring can react without polling the audit log.
//
// The publisher is strictly best-effort: a missing or refused bus degrades
// to a no-op and never affects the authentication path.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"gestured/internal/audit"
)

const (
	busName       = "io.gestured.Daemon"
	objectPath    = "/io/gestured/Security"
	interfaceName = "io.gestured.Security"
	signalName    = interfaceName + ".SecurityEvent"
)

// Publisher emits SecurityEvent signals on the system bus.
type Publisher struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewPublisher connects to the system bus and claims the daemon name.
// Connection failure yields a disabled publisher, not an error.
func NewPublisher() *Publisher {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return &Publisher{}
	}

	if _, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue); err != nil {
		conn.Close()
		return &Publisher{}
	}

	return &Publisher{conn: conn}
}

// Publish emits one audit event as a D-Bus signal. Best effort.
func (p *Publisher) Publish(ev audit.Event) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return
	}

	conn.Emit(dbus.ObjectPath(objectPath), signalName,
		ev.Timestamp.Unix(),
		ev.Severity.String(),
		string(ev.Type),
		fmt.Sprintf("uid=%d pid=%d", ev.UID, ev.PID),
		ev.Details,
	)
}

// Callback returns an audit callback that forwards events at or above min.
// It is safe to register even when the publisher is disabled.
func (p *Publisher) Callback(min audit.Severity) func(audit.Event) {
	return func(ev audit.Event) {
		if ev.Severity >= min {
			p.Publish(ev)
		}
	}
}

// Close releases the bus connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
