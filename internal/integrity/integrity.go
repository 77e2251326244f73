// Package integrity monitors security-relevant files (the daemon binary,
// key material, the whitelist database) for modification, via baseline
// digests, a periodic sweep, and filesystem notifications.
//
// Findings are telemetry only: they are reported to the audit log and never
// gate an authorization decision.
package integrity

import (
	"crypto/sha256"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gestured/internal/audit"
	"gestured/internal/logging"
)

// Checker watches a fixed set of files for changes against baseline digests.
type Checker struct {
	mu        sync.Mutex
	paths     []string
	baselines map[string][32]byte
	missing   map[string]bool
	auditLog  *audit.Log
	log       *logging.Logger
	interval  time.Duration
	watcher   *fsnotify.Watcher
	stop      chan struct{}
	done      chan struct{}
}

// New creates a Checker over the given paths. Files that do not exist yet
// are baselined when they appear.
func New(paths []string, auditLog *audit.Log, log *logging.Logger, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{
		paths:     paths,
		baselines: make(map[string][32]byte),
		missing:   make(map[string]bool),
		auditLog:  auditLog,
		log:       log,
		interval:  interval,
	}
}

// Start records baselines and begins watching. Watch registration is best
// effort; the periodic sweep covers paths fsnotify cannot.
func (c *Checker) Start() error {
	c.mu.Lock()
	for _, path := range c.paths {
		if digest, err := digestFile(path); err == nil {
			c.baselines[path] = digest
		} else {
			c.missing[path] = true
		}
	}
	c.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		c.watcher = watcher
		for _, path := range c.paths {
			// Watching may fail for not-yet-existing files; the sweep
			// picks those up.
			watcher.Add(path)
		}
	} else {
		c.warn("integrity watcher unavailable, relying on periodic sweep", "error", err)
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run()

	return nil
}

// Stop terminates monitoring.
func (c *Checker) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done

	if c.watcher != nil {
		c.watcher.Close()
	}
}

func (c *Checker) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if c.watcher != nil {
		events = c.watcher.Events
		errs = c.watcher.Errors
	}

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.checkPath(ev.Name)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.warn("integrity watcher error", "error", err)
		}
	}
}

// sweep re-checks every monitored path.
func (c *Checker) sweep() {
	for _, path := range c.paths {
		c.checkPath(path)
	}
}

// checkPath compares a file against its baseline and reports divergence.
func (c *Checker) checkPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	monitored := false
	for _, p := range c.paths {
		if p == path {
			monitored = true
			break
		}
	}
	if !monitored {
		return
	}

	digest, err := digestFile(path)
	if err != nil {
		if !c.missing[path] {
			c.missing[path] = true
			delete(c.baselines, path)
			c.report(audit.SeverityCritical, "monitored file disappeared: "+path)
		}
		return
	}

	if c.missing[path] {
		// File (re)appeared: adopt the new baseline but flag it.
		c.missing[path] = false
		c.baselines[path] = digest
		c.report(audit.SeverityWarning, "monitored file appeared: "+path)
		return
	}

	baseline, ok := c.baselines[path]
	if !ok {
		c.baselines[path] = digest
		return
	}

	if digest != baseline {
		c.baselines[path] = digest
		c.report(audit.SeverityWarning, "monitored file changed: "+path)
	}
}

func (c *Checker) report(sev audit.Severity, details string) {
	if c.auditLog != nil {
		c.auditLog.Record(audit.Event{
			Type:     audit.EventIntegrityChange,
			Severity: sev,
			Details:  details,
		})
	}
	c.warn("integrity change detected", "details", details)
}

func (c *Checker) warn(msg string, args ...any) {
	if c.log != nil {
		c.log.Warn(msg, args...)
	}
}

// digestFile streams the file through SHA-256 so large binaries do not get
// loaded into memory.
func digestFile(path string) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [32]byte{}, err
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
