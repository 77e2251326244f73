package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gestured/internal/audit"
	"gestured/internal/auth"
	"gestured/internal/authcrypto"
	"gestured/internal/caller"
	"gestured/internal/config"
	"gestured/internal/devicebind"
	"gestured/internal/integrity"
	"gestured/internal/logging"
	"gestured/internal/notify"
	"gestured/internal/ratelimit"
	"gestured/internal/session"
	"gestured/internal/whitelist"
)

// cmdRun wires the daemon together and blocks until SIGTERM or SIGINT.
func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fatalf("load config: %v", err)
	}
	defer loader.Close()

	log, err := logging.New(loggingConfig(cfg))
	if err != nil {
		fatalf("init logging: %v", err)
	}
	defer log.Close()

	auditLog, err := audit.New(audit.Config{
		FilePath:          cfg.Audit.FilePath,
		MaxSizeMB:         cfg.Audit.MaxSizeMB,
		MaxBackups:        cfg.Audit.MaxBackups,
		FileMinSeverity:   audit.SeverityInfo,
		BufferMinSeverity: audit.SeverityInfo,
		BufferSize:        cfg.Audit.BufferSize,
	})
	if err != nil {
		fatalf("init audit log: %v", err)
	}
	defer auditLog.Close()

	var publisher *notify.Publisher
	if cfg.Notify.Enabled {
		publisher = notify.NewPublisher()
		defer publisher.Close()
		auditLog.SetCallback(publisher.Callback(audit.SeverityCritical))
	}

	wl, err := openWhitelist(cfg, auditLog)
	if err != nil {
		fatalf("open whitelist: %v", err)
	}
	defer wl.Close()

	callers, err := newCallerVerifier(cfg)
	if err != nil {
		fatalf("init caller verification: %v", err)
	}
	loader.OnChange(func(next *config.Config) {
		callers.UpdateConfig(callerConfig(next))
		if changed, err := callers.ReloadPin(); err != nil {
			log.Warn("pin file reload failed", "error", err)
		} else if changed {
			auditLog.Record(audit.Event{
				Type:     audit.EventPinMismatch,
				Severity: audit.SeverityCritical,
				UID:      uint32(os.Getuid()),
				PID:      int32(os.Getpid()),
				Details:  "pinned fingerprint changed on disk",
			})
		}
		log.Info("caller allow-lists reloaded")
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}

	var device devicebind.Binder
	if cfg.DeviceBinding.Enabled {
		device = devicebind.New(cfg.DeviceBinding.StatePath)
	}

	sessions, err := session.NewStore(session.Config{
		ChallengeTTL: cfg.Session.ChallengeTTL(),
		IdleTimeout:  cfg.Session.IdleTimeout(),
	})
	if err != nil {
		fatalf("init session store: %v", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxFailures:    cfg.RateLimit.MaxFailures,
		InitialBackoff: time.Duration(cfg.RateLimit.InitialBackoffSec) * time.Second,
		Multiplier:     float64(cfg.RateLimit.Multiplier),
		MaxBackoff:     time.Duration(cfg.RateLimit.MaxBackoffSec) * time.Second,
		ResetWindow:    time.Duration(cfg.RateLimit.ResetWindowSec) * time.Second,
	})

	unwrapKey, err := legacyUnwrapKey(cfg)
	if err != nil {
		fatalf("legacy unwrap key: %v", err)
	}

	mgr, err := auth.New(auth.Config{
		Enabled:         cfg.Auth.Enabled,
		LegacyKeyPath:   cfg.Auth.LegacyKeyPath,
		LegacyUnwrapKey: unwrapKey,
	}, sessions, limiter, wl, callers, device, auditLog, log.WithComponent("auth"))
	if err != nil {
		fatalf("init auth manager: %v", err)
	}
	defer mgr.Close()

	var checker *integrity.Checker
	if len(cfg.Integrity.Paths) > 0 {
		checker = integrity.New(cfg.Integrity.Paths, auditLog, log.WithComponent("integrity"), cfg.Integrity.SweepInterval())
		if err := checker.Start(); err != nil {
			log.Warn("integrity monitoring unavailable", "error", err)
			checker = nil
		} else {
			defer checker.Stop()
		}
	}

	auditLog.Record(audit.Event{
		Type:     audit.EventStartup,
		Severity: audit.SeverityInfo,
		UID:      uint32(os.Getuid()),
		PID:      int32(os.Getpid()),
	})
	log.Info("gestured started",
		"auth_enabled", cfg.Auth.Enabled,
		"device_binding", cfg.DeviceBinding.Enabled,
		"keys", len(wl.ListKeys()))

	cleanup := time.NewTicker(cfg.Session.CleanupInterval())
	defer cleanup.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case <-sigChan:
			auditLog.Record(audit.Event{
				Type:     audit.EventShutdown,
				Severity: audit.SeverityInfo,
				UID:      uint32(os.Getuid()),
				PID:      int32(os.Getpid()),
			})
			log.Info("gestured shutting down")
			return
		case <-cleanup.C:
			if n := mgr.CleanupExpired(); n > 0 {
				log.Debug("expired state swept", "removed", n)
			}
		}
	}
}

func loggingConfig(cfg *config.Config) *logging.Config {
	lc := logging.DefaultConfig()
	switch cfg.Logging.Level {
	case "debug":
		lc.Level = logging.LevelDebug
	case "warn":
		lc.Level = logging.LevelWarn
	case "error":
		lc.Level = logging.LevelError
	default:
		lc.Level = logging.LevelInfo
	}
	if cfg.Logging.Format == "json" {
		lc.Format = logging.FormatJSON
	}
	if cfg.Logging.FilePath != "" {
		lc.Output = "both"
		lc.FilePath = cfg.Logging.FilePath
	} else {
		lc.Output = "stderr"
	}
	if cfg.Logging.MaxSizeMB > 0 {
		lc.MaxSize = cfg.Logging.MaxSizeMB
	}
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Compress = cfg.Logging.Compress
	return lc
}

func callerConfig(cfg *config.Config) caller.Config {
	return caller.Config{
		AuthorizedPackages:   cfg.Caller.AuthorizedPackages,
		AuthorizedSignatures: cfg.Caller.AuthorizedSignatures,
		AllowedContexts:      cfg.Caller.AllowedContexts,
		AllowedPaths:         cfg.Caller.AllowedPaths,
	}
}

func newCallerVerifier(cfg *config.Config) (*caller.Verifier, error) {
	var pins *caller.PinStore
	if cfg.Caller.PinPath != "" {
		var err error
		pins, err = caller.OpenPinStore(cfg.Caller.PinPath)
		if err != nil {
			return nil, err
		}
	}
	return caller.New(callerConfig(cfg), nil, pins), nil
}

func legacyUnwrapKey(cfg *config.Config) ([]byte, error) {
	if cfg.Auth.LegacyUnwrapKeyHex == "" {
		return nil, nil
	}
	return authcrypto.DecodeHex(cfg.Auth.LegacyUnwrapKeyHex)
}

// openWhitelist opens the key store with an attestation verifier when
// roots are configured, and without one otherwise.
func openWhitelist(cfg *config.Config, auditLog *audit.Log) (*whitelist.Whitelist, error) {
	verifier, err := attestVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return whitelist.Open(cfg.Whitelist.Path, verifier, auditLog)
}
