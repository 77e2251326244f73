package main

import (
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gestured/internal/attest"
	"gestured/internal/auth"
	"gestured/internal/authcrypto"
	"gestured/internal/caller"
	"gestured/internal/config"
	"gestured/internal/whitelist"
)

func cmdKey(args []string) {
	if len(args) < 1 {
		fatalf("key: missing subcommand (add, list, import, attest, revoke, remove)")
	}

	switch args[0] {
	case "add":
		cmdKeyAdd(args[1:])
	case "list":
		cmdKeyList(args[1:])
	case "attest":
		cmdKeyAttest(args[1:])
	case "import":
		cmdKeyImport(args[1:])
	case "revoke":
		cmdKeyRevoke(args[1:])
	case "remove":
		cmdKeyRemove(args[1:])
	default:
		fatalf("key: unknown subcommand %q", args[0])
	}
}

func cmdKeyAdd(args []string) {
	fs := flag.NewFlagSet("key add", flag.ExitOnError)
	configPath := configFlag(fs)
	chainPath := fs.String("chain", "", "PEM file with the attestation certificate chain, leaf first")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fatalf("key add: expected exactly one key file")
	}

	key := readHexFile(fs.Arg(0))
	alg, err := authcrypto.DetectAlgorithm(key)
	if err != nil {
		fatalf("key add: %v", err)
	}

	var chain [][]byte
	if *chainPath != "" {
		chain = readChainFile(*chainPath)
	}

	wl := openWhitelistCLI(*configPath)
	defer wl.Close()

	entry, added, err := wl.AddKey(key, alg, chain)
	if err != nil {
		fatalf("key add: %v", err)
	}
	if !added {
		fmt.Printf("Key already present: %s (%s)\n", entry.ID, entry.Trust)
		return
	}
	fmt.Printf("Key added: %s\n", entry.ID)
	fmt.Printf("  algorithm: %s\n", entry.Algorithm)
	fmt.Printf("  trust:     %s\n", entry.Trust)
	if entry.Trust == whitelist.TrustPending {
		fmt.Println("  note: pending keys cannot authenticate until an attestation chain verifies")
	}
}

func cmdKeyList(args []string) {
	fs := flag.NewFlagSet("key list", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	wl := openWhitelistCLI(*configPath)
	defer wl.Close()

	keys := wl.ListKeys()
	if len(keys) == 0 {
		fmt.Println("No authorized keys.")
		return
	}

	for _, k := range keys {
		state := "active"
		if !k.Active {
			state = "inactive"
		}
		fmt.Printf("%s  %-10s  %-20s  %s\n", k.ID, k.Algorithm, k.Trust, state)
		if !k.LastUsedAt.IsZero() {
			fmt.Printf("  last used %s\n", k.LastUsedAt.Format(time.RFC3339))
		}
		if att := k.Attestation; att != nil && att.Verified {
			fmt.Printf("  attested  %s (%s)\n", att.PackageName, att.SecurityLevel)
		}
	}
}

// cmdKeyImport moves the configured legacy key into the whitelist as a
// LEGACY entry, the migration path off single-key mode.
func cmdKeyImport(args []string) {
	fs := flag.NewFlagSet("key import", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg := loadConfigCLI(*configPath)
	if cfg.Auth.LegacyKeyPath == "" {
		fatalf("key import: auth.legacy_key_path is not configured")
	}

	unwrapKey, err := legacyUnwrapKey(cfg)
	if err != nil {
		fatalf("key import: %v", err)
	}
	key, err := auth.LoadLegacyKey(cfg.Auth.LegacyKeyPath, unwrapKey)
	if err != nil {
		fatalf("key import: %v", err)
	}

	wl, err := openWhitelist(cfg, nil)
	if err != nil {
		fatalf("key import: %v", err)
	}
	defer wl.Close()

	entry, added, err := wl.ImportLegacy(key)
	if err != nil {
		fatalf("key import: %v", err)
	}
	if !added {
		fmt.Printf("Key already present: %s (%s)\n", entry.ID, entry.Trust)
		return
	}
	fmt.Printf("Legacy key imported: %s (%s)\n", entry.ID, entry.Algorithm)
}

func cmdKeyAttest(args []string) {
	fs := flag.NewFlagSet("key attest", flag.ExitOnError)
	configPath := configFlag(fs)
	chainPath := fs.String("chain", "", "PEM file with the attestation certificate chain, leaf first")
	fs.Parse(args)

	if fs.NArg() != 1 || *chainPath == "" {
		fatalf("key attest: expected a key ID and -chain")
	}

	wl := openWhitelistCLI(*configPath)
	defer wl.Close()

	if err := wl.VerifyKeyAttestation(fs.Arg(0), readChainFile(*chainPath)); err != nil {
		fatalf("key attest: %v", err)
	}
	fmt.Println("Attestation verified, key promoted to TRUSTED.")
}

func cmdKeyRevoke(args []string) {
	fs := flag.NewFlagSet("key revoke", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fatalf("key revoke: expected a key ID")
	}

	wl := openWhitelistCLI(*configPath)
	defer wl.Close()

	if err := wl.RevokeKey(fs.Arg(0)); err != nil {
		fatalf("key revoke: %v", err)
	}
	fmt.Println("Key revoked.")
}

func cmdKeyRemove(args []string) {
	fs := flag.NewFlagSet("key remove", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fatalf("key remove: expected a key ID")
	}

	wl := openWhitelistCLI(*configPath)
	defer wl.Close()

	if err := wl.RemoveKey(fs.Arg(0)); err != nil {
		fatalf("key remove: %v", err)
	}
	fmt.Println("Key removed.")
}

func cmdPin(args []string) {
	fs := flag.NewFlagSet("pin", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg := loadConfigCLI(*configPath)
	if cfg.Caller.PinPath == "" {
		fatalf("pin: caller.pin_path is not configured")
	}
	if cfg.Auth.LegacyKeyPath == "" {
		fatalf("pin: auth.legacy_key_path is not configured")
	}

	unwrapKey, err := legacyUnwrapKey(cfg)
	if err != nil {
		fatalf("pin: %v", err)
	}
	key, err := auth.LoadLegacyKey(cfg.Auth.LegacyKeyPath, unwrapKey)
	if err != nil {
		fatalf("pin: %v", err)
	}

	fp := authcrypto.Hash(key)
	pins, err := caller.OpenPinStore(cfg.Caller.PinPath)
	if err != nil {
		fatalf("pin: %v", err)
	}
	if err := pins.Set(fp[:]); err != nil {
		fatalf("pin: %v", err)
	}
	fmt.Printf("Pinned legacy key fingerprint %s\n", authcrypto.EncodeHex(fp[:8]))
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := configFlag(fs)
	fs.Parse(args)

	cfg := loadConfigCLI(*configPath)

	fmt.Printf("config:          %s\n", *configPath)
	fmt.Printf("authentication:  %v\n", cfg.Auth.Enabled)
	fmt.Printf("device binding:  %v\n", cfg.DeviceBinding.Enabled)
	fmt.Printf("whitelist:       %s\n", cfg.Whitelist.Path)
	fmt.Printf("audit log:       %s\n", cfg.Audit.FilePath)

	if _, err := os.Stat(cfg.Auth.LegacyKeyPath); err == nil {
		fmt.Printf("legacy key:      %s\n", cfg.Auth.LegacyKeyPath)
	} else {
		fmt.Println("legacy key:      not provisioned")
	}

	wl := openWhitelistCLI(*configPath)
	defer wl.Close()
	fmt.Printf("authorized keys: %d\n", len(wl.ListKeys()))
}

// attestVerifier builds the chain verifier from the configured roots.
// Returns a nil interface when no roots are configured.
func attestVerifier(cfg *config.Config) (attest.Verifier, error) {
	if cfg.Auth.AttestationRootsPath == "" {
		return nil, nil
	}
	pemData, err := os.ReadFile(cfg.Auth.AttestationRootsPath)
	if err != nil {
		return nil, fmt.Errorf("read attestation roots: %w", err)
	}
	return attest.NewChainVerifier(pemData)
}

func loadConfigCLI(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func openWhitelistCLI(path string) *whitelist.Whitelist {
	cfg := loadConfigCLI(path)
	wl, err := openWhitelist(cfg, nil)
	if err != nil {
		fatalf("open whitelist: %v", err)
	}
	return wl
}

func readHexFile(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("read %s: %v", path, err)
	}
	key, err := authcrypto.DecodeHex(strings.TrimSpace(string(data)))
	if err != nil {
		fatalf("%s: not a hex-encoded key: %v", path, err)
	}
	return key
}

// readChainFile parses a PEM bundle into DER certificates, preserving
// order. The leaf must come first.
func readChainFile(path string) [][]byte {
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("read %s: %v", path, err)
	}

	var chain [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) == 0 {
		fatalf("%s: no certificates found", path)
	}
	return chain
}
