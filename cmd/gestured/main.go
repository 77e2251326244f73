// gestured - privileged automation daemon with challenge-response
// authentication.
//
//	gestured run             Run the daemon
//	gestured key add <file>  Authorize a public key
//	gestured key list        Show authorized keys
//	gestured key import      Import the legacy key into the whitelist
//	gestured key attest      Verify a key's attestation chain
//	gestured key revoke      Revoke a key
//	gestured key remove      Delete a key
//	gestured pin             Pin the legacy key fingerprint
//	gestured status          Show configuration and key store status
package main

import (
	"flag"
	"fmt"
	"os"

	"gestured/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "key":
		cmdKey(os.Args[2:])
	case "pin":
		cmdPin(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`gestured - privileged automation daemon

USAGE:
    gestured <command> [options]

COMMANDS:
    run                 Run the daemon in the foreground
    key add <file>      Authorize a public key (hex file, optional cert chain)
    key list            Show authorized keys and their trust states
    key import          Import the legacy single key into the whitelist
    key attest <id>     Verify an attestation chain for an existing key
    key revoke <id>     Revoke a key (kept on record, cannot authenticate)
    key remove <id>     Delete a key from the store
    pin                 Pin the legacy key fingerprint for tamper detection
    status              Show configuration and key store status
    help                Show this help message

All commands accept -config <path> to override the configuration file
(default: ` + config.PlatformConfigPath() + `).`)
}

// configFlag registers the shared -config flag on fs. GESTURED_CONFIG
// overrides the platform default; the flag overrides both.
func configFlag(fs *flag.FlagSet) *string {
	def := config.PlatformConfigPath()
	if env := os.Getenv("GESTURED_CONFIG"); env != "" {
		def = env
	}
	return fs.String("config", def, "configuration file")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "gestured: "+format+"\n", args...)
	os.Exit(1)
}
