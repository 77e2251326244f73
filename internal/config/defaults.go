package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - Linux:   ~/.local/share/gestured/ (or $XDG_DATA_HOME/gestured/)
//   - macOS:   ~/Library/Application Support/gestured/
//   - Windows: %APPDATA%\gestured\
//
// Falls back to ~/.gestured if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "gestured")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", "gestured")
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "gestured")
		}
	case "windows":
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "gestured")
		}
	}
	return fallbackDataDir()
}

// PlatformConfigPath returns the default configuration file location.
func PlatformConfigPath() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "gestured", "config.toml")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".config", "gestured", "config.toml")
		}
	}
	return filepath.Join(PlatformDataDir(), "config.toml")
}

func fallbackDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".gestured")
	}
	return ".gestured"
}
