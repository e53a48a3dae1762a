// Package config loads the categorizer's settings from viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// memoryDatabase is SQLite's in-memory path; it must never be expanded or joined.
const memoryDatabase = ":memory:"

// DefaultDatabasePath is where the pattern store lives when database.path is unset:
// $XDG_DATA_HOME/spice/spice.db, falling back to ~/.local/share/spice/spice.db.
func DefaultDatabasePath() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); filepath.IsAbs(dataHome) {
		return filepath.Join(dataHome, "spice", "spice.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "spice.db"
	}
	return filepath.Join(home, ".local", "share", "spice", "spice.db")
}

// ExpandPath resolves a leading ~ to the home directory and then $VAR references.
// The in-memory database path is returned unchanged.
func ExpandPath(path string) string {
	if path == "" || path == memoryDatabase {
		return path
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}

	return os.ExpandEnv(path)
}
