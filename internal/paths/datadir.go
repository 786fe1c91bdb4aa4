// Package paths resolves where a node keeps its local state.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// EnvDataDir overrides the default data directory.
const EnvDataDir = "SIX7_DATA_DIR"

const (
	dirName    = "six7"
	dbFileName = "node.db"
)

// DefaultDataDir returns a per-user directory appropriate for persisting node state.
//
// Precedence:
//  1. SIX7_DATA_DIR env var (absolute or relative)
//  2. os.UserConfigDir()/six7
//  3. ./.six7
func DefaultDataDir() string {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		return filepath.Clean(v)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, dirName)
	}
	return "." + dirName
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// DBPath is the state database inside dir.
func DBPath(dir string) string { return filepath.Join(dir, dbFileName) }
