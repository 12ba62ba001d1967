package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns ~/.ketorank/logs, or a temp-dir equivalent when the
// home directory cannot be resolved.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".ketorank", "logs")
	}
	return filepath.Join(home, ".ketorank", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "ketorank.log")
}
