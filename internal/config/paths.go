package config

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.msync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".msync")
}

// DBPath returns the message cache database path under dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "msync.db")
}

// LockPath returns the single-instance lock file path under dataDir.
func LockPath(dataDir string) string {
	return filepath.Join(dataDir, "LOCK")
}

// LogDir returns the log directory under dataDir.
func LogDir(dataDir string) string {
	return filepath.Join(dataDir, "logs")
}

// LogPath returns the daemon log file path under dataDir.
func LogPath(dataDir string) string {
	return filepath.Join(LogDir(dataDir), "msyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the data directory tree with proper permissions.
func EnsureDir(dataDir string) error {
	dirs := []string{
		dataDir,
		LogDir(dataDir),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
