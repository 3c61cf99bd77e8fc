package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataPaths contains all filesystem paths used by the daemon.
type DataPaths struct {
	Home     string // Data home directory
	ConfigDB string // SQLite configuration store path
	Logs     string // Stream recorder output directory
	PIDFile  string // Daemon PID file path
}

// GetDataPaths returns the daemon's directory layout. The root defaults to
// ~/.ntripduo and can be overridden with NTRIPDUO_HOME.
func GetDataPaths() DataPaths {
	home := os.Getenv("NTRIPDUO_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			userHome = "."
		}
		home = filepath.Join(userHome, ".ntripduo")
	}

	return DataPaths{
		Home:     home,
		ConfigDB: filepath.Join(home, "config.db"),
		Logs:     filepath.Join(home, "logs"),
		PIDFile:  filepath.Join(home, "ntripduod.pid"),
	}
}

// EnsureDataDirs creates the data home and its subdirectories.
func EnsureDataDirs() (DataPaths, error) {
	paths := GetDataPaths()
	for _, dir := range []string{paths.Home, paths.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, fmt.Errorf("config: create data directory %s: %w", dir, err)
		}
	}
	return paths, nil
}
