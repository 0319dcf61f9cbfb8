// Package paths resolves the on-disk layout of the tool's state directory.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Manager knows where every persistent file lives. All paths are derived
// from a single base directory so tests can point it at a temp dir.
type Manager struct {
	baseDir string
}

// New returns a Manager rooted at baseDir. An empty baseDir resolves to
// ~/.singtool.
func New(baseDir string) (*Manager, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".singtool")
	}
	return &Manager{baseDir: baseDir}, nil
}

// BaseDir returns the root state directory.
func (m *Manager) BaseDir() string { return m.baseDir }

// NodesFile is the node store document.
func (m *Manager) NodesFile() string { return filepath.Join(m.baseDir, "nodes.json") }

// AdvancedFile holds the routing section among other advanced settings.
func (m *Manager) AdvancedFile() string { return filepath.Join(m.baseDir, "advanced.json") }

// CacheFile is the persisted node health cache.
func (m *Manager) CacheFile() string { return filepath.Join(m.baseDir, "node_cache.json") }

// EngineConfigFile is the sing-box config the compiled route is written into.
func (m *Manager) EngineConfigFile() string { return filepath.Join(m.baseDir, "config.json") }

// BackupDir holds timestamped copies of the node store made before each save.
func (m *Manager) BackupDir() string { return filepath.Join(m.baseDir, "backups") }

// MMDBFile is the optional GeoLite2-Country database used for offline
// geolocation. Probing works without it.
func (m *Manager) MMDBFile() string { return filepath.Join(m.baseDir, "geoip-country.mmdb") }

// Ensure creates the base and backup directories if they do not exist.
func (m *Manager) Ensure() error {
	for _, dir := range []string{m.baseDir, m.BackupDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
