// Package session manages per-session directories under ~/.dmsg.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.dmsg.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dmsg")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// ProtocolDBPath returns the path of the protocol client's local state store.
func ProtocolDBPath(name string) string {
	return filepath.Join(Dir(name), "protocol.db")
}

// AppDBPath returns the app-owned dmsg.db path.
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "dmsg.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "dmsgd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with owner-only permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
