package infra

import (
	"os"
	"os/user"
	"path/filepath"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser keeps reports under the invoking user's home
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps reports under /var/lib (root)
	ExecModeSystem ExecMode = "system"
)

const (
	crashmonDirName = "crashmon"
	senderPIDFile   = "sender.pid"
	logFileName     = "crashmon.log"
)

// Paths holds the on-disk locations derived from the execution mode.
type Paths struct {
	Mode    ExecMode
	DataDir string // reports.db, key, settings, crash output
	LogFile string
}

// DetectPaths determines default locations for appName based on effective UID.
func DetectPaths(appName string) *Paths {
	if os.Geteuid() == 0 && os.Getenv("SUDO_USER") == "" {
		dataDir := filepath.Join("/var/lib", appName, crashmonDirName)
		return &Paths{
			Mode:    ExecModeSystem,
			DataDir: dataDir,
			LogFile: LogPath(dataDir),
		}
	}

	dataDir := filepath.Join(GetRealUserHome(), "."+appName, crashmonDirName)
	return &Paths{
		Mode:    ExecModeUser,
		DataDir: dataDir,
		LogFile: LogPath(dataDir),
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user"
	default:
		return "unknown"
	}
}

// SenderPIDPath is the pidfile of the live sending-role process.
func SenderPIDPath(dataDir string) string {
	return filepath.Join(dataDir, senderPIDFile)
}

// LogPath is the log file kept in a data dir.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, logFileName)
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so SUDO_USER is consulted first.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}
