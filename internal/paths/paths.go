package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

const (

	// Name used for directory and file naming.
	appName = "box"

	// Default permission mode for directories.
	DefaultDirMode os.FileMode = 0755

	// Default permission mode for files.
	DefaultFileMode os.FileMode = 0644
)

// Path to the JSON configuration file holding flag defaults.
//
//	Linux:   $XDG_CONFIG_HOME/box/config.json or ~/.config/box/config.json
//	macOS:   ~/Library/Application Support/box/config.json
func ConfigFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.json")
}

// Path to the directory for runtime files (sockets, PIDs).
//
//	Linux:   $XDG_RUNTIME_DIR/box or /run/user/<uid>/box
//	macOS:   ~/Library/Caches/box/run
func Runtime() string {
	if xdg.RuntimeDir != "" {
		return filepath.Join(xdg.RuntimeDir, appName)
	}
	return filepath.Join(xdg.CacheHome, appName, "run")
}

// Default path to the Unix domain socket served by `box serve`.
func Socket() string {
	return filepath.Join(Runtime(), "box.sock")
}

// Default path to the daemon PID file.
func PIDFile() string {
	return filepath.Join(Runtime(), "box.pid")
}
