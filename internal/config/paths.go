package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const daemonName = "fleetd"

// Path of the per-user config file. It need not exist.
//
//	Linux:   $XDG_CONFIG_HOME/fleetd/config.toml or ~/.config/fleetd/config.toml
//	macOS:   ~/Library/Application Support/fleetd/config.toml
func UserPath() string {
	return filepath.Join(xdg.ConfigHome, daemonName, "config.toml")
}

// DefaultPath returns the first fleetd/config.toml found in the XDG config
// directories, or "" when there is none.
func DefaultPath() string {
	path, err := xdg.SearchConfigFile(filepath.Join(daemonName, "config.toml"))
	if err != nil {
		return ""
	}
	return path
}
