// Package embedded carries the data files compiled into the installer.
package embedded

import (
	_ "embed"
)

//go:embed profiles.yaml
var profiles []byte

// Profiles returns the default chip profile table.
func Profiles() []byte {
	return profiles
}
