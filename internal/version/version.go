// Package version provides build version information.
package version

// Version is the current version of pwnmcp
const Version = "0.1.0"

// GetVersion returns the current version
func GetVersion() string {
	return Version
}
