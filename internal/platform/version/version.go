// Package version carries build-time identifiers, set via -ldflags.
package version

var (
	Version = "dev"
	Commit  = "unknown"
)
