// Package version holds the application version, overridable at build time
// with -ldflags "-X github.com/finbase/marketsync/internal/version.Version=…".
package version

// Version is the application version string.
var Version = "dev"
