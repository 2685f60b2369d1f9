// Package version provides build-time version information for loopcam.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/loopcam/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/loopcam/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/loopcam/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is the canonical name of this application. It also names
// the event source on Kafka and the client in S3 request headers.
const ApplicationName = "loopcam"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// GetInfo returns all version information as a structured type.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// Short returns a short version string suitable for CLI --version output.
func Short() string {
	if len(Commit) >= 8 && Commit != "unknown" {
		return fmt.Sprintf("%s (%s)", Version, Commit[:8])
	}
	return Version
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("%s version %s (built: %s, %s, %s)",
		ApplicationName, Short(), info.Date, info.GoVersion, info.Platform)
}

// UserAgent returns the client identifier sent to object stores and brokers.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}
