// Package ffmpeg locates the ffmpeg binary, builds command lines for it and
// runs it as a monitored child process whose stdout is streamed to a writer.
package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
)

// BinaryEnvVar overrides the ffmpeg lookup.
const BinaryEnvVar = "LOOPCAM_FFMPEG_BINARY"

// FindBinary searches for an executable binary by name.
// Search order:
//  1. explicit path (if non-empty)
//  2. environment variable (if envVar is non-empty and set)
//  3. ./name (current directory, useful for development)
//  4. name on PATH (via exec.LookPath)
func FindBinary(explicit, name, envVar string) (string, error) {
	if explicit != "" {
		if isExecutable(explicit) {
			return explicit, nil
		}
		return "", fmt.Errorf("binary %s is not executable", explicit)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

// isExecutable checks if a file exists and is executable by someone.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// VersionInfo is the parsed first line of `ffmpeg -version`.
type VersionInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Major   int    `json:"major"`
	Minor   int    `json:"minor"`
}

var versionRe = regexp.MustCompile(`ffmpeg version n?(\S+)`)
var majorMinorRe = regexp.MustCompile(`^(\d+)\.(\d+)`)

// DetectVersion runs `ffmpeg -version` and parses the result.
func DetectVersion(ctx context.Context, path string) (*VersionInfo, error) {
	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}
	info, err := parseVersion(out)
	if err != nil {
		return nil, err
	}
	info.Path = path
	return info, nil
}

func parseVersion(out []byte) (*VersionInfo, error) {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	m := versionRe.FindSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("unrecognised ffmpeg version output: %q", line)
	}
	info := &VersionInfo{Version: string(m[1])}
	if mm := majorMinorRe.FindStringSubmatch(info.Version); mm != nil {
		info.Major, _ = strconv.Atoi(mm[1])
		info.Minor, _ = strconv.Atoi(mm[2])
	}
	return info, nil
}
