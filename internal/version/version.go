package version

import (
	"runtime/debug"
	"strings"
)

// Set with -ldflags "-X github.com/fmueller/voxserve/internal/version.Version=..."
// by release builds.
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Resolve returns the version string.
func Resolve() string {
	return Current().Version
}

// Current returns the build information. Commit and date fall back to the VCS
// stamp the Go toolchain embeds when the binary was not built with ldflags.
func Current() Info {
	return resolveInfo(Version, Commit, Date, debug.ReadBuildInfo)
}

func resolveInfo(version, commit, date string, readBuildInfo func() (*debug.BuildInfo, bool)) Info {
	info := Info{Version: version, Commit: commit, Date: date}
	if info.Version == "" {
		info.Version = "0.0.0"
	}

	if !isUnset(info.Commit) && !isUnset(info.Date) {
		return info
	}

	bi, ok := readBuildInfo()
	if !ok || bi == nil {
		return normalizeUnset(info)
	}

	var revision, modified, vcsTime string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value
		case "vcs.time":
			vcsTime = s.Value
		}
	}

	if isUnset(info.Commit) && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if modified == "true" {
			revision += "-dirty"
		}
		info.Commit = revision
	}
	if isUnset(info.Date) && vcsTime != "" {
		info.Date = vcsTime
	}

	return normalizeUnset(info)
}

func isUnset(value string) bool {
	value = strings.TrimSpace(value)
	return value == "" || value == "unknown"
}

func normalizeUnset(info Info) Info {
	if isUnset(info.Commit) {
		info.Commit = "unknown"
	}
	if isUnset(info.Date) {
		info.Date = "unknown"
	}
	return info
}
