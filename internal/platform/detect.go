package platform

import (
	"os"
	"runtime"
)

// Runtime describes the host the server runs on, as reported by the
// diagnostic endpoint.
type Runtime struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"go_version"`
	Hostname  string `json:"hostname,omitempty"`
	PID       int    `json:"pid"`
}

func CurrentRuntime() Runtime {
	return runtimeFor(runtime.GOOS, runtime.GOARCH, runtime.Version(), os.Hostname, os.Getpid())
}

func runtimeFor(goos, goarch, goVersion string, hostname func() (string, error), pid int) Runtime {
	rt := Runtime{
		OS:        goos,
		Arch:      NormalizeArch(goarch),
		GoVersion: goVersion,
		PID:       pid,
	}
	if name, err := hostname(); err == nil {
		rt.Hostname = name
	}
	return rt
}

func NormalizeArch(arch string) string {
	switch arch {
	case "x86_64":
		return "amd64"
	case "aarch64":
		return "arm64"
	default:
		return arch
	}
}

// SupportsProcessGroups reports whether engine timeouts can signal the whole
// process tree instead of only the direct child.
func SupportsProcessGroups(goos string) bool {
	return goos != "windows" && goos != "plan9"
}
