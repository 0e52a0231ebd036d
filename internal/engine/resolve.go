package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const EnginePathEnv = "VOXSERVE_ENGINE_PATH"

// ResolveExecutable picks the engine to run. An explicit path wins, then
// VOXSERVE_ENGINE_PATH, then an executable installed next to the server
// binary. When nothing is found the bare engine name is returned and PATH
// lookup happens at spawn time, so a missing engine fails per request
// instead of at startup.
func ResolveExecutable(explicit string) string {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit
	}
	if override := strings.TrimSpace(os.Getenv(EnginePathEnv)); override != "" {
		return override
	}

	self, err := os.Executable()
	if err == nil {
		if found, ok := resolveNear(self); ok {
			return found
		}
	}

	return engineBinaryName()
}

func resolveNear(serverExecutable string) (string, bool) {
	for _, candidate := range EnginePathCandidates(serverExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func EnginePathCandidates(serverExecutable string) []string {
	binDir := filepath.Dir(serverExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "voxserve", engineName),
		filepath.Join(binDir, "libexec", "voxserve", engineName),
		filepath.Join(binDir, engineName),
	}
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "voxserve-engine.exe"
	}
	return "voxserve-engine"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
