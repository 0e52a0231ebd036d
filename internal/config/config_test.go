package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()

	for _, env := range envNames {
		t.Setenv(env, "")
		require.NoError(t, os.Unsetenv(env))
	}
	t.Chdir(t.TempDir())
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  int64
	}{
		{"100MB", 100 << 20},
		{"512KB", 512 << 10},
		{"512KiB", 512 << 10},
		{"2GB", 2 << 30},
		{"1024", 1024},
		{"1024B", 1024},
		{"  10mb  ", 10 << 20},
		{"10 MiB", 10 << 20},
		{"3M", 3 << 20},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseSize(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseSizeRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "abc", "-5MB", "0", "1.5GB", "99999999999999GB"} {
		_, err := ParseSize(input)
		require.Error(t, err, "input %q", input)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Server.Host)
	require.Equal(t, 5000, cfg.Server.Port)
	require.Equal(t, "0.0.0.0:5000", cfg.Server.Addr())
	require.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	require.Equal(t, "uploads", cfg.Upload.Dir)
	require.Equal(t, int64(100<<20), cfg.Upload.MaxBytes)
	require.Empty(t, cfg.Engine.Path)
	require.Empty(t, cfg.Engine.Args)
	require.Equal(t, 300*time.Second, cfg.Engine.Timeout)
	require.Equal(t, 5*time.Second, cfg.Engine.GracePeriod)
	require.False(t, cfg.Log.Verbose)
	require.False(t, cfg.Log.JSON)
}

func TestLoadReadsEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("UPLOAD_DIR", "/var/tmp/voxserve")
	t.Setenv("MAX_UPLOAD_SIZE", "25MB")
	t.Setenv("VOXSERVE_ENGINE_PATH", "/usr/bin/python3")
	t.Setenv("ENGINE_ARGS", "transcribe.py  --fp16")
	t.Setenv("ENGINE_TIMEOUT", "90s")
	t.Setenv("ENGINE_GRACE_PERIOD", "2s")
	t.Setenv("LOG_VERBOSE", "true")
	t.Setenv("LOG_JSON", "1")

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr())
	require.Equal(t, "/var/tmp/voxserve", cfg.Upload.Dir)
	require.Equal(t, int64(25<<20), cfg.Upload.MaxBytes)
	require.Equal(t, "/usr/bin/python3", cfg.Engine.Path)
	require.Equal(t, []string{"transcribe.py", "--fp16"}, cfg.Engine.Args)
	require.Equal(t, 90*time.Second, cfg.Engine.Timeout)
	require.Equal(t, 2*time.Second, cfg.Engine.GracePeriod)
	require.True(t, cfg.Log.Verbose)
	require.True(t, cfg.Log.JSON)
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("UPLOAD_DIR", "from-env")

	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.Int("port", DefaultPort, "")
	flags.String("upload-dir", DefaultUploadDir, "")
	require.NoError(t, flags.Parse([]string{"--port", "9090"}))

	cfg, err := Load(LoadOptions{Flags: flags})
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	// unchanged flag defaults do not shadow the environment
	require.Equal(t, "from-env", cfg.Upload.Dir)
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.WriteFile(".env", []byte("PORT=7000\nENGINE_TIMEOUT=1m\n"), 0o600))

	cfg, err := Load(LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Server.Port)
	require.Equal(t, time.Minute, cfg.Engine.Timeout)
}

func TestLoadEnvironmentWinsOverDotEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "6000")
	envFile := filepath.Join(t.TempDir(), "custom.env")
	require.NoError(t, os.WriteFile(envFile, []byte("PORT=7000\n"), 0o600))

	cfg, err := Load(LoadOptions{EnvFile: envFile})
	require.NoError(t, err)
	require.Equal(t, 6000, cfg.Server.Port)
}

func TestLoadMissingExplicitEnvFileFails(t *testing.T) {
	clearEnv(t)

	_, err := Load(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	require.ErrorIs(t, err, ErrEnvFile)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_UPLOAD_SIZE", "lots")

	_, err := Load(LoadOptions{})
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "MAX_UPLOAD_SIZE")

	t.Setenv("MAX_UPLOAD_SIZE", "")
	t.Setenv("PORT", "70000")
	_, err = Load(LoadOptions{})
	require.ErrorIs(t, err, ErrInvalid)
	require.ErrorContains(t, err, "port must be between")
}

func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{Engine: EngineConfig{Timeout: -1, GracePeriod: -1}}
	cfg.Server.Port = -1
	err := cfg.Validate()
	require.ErrorContains(t, err, "port")
	require.ErrorContains(t, err, "upload directory is required")
	require.ErrorContains(t, err, "engine timeout")
	require.ErrorContains(t, err, "grace period")
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultPort, cfg.Server.Port)
	require.Equal(t, DefaultEngineTimeout, cfg.Engine.Timeout)
}
