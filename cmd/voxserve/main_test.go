package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/fmueller/voxserve/internal/cli"
	"github.com/fmueller/voxserve/internal/config"
	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	t.Parallel()

	require.True(t, isUsageError(errors.New("unknown command \"bad\" for \"voxserve\"")))
	require.True(t, isUsageError(errors.New("unknown flag: --oops")))
	require.True(t, isUsageError(errors.New("flag needs an argument: --port")))
	require.True(t, isUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.True(t, isUsageError(errors.New(`invalid argument "soon" for "--engine-timeout" flag: time: invalid duration "soon"`)))
	require.False(t, isUsageError(errors.New("server failed to bind 0.0.0.0:5000: address already in use")))
	require.False(t, isUsageError(nil))
}

func TestHelpHintTarget(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	require.Equal(t, "voxserve", helpHintTarget(root, []string{"--badflag"}))
	require.Equal(t, "voxserve", helpHintTarget(root, []string{"badcmd"}))
	require.Equal(t, "voxserve transcribe", helpHintTarget(root, []string{"transcribe"}))
	require.Equal(t, "voxserve serve", helpHintTarget(root, []string{"serve", "--port"}))
	require.Equal(t, "voxserve", helpHintTarget(nil, nil))
}

func TestHintForConfigurationErrors(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()

	_, err := config.Load(config.LoadOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	require.Error(t, err)
	require.Contains(t, hintFor(err, root, []string{"serve"}), "--env-file")
	require.Equal(t, exitUsage, exitCode(err))

	invalid := fmt.Errorf("%w: MAX_UPLOAD_SIZE: size must be positive", config.ErrInvalid)
	require.Equal(t, "Check the flags and environment variables listed by 'voxserve serve --help'.",
		hintFor(invalid, root, []string{"serve", "--max-upload-size", "0"}))
	require.Equal(t, exitUsage, exitCode(invalid))
}

func TestHintForBusyAddress(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("address-in-use errors differ on windows")
	}

	first, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()

	_, err = net.Listen("tcp", first.Addr().String())
	require.Error(t, err)
	err = fmt.Errorf("server failed to bind %s: %w", first.Addr(), err)

	require.Contains(t, hintFor(err, cli.NewRootCmd(), nil), "--port")
	require.Equal(t, exitFailure, exitCode(err))
}

func TestHintForUnreachableServer(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("%w at http://127.0.0.1:1: %w", cli.ErrServerUnreachable, os.ErrDeadlineExceeded)
	require.Contains(t, hintFor(err, cli.NewRootCmd(), []string{"transcribe", "clip.wav"}), "voxserve serve")
	require.Equal(t, exitFailure, exitCode(err))
}

func TestHintForUsageAndOtherErrors(t *testing.T) {
	t.Parallel()

	root := cli.NewRootCmd()
	usage := errors.New("accepts 1 arg(s), received 0")
	require.Equal(t, "Run 'voxserve transcribe --help' for usage.", hintFor(usage, root, []string{"transcribe"}))
	require.Equal(t, exitUsage, exitCode(usage))

	require.Empty(t, hintFor(errors.New("server shutdown: context deadline exceeded"), root, nil))
	require.Empty(t, hintFor(nil, root, nil))
}
