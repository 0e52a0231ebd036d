package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("engine scripts require a POSIX shell")
	}

	path := filepath.Join(t.TempDir(), "fake-engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func writeAudio(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o600))
	return path
}

func TestTranscribeTrimsStdout(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `printf '  hello world  \n'`)
	eng := NewProcessEngine(Config{Executable: script}, nil)

	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)
	require.Equal(t, "hello world", job.Transcript)
	require.Equal(t, StatusSucceeded, job.Status)
	require.Equal(t, 0, job.ExitCode)
}

func TestTranscribePassesPathAsSoleArgument(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "$#:$1"`)
	eng := NewProcessEngine(Config{Executable: script}, nil)
	audio := writeAudio(t)

	job, err := eng.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	require.Equal(t, "1:"+audio, job.Transcript)
}

func TestTranscribePrependsConfiguredArgs(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `printf '%s|' "$@"`)
	eng := NewProcessEngine(Config{Executable: script, Args: []string{"transcribe.py", "--quiet"}}, nil)
	audio := writeAudio(t)

	job, err := eng.Transcribe(context.Background(), audio)
	require.NoError(t, err)
	require.Equal(t, "transcribe.py|--quiet|"+audio+"|", job.Transcript)
}

func TestTranscribeSetsEnvironment(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "$PYTHONUNBUFFERED $VOXSERVE_TEST_EXTRA"`)
	eng := NewProcessEngine(Config{Executable: script, Env: []string{"VOXSERVE_TEST_EXTRA=yes"}}, nil)

	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)
	require.Equal(t, "1 yes", job.Transcript)
}

func TestTranscribeEmptyStdoutIsEmptyResult(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `printf '   \n\t'; echo "progress 100%" >&2`)
	eng := NewProcessEngine(Config{Executable: script}, nil)

	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	require.ErrorIs(t, err, ErrEmptyResult)
	require.Equal(t, StatusEmpty, job.Status)
	require.Empty(t, job.Transcript)
	require.Equal(t, "progress 100%", job.StderrText())
}

func TestTranscribeStderrIsNotTranscript(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "loading model" >&2; echo "the words"`)
	eng := NewProcessEngine(Config{Executable: script}, nil)

	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	require.NoError(t, err)
	require.Equal(t, "the words", job.Transcript)
}

func TestTranscribeNonZeroExitCarriesStderr(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "partial"; echo "bad codec" >&2; exit 2`)
	eng := NewProcessEngine(Config{Executable: script}, nil)

	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	require.ErrorIs(t, err, ErrExitStatus)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 2, exitErr.Code)
	require.Equal(t, "bad codec", exitErr.Diagnostic())
	require.Contains(t, err.Error(), "bad codec")
	require.Equal(t, StatusExited, job.Status)
	require.Equal(t, 2, job.ExitCode)
	require.Empty(t, job.Transcript)
}

func TestTranscribeNonZeroExitWithoutStderrUsesExitState(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `exit 3`)
	eng := NewProcessEngine(Config{Executable: script}, nil)

	_, err := eng.Transcribe(context.Background(), writeAudio(t))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, "exit status 3", exitErr.Diagnostic())
}

func TestTranscribeAddsSharedLibraryHint(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo "error while loading shared libraries: libwhisper.so.1" >&2; exit 127`)
	eng := NewProcessEngine(Config{Executable: script}, nil)

	_, err := eng.Transcribe(context.Background(), writeAudio(t))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Contains(t, exitErr.Diagnostic(), "missing required shared libraries")
}

func TestTranscribeMissingExecutableIsSpawnError(t *testing.T) {
	t.Parallel()

	eng := NewProcessEngine(Config{Executable: filepath.Join(t.TempDir(), "does-not-exist")}, nil)

	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	require.ErrorIs(t, err, ErrSpawn)
	require.Equal(t, StatusSpawnFailed, job.Status)
}

func TestTranscribeNonExecutableFileIsSpawnError(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		t.Skip("file modes are not enforced on windows")
	}

	path := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o644))
	eng := NewProcessEngine(Config{Executable: path}, nil)

	_, err := eng.Transcribe(context.Background(), writeAudio(t))
	require.ErrorIs(t, err, ErrSpawn)
	require.Error(t, eng.Check())
}

func TestTranscribeTimesOutHungEngine(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `sleep 30`)
	eng := NewProcessEngine(Config{Executable: script, Timeout: 200 * time.Millisecond, GracePeriod: 500 * time.Millisecond}, nil)

	started := time.Now()
	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	elapsed := time.Since(started)

	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, StatusTimedOut, job.Status)
	require.Less(t, elapsed, 5*time.Second)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestTranscribeKillsEngineIgnoringTerm(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `trap '' TERM; echo started; sleep 30`)
	eng := NewProcessEngine(Config{Executable: script, Timeout: 200 * time.Millisecond, GracePeriod: 300 * time.Millisecond}, nil)

	started := time.Now()
	job, err := eng.Transcribe(context.Background(), writeAudio(t))
	elapsed := time.Since(started)

	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, "started", strings.TrimSpace(string(job.Stdout)))
	require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	require.Less(t, elapsed, 5*time.Second)
}

func TestTranscribeParentCancellationStopsEngine(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `sleep 30`)
	eng := NewProcessEngine(Config{Executable: script, GracePeriod: 300 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	job, err := eng.Transcribe(ctx, writeAudio(t))
	require.ErrorIs(t, err, ErrCanceled)
	require.False(t, errors.Is(err, ErrTimeout))
	require.Equal(t, StatusCanceled, job.Status)
}

func TestTranscribeRequiresAudioPath(t *testing.T) {
	t.Parallel()

	eng := NewProcessEngine(Config{Executable: "true"}, nil)
	_, err := eng.Transcribe(context.Background(), " ")
	require.Error(t, err)
}

func TestNewProcessEngineAppliesDefaults(t *testing.T) {
	t.Parallel()

	eng := NewProcessEngine(Config{Executable: "x"}, nil)
	require.Equal(t, DefaultTimeout, eng.Timeout())
	require.Equal(t, DefaultGracePeriod, eng.cfg.GracePeriod)
	require.Equal(t, "x", eng.Executable())
}

func TestIsMissingSharedLibraryError(t *testing.T) {
	t.Parallel()

	require.True(t, isMissingSharedLibraryError("error while loading shared libraries: libwhisper.so.1: cannot open shared object file"))
	require.True(t, isMissingSharedLibraryError("dyld: Library not loaded: @rpath/libwhisper.dylib"))
	require.False(t, isMissingSharedLibraryError("some other runtime error"))
}

func TestIsIllegalInstructionError(t *testing.T) {
	t.Parallel()

	require.True(t, isIllegalInstructionError("signal: illegal instruction (core dumped)"))
	require.False(t, isIllegalInstructionError("some other runtime error"))
	require.False(t, isIllegalInstructionError(""))
}
