package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 300 * time.Second
	DefaultGracePeriod = 5 * time.Second
)

// unbufferedEnv keeps interpreter-based engines from holding stdout in a
// block buffer.
var unbufferedEnv = []string{"PYTHONUNBUFFERED=1"}

type Config struct {
	Executable  string
	Args        []string
	Env         []string
	Timeout     time.Duration
	GracePeriod time.Duration
}

// ProcessEngine runs the transcription engine as a child process, one per
// call, as `<Executable> [Args...] <audio-path>`.
type ProcessEngine struct {
	cfg    Config
	logger *zap.Logger
}

var _ Engine = (*ProcessEngine)(nil)

func NewProcessEngine(cfg Config, logger *zap.Logger) *ProcessEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &ProcessEngine{cfg: cfg, logger: logger}
}

func (p *ProcessEngine) Executable() string {
	return p.cfg.Executable
}

func (p *ProcessEngine) Timeout() time.Duration {
	return p.cfg.Timeout
}

// Check reports whether the configured executable can be found. It is meant
// for startup diagnostics; Transcribe does not depend on it.
func (p *ProcessEngine) Check() error {
	if strings.TrimSpace(p.cfg.Executable) == "" {
		return errors.New("engine executable is not configured")
	}
	if strings.ContainsRune(p.cfg.Executable, os.PathSeparator) {
		return ensureExecutable(p.cfg.Executable)
	}
	_, err := exec.LookPath(p.cfg.Executable)
	return err
}

// Transcribe runs the engine on audioPath. The process is always reaped
// before Transcribe returns. When the deadline passes the process group gets
// SIGTERM and, after the grace period, SIGKILL.
func (p *ProcessEngine) Transcribe(ctx context.Context, audioPath string) (*Job, error) {
	if strings.TrimSpace(audioPath) == "" {
		return nil, errors.New("audio path is required")
	}

	job := &Job{
		InputPath: audioPath,
		Timeout:   p.cfg.Timeout,
		Status:    StatusPending,
		ExitCode:  -1,
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	args := make([]string, 0, len(p.cfg.Args)+1)
	args = append(args, p.cfg.Args...)
	args = append(args, audioPath)

	cmd := exec.Command(p.cfg.Executable, args...) //nolint:gosec // running the configured engine is the point
	cmd.Env = mergeEnv(p.cfg.Env)
	cmd.WaitDelay = p.cfg.GracePeriod
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("starting engine", zap.String("engine", p.cfg.Executable), zap.Strings("args", args), zap.Duration("timeout", p.cfg.Timeout))
	started := time.Now()
	if err := cmd.Start(); err != nil {
		job.Status = StatusSpawnFailed
		return job, fmt.Errorf("%w: %s: %w", ErrSpawn, p.cfg.Executable, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	var stopReason error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		stopReason = runCtx.Err()
		waitErr = p.stop(cmd, done)
	}

	// The engine is reaped; anything it left running in its group goes too.
	if err := killProcess(cmd); err != nil {
		p.logger.Debug("kill engine process group", zap.Error(err))
	}

	job.Duration = time.Since(started)
	job.Stdout = stdout.Bytes()
	job.Stderr = stderr.Bytes()
	if cmd.ProcessState != nil {
		job.ExitCode = cmd.ProcessState.ExitCode()
	}

	p.logger.Debug("engine finished",
		zap.String("engine", p.cfg.Executable),
		zap.Int("exit_code", job.ExitCode),
		zap.Duration("elapsed", job.Duration),
		zap.Int("stdout_bytes", len(job.Stdout)),
		zap.Int("stderr_bytes", len(job.Stderr)),
	)

	switch {
	case errors.Is(stopReason, context.DeadlineExceeded):
		job.Status = StatusTimedOut
		return job, fmt.Errorf("%w: %s after %s", ErrTimeout, p.cfg.Executable, p.cfg.Timeout)
	case stopReason != nil:
		job.Status = StatusCanceled
		return job, fmt.Errorf("%w: %w", ErrCanceled, stopReason)
	}

	if exitErr := classifyExit(cmd.ProcessState, waitErr, job.StderrText()); exitErr != nil {
		job.Status = StatusExited
		return job, exitErr
	}
	if waitErr != nil {
		// Engine exited 0 but something it spawned kept the output pipes open
		// past the grace period; what was captured is still usable.
		p.logger.Warn("engine output pipes closed forcibly", zap.Error(waitErr))
	}

	job.Transcript = strings.TrimSpace(string(job.Stdout))
	if job.Transcript == "" {
		job.Status = StatusEmpty
		return job, ErrEmptyResult
	}

	job.Status = StatusSucceeded
	return job, nil
}

func (p *ProcessEngine) stop(cmd *exec.Cmd, done <-chan error) error {
	if err := terminateProcess(cmd); err != nil {
		p.logger.Debug("terminate engine", zap.Error(err))
	}

	timer := time.NewTimer(p.cfg.GracePeriod)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		p.logger.Warn("engine ignored termination; killing", zap.Duration("grace_period", p.cfg.GracePeriod))
		if err := killProcess(cmd); err != nil {
			p.logger.Debug("kill engine", zap.Error(err))
		}
		return <-done
	}
}

func classifyExit(state *os.ProcessState, waitErr error, stderr string) *ExitError {
	if state != nil && state.Success() {
		return nil
	}
	if state == nil && waitErr == nil {
		return nil
	}

	exitErr := &ExitError{
		Code:   -1,
		Stderr: stderr,
		Err:    waitErr,
		State:  "did not report an exit status",
	}
	if state != nil {
		exitErr.Code = state.ExitCode()
		exitErr.State = state.String()
	}

	switch {
	case isMissingSharedLibraryError(stderr):
		exitErr.Hint = "engine is missing required shared libraries"
	case isIllegalInstructionError(stderr) || isIllegalInstructionError(exitErr.State):
		exitErr.Hint = "engine crashed with an illegal CPU instruction"
	}

	return exitErr
}

func mergeEnv(extra []string) []string {
	env := os.Environ()
	env = append(env, unbufferedEnv...)
	return append(env, extra...)
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}
