package service

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/fmueller/voxserve/internal/apperrors"
	"github.com/fmueller/voxserve/internal/engine"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/upload"
	"go.uber.org/zap"
)

type Stage string

const (
	StageReceiving  Stage = "receiving"
	StageValidating Stage = "validating"
	StageInvoking   Stage = "invoking"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// OutcomeOK is the metrics label for a completed request; failures use the
// error code.
const OutcomeOK = "ok"

type Request struct {
	RequestID string
	// Label is the client-supplied filename. It is only logged.
	Label string
	Body  io.Reader
}

// Result is produced exactly once per request: either Transcript is set or
// Err is.
type Result struct {
	RequestID  string
	SessionID  string
	Stage      Stage
	Transcript string
	Bytes      int64
	Err        *apperrors.AppError
}

func (r Result) OK() bool {
	return r.Err == nil
}

type Options struct {
	// Timeout is reported in timeout messages when the engine does not say.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Transcriber runs one request through intake, validation and engine
// invocation, and guarantees the uploaded file is gone when it returns.
type Transcriber struct {
	store   *upload.Store
	engine  engine.Engine
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(store *upload.Store, eng engine.Engine, opts Options) *Transcriber {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = engine.DefaultTimeout
	}
	return &Transcriber{
		store:   store,
		engine:  eng,
		timeout: timeout,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

func (t *Transcriber) MaxUploadBytes() int64 {
	return t.store.MaxBytes()
}

// Reject finishes a request that failed before an upload session existed,
// such as a body without an audio field.
func (t *Transcriber) Reject(requestID string, appErr *apperrors.AppError) Result {
	log := t.logger.With(zap.String("request_id", requestID))
	log.Debug("transition", zap.String("from", string(StageReceiving)), zap.String("to", string(StageFailed)))
	return t.finish(log, Result{RequestID: requestID, Stage: StageFailed, Err: appErr})
}

// Transcribe handles one upload. The engine runs detached from ctx
// cancellation; only its own deadline stops it.
func (t *Transcriber) Transcribe(ctx context.Context, req Request) Result {
	defer t.metrics.TrackInFlight()()

	res := Result{RequestID: req.RequestID, Stage: StageReceiving}
	log := t.logger.With(zap.String("request_id", req.RequestID))

	sess, err := t.store.Receive(req.Label, req.Body)
	if sess != nil {
		res.SessionID = sess.ID
		res.Bytes = sess.Written
		log = log.With(zap.String("session_id", sess.ID))
		defer t.cleanup(log, sess)
	}
	if err != nil {
		res = t.transition(log, res, StageFailed)
		res.Err = classifyIntake(err, t.store.MaxBytes())
		return t.finish(log, res)
	}

	res = t.transition(log, res, StageValidating)
	if err := sess.Verify(); err != nil {
		res = t.transition(log, res, StageFailed)
		res.Err = classifyIntake(err, t.store.MaxBytes())
		return t.finish(log, res)
	}
	t.metrics.RecordUpload(sess.Written)

	res = t.transition(log, res, StageInvoking)
	job, err := t.engine.Transcribe(context.WithoutCancel(ctx), sess.Path)
	if job != nil {
		t.metrics.RecordEngine(string(job.Status), job.Duration)
		log.Debug("engine job",
			zap.String("status", string(job.Status)),
			zap.Int("exit_code", job.ExitCode),
			zap.Duration("elapsed", job.Duration),
		)
	}
	if err != nil {
		res = t.transition(log, res, StageFailed)
		res.Err = t.classifyEngine(err, job)
		return t.finish(log, res)
	}

	res = t.transition(log, res, StageCompleted)
	res.Transcript = job.Transcript
	return t.finish(log, res)
}

func (t *Transcriber) transition(log *zap.Logger, res Result, to Stage) Result {
	log.Debug("transition", zap.String("from", string(res.Stage)), zap.String("to", string(to)))
	res.Stage = to
	return res
}

func (t *Transcriber) finish(log *zap.Logger, res Result) Result {
	if res.Err == nil {
		t.metrics.RecordOutcome(OutcomeOK)
		log.Info("transcription completed", zap.Int64("bytes", res.Bytes), zap.Int("chars", len(res.Transcript)))
		return res
	}

	t.metrics.RecordOutcome(string(res.Err.Code))
	fields := []zap.Field{zap.String("code", string(res.Err.Code)), zap.Int("status", res.Err.HTTPStatus)}
	if res.Err.Cause != nil {
		fields = append(fields, zap.Error(res.Err.Cause))
	}
	if res.Err.HTTPStatus >= 500 {
		log.Error(res.Err.Message, fields...)
	} else {
		log.Warn(res.Err.Message, fields...)
	}
	return res
}

func (t *Transcriber) cleanup(log *zap.Logger, sess *upload.Session) {
	if err := sess.Remove(); err != nil {
		t.metrics.RecordCleanupFailure()
		log.Warn("failed to remove upload", zap.String("path", sess.Path), zap.Error(err))
	}
}

func classifyIntake(err error, limit int64) *apperrors.AppError {
	switch {
	case errors.Is(err, upload.ErrTooLarge):
		appErr := apperrors.PayloadTooLarge(limit)
		appErr.Cause = err
		return appErr
	case errors.Is(err, upload.ErrEmpty):
		return apperrors.InvalidUpload("file is empty")
	case errors.Is(err, upload.ErrRead):
		appErr := apperrors.InvalidUpload("request body ended before the file was complete")
		appErr.Cause = err
		return appErr
	case errors.Is(err, upload.ErrWrite):
		return apperrors.IntakeIO(err)
	default:
		return apperrors.Internal(err)
	}
}

func (t *Transcriber) classifyEngine(err error, job *engine.Job) *apperrors.AppError {
	var exitErr *engine.ExitError
	switch {
	case errors.Is(err, engine.ErrTimeout):
		limit := t.timeout
		if job != nil && job.Timeout > 0 {
			limit = job.Timeout
		}
		appErr := apperrors.InvocationTimeout(limit)
		appErr.Cause = err
		return appErr
	case errors.As(err, &exitErr):
		return apperrors.EngineExecution(exitErr.Diagnostic(), err)
	case errors.Is(err, engine.ErrExitStatus):
		return apperrors.EngineExecution("", err)
	case errors.Is(err, engine.ErrEmptyResult):
		appErr := apperrors.EmptyResult()
		appErr.Cause = err
		return appErr
	case errors.Is(err, engine.ErrSpawn):
		return apperrors.EngineSpawn(err)
	default:
		return apperrors.Internal(err)
	}
}
