package logging

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	Verbose bool
	JSON    bool
	// Service is attached to every JSON entry so aggregated logs can be
	// filtered by process.
	Service string
}

func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	if !opts.JSON {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeCaller = nil
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}

	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !opts.Verbose

	if opts.JSON {
		cfg.Encoding = "json"
		if opts.Service != "" {
			cfg.InitialFields = map[string]any{"service": opts.Service}
		}
	} else {
		cfg.Encoding = "console"
	}

	return cfg.Build()
}

// StdLog adapts logger for APIs that only accept a *log.Logger, such as
// http.Server.ErrorLog. Entries are written at warn level.
func StdLog(logger *zap.Logger) *log.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	stdLog, err := zap.NewStdLogAt(logger, zapcore.WarnLevel)
	if err != nil {
		return zap.NewStdLog(logger)
	}
	return stdLog
}
