package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/engine"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/server"
	"github.com/fmueller/voxserve/internal/service"
	"github.com/fmueller/voxserve/internal/upload"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context(), cmd.Flags())
		},
	}

	bindServeFlags(cmd, app)
	return cmd
}

func bindServeFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.Flags()
	flags.StringVar(&app.envFile, "env-file", app.envFile, "Load environment variables from this file (default ./.env if present)")
	flags.String("host", config.DefaultHost, "Address to listen on (env HOST)")
	flags.Int("port", config.DefaultPort, "Port to listen on (env PORT)")
	flags.String("upload-dir", config.DefaultUploadDir, "Directory for in-flight uploads (env UPLOAD_DIR)")
	flags.String("max-upload-size", config.DefaultMaxUploadSize, "Largest accepted upload, binary units (env MAX_UPLOAD_SIZE)")
	flags.String("engine", "", "Speech-to-text engine executable (env VOXSERVE_ENGINE_PATH)")
	flags.String("engine-args", "", "Space separated arguments placed before the audio path (env ENGINE_ARGS)")
	flags.Duration("engine-timeout", config.DefaultEngineTimeout, "Wall-clock limit per engine run (env ENGINE_TIMEOUT)")
	flags.Duration("engine-grace-period", config.DefaultEngineGracePeriod, "Time between SIGTERM and SIGKILL on timeout (env ENGINE_GRACE_PERIOD)")
	flags.Duration("shutdown-timeout", config.DefaultShutdownTimeout, "Time allowed for in-flight requests on shutdown (env SHUTDOWN_TIMEOUT)")
}

func (a *appState) runServe(ctx context.Context, flags *pflag.FlagSet) error {
	cfg, err := config.Load(config.LoadOptions{EnvFile: a.envFile, Flags: flags})
	if err != nil {
		return err
	}

	if cfg.Log.Verbose != a.verbose || cfg.Log.JSON != a.jsonLogs {
		logger, err := logging.New(logging.Options{Verbose: cfg.Log.Verbose, JSON: cfg.Log.JSON, Service: serviceName})
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		a.logger = logger
	}
	defer func() { _ = a.log().Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveFn := a.serveFn
	if serveFn == nil {
		serveFn = a.serve
	}
	return serveFn(ctx, cfg)
}

func (a *appState) serve(ctx context.Context, cfg *config.Config) error {
	log := a.log()

	if cfg.Log.Verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := upload.NewStore(cfg.Upload.Dir, upload.Options{MaxBytes: cfg.Upload.MaxBytes})
	if err != nil {
		return err
	}

	eng := engine.NewProcessEngine(engine.Config{
		Executable:  engine.ResolveExecutable(cfg.Engine.Path),
		Args:        cfg.Engine.Args,
		Timeout:     cfg.Engine.Timeout,
		GracePeriod: cfg.Engine.GracePeriod,
	}, log)
	if err := eng.Check(); err != nil {
		log.Warn("transcription engine not available; requests will fail until it is installed",
			zap.String("engine", eng.Executable()), zap.Error(err))
	}

	rt := platform.CurrentRuntime()
	if !platform.SupportsProcessGroups(runtime.GOOS) {
		log.Warn("process groups unsupported; timed out engines are killed without their children", zap.String("os", rt.OS))
	}

	m := metrics.New()
	svc := service.New(store, eng, service.Options{
		Timeout: cfg.Engine.Timeout,
		Metrics: m,
		Logger:  log,
	})

	srv, err := server.New(server.Options{
		Addr:            cfg.Server.Addr(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ServiceName:     serviceName,
		Transcriber:     svc,
		Metrics:         m,
		Logger:          log,
		Build:           version.Current(),
		Runtime:         rt,
	})
	if err != nil {
		return err
	}

	log.Info("voxserve starting",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("upload_dir", store.Dir()),
		zap.Int64("max_upload_bytes", store.MaxBytes()),
		zap.String("engine", eng.Executable()),
		zap.Strings("engine_args", cfg.Engine.Args),
		zap.Duration("engine_timeout", cfg.Engine.Timeout),
		zap.String("version", version.Resolve()),
	)
	return srv.Run(ctx)
}
