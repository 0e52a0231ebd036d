package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/metrics"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/service"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	metricsPath = "/metrics"

	defaultShutdownTimeout = 10 * time.Second
	defaultServiceName     = "voxserve"
)

type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	ServiceName     string

	Transcriber *service.Transcriber
	Metrics     *metrics.Metrics
	Logger      *zap.Logger

	Build   version.Info
	Runtime platform.Runtime
}

// Server is the HTTP front of the transcription service.
type Server struct {
	httpServer      *http.Server
	engine          *gin.Engine
	shutdownTimeout time.Duration
	logger          *zap.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Transcriber == nil {
		return nil, errors.New("server requires a transcriber")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.ServiceName == "" {
		opts.ServiceName = defaultServiceName
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.ContextWithFallback = true
	if err := engine.SetTrustedProxies(nil); err != nil {
		return nil, fmt.Errorf("configure trusted proxies: %w", err)
	}

	engine.Use(RequestID())
	engine.Use(AccessLog(logger, opts.Metrics))
	engine.Use(Recovery(logger))
	engine.Use(AllowRequestedHeaders())
	engine.Use(cors.New(corsConfig()))

	h := &handlers{
		svc:     opts.Transcriber,
		service: opts.ServiceName,
		build:   opts.Build,
		runtime: opts.Runtime,
	}
	engine.GET("/", h.root)
	engine.GET("/test", h.test)
	engine.GET("/version", h.versionInfo)
	engine.GET(metricsPath, gin.WrapH(opts.Metrics.Handler()))
	engine.POST("/transcribe", h.transcribe)
	engine.NoRoute(notFound)
	engine.NoMethod(methodNotAllowed)

	httpServer := &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          logging.StdLog(logger),
	}

	return &Server{
		httpServer:      httpServer,
		engine:          engine,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          logger,
	}, nil
}

// corsConfig allows every origin. With credentials allowed the request
// origin is echoed back; browsers reject a literal "*" there. Allowed
// headers come from AllowRequestedHeaders, so none are listed here.
func corsConfig() cors.Config {
	return cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		ExposeHeaders:    []string{"Content-Length", requestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run binds the configured address and serves until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server failed to bind %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done or serving fails. In-flight
// requests get the shutdown timeout to finish.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		s.logger.Info("HTTP server started", zap.String("addr", listener.Addr().String()))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		return s.shutdown()
	})

	return group.Wait()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down HTTP server", zap.Duration("timeout", s.shutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("HTTP server shut down")
	return nil
}
