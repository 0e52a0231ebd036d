package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/fmueller/voxserve/internal/client"
	"github.com/fmueller/voxserve/internal/config"
	"github.com/fmueller/voxserve/internal/logging"
	"github.com/fmueller/voxserve/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/spf13/cobra"
)

const serviceName = "voxserve"

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool
	envFile    string
	serverURL  string
	retries    int

	logger *zap.Logger

	serveFn      func(ctx context.Context, cfg *config.Config) error
	transcribeFn func(ctx context.Context, audioPath string) (string, error)
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newAppState() *appState {
	app := &appState{
		serverURL: defaultServerURL(),
		retries:   3,
	}
	app.serveFn = app.serve
	app.transcribeFn = app.transcribeRemote
	return app
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Serve speech-to-text transcription of uploaded audio over HTTP",
		Long:          "voxserve accepts audio uploads over HTTP, runs each one through an external\nspeech-to-text engine in a child process and returns the transcript.\nRunning it without a subcommand starts the server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs, Service: serviceName})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context(), cmd.Flags())
		},
		Args: cobra.NoArgs,
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindServeFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs (env LOG_VERBOSE)")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging (env LOG_JSON)")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func defaultServerURL() string {
	if v := os.Getenv("VOXSERVE_URL"); v != "" {
		return v
	}
	return client.DefaultServerURL
}
