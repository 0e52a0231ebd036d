package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fmueller/voxserve/internal/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ErrServerUnreachable is returned when the server does not answer the
// liveness check before an upload.
var ErrServerUnreachable = errors.New("voxserve server not reachable")

func newTranscribeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Upload an audio file to a running server and print the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transcribeFn := app.transcribeFn
			if transcribeFn == nil {
				transcribeFn = app.transcribeRemote
			}

			transcript, err := transcribeFn(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), transcript)
			return nil
		},
	}

	bindProgressFlag(cmd, app)
	cmd.Flags().StringVar(&app.serverURL, "server", app.serverURL, "Base URL of the voxserve server (env VOXSERVE_URL)")
	cmd.Flags().IntVar(&app.retries, "retries", app.retries, "Connection attempts before giving up")
	return cmd
}

func (a *appState) transcribeRemote(ctx context.Context, audioPath string) (string, error) {
	audioPath = filepath.Clean(audioPath)
	if _, err := os.Stat(audioPath); err != nil {
		return "", fmt.Errorf("audio file not found: %w", err)
	}

	c, err := client.New(client.Options{
		ServerURL:  a.serverURL,
		Retries:    a.retries,
		NoProgress: !a.progressEnabled(),
		Logger:     a.log(),
	})
	if err != nil {
		return "", err
	}

	if err := c.Ping(ctx); err != nil {
		return "", fmt.Errorf("%w at %s: %w", ErrServerUnreachable, a.serverURL, err)
	}

	a.log().Info("transcribing...", zap.String("audio", audioPath), zap.String("server", a.serverURL))
	started := time.Now()

	transcript, err := c.Transcribe(ctx, audioPath)
	if err != nil {
		a.log().Warn("transcription failed", zap.Duration("elapsed", time.Since(started)), zap.Error(err))
		return "", err
	}
	a.log().Info("transcription finished", zap.Duration("elapsed", time.Since(started)))

	return transcript, nil
}
