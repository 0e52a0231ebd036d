package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/voxserve/internal/version"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	DefaultServerURL = "http://127.0.0.1:5000"
	audioField       = "audio"
)

// ServerError is a non-200 answer from the server.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Detail)
}

type Options struct {
	ServerURL string
	// Retries applies only to failures to connect; an upload that reached the
	// server is never sent twice.
	Retries    int
	NoProgress bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Client struct {
	base       *url.URL
	retries    int
	noProgress bool
	http       *http.Client
	logger     *zap.Logger
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.ServerURL)
	if raw == "" {
		raw = DefaultServerURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse server URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https: %s", raw)
	}

	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.HTTPClient == nil {
		// No overall timeout: the server bounds transcription itself.
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		base:       base,
		retries:    opts.Retries,
		noProgress: opts.NoProgress,
		http:       opts.HTTPClient,
		logger:     opts.Logger,
	}, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

// Ping checks that the server is up.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeServerError(resp)
	}
	return nil
}

// Transcribe uploads audioPath and returns the transcript.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (string, error) {
	if strings.TrimSpace(audioPath) == "" {
		return "", errors.New("audio path is required")
	}
	info, err := os.Stat(audioPath)
	if err != nil {
		return "", fmt.Errorf("stat audio file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", audioPath)
	}

	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			c.logger.Warn("retrying upload", zap.Int("attempt", attempt), zap.Int("max", c.retries), zap.String("server", c.base.String()))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}

		transcript, err := c.uploadOnce(ctx, audioPath, info.Size())
		if err == nil {
			return transcript, nil
		}
		lastErr = err
		if !isConnectError(err) {
			return "", err
		}
	}

	return "", lastErr
}

func (c *Client) uploadOnce(ctx context.Context, audioPath string, size int64) (string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer file.Close()

	var src io.Reader = file
	var bar *progressbar.ProgressBar
	if shouldRenderProgress(c.noProgress, size) {
		bar = progressbar.NewOptions64(
			size,
			progressbar.OptionSetDescription("uploading"),
			progressbar.OptionSetWidth(20),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
		src = io.TeeReader(file, bar)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	// Once the file is fully sent the upload bar gives way to a spinner
	// until the server answers.
	spinner := make(chan stopFunc, 1)
	go func() {
		err := writeForm(form, filepath.Base(audioPath), src)
		stop := func() {}
		if err == nil && bar != nil {
			_ = bar.Finish()
			stop = startSpinner(true, "transcribing")
		}
		spinner <- stop
		pw.CloseWithError(err)
	}()
	defer func() {
		_ = pr.Close()
		(<-spinner)()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/transcribe"), pr)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("User-Agent", "voxserve/"+version.Resolve())

	c.logger.Debug("uploading audio", zap.String("file", audioPath), zap.Int64("bytes", size), zap.String("server", c.base.String()))
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeServerError(resp)
	}

	var body struct {
		Transcription string `json:"transcription"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return body.Transcription, nil
}

func writeForm(form *multipart.Writer, filename string, src io.Reader) error {
	part, err := form.CreateFormFile(audioField, filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("read audio file: %w", err)
	}
	return form.Close()
}

func decodeServerError(resp *http.Response) error {
	var body struct {
		Detail string `json:"detail"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Detail == "" {
		body.Detail = strings.TrimSpace(string(raw))
	}
	return &ServerError{StatusCode: resp.StatusCode, Detail: body.Detail}
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func shouldRenderProgress(noProgress bool, contentLength int64) bool {
	if noProgress {
		return false
	}
	if contentLength <= 0 {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
