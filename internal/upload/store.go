package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultChunkSize = 8 << 10
	DefaultMaxBytes  = 100 << 20
)

var (
	ErrTooLarge = errors.New("upload exceeds size limit")
	ErrWrite    = errors.New("store upload")
	ErrRead     = errors.New("read upload")
	ErrEmpty    = errors.New("upload is empty")
)

type Options struct {
	MaxBytes  int64
	ChunkSize int
}

// Store places uploads in a single scoped directory. It is safe for
// concurrent use: every session gets its own generated file name.
type Store struct {
	dir       string
	maxBytes  int64
	chunkSize int
	newID     func() string
}

func NewStore(dir string, opts Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("upload directory is required")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload directory %s: %w", abs, err)
	}

	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	return &Store{
		dir:       abs,
		maxBytes:  opts.MaxBytes,
		chunkSize: opts.ChunkSize,
		newID:     func() string { return uuid.NewString() },
	}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

func (s *Store) newSession(label string) *Session {
	id := s.newID()
	return &Session{
		ID:    id,
		Label: SanitizeLabel(label),
		Path:  filepath.Join(s.dir, storedName(id, label)),
		State: StateReceiving,
	}
}

// Receive streams src into a new file under the store directory. The returned
// session is non-nil even on error so callers can always defer Remove. When
// the running total passes the size limit the copy stops before the
// offending chunk is written and nothing more is read from src.
func (s *Store) Receive(label string, src io.Reader) (*Session, error) {
	sess := s.newSession(label)

	f, err := os.OpenFile(sess.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		sess.State = StateFailed
		return sess, fmt.Errorf("%w: create %s: %w", ErrWrite, sess.Path, err)
	}

	if err := s.copyChunks(sess, f, src); err != nil {
		_ = f.Close()
		sess.State = StateFailed
		if rmErr := sess.Remove(); rmErr != nil {
			return sess, errors.Join(err, rmErr)
		}
		return sess, err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		sess.State = StateFailed
		_ = sess.Remove()
		return sess, fmt.Errorf("%w: sync %s: %w", ErrWrite, sess.Path, err)
	}
	if err := f.Close(); err != nil {
		sess.State = StateFailed
		_ = sess.Remove()
		return sess, fmt.Errorf("%w: close %s: %w", ErrWrite, sess.Path, err)
	}

	sess.State = StateStored
	return sess, nil
}

func (s *Store) copyChunks(sess *Session, dst io.Writer, src io.Reader) error {
	buf := make([]byte, s.chunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			sess.Written += int64(n)
			if sess.Written > s.maxBytes {
				return fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxBytes)
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: write %s: %w", ErrWrite, sess.Path, err)
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			var maxErr *http.MaxBytesError
			if errors.As(readErr, &maxErr) {
				return fmt.Errorf("%w: request body over %d bytes", ErrTooLarge, maxErr.Limit)
			}
			return fmt.Errorf("%w: %w", ErrRead, readErr)
		}
	}
}
