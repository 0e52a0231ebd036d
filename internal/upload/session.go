package upload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

type State string

const (
	StateReceiving State = "receiving"
	StateStored    State = "stored"
	StateFailed    State = "failed"
)

// Session is one in-flight upload. It belongs to a single request and is not
// safe for concurrent use.
type Session struct {
	ID      string
	Label   string
	Path    string
	Written int64
	State   State

	removed bool
}

// Verify confirms the stored file is complete before anything consumes it.
func (s *Session) Verify() error {
	if s.State != StateStored {
		return fmt.Errorf("upload %s is %s, not stored", s.ID, s.State)
	}

	info, err := os.Stat(s.Path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrWrite, s.Path, err)
	}
	if info.Size() != s.Written {
		return fmt.Errorf("%w: %s has %d bytes on disk, received %d", ErrWrite, s.Path, info.Size(), s.Written)
	}
	if s.Written == 0 {
		return ErrEmpty
	}
	return nil
}

// Remove deletes the session file. Calling it more than once, or after the
// file has already disappeared, is not an error.
func (s *Session) Remove() error {
	if s == nil || s.removed || strings.TrimSpace(s.Path) == "" {
		return nil
	}

	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload %s: %w", s.Path, err)
	}

	s.removed = true
	return nil
}

func (s *Session) Removed() bool {
	return s.removed
}

// SanitizeLabel reduces a client-supplied filename to a printable base name
// suitable for logs. It is never used to build a path.
func SanitizeLabel(label string) string {
	label = strings.ReplaceAll(label, "\\", "/")
	label = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, label)
	label = strings.TrimSpace(filepath.Base(strings.TrimSpace(label)))
	if label == "." || label == "/" {
		label = ""
	}
	if len(label) > 255 {
		label = label[:255]
	}
	return label
}

func storedName(id, label string) string {
	return id + sanitizeExt(label)
}

func sanitizeExt(label string) string {
	ext := strings.ToLower(filepath.Ext(SanitizeLabel(label)))

	var b strings.Builder
	for _, r := range strings.TrimPrefix(ext, ".") {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	out := b.String()
	if len(out) > 8 {
		out = out[:8]
	}
	if out == "" {
		return ""
	}
	return "." + out
}
