package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileSink appends entries as newline-delimited JSON. It is safe for
// concurrent use.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// NewFileSink returns a sink appending to path. The file is opened lazily on
// the first record. A blank path returns nil.
func NewFileSink(path string) *FileSink {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &FileSink{path: path}
}

func (s *FileSink) ensureOpenLocked() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Record appends e and flushes so tailers see it immediately.
func (s *FileSink) Record(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes buffered data and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.w != nil {
		if err := s.w.Flush(); err != nil {
			firstErr = err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.w = nil
	s.file = nil

	if errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
