package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONLinesSink writes one self-contained JSON object per line.
type JSONLinesSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

func NewJSONLinesSink(w io.Writer) *JSONLinesSink {
	return &JSONLinesSink{w: w}
}

// OpenJSONLinesFile appends to path, creating it owner-only if missing.
func OpenJSONLinesFile(path string) (*JSONLinesSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("audit: jsonl path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &JSONLinesSink{w: f, closer: f}, nil
}

func (s *JSONLinesSink) Name() string { return "jsonl" }

func (s *JSONLinesSink) Write(_ context.Context, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(line)
	return err
}

func (s *JSONLinesSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
