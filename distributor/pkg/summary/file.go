package summary

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// FileName is the summary log inside the data directory.
const FileName = "epochs.jsonl"

// FileStore keeps summaries as newline-delimited JSON in a single file.
type FileStore struct {
	log  *slog.Logger
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

func NewFileStore(log *slog.Logger, dataDir string) (*FileStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if dataDir == "" {
		return nil, errors.New("data dir is required")
	}
	return &FileStore{
		log:  log,
		path: filepath.Join(dataDir, FileName),
	}, nil
}

func (s *FileStore) Path() string { return s.path }

// Append writes one record as a single line. The data directory is created
// on first use.
func (s *FileStore) Append(ctx context.Context, summary EpochSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open summary log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append summary: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close summary log: %w", err)
	}
	return nil
}

// ReadRecent returns up to limit records, newest first. Lines that do not
// decode are skipped. A missing file reads as empty.
func (s *FileStore) ReadRecent(ctx context.Context, limit int) ([]EpochSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []EpochSummary{}, nil
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return []EpochSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read summary log: %w", err)
	}

	var out []EpochSummary
	skipped := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec EpochSummary
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan summary log: %w", err)
	}
	if skipped > 0 {
		s.log.Warn("summary: skipped malformed lines", "path", s.path, "count", skipped)
	}

	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	slices.Reverse(out)
	if out == nil {
		out = []EpochSummary{}
	}
	return out, nil
}

func (s *FileStore) Close() error { return nil }
