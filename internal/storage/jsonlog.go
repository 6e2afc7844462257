package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdougie/scenewatch/internal/models"
)

// Log formats
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
)

// JSONLog is the durable description log on local disk. In jsonl format
// each append writes one line and syncs it. In json format the whole array
// is rewritten to a temp file and renamed over the log, so readers never
// see a half-written file.
type JSONLog struct {
	path   string
	format string

	mu      sync.Mutex
	file    logFile                    // jsonl only
	records []models.DescriptionRecord // json only
}

// logFile is the subset of *os.File the jsonl writer uses
type logFile interface {
	io.WriteCloser
	Sync() error
	Stat() (fs.FileInfo, error)
	Truncate(size int64) error
}

// NewJSONLog opens or creates the log at path
func NewJSONLog(path, format string) (*JSONLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for log: %w", err)
		}
	}

	l := &JSONLog{path: path, format: format}
	switch format {
	case FormatJSONL, "":
		l.format = FormatJSONL
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log: %w", err)
		}
		l.file = f
	case FormatJSON:
		recs, err := readJSONArray(path)
		if err != nil {
			return nil, err
		}
		l.records = recs
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return l, nil
}

// Append adds rec to the log
func (l *JSONLog) Append(ctx context.Context, rec models.DescriptionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == FormatJSONL {
		if l.file == nil {
			return fs.ErrClosed
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
		line = append(line, '\n')
		info, err := l.file.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat log: %w", err)
		}
		if _, err := l.file.Write(line); err != nil {
			return l.rollback(info.Size(), fmt.Errorf("failed to write record: %w", err))
		}
		if err := l.file.Sync(); err != nil {
			return l.rollback(info.Size(), fmt.Errorf("failed to sync log: %w", err))
		}
		return nil
	}

	next := append(l.records[:len(l.records):len(l.records)], rec)
	if err := writeAtomic(l.path, next); err != nil {
		return err
	}
	l.records = next
	return nil
}

// rollback cuts a partly written line so the log stays parseable
func (l *JSONLog) rollback(size int64, cause error) error {
	if err := l.file.Truncate(size); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to truncate torn record: %w", err))
	}
	return cause
}

// Records reads the log back
func (l *JSONLog) Records(ctx context.Context) ([]models.DescriptionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == FormatJSON {
		return append([]models.DescriptionRecord(nil), l.records...), nil
	}
	return readJSONLines(l.path)
}

// Close closes the log file
func (l *JSONLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func readJSONLines(path string) ([]models.DescriptionRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer f.Close()

	var out []models.DescriptionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 4<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec models.DescriptionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return out, fmt.Errorf("log line %d: %w", n, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func readJSONArray(path string) ([]models.DescriptionRecord, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var recs []models.DescriptionRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal existing log: %w", err)
	}
	return recs, nil
}

func writeAtomic(path string, recs []models.DescriptionRecord) error {
	data, err := json.MarshalIndent(recs, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode log: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace log: %w", err)
	}
	return nil
}
