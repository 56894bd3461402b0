// Package storage persists raw API payloads, processed records and CSV
// exports on the local filesystem.
package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
)

const stampFormat = "20060102_150405"

// FileStore writes files named {type}_{YYYYMMDD_HHMMSS}.json. Existing files
// are never overwritten; a numeric suffix is appended instead.
type FileStore struct {
	rawDir       string
	processedDir string
	outputDir    string
	clock        clock.Clock
}

type Option func(*FileStore)

func WithClock(c clock.Clock) Option {
	return func(s *FileStore) { s.clock = c }
}

func New(rawDir, processedDir, outputDir string, opts ...Option) *FileStore {
	s := &FileStore{
		rawDir:       rawDir,
		processedDir: processedDir,
		outputDir:    outputDir,
		clock:        clock.Real{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FileStore) RawDir() string       { return s.rawDir }
func (s *FileStore) ProcessedDir() string { return s.processedDir }
func (s *FileStore) OutputDir() string    { return s.outputDir }

// Init creates the storage directories.
func (s *FileStore) Init() error {
	for _, dir := range []string{s.rawDir, s.processedDir, s.outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SaveRaw stores the unparsed upstream payloads of one job.
func (s *FileStore) SaveRaw(dataType string, payloads []json.RawMessage) (string, error) {
	if payloads == nil {
		payloads = []json.RawMessage{}
	}
	return s.save(s.rawDir, dataType, payloads)
}

// SaveProcessed stores parsed records of one job as a JSON array.
func (s *FileStore) SaveProcessed(dataType string, records any) (string, error) {
	return s.save(s.processedDir, dataType, records)
}

func (s *FileStore) save(dir, dataType string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", dataType, err)
	}
	data = append(data, '\n')

	path, err := s.reserve(dir, dataType, ".json")
	if err != nil {
		return "", err
	}
	if err := WriteBytes(path, data); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	slog.Info("storage: saved", "path", path, "bytes", len(data))
	return path, nil
}

// reserve claims a fresh file name by creating an empty placeholder with
// O_EXCL. The placeholder is later replaced by an atomic rename.
func (s *FileStore) reserve(dir, name, ext string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	base := fmt.Sprintf("%s_%s", name, s.clock.Now().UTC().Format(stampFormat))

	for i := 0; i < 1000; i++ {
		candidate := base + ext
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", path, err)
		}
		_ = f.Close()
		return path, nil
	}
	return "", fmt.Errorf("reserve %s: too many files with prefix %s", dir, base)
}

// LoadProcessed reads a processed file back as rows.
func (s *FileStore) LoadProcessed(path string) ([]record.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rows []record.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("parse JSON %s: %w", path, err)
	}
	for _, r := range rows {
		normalizeNumbers(r)
	}
	return rows, nil
}

// normalizeNumbers turns json.Number values back into float64 so rows loaded
// from disk look like rows built in memory.
func normalizeNumbers(r record.Row) {
	for k, v := range r {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				r[k] = f
			}
		}
	}
}

// ExportCSV writes rows to {output}/{name}_{ts}.csv. Columns are the sorted
// union of all row keys; nested values are JSON encoded.
func (s *FileStore) ExportCSV(name string, rows []record.Row) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		return "", err
	}
	path, err := s.reserve(s.outputDir, name, ".csv")
	if err != nil {
		return "", err
	}
	if err := WriteBytes(path, buf.Bytes()); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// WriteCSV encodes rows as CSV with a header line.
func WriteCSV(w io.Writer, rows []record.Row) error {
	cols := Columns(rows)
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	line := make([]string, len(cols))
	for _, r := range rows {
		for i, c := range cols {
			line[i] = cell(r[c])
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Columns returns the sorted union of keys across rows.
func Columns(rows []record.Row) []string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64, float32, int, int64, bool, json.Number:
		return fmt.Sprint(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// Prune removes regular files in dir last modified before now-olderThan.
// Hidden temp files are left alone.
func (s *FileStore) Prune(dir string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read directory %s: %w", dir, err)
	}

	cutoff := s.clock.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
			}
			removed++
		}
	}
	if removed > 0 {
		slog.Info("storage: pruned files", "dir", dir, "count", removed)
	}
	return removed, nil
}

// PruneDays applies raw and processed retention in days. A non-positive value
// keeps the corresponding files.
func (s *FileStore) PruneDays(rawDays, processedDays int) (int, error) {
	total := 0
	for _, p := range []struct {
		dir  string
		days int
	}{{s.rawDir, rawDays}, {s.processedDir, processedDays}} {
		if p.days <= 0 {
			continue
		}
		n, err := s.Prune(p.dir, time.Duration(p.days)*24*time.Hour)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ErrLocked is returned when another process owns the data directory.
var ErrLocked = errors.New("data directory is locked by another process")

// Lock takes an exclusive advisory lock on dir/.lock. The returned function
// releases it.
func Lock(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	fl := flock.New(filepath.Join(dir, ".lock"))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return fl.Unlock, nil
}
