// Package lake defines the data-lake contract: a sink accepts a table name and
// flat rows and returns where it stored them.
package lake

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/clock"
	"github.com/ahmethakanbesel/finance-pipeline/internal/record"
	"github.com/ahmethakanbesel/finance-pipeline/internal/storage"
)

type Sink interface {
	Store(ctx context.Context, table string, rows []record.Row) (string, error)
}

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidTable reports whether name is usable as a table or directory name.
func ValidTable(name string) error {
	if !tableName.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// Partition returns the date partition of t, e.g. "date=2024/01/02".
func Partition(t time.Time) string {
	return t.UTC().Format("date=2006/01/02")
}

// Dir is a Sink writing JSON files under {root}/{table}/date=YYYY/MM/DD/.
type Dir struct {
	root  string
	clock clock.Clock
}

type DirOption func(*Dir)

func WithClock(c clock.Clock) DirOption {
	return func(d *Dir) { d.clock = c }
}

func NewDir(root string, opts ...DirOption) *Dir {
	d := &Dir{root: root, clock: clock.Real{}}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dir) Store(ctx context.Context, table string, rows []record.Row) (string, error) {
	if err := ValidTable(table); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	now := d.clock.Now().UTC()
	dir := filepath.Join(d.root, table, filepath.FromSlash(Partition(now)))
	name := fmt.Sprintf("%s_%s_%09d.json", table, now.Format("20060102_150405"), now.Nanosecond())
	path := filepath.Join(dir, name)

	if rows == nil {
		rows = []record.Row{}
	}
	if err := storage.WriteJSON(path, rows); err != nil {
		return "", fmt.Errorf("store %s: %w", table, err)
	}
	slog.Info("lake: stored rows", "table", table, "rows", len(rows), "path", path)
	return path, nil
}

// Multi fans a Store out to several sinks and returns the first sink's path.
// Every sink is attempted; the first error is returned.
type Multi []Sink

func (m Multi) Store(ctx context.Context, table string, rows []record.Row) (string, error) {
	var (
		first    string
		firstErr error
	)
	for i, s := range m {
		path, err := s.Store(ctx, table, rows)
		if err != nil {
			slog.Error("lake: sink failed", "table", table, "sink", i, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if first == "" {
			first = path
		}
	}
	return first, firstErr
}
