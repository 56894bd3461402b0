package alert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmethakanbesel/finance-pipeline/internal/monitor"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var _ monitor.AlertStore = (*Repository)(nil)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts a or overwrites its resolution state.
func (r *Repository) Save(ctx context.Context, a monitor.Alert) error {
	const query = `INSERT INTO alerts (id, alert_type, severity, title, message,
		source, job_id, created_at, resolved, resolved_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolved = excluded.resolved,
			resolved_at = excluded.resolved_at,
			metadata = excluded.metadata`

	meta := []byte("{}")
	if len(a.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(a.Metadata); err != nil {
			return fmt.Errorf("encode alert metadata: %w", err)
		}
	}

	var resolvedAt any
	if a.ResolvedAt != nil {
		resolvedAt = a.ResolvedAt.UTC().Format(timeFormat)
	}

	_, err := r.db.ExecContext(ctx, query,
		a.ID, string(a.Type), string(a.Severity), a.Title, a.Message,
		a.Source, a.JobID, a.CreatedAt.UTC().Format(timeFormat),
		a.Resolved, resolvedAt, string(meta),
	)
	if err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// List returns every stored alert, newest first.
func (r *Repository) List(ctx context.Context) ([]monitor.Alert, error) {
	const query = `SELECT id, alert_type, severity, title, message, source, job_id,
		created_at, resolved, resolved_at, metadata
		FROM alerts ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var alerts []monitor.Alert
	for rows.Next() {
		var (
			a                   monitor.Alert
			typ, sev, createdAt string
			resolvedAt          sql.NullString
			meta                string
		)
		if err := rows.Scan(&a.ID, &typ, &sev, &a.Title, &a.Message, &a.Source, &a.JobID,
			&createdAt, &a.Resolved, &resolvedAt, &meta); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.Type = monitor.AlertType(typ)
		a.Severity = monitor.Severity(sev)
		a.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		if resolvedAt.Valid {
			if t, err := time.Parse(timeFormat, resolvedAt.String); err == nil {
				a.ResolvedAt = &t
			}
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of alert %s: %w", a.ID, err)
			}
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// DeleteBefore removes alerts created before cutoff.
func (r *Repository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return res.RowsAffected()
}
