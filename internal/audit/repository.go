// Package audit records every handled pebble event in the event_audit
// table and serves it back to operators.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// createdAtLayout is RFC 3339 with a fixed nine-digit fraction, so stored
// timestamps compare as text in chronological order.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// Record is one audit trail entry for a handled event.
type Record struct {
	ID        string        `json:"id"`
	EventID   string        `json:"event_id"`
	Kind      string        `json:"kind"`
	DeviceID  string        `json:"device_id,omitempty"`
	Source    string        `json:"source"`
	Status    int           `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// Filter controls which records List returns.
type Filter struct {
	Kind      string // optional: registered, binding, data
	DeviceID  string // optional
	ErrorKind string // optional: decode, store, precondition, payload_unavailable, internal
	Failed    *bool  // optional: only failures (true) or only successes (false)
	Limit     int    // default 50, max 200
	Offset    int
}

// ListResult contains one page of records.
type ListResult struct {
	Records []Record `json:"records"`
	Total   int      `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// Repository defines the audit trail operations.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores audit records in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts rec. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = "aud-" + uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_audit (id, event_id, kind, device_id, source, status, error_kind, reason, duration_us, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.EventID, rec.Kind,
		nullableString(rec.DeviceID), rec.Source, rec.Status,
		nullableString(rec.ErrorKind), nullableString(rec.Reason),
		rec.Duration.Microseconds(),
		rec.CreatedAt.UTC().Format(createdAtLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns records matching filter, most recent first. Records sharing
// a timestamp come back in reverse insertion order.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	where, args := filter.where()

	var total int
	countQuery := "SELECT COUNT(*) FROM event_audit " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit records: %w", err)
	}

	query := `SELECT id, event_id, kind, device_id, source, status, error_kind, reason, duration_us, created_at
		FROM event_audit ` + where + ` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?` //nolint:gosec // WHERE built from parameterised conditions
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}

	return &ListResult{
		Records: records,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func (f Filter) where() (string, []any) {
	var conditions []string
	var args []any

	if f.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.ErrorKind != "" {
		conditions = append(conditions, "error_kind = ?")
		args = append(args, f.ErrorKind)
	}
	if f.Failed != nil {
		if *f.Failed {
			conditions = append(conditions, "status != 0")
		} else {
			conditions = append(conditions, "status = 0")
		}
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var deviceID, errorKind, reason sql.NullString
	var durationUS int64
	var createdAt string

	if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Kind, &deviceID, &rec.Source,
		&rec.Status, &errorKind, &reason, &durationUS, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning audit record: %w", err)
	}

	rec.DeviceID = deviceID.String
	rec.ErrorKind = errorKind.String
	rec.Reason = reason.String
	rec.Duration = time.Duration(durationUS) * time.Microsecond

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
	}
	rec.CreatedAt = t
	return rec, nil
}
