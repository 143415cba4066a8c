package pebble

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// Read limits for Readings.
const (
	DefaultReadingsLimit = 50
	MaxReadingsLimit     = 1000
)

// queries holds the statements for one set of relation names.
type queries struct {
	isRegistered   string
	isBound        string
	insertRegistry string
	insertBinding  string
	deleteBinding  string
	insertData     string
	registration   string
	binding        string
	readings       string
	counts         string
}

func buildQueries(r Relations) queries {
	return queries{
		isRegistered:   fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE device_id = ?`, r.Registry),
		isBound:        fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE device_id = ?`, r.Binding),
		insertRegistry: fmt.Sprintf(`INSERT INTO %s (device_id, vehicle_id, is_registered) VALUES (?, ?, 1)`, r.Registry),
		insertBinding: fmt.Sprintf(`INSERT INTO %s (device_id, owner_wallet, is_bound) VALUES (?, ?, 1)
			ON CONFLICT(device_id) DO UPDATE SET owner_wallet = excluded.owner_wallet, is_bound = 1`, r.Binding),
		deleteBinding: fmt.Sprintf(`DELETE FROM %s WHERE device_id = ?`, r.Binding),
		insertData:    fmt.Sprintf(`INSERT INTO %s (device_id, data, timestamp) VALUES (?, ?, ?)`, r.Data),
		registration: fmt.Sprintf(`SELECT device_id, vehicle_id, is_registered, created_at
			FROM %s WHERE device_id = ?`, r.Registry),
		binding: fmt.Sprintf(`SELECT device_id, owner_wallet, is_bound, created_at
			FROM %s WHERE device_id = ?`, r.Binding),
		readings: fmt.Sprintf(`SELECT id, device_id, data, timestamp, created_at
			FROM %s WHERE device_id = ? ORDER BY id DESC LIMIT ?`, r.Data),
		counts: fmt.Sprintf(`SELECT
			(SELECT COUNT(*) FROM %s) AS registered,
			(SELECT COUNT(*) FROM %s) AS bound,
			(SELECT COUNT(*) FROM %s) AS readings`, r.Registry, r.Binding, r.Data),
	}
}

// schema mirrors migrations/20260301_120000_pebble_relations.up.sql for
// arbitrary relation names.
func schema(r Relations) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			device_id     TEXT PRIMARY KEY,
			vehicle_id    TEXT NOT NULL,
			is_registered INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'))
		) STRICT`, r.Registry),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			device_id    TEXT PRIMARY KEY,
			owner_wallet TEXT NOT NULL,
			is_bound     INTEGER NOT NULL DEFAULT 1,
			created_at   TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'))
		) STRICT`, r.Binding),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id  TEXT NOT NULL,
			data       TEXT NOT NULL,
			timestamp  TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%%Y-%%m-%%dT%%H:%%M:%%SZ', 'now'))
		) STRICT`, r.Data),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_device ON %s(device_id, id)`, r.Data, r.Data),
	}
}

// SQLiteStore implements TxStore and Reader on SQLite.
//
// Thread Safety:
//   - Safe for concurrent use. WithinDevice holds a per-device lock for the
//     duration of its transaction, and the connection pool serialises writers.
type SQLiteStore struct {
	db    *sqlx.DB
	rel   Relations
	q     queries
	locks *deviceLocks
}

// NewSQLiteStore builds a store over db for the given relation names.
//
// Parameters:
//   - db: sqlx handle on the state database (see database.DB.Sqlx)
//   - rel: Relation names; validated as SQL identifiers
//
// Returns:
//   - *SQLiteStore: Store ready for use once the tables exist
//   - error: ErrInvalidRelation if a name is unusable
func NewSQLiteStore(db *sqlx.DB, rel Relations) (*SQLiteStore, error) {
	if err := rel.Validate(); err != nil {
		return nil, err
	}
	return &SQLiteStore{
		db:    db,
		rel:   rel,
		q:     buildQueries(rel),
		locks: newDeviceLocks(),
	}, nil
}

// Relations returns the table names this store operates on.
func (s *SQLiteStore) Relations() Relations {
	return s.rel
}

// EnsureSchema creates the three tables if they do not exist. Migrations
// already create the default names; this covers custom names.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema(s.rel) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &StoreError{Op: "ensure_schema", Err: err}
		}
	}
	return nil
}

func (s *SQLiteStore) rs(ext sqlx.ExtContext) relationStore {
	return relationStore{ext: ext, q: &s.q}
}

func (s *SQLiteStore) IsRegistered(ctx context.Context, deviceID string) (bool, error) {
	return s.rs(s.db).IsRegistered(ctx, deviceID)
}

func (s *SQLiteStore) IsBound(ctx context.Context, deviceID string) (bool, error) {
	return s.rs(s.db).IsBound(ctx, deviceID)
}

func (s *SQLiteStore) InsertRegistry(ctx context.Context, deviceID, vehicleID string) error {
	return s.rs(s.db).InsertRegistry(ctx, deviceID, vehicleID)
}

func (s *SQLiteStore) InsertBinding(ctx context.Context, deviceID, ownerWallet string) error {
	return s.rs(s.db).InsertBinding(ctx, deviceID, ownerWallet)
}

func (s *SQLiteStore) DeleteBinding(ctx context.Context, deviceID string) error {
	return s.rs(s.db).DeleteBinding(ctx, deviceID)
}

func (s *SQLiteStore) InsertData(ctx context.Context, deviceID, payload, timestamp string) error {
	return s.rs(s.db).InsertData(ctx, deviceID, payload, timestamp)
}

// WithinDevice runs fn inside one transaction while holding the lock for
// deviceID. fn must use the Store it is given, not s. The transaction
// commits if fn returns nil and rolls back otherwise; fn's error is
// returned unchanged.
func (s *SQLiteStore) WithinDevice(ctx context.Context, deviceID string, fn func(Store) error) error {
	unlock := s.locks.lock(deviceID)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := fn(s.rs(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "commit", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Registration(ctx context.Context, deviceID string) (Registration, error) {
	var r Registration
	err := s.db.GetContext(ctx, &r, s.q.registration, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, ErrNotRegistered
	}
	if err != nil {
		return Registration{}, &StoreError{Op: "registration", Err: err}
	}
	return r, nil
}

func (s *SQLiteStore) Binding(ctx context.Context, deviceID string) (Binding, error) {
	var b Binding
	err := s.db.GetContext(ctx, &b, s.q.binding, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, ErrNotBound
	}
	if err != nil {
		return Binding{}, &StoreError{Op: "binding", Err: err}
	}
	return b, nil
}

// Readings clamps limit to [1, MaxReadingsLimit], using DefaultReadingsLimit
// when limit is not positive.
func (s *SQLiteStore) Readings(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = DefaultReadingsLimit
	}
	if limit > MaxReadingsLimit {
		limit = MaxReadingsLimit
	}

	readings := []Reading{}
	if err := s.db.SelectContext(ctx, &readings, s.q.readings, deviceID, limit); err != nil {
		return nil, &StoreError{Op: "readings", Err: err}
	}
	return readings, nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.GetContext(ctx, &c, s.q.counts); err != nil {
		return Counts{}, &StoreError{Op: "counts", Err: err}
	}
	return c, nil
}

// relationStore runs the Store operations against either the pool or a
// transaction.
type relationStore struct {
	ext sqlx.ExtContext
	q   *queries
}

func (r relationStore) exists(ctx context.Context, op, query, deviceID string) (bool, error) {
	var n int
	if err := sqlx.GetContext(ctx, r.ext, &n, query, deviceID); err != nil {
		return false, &StoreError{Op: op, Err: err}
	}
	return n > 0, nil
}

func (r relationStore) IsRegistered(ctx context.Context, deviceID string) (bool, error) {
	return r.exists(ctx, "is_registered", r.q.isRegistered, deviceID)
}

func (r relationStore) IsBound(ctx context.Context, deviceID string) (bool, error) {
	return r.exists(ctx, "is_bound", r.q.isBound, deviceID)
}

func (r relationStore) InsertRegistry(ctx context.Context, deviceID, vehicleID string) error {
	if _, err := r.ext.ExecContext(ctx, r.q.insertRegistry, deviceID, vehicleID); err != nil {
		if isUniqueViolation(err) {
			err = fmt.Errorf("%w: %w", ErrAlreadyRegistered, err)
		}
		return &StoreError{Op: "insert_registry", Err: err}
	}
	return nil
}

func (r relationStore) InsertBinding(ctx context.Context, deviceID, ownerWallet string) error {
	if _, err := r.ext.ExecContext(ctx, r.q.insertBinding, deviceID, ownerWallet); err != nil {
		return &StoreError{Op: "insert_binding", Err: err}
	}
	return nil
}

func (r relationStore) DeleteBinding(ctx context.Context, deviceID string) error {
	if _, err := r.ext.ExecContext(ctx, r.q.deleteBinding, deviceID); err != nil {
		return &StoreError{Op: "delete_binding", Err: err}
	}
	return nil
}

func (r relationStore) InsertData(ctx context.Context, deviceID, payload, timestamp string) error {
	if _, err := r.ext.ExecContext(ctx, r.q.insertData, deviceID, payload, timestamp); err != nil {
		return &StoreError{Op: "insert_data", Err: err}
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite primary key or unique
// constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// deviceLocks hands out one mutex per device id, dropping entries once no
// goroutine holds or waits on them.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*deviceLock
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*deviceLock)}
}

func (d *deviceLocks) lock(deviceID string) (unlock func()) {
	d.mu.Lock()
	l, ok := d.locks[deviceID]
	if !ok {
		l = &deviceLock{}
		d.locks[deviceID] = l
	}
	l.refs++
	d.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, deviceID)
		}
		d.mu.Unlock()
	}
}

// held returns the number of devices with a live lock entry.
func (d *deviceLocks) held() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.locks)
}
