// Package database provides SQLite connectivity for Pebble Core.
//
// This package manages:
//   - The state database connection (WAL mode, busy timeout, single writer)
//   - Embedded, versioned schema migrations
//   - Health checks used by the API and the serve command
//
// The device relations (registry, binding, data) and the event audit table
// are created by migrations under migrations/. Repositories receive either
// the *sql.DB or the sqlx view returned by Sqlx.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. New columns must be nullable or carry a default.
package database
