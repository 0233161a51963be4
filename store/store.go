// Package store persists what the sorter must not lose across restarts:
// the operation log, calibration point sets, admin credentials, and the
// outbound message queue.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// dsnOptions tunes sqlite for a single long-lived writer process: WAL so
// readers never block the event handlers, and a busy timeout instead of
// immediate SQLITE_BUSY failures.
const dsnOptions = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and brings the schema up
// to date.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?%s", path, dsnOptions))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// The modernc driver serializes writes anyway; one connection avoids
	// lock contention between the event handlers and the API.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return db, nil
}
