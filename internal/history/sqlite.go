package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"vantrack/internal/trip"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS route_history (
    record_id         TEXT PRIMARY KEY,
    route_id          TEXT NOT NULL,
    driver_id         TEXT NOT NULL,
    driver_name       TEXT NOT NULL,
    direction         TEXT NOT NULL,
    start_time_utc    TEXT NOT NULL,
    end_time_utc      TEXT,
    student_count     INTEGER NOT NULL,
    picked_up_count   INTEGER NOT NULL,
    dropped_off_count INTEGER NOT NULL,
    payload           TEXT NOT NULL,
    archived_at_utc   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_route_history_driver ON route_history(driver_id, archived_at_utc);
`

// SQLiteArchive persists terminal routes to a local SQLite file.
type SQLiteArchive struct {
	conn *sql.DB
	// SQLite only supports one writer at a time; serialize appends.
	writeMu sync.Mutex
}

// OpenSQLiteArchive opens the archive database with WAL mode enabled and
// ensures the schema exists.
func OpenSQLiteArchive(path string) (*SQLiteArchive, error) {
	dsn := path + "?_journal=WAL&_busy_timeout=5000"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure archive schema: %w", err)
	}
	return &SQLiteArchive{conn: conn}, nil
}

func (a *SQLiteArchive) Append(ctx context.Context, route *trip.ActiveRoute) error {
	payload, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("marshal route: %w", err)
	}

	pickedUp, droppedOff := 0, 0
	for _, s := range route.Students {
		switch s.Status {
		case trip.StatusPickedUp:
			pickedUp++
		case trip.StatusDroppedOff:
			droppedOff++
		}
	}

	var endTime any
	if route.EndTime != nil {
		endTime = route.EndTime.UTC().Format(time.RFC3339)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_, err = a.conn.ExecContext(ctx,
		`INSERT INTO route_history
         (record_id, route_id, driver_id, driver_name, direction,
          start_time_utc, end_time_utc, student_count, picked_up_count,
          dropped_off_count, payload, archived_at_utc)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		route.ID,
		route.DriverID,
		route.DriverName,
		string(route.Direction),
		route.StartTime.UTC().Format(time.RFC3339),
		endTime,
		len(route.Students),
		pickedUp,
		droppedOff,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append route %s: %w", route.ID, err)
	}
	return nil
}

// Count returns the number of archived records, for diagnostics.
func (a *SQLiteArchive) Count(ctx context.Context) (int, error) {
	var n int
	err := a.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM route_history`).Scan(&n)
	return n, err
}

func (a *SQLiteArchive) Close() error { return a.conn.Close() }
