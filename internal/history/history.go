// Package history keeps sensor readings in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dottedmag/farm/internal/logger"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Reading is one stored sensor value. Readings taken in the same poll share
// a batch id.
type Reading struct {
	Batch string    `json:"batch"`
	Key   string    `json:"key"`
	Value float32   `json:"value"`
	At    time.Time `json:"at"`
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch TEXT NOT NULL,
		key TEXT NOT NULL,
		value REAL NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_key_ts ON readings(key, ts);
	CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Record stores one poll's readings.
func (db *DB) Record(ctx context.Context, at time.Time, values map[string]float32) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings (batch, key, value, ts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	batch := uuid.NewString()
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, batch, k, values[k], at.UnixMilli()); err != nil {
			return fmt.Errorf("failed to record %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit readings of key, newest first.
func (db *DB) Recent(ctx context.Context, key string, limit int) ([]Reading, error) {
	query := `SELECT batch, key, value, ts FROM readings WHERE key = ?
		ORDER BY ts DESC, id DESC LIMIT ?`

	rows, err := db.conn.QueryContext(ctx, query, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := []Reading{}
	for rows.Next() {
		var r Reading
		var ts int64
		if err := rows.Scan(&r.Batch, &r.Key, &r.Value, &ts); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(ts)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// Keys lists the sensor keys with stored readings.
func (db *DB) Keys(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT key FROM readings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Prune deletes readings taken before t and returns how many went.
func (db *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM readings WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Run prunes readings older than retention every hour until ctx is done.
func (db *DB) Run(ctx context.Context, retention time.Duration, log logger.Logger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		n, err := db.Prune(ctx, time.Now().Add(-retention))
		switch {
		case err != nil:
			log.Warning("Failed to prune history: %v", err)
		case n > 0:
			log.Debug("Pruned %d readings from history", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
