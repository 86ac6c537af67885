// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package audit provides a SQLite-backed, append-only event log for task
// lifecycle transitions. It is strictly a secondary, derived record:
// the authoritative task state lives in the state document maintained by
// package statestore. Audit failures are logged and never abort a
// lifecycle transition.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"orchestratord/internal/task"
)

const defaultBusyTimeout = 5 * time.Second

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Log wraps a SQLite database connection dedicated to the task-event trail.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at path, applies pragmas for
// durability, and runs migrations.
func Open(ctx context.Context, path string) (*Log, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	l := &Log{db: db}
	if err := l.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *Log) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS task_events (
  id       INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id  TEXT NOT NULL,
  time     TIMESTAMP NOT NULL,
  level    TEXT NOT NULL CHECK (level IN ('info','warn','error')),
  message  TEXT NOT NULL,
  step     TEXT NOT NULL DEFAULT ''
);`
	_, err := l.db.ExecContext(ctx, ddl)
	if err != nil {
		return err
	}
	const idx = `CREATE INDEX IF NOT EXISTS idx_task_events_task_time ON task_events(task_id, time);`
	_, err = l.db.ExecContext(ctx, idx)
	return err
}

// Append inserts a new event row. Callers treat a non-nil error as
// non-fatal: the lifecycle transition that produced ev has already
// happened against the authoritative state document.
func (l *Log) Append(ctx context.Context, ev task.Event) error {
	const ins = `INSERT INTO task_events(task_id, time, level, message, step) VALUES(?, ?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, ins, ev.TaskID, ev.Time.UTC(), ev.Level, ev.Message, ev.Step)
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// ListByTask fetches events for a task ordered by time ascending.
// If limit <= 0, returns all.
func (l *Log) ListByTask(ctx context.Context, taskID string, limit int) ([]task.Event, error) {
	q := `SELECT id, task_id, time, level, message, step FROM task_events WHERE task_id=? ORDER BY time ASC`
	if limit > 0 {
		q = fmt.Sprintf("%s LIMIT %d", q, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()

	var out []task.Event
	for rows.Next() {
		var (
			id    int64
			tid   string
			t     time.Time
			level string
			msg   string
			step  string
		)
		if err := rows.Scan(&id, &tid, &t, &level, &msg, &step); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, task.Event{ID: id, TaskID: tid, Time: t.UTC(), Level: level, Message: msg, Step: step})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return out, nil
}
