// Package snapshot exports the record table to a SQLite file. Snapshots are write-only: nothing
// reads them back on start.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/recordsync/pkg/record"
)

type Writer struct {
	database *sql.DB
	log      *slog.Logger
	now      func() time.Time
}

func Open(path string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	w := &Writer{database: db, log: logger.With("component", "snapshot", "path", path), now: time.Now}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) init() error {
	if _, err := w.database.Exec(
		`CREATE TABLE IF NOT EXISTS records (
		position integer not null,
		id integer not null primary key,
		name text not null,
		value real not null,
		timestamp integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	if _, err := w.database.Exec(
		`CREATE TABLE IF NOT EXISTS snapshots (
		taken_at integer not null,
		count integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

// Write replaces the exported table with records in a single transaction.
func (w *Writer) Write(ctx context.Context, records []record.Record) error {
	tx, err := w.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	for i, r := range records {
		if _, err := tx.ExecContext(
			ctx, `INSERT INTO records(position, id, name, value, timestamp) VALUES (?, ?, ?, ?, ?)`,
			i, r.ID, r.Name, r.Value, r.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert record %d: %w", r.ID, err)
		}
	}
	if _, err := tx.ExecContext(
		ctx, `INSERT INTO snapshots(taken_at, count) VALUES (?, ?)`, w.now().UnixMilli(), len(records),
	); err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	w.log.Info("snapshot written", "records", len(records))
	return nil
}

// Run writes a snapshot on every tick until ctx is done.
func (w *Writer) Run(ctx context.Context, interval time.Duration, source func() []record.Record) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := w.Write(ctx, source()); err != nil {
				w.log.Error("failed to write snapshot", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Writer) Close() error {
	return w.database.Close()
}
