// Package store keeps the history of generation runs in a sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/CZERTAINLY/snapdoc/internal/log"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// Run is one generation of the documents of a model
type Run struct {
	UUID          string
	Model         string
	Profile       string
	StartedAt     time.Time
	InProgress    bool
	Success       *bool
	Cancelled     bool
	Elapsed       time.Duration
	FailureReason *string
}

type RunRow struct {
	Run
	ID        int
	Documents []Document
}

// Document is a document submitted by a run
type Document struct {
	Model         string
	Output        string
	Success       bool
	FailureReason *string
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, model: %q, profile: %q, in_progress: %t", r.UUID, r.Model, r.Profile, r.InProgress)
	if r.Success != nil {
		fmt.Fprintf(&sb, ", success: %t", *r.Success)
	} else {
		sb.WriteString(", success: nil")
	}
	if r.Cancelled {
		sb.WriteString(", cancelled")
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	}
	fmt.Fprintf(&sb, ", documents: %d", len(r.Documents))
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL,
			profile TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			cancelled BOOLEAN NOT NULL DEFAULT false,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			output TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", log.RunID(uuid), log.Error(err))
	}
}

// Start persists that the run identified by uuid is in progress. Starting a
// run in progress is a no-op, ErrAlreadyFinished is returned if it has
// already finished.
func Start(ctx context.Context, db *sql.DB, uuid, model, profile string, startedAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, model, profile, started_at, in_progress) VALUES (?,?,?,?,?);`,
		uuid, model, profile, startedAt.UnixMilli(), true,
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Outcome is the final state of a run
type Outcome struct {
	Elapsed   time.Duration
	Cancelled bool
	// Err is the failure of the run, nil on success
	Err       error
	Documents []Document
}

// Finish stores the outcome of the run identified by uuid with its
// documents. ErrAlreadyFinished is returned if the run has finished
// already, ErrNotFound if it was never started.
func Finish(ctx context.Context, db *sql.DB, uuid string, outcome Outcome) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var (
		id         int
		inProgress bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&id, &inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var reason *string
	if outcome.Err != nil {
		s := outcome.Err.Error()
		reason = &s
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			success = ?,
			cancelled = ?,
			elapsed_ms = ?,
			failure_reason = ?
		WHERE id = ?;
		`, outcome.Err == nil, outcome.Cancelled, outcome.Elapsed.Milliseconds(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	for _, doc := range outcome.Documents {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (run_id, model, output, success, failure_reason) VALUES (?,?,?,?,?);`,
			id, doc.Model, doc.Output, doc.Success, doc.FailureReason,
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const runColumns = `id, uuid, model, profile, started_at, in_progress, success, cancelled, elapsed_ms, failure_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRow, error) {
	var (
		row       RunRow
		startedAt int64
		elapsed   int64
	)
	err := s.Scan(
		&row.ID,
		&row.UUID,
		&row.Model,
		&row.Profile,
		&startedAt,
		&row.InProgress,
		&row.Success,
		&row.Cancelled,
		&elapsed,
		&row.FailureReason,
	)
	row.StartedAt = time.UnixMilli(startedAt)
	row.Elapsed = time.Duration(elapsed) * time.Millisecond
	return row, err
}

// Get returns the run identified by uuid with its documents, ErrNotFound
// when it does not exist.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return RunRow{}, err
	}
	defer rollback(ctx, tx, uuid)

	row, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE uuid=?`, uuid,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT model, output, success, failure_reason FROM documents WHERE run_id=? ORDER BY id`, row.ID,
	)
	if err != nil {
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.Model, &doc.Output, &doc.Success, &doc.FailureReason); err != nil {
			return RunRow{}, fmt.Errorf("scanning document failed: %w", err)
		}
		row.Documents = append(row.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return RunRow{}, fmt.Errorf("reading documents failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RunRow{}, fmt.Errorf("committing transaction failed: %w", err)
	}
	return row, nil
}

// List returns the last limit runs, most recent first. Documents are not
// loaded.
func List(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var ret []RunRow
	for rows.Next() {
		row, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run failed: %w", err)
		}
		ret = append(ret, row)
	}
	return ret, rows.Err()
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	_, err = tx.ExecContext(ctx,
		`DELETE FROM documents WHERE run_id IN (SELECT id FROM runs WHERE uuid=?)`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM runs WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}

	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}
