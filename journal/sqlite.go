// Package journal persists every applied status update to a local
// SQLite database for offline inspection, and stores the durable resume
// cursor alongside it. Retention pruning keeps the journal bounded.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	flowuni "github.com/huanidz/flowuni-sub000"
	"github.com/huanidz/flowuni-sub000/cursor"

	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// cursorKey is the well-known row key for the resume cursor.
const cursorKey = "resume_cursor"

// Config configures the SQLite journal.
type Config struct {
	// DSN is the database connection string (usually a file path).
	DSN string

	// RetentionAge deletes updates older than this duration (0 = no age
	// pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many updates per case (0 = no
	// count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration
}

// Entry is one journaled update.
type Entry struct {
	ID         int64
	Update     flowuni.CaseUpdate
	ReceivedAt time.Time
}

// SQLiteJournal records applied updates and the resume cursor in a
// SQLite database. It runs in WAL mode for concurrent read access and
// starts a background pruner when retention is configured. It also
// satisfies cursor.Store.
type SQLiteJournal struct {
	db   *sql.DB
	cfg  Config
	stop chan struct{}
	done chan struct{}
}

// Open opens (or creates) a SQLite journal.
func Open(cfg Config) (*SQLiteJournal, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	j := &SQLiteJournal{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go j.pruneLoop()
	} else {
		close(j.done)
	}

	return j, nil
}

// AppendBatch records one flushed batch.
func (j *SQLiteJournal) AppendBatch(ctx context.Context, batch flowuni.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, upd := range batch {
		var status, errMsg, chatOutput sql.NullString
		if upd.Status != nil {
			status = sql.NullString{String: string(*upd.Status), Valid: true}
		}
		if upd.ErrorMessage != nil {
			errMsg = sql.NullString{String: *upd.ErrorMessage, Valid: true}
		}
		if upd.ChatOutput != nil {
			chatOutput = sql.NullString{String: string(upd.ChatOutput), Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO updates (case_id, status, error_message, chat_output, stream_id, received_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			upd.CaseID, status, errMsg, chatOutput, upd.StreamID, now,
		); err != nil {
			return fmt.Errorf("journal: append: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	return nil
}

// List returns journaled updates, newest first. caseID filters to one
// case when non-empty; limit caps the result (0 means no limit).
func (j *SQLiteJournal) List(ctx context.Context, caseID string, limit int) ([]Entry, error) {
	query := `SELECT id, case_id, status, error_message, chat_output, stream_id, received_at
	           FROM updates`
	var args []any
	if caseID != "" {
		query += " WHERE case_id = ?"
		args = append(args, caseID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Get returns the persisted resume cursor, or the beginning sentinel if
// none has been stored yet.
func (j *SQLiteJournal) Get(ctx context.Context) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx,
		`SELECT value FROM cursors WHERE key = ?`, cursorKey,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return cursor.Beginning, nil
	}
	if err != nil {
		return "", fmt.Errorf("journal: get cursor: %w", err)
	}
	return value, nil
}

// Set stores the resume cursor.
func (j *SQLiteJournal) Set(ctx context.Context, value string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO cursors (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, value,
	)
	if err != nil {
		return fmt.Errorf("journal: set cursor: %w", err)
	}
	return nil
}

// Close stops the background pruner and closes the database.
func (j *SQLiteJournal) Close() error {
	select {
	case <-j.stop:
		// Already closed.
	default:
		close(j.stop)
	}
	<-j.done
	return j.db.Close()
}

// Prune runs a single pruning pass. Exported for testing.
func (j *SQLiteJournal) Prune(ctx context.Context) error {
	if j.cfg.RetentionAge > 0 {
		cutoff := time.Now().Add(-j.cfg.RetentionAge).UTC().Format(time.RFC3339Nano)
		if _, err := j.db.ExecContext(ctx,
			`DELETE FROM updates WHERE received_at < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("journal: prune by age: %w", err)
		}
	}

	if j.cfg.RetentionCount > 0 {
		rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT case_id FROM updates`)
		if err != nil {
			return fmt.Errorf("journal: prune list cases: %w", err)
		}
		var caseIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("journal: prune scan case id: %w", err)
			}
			caseIDs = append(caseIDs, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("journal: prune rows err: %w", err)
		}

		for _, caseID := range caseIDs {
			if _, err := j.db.ExecContext(ctx,
				`DELETE FROM updates WHERE case_id = ? AND id NOT IN (
					SELECT id FROM updates WHERE case_id = ? ORDER BY id DESC LIMIT ?
				)`, caseID, caseID, j.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("journal: prune by count for %s: %w", caseID, err)
			}
		}
	}

	return nil
}

func (j *SQLiteJournal) pruneLoop() {
	defer close(j.done)

	ticker := time.NewTicker(j.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			_ = j.Prune(context.Background())
		}
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			status     sql.NullString
			errMsg     sql.NullString
			chatOutput sql.NullString
			receivedAt string
		)
		if err := rows.Scan(&e.ID, &e.Update.CaseID, &status, &errMsg, &chatOutput, &e.Update.StreamID, &receivedAt); err != nil {
			return nil, fmt.Errorf("journal: scan entry: %w", err)
		}

		if status.Valid {
			st := flowuni.CaseStatus(status.String)
			e.Update.Status = &st
		}
		if errMsg.Valid {
			msg := errMsg.String
			e.Update.ErrorMessage = &msg
		}
		if chatOutput.Valid {
			e.Update.ChatOutput = json.RawMessage(chatOutput.String)
		}

		t, err := time.Parse(time.RFC3339Nano, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("journal: parse received_at %q: %w", receivedAt, err)
		}
		e.ReceivedAt = t

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Compile-time interface check.
var _ cursor.Store = (*SQLiteJournal)(nil)
