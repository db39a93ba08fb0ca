package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/signalhaus/fleetcore/internal/infrastructure/database"
)

// Repository is the persistence gateway for fleet state.
//
// The registry and router write through it fire-and-forget; reads back it
// only for audit queries (command log) and for reporting tablets that are
// known but not currently connected. A nil Repository disables persistence
// entirely.
type Repository interface {
	// UpsertTablet writes the tablet's durable fields, inserting or
	// replacing by tablet id.
	UpsertTablet(ctx context.Context, t *Tablet) error

	// GetTablet loads one durable tablet record.
	// Returns ErrTabletNotFound if no row exists.
	GetTablet(ctx context.Context, tabletID string) (*Tablet, error)

	// ListTablets loads all durable tablet records, sorted by id.
	ListTablets(ctx context.Context) ([]Tablet, error)

	// CountTablets returns the total number of durable records and how many
	// of them are marked online.
	CountTablets(ctx context.Context) (total, online int, err error)

	// AppendCommandLog appends one dispatch record to the command log.
	AppendCommandLog(ctx context.Context, entry *CommandLogEntry) error

	// RecordCommandResult fills in the outcome of the most recent log entry
	// matching tablet and command that has no outcome yet. A result that
	// matches no open entry is dropped silently.
	RecordCommandResult(ctx context.Context, tabletID, command string, success bool, response string) error

	// ListCommandLog loads the most recent command-log entries, newest
	// first. tabletID filters to one tablet when non-empty.
	ListCommandLog(ctx context.Context, tabletID string, limit int) ([]CommandLogEntry, error)
}

// defaultLogLimit caps command-log queries that pass no explicit limit.
const defaultLogLimit = 100

// SQLiteRepository implements Repository on the embedded SQLite database.
type SQLiteRepository struct {
	db *database.DB
}

// NewSQLiteRepository creates a repository over an open database handle.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertTablet writes the tablet's durable fields, inserting or replacing by
// tablet id. The ephemeral connection handle is not stored.
func (r *SQLiteRepository) UpsertTablet(ctx context.Context, t *Tablet) error {
	stats, err := marshalJSONColumn(t.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tablets (id, name, ip, status, current_url, uptime, stats, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			ip          = excluded.ip,
			status      = excluded.status,
			current_url = excluded.current_url,
			uptime      = excluded.uptime,
			stats       = excluded.stats,
			last_seen   = excluded.last_seen,
			updated_at  = excluded.updated_at`,
		t.TabletID, t.Name, t.IP, string(t.Status), t.CurrentURL, t.Uptime,
		stats, formatTime(t.LastSeen), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("upserting tablet %s: %w", t.TabletID, err)
	}
	return nil
}

// GetTablet loads one durable tablet record.
func (r *SQLiteRepository) GetTablet(ctx context.Context, tabletID string) (*Tablet, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, ip, status, current_url, uptime, stats, last_seen
		FROM tablets WHERE id = ?`, tabletID)

	t, err := scanTablet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTabletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading tablet %s: %w", tabletID, err)
	}
	return t, nil
}

// ListTablets loads all durable tablet records, sorted by id.
func (r *SQLiteRepository) ListTablets(ctx context.Context) ([]Tablet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, ip, status, current_url, uptime, stats, last_seen
		FROM tablets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing tablets: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var tablets []Tablet
	for rows.Next() {
		t, err := scanTablet(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tablet row: %w", err)
		}
		tablets = append(tablets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tablet rows: %w", err)
	}
	return tablets, nil
}

// CountTablets returns the total and online durable record counts.
func (r *SQLiteRepository) CountTablets(ctx context.Context) (int, int, error) {
	var total, online int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(status = 'online'), 0) FROM tablets`).Scan(&total, &online)
	if err != nil {
		return 0, 0, fmt.Errorf("counting tablets: %w", err)
	}
	return total, online, nil
}

// AppendCommandLog appends one dispatch record to the command log.
func (r *SQLiteRepository) AppendCommandLog(ctx context.Context, entry *CommandLogEntry) error {
	params, err := marshalJSONColumn(entry.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}

	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO command_log (tablet_id, command, params, source_addr, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.TabletID, entry.Command, params, entry.SourceAddr, formatTime(created),
	)
	if err != nil {
		return fmt.Errorf("appending command log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// RecordCommandResult fills in the outcome of the newest open log entry
// matching tablet and command.
func (r *SQLiteRepository) RecordCommandResult(ctx context.Context, tabletID, command string, success bool, response string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE command_log SET success = ?, response = ?
		WHERE id = (
			SELECT id FROM command_log
			WHERE tablet_id = ? AND command = ? AND success IS NULL
			ORDER BY id DESC LIMIT 1
		)`,
		boolToInt(success), response, tabletID, command,
	)
	if err != nil {
		return fmt.Errorf("recording command result: %w", err)
	}
	return nil
}

// ListCommandLog loads the most recent command-log entries, newest first.
func (r *SQLiteRepository) ListCommandLog(ctx context.Context, tabletID string, limit int) ([]CommandLogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}

	query := `
		SELECT id, tablet_id, command, params, source_addr, success, response, created_at
		FROM command_log`
	args := []any{}
	if tabletID != "" {
		query += ` WHERE tablet_id = ?`
		args = append(args, tabletID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing command log: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var entries []CommandLogEntry
	for rows.Next() {
		var (
			e         CommandLogEntry
			params    string
			success   sql.NullInt64
			response  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.TabletID, &e.Command, &params, &e.SourceAddr, &success, &response, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command log row: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &e.Params); err != nil {
			return nil, fmt.Errorf("decoding params for entry %d: %w", e.ID, err)
		}
		if success.Valid {
			v := success.Int64 != 0
			e.Success = &v
		}
		if response.Valid {
			v := response.String
			e.Response = &v
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log rows: %w", err)
	}
	return entries, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanTablet(s scanner) (*Tablet, error) {
	var (
		t        Tablet
		status   string
		stats    string
		lastSeen sql.NullString
	)
	if err := s.Scan(&t.TabletID, &t.Name, &t.IP, &status, &t.CurrentURL, &t.Uptime, &stats, &lastSeen); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(stats), &t.Stats); err != nil {
		return nil, fmt.Errorf("decoding stats: %w", err)
	}
	if lastSeen.Valid {
		t.LastSeen = parseTime(lastSeen.String)
	}
	return &t, nil
}

// marshalJSONColumn encodes a map for a TEXT column, defaulting to an empty
// object so the schema's NOT NULL constraint holds.
func marshalJSONColumn(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
