package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists entries to a SQLite database. Participation ids are
// only unique within one registry lifetime, so each opened store writes
// under a fresh run id and rejects duplicates within that run only.
type SQLiteStore struct {
	db  *sql.DB
	run string
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS settlement_entries (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        run_id TEXT NOT NULL,
        participation_id INTEGER NOT NULL,
        event_id INTEGER NOT NULL,
        program_id INTEGER NOT NULL,
        site_id INTEGER NOT NULL,
        settled_at INTEGER NOT NULL,
        compensation TEXT NOT NULL,
        entry TEXT NOT NULL,
        UNIQUE (run_id, participation_id)
    );
    CREATE INDEX IF NOT EXISTS settlement_entries_site ON settlement_entries (site_id, settled_at);`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db, run: uuid.NewString()}, nil
}

// Append inserts the entry. A second entry for the same participation in
// this run returns ErrDuplicate.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	e.Run = s.run
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO settlement_entries (run_id, participation_id, event_id, program_id, site_id, settled_at, compensation, entry)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(run_id, participation_id) DO NOTHING`,
		s.run, e.ParticipationID, e.EventID, e.ProgramID, e.SiteID, e.SettledAt.UnixNano(), e.Compensation.String(), string(b))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("participation %d: %w", e.ParticipationID, ErrDuplicate)
	}
	return nil
}

// Query returns entries matching q ordered by settlement time.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	if !q.Start.IsZero() {
		conds = append(conds, "settled_at >= ?")
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		conds = append(conds, "settled_at <= ?")
		args = append(args, q.End.UnixNano())
	}
	if q.SiteID != 0 {
		conds = append(conds, "site_id = ?")
		args = append(args, q.SiteID)
	}
	if q.ProgramID != 0 {
		conds = append(conds, "program_id = ?")
		args = append(args, q.ProgramID)
	}
	if q.EventID != 0 {
		conds = append(conds, "event_id = ?")
		args = append(args, q.EventID)
	}
	query := `SELECT entry FROM settlement_entries`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY settled_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []Entry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
