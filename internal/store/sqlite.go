package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. It keeps the merge
// run log when no Postgres database is configured for it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS merge_runs (
	id           TEXT PRIMARY KEY,
	company_id   INTEGER NOT NULL,
	group_key    TEXT NOT NULL,
	master_id    INTEGER NOT NULL,
	operation    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	absorbed_ids TEXT,
	error        TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_merge_runs_company ON merge_runs(company_id, created_at);
CREATE INDEX IF NOT EXISTS idx_merge_runs_status ON merge_runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *MergeRun) error {
	id := uuid.New().String()
	now := time.Now().UTC()
	status := run.Status
	if status == "" {
		status = RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merge_runs (id, company_id, group_key, master_id, operation, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, run.CompanyID, run.GroupKey, run.MasterID, run.Operation, string(status), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert merge run")
	}

	run.ID = id
	run.Status = status
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, absorbed []int64) error {
	absorbedJSON, err := json.Marshal(absorbed)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal absorbed ids")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_runs SET status = ?, absorbed_ids = ?, updated_at = ? WHERE id = ?`,
		string(RunStatusComplete), string(absorbedJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete merge run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(RunStatusFailed), message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail merge run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*MergeRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM merge_runs WHERE id = ?`,
		runID,
	)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]MergeRun, error) {
	query := `SELECT ` + runColumns + ` FROM merge_runs WHERE 1=1`
	var args []any

	if filter.CompanyID != 0 {
		query += ` AND company_id = ?`
		args = append(args, filter.CompanyID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []MergeRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "sqlite: run %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*MergeRun, error) {
	var r MergeRun
	var absorbed, errMsg sql.NullString

	err := row.Scan(&r.ID, &r.CompanyID, &r.GroupKey, &r.MasterID, &r.Operation, &r.Status,
		&absorbed, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if absorbed.Valid {
		if err := json.Unmarshal([]byte(absorbed.String), &r.AbsorbedIDs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal absorbed ids")
		}
	}
	r.Error = errMsg.String
	return &r, nil
}
