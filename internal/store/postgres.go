package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/contact-identity/internal/db"
)

// PostgresStore implements Store using pgxpool. Its pool is shared with the
// contact store and the merge engine.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_merge_run":   `INSERT INTO merge_runs (id, company_id, group_key, master_id, operation, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"complete_merge_run": `UPDATE merge_runs SET status = $1, absorbed_ids = $2, updated_at = $3 WHERE id = $4`,
	"fail_merge_run":     `UPDATE merge_runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
	"get_merge_run":      `SELECT ` + runColumns + ` FROM merge_runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Preparing fails before merge_runs is migrated; those connections run
	// the statements unprepared.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return nil //nolint:nilerr
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for the contact store and merge
// engine.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded schema migrations, merge_runs included.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *MergeRun) error {
	now := time.Now().UTC()
	id := uuid.New().String()
	status := run.Status
	if status == "" {
		status = RunStatusRunning
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO merge_runs (id, company_id, group_key, master_id, operation, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, run.CompanyID, run.GroupKey, run.MasterID, run.Operation, string(status), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert merge run")
	}

	run.ID = id
	run.Status = status
	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, absorbed []int64) error {
	absorbedJSON, err := json.Marshal(absorbed)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal absorbed ids")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE merge_runs SET status = $1, absorbed_ids = $2, updated_at = $3 WHERE id = $4`,
		string(RunStatusComplete), absorbedJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete merge run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "postgres: complete merge run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE merge_runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(RunStatusFailed), message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail merge run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "postgres: fail merge run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*MergeRun, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM merge_runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]MergeRun, error) {
	query := `SELECT ` + runColumns + ` FROM merge_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.CompanyID != 0 {
		query += fmt.Sprintf(` AND company_id = $%d`, argIdx)
		args = append(args, filter.CompanyID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []MergeRun
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

const runColumns = `id, company_id, group_key, master_id, operation, status, absorbed_ids, error, created_at, updated_at`

func scanPostgresRun(row pgx.Row) (*MergeRun, error) {
	var r MergeRun
	var absorbed *[]byte
	var errMsg *string

	if err := row.Scan(&r.ID, &r.CompanyID, &r.GroupKey, &r.MasterID, &r.Operation, &r.Status,
		&absorbed, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if absorbed != nil {
		if err := json.Unmarshal(*absorbed, &r.AbsorbedIDs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal absorbed ids")
		}
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}
