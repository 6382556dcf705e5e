package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/meridian-advisors/dealdesk/internal/db"
	"github.com/meridian-advisors/dealdesk/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_job":       `INSERT INTO analysis_jobs (id, target, acquirer, status, stages, error, requested_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"update_job":       `UPDATE analysis_jobs SET status = $1, stages = $2, error = $3, updated_at = $4 WHERE id = $5`,
	"get_job":          `SELECT id, target, acquirer, status, stages, error, requested_at, created_at, updated_at FROM analysis_jobs WHERE id = $1`,
	"insert_operation": `INSERT INTO ingestion_operations (id, corpus_id, source_uris, config, status, imported_count, total_count, error, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"update_operation": `UPDATE ingestion_operations SET status = $1, imported_count = $2, total_count = $3, error = $4, updated_at = $5 WHERE id = $6`,
	"get_operation":    `SELECT id, corpus_id, source_uris, config, status, imported_count, total_count, error FROM ingestion_operations WHERE id = $1`,
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

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id           TEXT PRIMARY KEY,
	target       TEXT NOT NULL,
	acquirer     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	stages       JSONB NOT NULL DEFAULT '{}',
	error        JSONB,
	requested_at TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ingestion_operations (
	id             TEXT PRIMARY KEY,
	corpus_id      TEXT NOT NULL,
	source_uris    JSONB NOT NULL,
	config         JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'submitted',
	imported_count INTEGER NOT NULL DEFAULT 0,
	total_count    INTEGER NOT NULL DEFAULT 0,
	error          JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_target ON analysis_jobs(target);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_created_at ON analysis_jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_ingestion_operations_corpus ON ingestion_operations(corpus_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_operations_status ON ingestion_operations(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	stagesJSON, errJSON, err := marshalJobJSONB(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, target, acquirer, status, stages, error, requested_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.Request.ID, job.Request.TargetSymbol, job.Request.AcquirerSymbol,
		string(job.Status), stagesJSON, errJSON,
		job.Request.RequestedAt, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.Request.ID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *model.AnalysisJob) error {
	stagesJSON, errJSON, err := marshalJobJSONB(job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE analysis_jobs SET status = $1, stages = $2, error = $3, updated_at = $4 WHERE id = $5`,
		string(job.Status), stagesJSON, errJSON, time.Now().UTC(), job.Request.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.Request.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", job.Request.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.AnalysisJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, target, acquirer, status, stages, error, requested_at, created_at, updated_at
		 FROM analysis_jobs WHERE id = $1`,
		id,
	)
	return scanJobPg(row)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error) {
	query := `SELECT id, target, acquirer, status, stages, error, requested_at, created_at, updated_at
	          FROM analysis_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Symbol != "" {
		query += fmt.Sprintf(` AND (target = $%d OR acquirer = $%d)`, argIdx, argIdx)
		args = append(args, filter.Symbol)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
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
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.AnalysisJob
	for rows.Next() {
		j, err := scanJobPg(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM analysis_jobs WHERE created_at < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete jobs before")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CreateOperation(ctx context.Context, op *model.IngestionOperation) error {
	urisJSON, cfgJSON, errJSON, err := marshalOperationJSONB(op)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal operation")
	}

	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingestion_operations
		 (id, corpus_id, source_uris, config, status, imported_count, total_count, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		op.ID, op.CorpusID, urisJSON, cfgJSON,
		string(op.Status), op.ImportedCount, op.TotalCount, errJSON, now, now,
	)
	return eris.Wrapf(err, "postgres: insert operation %s", op.ID)
}

func (s *PostgresStore) UpdateOperation(ctx context.Context, op *model.IngestionOperation) error {
	_, _, errJSON, err := marshalOperationJSONB(op)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal operation")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_operations
		 SET status = $1, imported_count = $2, total_count = $3, error = $4, updated_at = $5
		 WHERE id = $6`,
		string(op.Status), op.ImportedCount, op.TotalCount, errJSON, time.Now().UTC(), op.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update operation %s", op.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "operation %s", op.ID)
	}
	return nil
}

func (s *PostgresStore) GetOperation(ctx context.Context, id string) (*model.IngestionOperation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, corpus_id, source_uris, config, status, imported_count, total_count, error
		 FROM ingestion_operations WHERE id = $1`,
		id,
	)
	return scanOperationPg(row)
}

func (s *PostgresStore) ListOperations(ctx context.Context, corpusID string, limit int) ([]model.IngestionOperation, error) {
	query := `SELECT id, corpus_id, source_uris, config, status, imported_count, total_count, error
	          FROM ingestion_operations WHERE true`
	args := []any{}
	argIdx := 1

	if corpusID != "" {
		query += fmt.Sprintf(` AND corpus_id = $%d`, argIdx)
		args = append(args, corpusID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list operations")
	}
	defer rows.Close()

	var ops []model.IngestionOperation
	for rows.Next() {
		op, err := scanOperationPg(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, eris.Wrap(rows.Err(), "postgres: list operations iterate")
}

// helpers

func marshalJobJSONB(job *model.AnalysisJob) ([]byte, []byte, error) {
	stagesJSON, err := json.Marshal(job.Stages)
	if err != nil {
		return nil, nil, err
	}
	var errJSON []byte
	if job.Error != nil {
		errJSON, err = json.Marshal(job.Error)
		if err != nil {
			return nil, nil, err
		}
	}
	return stagesJSON, errJSON, nil
}

func marshalOperationJSONB(op *model.IngestionOperation) ([]byte, []byte, []byte, error) {
	urisJSON, err := json.Marshal(op.SourceURIs)
	if err != nil {
		return nil, nil, nil, err
	}
	cfgJSON, err := json.Marshal(op.Config)
	if err != nil {
		return nil, nil, nil, err
	}
	var errJSON []byte
	if op.Error != nil {
		errJSON, err = json.Marshal(op.Error)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return urisJSON, cfgJSON, errJSON, nil
}

func scanJobPg(row pgx.Row) (*model.AnalysisJob, error) {
	var j model.AnalysisJob
	var stagesJSON []byte
	var errNull *[]byte

	err := row.Scan(
		&j.Request.ID, &j.Request.TargetSymbol, &j.Request.AcquirerSymbol,
		&j.Status, &stagesJSON, &errNull,
		&j.Request.RequestedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "job")
		}
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	if err := json.Unmarshal(stagesJSON, &j.Stages); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal stages")
	}
	if j.Stages == nil {
		j.Stages = make(map[string]model.StageResult)
	}
	if errNull != nil {
		j.Error = &model.Fault{}
		if err := json.Unmarshal(*errNull, j.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job error")
		}
	}
	return &j, nil
}

func scanOperationPg(row pgx.Row) (*model.IngestionOperation, error) {
	var op model.IngestionOperation
	var urisJSON, cfgJSON []byte
	var errNull *[]byte

	err := row.Scan(
		&op.ID, &op.CorpusID, &urisJSON, &cfgJSON,
		&op.Status, &op.ImportedCount, &op.TotalCount, &errNull,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrap(ErrNotFound, "operation")
		}
		return nil, eris.Wrap(err, "postgres: scan operation")
	}

	if err := json.Unmarshal(urisJSON, &op.SourceURIs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal source uris")
	}
	if err := json.Unmarshal(cfgJSON, &op.Config); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal config")
	}
	if errNull != nil {
		op.Error = &model.Fault{}
		if err := json.Unmarshal(*errNull, op.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal operation error")
		}
	}
	return &op, nil
}
