package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
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
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id           TEXT PRIMARY KEY,
	target       TEXT NOT NULL,
	acquirer     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	stages       TEXT NOT NULL DEFAULT '{}',
	error        TEXT,
	requested_at DATETIME NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ingestion_operations (
	id             TEXT PRIMARY KEY,
	corpus_id      TEXT NOT NULL,
	source_uris    TEXT NOT NULL,
	config         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'submitted',
	imported_count INTEGER NOT NULL DEFAULT 0,
	total_count    INTEGER NOT NULL DEFAULT 0,
	error          TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_target ON analysis_jobs(target);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_created_at ON analysis_jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_ingestion_operations_corpus ON ingestion_operations(corpus_id);
CREATE INDEX IF NOT EXISTS idx_ingestion_operations_status ON ingestion_operations(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.AnalysisJob) error {
	stagesJSON, errJSON, err := marshalJobColumns(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO analysis_jobs (id, target, acquirer, status, stages, error, requested_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Request.ID, job.Request.TargetSymbol, job.Request.AcquirerSymbol,
		string(job.Status), stagesJSON, errJSON,
		job.Request.RequestedAt, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.Request.ID)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.AnalysisJob) error {
	stagesJSON, errJSON, err := marshalJobColumns(job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_jobs SET status = ?, stages = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), stagesJSON, errJSON, time.Now().UTC(), job.Request.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.Request.ID)
	}
	return checkRowsAffected(res, "job", job.Request.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.AnalysisJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target, acquirer, status, stages, error, requested_at, created_at, updated_at
		 FROM analysis_jobs WHERE id = ?`,
		id,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error) {
	query := `SELECT id, target, acquirer, status, stages, error, requested_at, created_at, updated_at
	          FROM analysis_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Symbol != "" {
		query += ` AND (target = ? OR acquirer = ?)`
		args = append(args, filter.Symbol, filter.Symbol)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.AnalysisJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM analysis_jobs WHERE created_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete jobs before")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CreateOperation(ctx context.Context, op *model.IngestionOperation) error {
	urisJSON, cfgJSON, errJSON, err := marshalOperationColumns(op)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal operation")
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_operations
		 (id, corpus_id, source_uris, config, status, imported_count, total_count, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.CorpusID, urisJSON, cfgJSON,
		string(op.Status), op.ImportedCount, op.TotalCount, errJSON, now, now,
	)
	return eris.Wrapf(err, "sqlite: insert operation %s", op.ID)
}

func (s *SQLiteStore) UpdateOperation(ctx context.Context, op *model.IngestionOperation) error {
	_, _, errJSON, err := marshalOperationColumns(op)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal operation")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_operations
		 SET status = ?, imported_count = ?, total_count = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		string(op.Status), op.ImportedCount, op.TotalCount, errJSON, time.Now().UTC(), op.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update operation %s", op.ID)
	}
	return checkRowsAffected(res, "operation", op.ID)
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*model.IngestionOperation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, corpus_id, source_uris, config, status, imported_count, total_count, error
		 FROM ingestion_operations WHERE id = ?`,
		id,
	)
	return scanOperation(row)
}

func (s *SQLiteStore) ListOperations(ctx context.Context, corpusID string, limit int) ([]model.IngestionOperation, error) {
	query := `SELECT id, corpus_id, source_uris, config, status, imported_count, total_count, error
	          FROM ingestion_operations WHERE 1=1`
	var args []any

	if corpusID != "" {
		query += ` AND corpus_id = ?`
		args = append(args, corpusID)
	}
	query += ` ORDER BY created_at DESC`

	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list operations")
	}
	defer rows.Close()

	var ops []model.IngestionOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, eris.Wrap(rows.Err(), "sqlite: list operations iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func marshalJobColumns(job *model.AnalysisJob) (string, sql.NullString, error) {
	stagesJSON, err := json.Marshal(job.Stages)
	if err != nil {
		return "", sql.NullString{}, err
	}
	var errJSON sql.NullString
	if job.Error != nil {
		b, err := json.Marshal(job.Error)
		if err != nil {
			return "", sql.NullString{}, err
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}
	return string(stagesJSON), errJSON, nil
}

func marshalOperationColumns(op *model.IngestionOperation) (string, string, sql.NullString, error) {
	urisJSON, err := json.Marshal(op.SourceURIs)
	if err != nil {
		return "", "", sql.NullString{}, err
	}
	cfgJSON, err := json.Marshal(op.Config)
	if err != nil {
		return "", "", sql.NullString{}, err
	}
	var errJSON sql.NullString
	if op.Error != nil {
		b, err := json.Marshal(op.Error)
		if err != nil {
			return "", "", sql.NullString{}, err
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}
	return string(urisJSON), string(cfgJSON), errJSON, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.AnalysisJob, error) {
	var j model.AnalysisJob
	var stagesJSON string
	var errJSON sql.NullString

	err := row.Scan(
		&j.Request.ID, &j.Request.TargetSymbol, &j.Request.AcquirerSymbol,
		&j.Status, &stagesJSON, &errJSON,
		&j.Request.RequestedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "job")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if err := json.Unmarshal([]byte(stagesJSON), &j.Stages); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal stages")
	}
	if j.Stages == nil {
		j.Stages = make(map[string]model.StageResult)
	}
	if errJSON.Valid {
		j.Error = &model.Fault{}
		if err := json.Unmarshal([]byte(errJSON.String), j.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job error")
		}
	}
	return &j, nil
}

func scanOperation(row scannable) (*model.IngestionOperation, error) {
	var op model.IngestionOperation
	var urisJSON, cfgJSON string
	var errJSON sql.NullString

	err := row.Scan(
		&op.ID, &op.CorpusID, &urisJSON, &cfgJSON,
		&op.Status, &op.ImportedCount, &op.TotalCount, &errJSON,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "operation")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan operation")
	}

	if err := json.Unmarshal([]byte(urisJSON), &op.SourceURIs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal source uris")
	}
	if err := json.Unmarshal([]byte(cfgJSON), &op.Config); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal config")
	}
	if errJSON.Valid {
		op.Error = &model.Fault{}
		if err := json.Unmarshal([]byte(errJSON.String), op.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal operation error")
		}
	}
	return &op, nil
}
