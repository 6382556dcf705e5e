// Package store persists analysis jobs and ingestion operations. Two
// drivers ship: SQLite for single-operator use and Postgres for shared
// deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

// ErrNotFound marks a lookup or update against a row that does not exist.
// Callers distinguish it from storage failures with errors.Is.
var ErrNotFound = errors.New("not found")

// JobFilter specifies criteria for listing analysis jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Symbol string          `json:"symbol,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the analysis engine and the
// ingestion pipeline.
type Store interface {
	// Analysis jobs
	CreateJob(ctx context.Context, job *model.AnalysisJob) error
	UpdateJob(ctx context.Context, job *model.AnalysisJob) error
	GetJob(ctx context.Context, id string) (*model.AnalysisJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.AnalysisJob, error)
	DeleteJobsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Ingestion operations
	CreateOperation(ctx context.Context, op *model.IngestionOperation) error
	UpdateOperation(ctx context.Context, op *model.IngestionOperation) error
	GetOperation(ctx context.Context, id string) (*model.IngestionOperation, error)
	ListOperations(ctx context.Context, corpusID string, limit int) ([]model.IngestionOperation, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Options selects and tunes a driver.
type Options struct {
	Driver      string      `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string      `yaml:"database_url" mapstructure:"database_url"`
	Pool        *PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// Open creates the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "sqlite", "":
		dsn := opts.DatabaseURL
		if dsn == "" {
			dsn = "dealdesk.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, opts.DatabaseURL, opts.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", opts.Driver)
	}
}
