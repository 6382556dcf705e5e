// Package ingest drives document chunking-and-embedding jobs through the
// corpus gateway. The gateway does the actual splitting and embedding; the
// pipeline's job is validated submission, per-corpus serialization, and
// progress tracking to a terminal status.
package ingest

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/internal/tracker"
	"github.com/meridian-advisors/dealdesk/pkg/corpus"
)

// OperationStore persists ingestion operation records. Persistence failures
// are logged, never fatal to the operation itself.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *model.IngestionOperation) error
	UpdateOperation(ctx context.Context, op *model.IngestionOperation) error
}

// Pipeline submits and tracks batch ingestions.
type Pipeline struct {
	gateway    corpus.Client
	store      OperationStore
	trackerCfg tracker.Config

	mu          sync.Mutex
	corpusLocks map[string]*sync.Mutex
}

// New creates an ingestion pipeline. store may be nil when operation records
// are not persisted (e.g. one-shot CLI use).
func New(gateway corpus.Client, store OperationStore, trackerCfg tracker.Config) *Pipeline {
	return &Pipeline{
		gateway:     gateway,
		store:       store,
		trackerCfg:  trackerCfg,
		corpusLocks: make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) lockFor(corpusID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.corpusLocks[corpusID]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.corpusLocks[corpusID] = l
	return l
}

// Ingest validates the chunking parameters and submits one batched job to
// the gateway. Submissions to the same corpus are serialized; different
// corpora submit independently. Resubmitting the same source set creates a
// new independent operation — deduplication is the gateway's concern.
func (p *Pipeline) Ingest(ctx context.Context, corpusID string, sourceURIs []string, cfg model.ChunkConfig) (*model.IngestionOperation, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sourceURIs) == 0 {
		return nil, model.NewFault(model.FaultInvalidRequest, "at least one source URI is required")
	}

	lock := p.lockFor(corpusID)
	lock.Lock()
	handle, err := p.gateway.IngestBatch(ctx, corpus.BatchRequest{
		CorpusID:      corpusID,
		SourceURIs:    sourceURIs,
		ChunkSize:     cfg.ChunkSize,
		ChunkOverlap:  cfg.ChunkOverlap,
		RatePerMinute: cfg.RatePerMinute,
	})
	lock.Unlock()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: submit batch")
	}

	op := &model.IngestionOperation{
		ID:         handle.OperationID,
		CorpusID:   corpusID,
		SourceURIs: sourceURIs,
		Config:     cfg,
		Status:     model.OperationStatusSubmitted,
		TotalCount: len(sourceURIs),
	}

	if p.store != nil {
		if err := p.store.CreateOperation(ctx, op); err != nil {
			zap.L().Warn("ingest: failed to persist operation",
				zap.String("operation_id", op.ID),
				zap.Error(err),
			)
		}
	}

	zap.L().Info("ingest: batch submitted",
		zap.String("operation_id", op.ID),
		zap.String("corpus", corpusID),
		zap.Int("sources", len(sourceURIs)),
		zap.Int("rate_per_minute", cfg.RatePerMinute),
	)

	return op, nil
}

// PollUntilTerminal polls the gateway at a fixed interval until the
// operation completes, the wall-clock bound elapses, or ctx is cancelled.
// A completed operation with an error is terminal failed and is never
// retried here; a short import without an error succeeds with warnings.
func (p *Pipeline) PollUntilTerminal(ctx context.Context, op *model.IngestionOperation) (*model.IngestionOperation, error) {
	op.Status = model.OperationStatusPolling
	p.persist(ctx, op)

	outcome, err := tracker.Track(ctx, "ingest/"+op.ID, p.trackerCfg,
		func(ctx context.Context) (corpus.OperationReport, bool, error) {
			report, pollErr := p.gateway.OperationStatus(ctx, op.ID)
			if pollErr != nil {
				return corpus.OperationReport{}, false, pollErr
			}
			return report, report.Done, nil
		})
	if err != nil {
		op.Status = model.OperationStatusFailed
		op.Error = model.WrapFault(model.KindOf(err), "operation did not complete", err)
		p.persist(ctx, op)
		return op, err
	}

	report := outcome.Result
	var opErr *model.Fault
	if report.Error != "" {
		opErr = model.NewFault(model.FaultUpstream, report.Error)
	}
	op.ClassifyCompletion(report.ImportedCount, report.TotalCount, opErr)
	p.persist(ctx, op)

	zap.L().Info("ingest: operation terminal",
		zap.String("operation_id", op.ID),
		zap.String("status", string(op.Status)),
		zap.Int("imported", op.ImportedCount),
		zap.Int("total", op.TotalCount),
		zap.Int("polls", outcome.Polls),
	)

	return op, nil
}

func (p *Pipeline) persist(ctx context.Context, op *model.IngestionOperation) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateOperation(ctx, op); err != nil {
		zap.L().Warn("ingest: failed to update operation record",
			zap.String("operation_id", op.ID),
			zap.Error(err),
		)
	}
}
