// Package orchestrator sequences one analysis request across the downstream
// services: classification gates the job, peer identification degrades
// gracefully, valuations fan out concurrently over the stage registry, and
// due diligence runs with retrieval context when the corpus can provide it.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/pkg/corpus"
	"github.com/meridian-advisors/dealdesk/pkg/svcclient"
)

// JobStore persists jobs and stage results as they progress. Persistence
// failures are logged and never abort the analysis.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.AnalysisJob) error
	UpdateJob(ctx context.Context, job *model.AnalysisJob) error
}

// Options wires the engine to its downstream endpoints.
type Options struct {
	Classification svcclient.Endpoint
	Peers          svcclient.Endpoint
	DueDiligence   svcclient.Endpoint
	Registry       Registry

	// TopK bounds the retrieval context for due diligence. Default: 5.
	TopK int
}

// Engine is the analysis workflow engine.
type Engine struct {
	client  svcclient.Client
	gateway corpus.Client
	store   JobStore
	opts    Options
}

// New creates an engine. gateway may be nil (due diligence then runs without
// retrieval context); store may be nil (jobs are not persisted).
func New(client svcclient.Client, gateway corpus.Client, store JobStore, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Engine{client: client, gateway: gateway, store: store, opts: opts}
}

// Run executes the full analysis for one request. Stage failures are
// recovered into StageResults; only an invalid request returns an error.
func (e *Engine) Run(ctx context.Context, req model.AnalysisRequest) (*model.AnalysisJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	log := zap.L().With(
		zap.String("request_id", req.ID),
		zap.String("target", req.TargetSymbol),
		zap.String("acquirer", req.AcquirerSymbol),
	)
	log.Info("analysis: starting")

	job := model.NewAnalysisJob(req)
	job.Status = model.JobStatusRunning
	if e.store != nil {
		if err := e.store.CreateJob(ctx, job); err != nil {
			log.Warn("analysis: failed to persist job", zap.Error(err))
		}
	}

	// Concurrent stages write only to their own slot; the mutex guards the
	// job's stage map, not any shared stage state.
	var mu sync.Mutex
	runStage := func(name string, required bool, fn func(ctx context.Context) (json.RawMessage, error)) model.StageResult {
		started := time.Now().UTC()
		mu.Lock()
		job.SetStage(model.StageResult{Name: name, Status: model.StageStatusRunning, Required: required, StartedAt: started})
		mu.Unlock()

		payload, err := fn(ctx)

		res := model.StageResult{
			Name:       name,
			Required:   required,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}
		if err != nil {
			res.Status = model.StageStatusFailed
			res.Error = model.WrapFault(model.KindOf(err), "stage failed", err)
			log.Warn("analysis: stage failed",
				zap.String("stage", name),
				zap.String("kind", string(model.KindOf(err))),
				zap.Error(err),
			)
		} else {
			res.Status = model.StageStatusSucceeded
			res.Payload = payload
			log.Info("analysis: stage complete",
				zap.String("stage", name),
				zap.Duration("took", res.FinishedAt.Sub(started)),
			)
		}

		mu.Lock()
		job.SetStage(res)
		mu.Unlock()
		return res
	}

	skipStage := func(name string, required bool) {
		mu.Lock()
		job.SetStage(model.StageResult{Name: name, Status: model.StageStatusSkipped, Required: required})
		mu.Unlock()
	}

	// Classification gates the whole job: a failure on either symbol after
	// the client's retry budget fails the job and skips everything else.
	var cls classificationPayload
	clsRes := runStage(model.StageClassification, true, func(ctx context.Context) (json.RawMessage, error) {
		g, gCtx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return e.client.Call(gCtx, e.opts.Classification, classifyRequest{Symbol: req.TargetSymbol}, &cls.Target)
		})
		g.Go(func() error {
			return e.client.Call(gCtx, e.opts.Classification, classifyRequest{Symbol: req.AcquirerSymbol}, &cls.Acquirer)
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return mustJSON(cls), nil
	})
	if clsRes.Status == model.StageStatusFailed {
		skipStage(model.StagePeers, false)
		for _, desc := range e.opts.Registry.Valuations {
			skipStage(desc.Name, desc.Required)
		}
		skipStage(model.StageDueDiligence, true)
		e.finish(ctx, job, log)
		return job, nil
	}

	// Peer identification degrades gracefully: valuations and due diligence
	// proceed without peer context when it fails.
	var peerList []string
	runStage(model.StagePeers, false, func(ctx context.Context) (json.RawMessage, error) {
		var resp peersResponse
		err := e.client.Call(ctx, e.opts.Peers, peersRequest{
			TargetSymbol:   req.TargetSymbol,
			AcquirerSymbol: req.AcquirerSymbol,
			Target:         cls.Target,
			Acquirer:       cls.Acquirer,
		}, &resp)
		if err != nil {
			return nil, err
		}
		peerList = resp.Peers
		return mustJSON(resp), nil
	})

	// Valuation fan-out: every registered method runs concurrently and
	// independently; one failing or timing out never cancels the others.
	g := &errgroup.Group{}
	for _, desc := range e.opts.Registry.Valuations {
		g.Go(func() error {
			runStage(desc.Name, desc.Required, func(ctx context.Context) (json.RawMessage, error) {
				var out json.RawMessage
				ep := svcclient.Endpoint{Name: desc.Name, URL: desc.Endpoint, Timeout: desc.Timeout()}
				if err := e.client.Call(ctx, ep, valuationRequest{
					TargetSymbol:   req.TargetSymbol,
					AcquirerSymbol: req.AcquirerSymbol,
					Peers:          peerList,
				}, &out); err != nil {
					return nil, err
				}
				return out, nil
			})
			return nil
		})
	}
	_ = g.Wait()

	// Due diligence: retrieval failure is non-fatal, the call is still
	// issued without context chunks.
	runStage(model.StageDueDiligence, true, func(ctx context.Context) (json.RawMessage, error) {
		var chunks []model.Chunk
		if e.gateway != nil {
			query := synthesizeQuery(req, cls)
			retrieved, err := e.gateway.Retrieve(ctx, query, e.opts.TopK)
			if err != nil {
				log.Warn("analysis: context retrieval failed, proceeding without RAG context", zap.Error(err))
			} else {
				chunks = retrieved
			}
		}

		var out json.RawMessage
		if err := e.client.Call(ctx, e.opts.DueDiligence, dueDiligenceRequest{
			TargetSymbol:   req.TargetSymbol,
			AcquirerSymbol: req.AcquirerSymbol,
			Peers:          peerList,
			ContextChunks:  chunks,
		}, &out); err != nil {
			return nil, err
		}
		return out, nil
	})

	e.finish(ctx, job, log)
	return job, nil
}

func (e *Engine) finish(ctx context.Context, job *model.AnalysisJob, log *zap.Logger) {
	job.Finalize()
	if e.store != nil {
		// Persist with a fresh context so a caller deadline that cancelled
		// the stages does not also lose the final job record.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.store.UpdateJob(persistCtx, job); err != nil {
			log.Warn("analysis: failed to persist final job", zap.Error(err))
		}
	}
	log.Info("analysis: finished", zap.String("status", string(job.Status)))
}
