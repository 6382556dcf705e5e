package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-advisors/dealdesk/internal/config"
	"github.com/meridian-advisors/dealdesk/internal/ingest"
	"github.com/meridian-advisors/dealdesk/internal/orchestrator"
	"github.com/meridian-advisors/dealdesk/internal/store"
	"github.com/meridian-advisors/dealdesk/internal/tracker"
	"github.com/meridian-advisors/dealdesk/pkg/corpus"
	"github.com/meridian-advisors/dealdesk/pkg/svcclient"
)

// engineEnv holds the initialized store, clients, and workflow engines
// needed by the analyze/ingest/serve commands.
type engineEnv struct {
	Store   store.Store
	Engine  *orchestrator.Engine
	Ingest  *ingest.Pipeline
	Gateway corpus.Client
}

// Close releases resources held by the environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func endpoint(name string, ep config.ServiceEndpoint) svcclient.Endpoint {
	return svcclient.Endpoint{Name: name, URL: ep.URL, Timeout: ep.Timeout()}
}

func loadValuationRegistry() (orchestrator.Registry, error) {
	if cfg.Valuation.RegistryPath != "" {
		return orchestrator.LoadRegistry(cfg.Valuation.RegistryPath)
	}
	reg := orchestrator.DefaultRegistry(cfg.Valuation.BaseURL)
	return reg, reg.Validate()
}

// initEngine sets up the store, the downstream service client, the corpus
// gateway, and both workflow engines. Callers should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	client := svcclient.New(svcclient.Options{
		Credential:      cfg.Auth.ServiceKey,
		Timeout:         time.Duration(cfg.Client.TimeoutSecs) * time.Second,
		MaxRetries:      cfg.Client.MaxRetries,
		RetryDelay:      time.Duration(cfg.Client.RetryDelaySecs) * time.Second,
		DefaultHostRate: rate.Limit(cfg.Client.HostRate),
	})

	var gateway corpus.Client
	if cfg.Corpus.BaseURL != "" {
		gateway = corpus.NewClient(cfg.Corpus.BaseURL, cfg.Auth.ServiceKey)
	} else {
		zap.L().Warn("corpus gateway not configured, due diligence runs without retrieval context")
	}

	reg, err := loadValuationRegistry()
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load valuation registry")
	}

	engine := orchestrator.New(client, gateway, st, orchestrator.Options{
		Classification: endpoint("classification", cfg.Services.Classification),
		Peers:          endpoint("peers", cfg.Services.Peers),
		DueDiligence:   endpoint("due_diligence", cfg.Services.DueDiligence),
		Registry:       reg,
		TopK:           cfg.Corpus.TopK,
	})

	pipeline := ingest.New(gateway, st, tracker.Config{
		Interval: cfg.Tracker.Interval(),
		MaxWait:  cfg.Tracker.MaxWait(),
	})

	zap.L().Info("engine initialized",
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("valuation_stages", len(reg.Valuations)),
	)

	return &engineEnv{
		Store:   st,
		Engine:  engine,
		Ingest:  pipeline,
		Gateway: gateway,
	}, nil
}
