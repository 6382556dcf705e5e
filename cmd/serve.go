package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-advisors/dealdesk/internal/ingest"
	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/internal/report"
	"github.com/meridian-advisors/dealdesk/internal/store"
	"github.com/meridian-advisors/dealdesk/pkg/corpus"
	"github.com/meridian-advisors/dealdesk/pkg/svcclient"
)

var servePort int

// analysisRunner is the engine surface the API needs; tests substitute it.
type analysisRunner interface {
	Run(ctx context.Context, req model.AnalysisRequest) (*model.AnalysisJob, error)
}

// apiDeps carries the initialized subsystems into the HTTP handlers.
type apiDeps struct {
	runner     analysisRunner
	ingestor   *ingest.Pipeline
	gateway    corpus.Client
	store      store.Store
	serviceKey string
	topK       int

	// baseCtx outlives individual requests; async work launched from a
	// handler runs on it so a closed client connection does not cancel
	// the job.
	baseCtx context.Context
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the analysis API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		deps := &apiDeps{
			runner:     env.Engine,
			ingestor:   env.Ingest,
			gateway:    env.Gateway,
			store:      env.Store,
			serviceKey: cfg.Auth.ServiceKey,
			topK:       cfg.Corpus.TopK,
			baseCtx:    ctx,
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func newRouter(deps *apiDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", svcclient.CredentialHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireServiceKey(deps.serviceKey))

		r.Post("/analyses", deps.handleCreateAnalysis)
		r.Get("/analyses/{id}", deps.handleGetAnalysis)
		r.Post("/ingestions", deps.handleCreateIngestion)
		r.Get("/ingestions/{id}", deps.handleGetIngestion)
		r.Post("/retrieve", deps.handleRetrieve)
	})

	return r
}

// requireServiceKey rejects requests without the shared credential. The
// comparison is constant-time.
func requireServiceKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeError(w, http.StatusServiceUnavailable,
					model.NewFault(model.FaultConfiguration, "service credential is not configured"))
				return
			}
			got := r.Header.Get(svcclient.CredentialHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized,
					model.NewFault(model.FaultAuthentication, "missing or invalid service key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (d *apiDeps) handleCreateAnalysis(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetSymbol   string `json:"target_symbol"`
		AcquirerSymbol string `json:"acquirer_symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, model.NewFault(model.FaultInvalidRequest, "invalid request body"))
		return
	}

	req := model.NewAnalysisRequest(body.TargetSymbol, body.AcquirerSymbol)
	if err := req.Validate(); err != nil {
		writeFault(w, err)
		return
	}

	// The analysis runs asynchronously; clients poll GET /v1/analyses/{id}.
	go func() {
		if _, err := d.runner.Run(d.baseCtx, req); err != nil {
			zap.L().Error("api: analysis failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": req.ID,
		"status":     string(model.JobStatusPending),
	})
}

func (d *apiDeps) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	job, err := d.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, model.NewFault(model.FaultInvalidRequest, "job not found"))
			return
		}
		zap.L().Error("api: load job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.WrapFault(model.FaultUpstream, "load job", err))
		return
	}
	writeJSON(w, http.StatusOK, report.Assemble(job))
}

func (d *apiDeps) handleCreateIngestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CorpusID   string            `json:"corpus_id"`
		SourceURIs []string          `json:"source_uris"`
		Config     model.ChunkConfig `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, model.NewFault(model.FaultInvalidRequest, "invalid request body"))
		return
	}

	op, err := d.ingestor.Ingest(r.Context(), body.CorpusID, body.SourceURIs, body.Config)
	if err != nil {
		writeFault(w, err)
		return
	}

	// Track to terminal status in the background; clients poll
	// GET /v1/ingestions/{id}.
	go func() {
		if _, err := d.ingestor.PollUntilTerminal(d.baseCtx, op); err != nil {
			zap.L().Error("api: ingestion tracking ended with error",
				zap.String("operation_id", op.ID),
				zap.Error(err),
			)
		}
	}()

	writeJSON(w, http.StatusAccepted, op)
}

func (d *apiDeps) handleGetIngestion(w http.ResponseWriter, r *http.Request) {
	op, err := d.store.GetOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, model.NewFault(model.FaultInvalidRequest, "operation not found"))
			return
		}
		zap.L().Error("api: load operation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, model.WrapFault(model.FaultUpstream, "load operation", err))
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (d *apiDeps) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		QueryText string `json:"query_text"`
		TopK      int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, model.NewFault(model.FaultInvalidRequest, "invalid request body"))
		return
	}
	if body.TopK <= 0 {
		body.TopK = d.topK
	}

	chunks, err := d.gateway.Retrieve(r.Context(), body.QueryText, body.TopK)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": chunks})
}

// writeFault maps a classified error onto an HTTP status.
func writeFault(w http.ResponseWriter, err error) {
	var status int
	switch model.KindOf(err) {
	case model.FaultInvalidRequest, model.FaultConfiguration:
		status = http.StatusBadRequest
	case model.FaultAuthentication:
		status = http.StatusUnauthorized
	case model.FaultTimeout:
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusBadGateway
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"kind":  string(model.KindOf(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
