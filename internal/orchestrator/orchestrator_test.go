package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/pkg/corpus"
	"github.com/meridian-advisors/dealdesk/pkg/svcclient"
)

// mockClient scripts responses per endpoint name, counting invocations.
type mockClient struct {
	mu        sync.Mutex
	calls     map[string]int
	payloads  map[string][]any
	responses map[string]any
	errs      map[string]error
	delays    map[string]time.Duration
}

func newMockClient() *mockClient {
	return &mockClient{
		calls:     make(map[string]int),
		payloads:  make(map[string][]any),
		responses: make(map[string]any),
		errs:      make(map[string]error),
		delays:    make(map[string]time.Duration),
	}
}

func (m *mockClient) Call(ctx context.Context, ep svcclient.Endpoint, payload any, out any) error {
	m.mu.Lock()
	m.calls[ep.Name]++
	m.payloads[ep.Name] = append(m.payloads[ep.Name], payload)
	delay := m.delays[ep.Name]
	err := m.errs[ep.Name]
	resp := m.responses[ep.Name]
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return model.WrapFault(model.FaultCancelled, ep.Name+": call cancelled", ctx.Err())
		case <-timer.C:
		}
	}
	if err != nil {
		return err
	}
	if out != nil && resp != nil {
		b, mErr := json.Marshal(resp)
		if mErr != nil {
			return mErr
		}
		return json.Unmarshal(b, out)
	}
	return nil
}

func (m *mockClient) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// mockGateway scripts Retrieve; ingestion methods are unused here.
type mockGateway struct {
	mu          sync.Mutex
	retrieveErr error
	chunks      []model.Chunk
	queries     []string
}

func (g *mockGateway) IngestBatch(context.Context, corpus.BatchRequest) (corpus.OperationHandle, error) {
	return corpus.OperationHandle{}, errors.New("not implemented")
}

func (g *mockGateway) OperationStatus(context.Context, string) (corpus.OperationReport, error) {
	return corpus.OperationReport{}, errors.New("not implemented")
}

func (g *mockGateway) Retrieve(_ context.Context, query string, _ int) ([]model.Chunk, error) {
	g.mu.Lock()
	g.queries = append(g.queries, query)
	g.mu.Unlock()
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	return g.chunks, nil
}

func testOptions() Options {
	return Options{
		Classification: svcclient.Endpoint{Name: "classification", URL: "http://classify/v1/classify"},
		Peers:          svcclient.Endpoint{Name: "peers", URL: "http://peers/v1/peers"},
		DueDiligence:   svcclient.Endpoint{Name: "due_diligence", URL: "http://dd/v1/review"},
		Registry:       DefaultRegistry("http://valuation"),
		TopK:           5,
	}
}

func healthyClient() *mockClient {
	mc := newMockClient()
	mc.responses["classification"] = Classification{Sector: "Technology", Industry: "Consumer Electronics", Labels: []string{"large-cap"}}
	mc.responses["peers"] = peersResponse{Peers: []string{"GOOG", "META"}}
	for _, name := range []string{"dcf", "cca", "lbo", "merger_model"} {
		mc.responses[name] = map[string]float64{"enterprise_value": 1000}
	}
	mc.responses["due_diligence"] = map[string]string{"summary": "no red flags"}
	return mc
}

func TestRun_InvalidRequest(t *testing.T) {
	e := New(newMockClient(), nil, nil, testOptions())

	_, err := e.Run(context.Background(), model.AnalysisRequest{TargetSymbol: "AAPL", AcquirerSymbol: "AAPL"})

	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.FaultInvalidRequest))
}

func TestRun_HealthyBackendAllStagesSucceed(t *testing.T) {
	mc := healthyClient()
	gw := &mockGateway{chunks: []model.Chunk{{Text: "10-K excerpt", SourceURI: "s3://docs/aapl.pdf", Score: 0.9}}}
	e := New(mc, gw, nil, testOptions())

	job, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, job.Status)
	require.Len(t, job.Stages, 7)
	for name, st := range job.Stages {
		assert.Equal(t, model.StageStatusSucceeded, st.Status, "stage %s", name)
		assert.NotEmpty(t, st.Payload, "stage %s must carry a payload", name)
		assert.Nil(t, st.Error, "stage %s", name)
	}
	assert.Equal(t, 2, mc.count("classification"), "both symbols classified independently")
}

func TestRun_ClassificationGateFailure_NoValuationIssued(t *testing.T) {
	mc := healthyClient()
	mc.errs["classification"] = model.NewFault(model.FaultUpstream, "classifier down")
	e := New(mc, nil, nil, testOptions())

	job, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	for _, name := range []string{"dcf", "cca", "lbo", "merger_model"} {
		assert.Zero(t, mc.count(name), "no valuation call may be issued after the gate fails")
		st, ok := job.Stage(name)
		require.True(t, ok)
		assert.Equal(t, model.StageStatusSkipped, st.Status)
	}
	assert.Zero(t, mc.count("peers"))
	assert.Zero(t, mc.count("due_diligence"))

	dd, _ := job.Stage(model.StageDueDiligence)
	assert.Equal(t, model.StageStatusSkipped, dd.Status)
}

func TestRun_SingleValuationFailureIsPartial(t *testing.T) {
	mc := healthyClient()
	mc.errs["lbo"] = model.NewFault(model.FaultUpstream, "lbo model crashed")
	e := New(mc, nil, nil, testOptions())

	job, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPartial, job.Status)

	lbo, _ := job.Stage("lbo")
	assert.Equal(t, model.StageStatusFailed, lbo.Status)
	require.NotNil(t, lbo.Error)
	assert.Equal(t, model.FaultUpstream, lbo.Error.Kind)

	for _, name := range []string{"dcf", "cca", "merger_model"} {
		st, _ := job.Stage(name)
		assert.Equal(t, model.StageStatusSucceeded, st.Status, "sibling %s must complete", name)
		assert.NotEmpty(t, st.Payload)
	}
}

func TestRun_PeersFailureDegradesGracefully(t *testing.T) {
	mc := healthyClient()
	mc.errs["peers"] = model.NewFault(model.FaultUpstream, "peer scoring offline")
	e := New(mc, nil, nil, testOptions())

	job, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, job.Status, "peers is optional")

	peers, _ := job.Stage(model.StagePeers)
	assert.Equal(t, model.StageStatusFailed, peers.Status)

	// Valuations proceeded without peer context.
	assert.Equal(t, 1, mc.count("dcf"))
	mc.mu.Lock()
	vr := mc.payloads["dcf"][0].(valuationRequest)
	mc.mu.Unlock()
	assert.Empty(t, vr.Peers)
}

func TestRun_RetrievalFailureDoesNotBlockDueDiligence(t *testing.T) {
	mc := healthyClient()
	gw := &mockGateway{retrieveErr: errors.New("index unavailable")}
	e := New(mc, gw, nil, testOptions())

	job, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	require.Equal(t, 1, mc.count("due_diligence"), "the due-diligence call must still be issued")

	mc.mu.Lock()
	ddReq := mc.payloads["due_diligence"][0].(dueDiligenceRequest)
	mc.mu.Unlock()
	assert.Empty(t, ddReq.ContextChunks, "call proceeds without context chunks")

	dd, _ := job.Stage(model.StageDueDiligence)
	assert.Equal(t, model.StageStatusSucceeded, dd.Status)
}

func TestRun_RetrievalContextIncludedWhenAvailable(t *testing.T) {
	mc := healthyClient()
	gw := &mockGateway{chunks: []model.Chunk{
		{Text: "risk factor", SourceURI: "s3://docs/a.pdf", Score: 0.95},
		{Text: "segment data", SourceURI: "s3://docs/b.pdf", Score: 0.82},
	}}
	e := New(mc, gw, nil, testOptions())

	_, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	mc.mu.Lock()
	ddReq := mc.payloads["due_diligence"][0].(dueDiligenceRequest)
	mc.mu.Unlock()
	require.Len(t, ddReq.ContextChunks, 2)

	// The query is synthesized from the symbols and classification labels.
	require.Len(t, gw.queries, 1)
	assert.Contains(t, gw.queries[0], "AAPL")
	assert.Contains(t, gw.queries[0], "MSFT")
	assert.Contains(t, gw.queries[0], "Consumer Electronics")
}

func TestRun_DeadlineCancelsInFlightValuations(t *testing.T) {
	mc := healthyClient()
	// Two valuations return promptly, two outlive the caller's deadline.
	mc.delays["lbo"] = 500 * time.Millisecond
	mc.delays["merger_model"] = 500 * time.Millisecond
	e := New(mc, nil, nil, testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	job, err := e.Run(ctx, model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPartial, job.Status)

	for _, name := range []string{"dcf", "cca"} {
		st, _ := job.Stage(name)
		assert.Equal(t, model.StageStatusSucceeded, st.Status, "completed stage %s must keep its result", name)
		assert.NotEmpty(t, st.Payload)
	}
	for _, name := range []string{"lbo", "merger_model"} {
		st, _ := job.Stage(name)
		assert.Equal(t, model.StageStatusFailed, st.Status)
		require.NotNil(t, st.Error, "stage %s", name)
		assert.Equal(t, model.FaultCancelled, st.Error.Kind, "stage %s must carry a cancelled marker", name)
	}
}

// jsonBackend returns a server that always answers with the given body.
func jsonBackend(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Drives the deadline-cancellation path through the real HTTP client rather
// than a scripted one: a valuation backend that never answers must come back
// as a failed stage with a cancelled marker when the job deadline elapses,
// while completed siblings keep their results.
func TestRun_DeadlineCancellationThroughRealClient(t *testing.T) {
	cls := jsonBackend(t, `{"symbol":"AAPL","sector":"Technology","industry":"Consumer Electronics","labels":["large-cap"]}`)
	peers := jsonBackend(t, `{"peers":["GOOG"]}`)
	fastVal := jsonBackend(t, `{"enterprise_value":1000}`)
	dd := jsonBackend(t, `{"summary":"no red flags"}`)

	hung := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// The server only watches for client disconnect once the request
		// body is drained; without this the handler outlives the test and
		// deadlocks the cleanup's Close.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(hung.Close)

	client := svcclient.New(svcclient.Options{
		Credential: "test-secret",
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	})
	e := New(client, nil, nil, Options{
		Classification: svcclient.Endpoint{Name: "classification", URL: cls.URL},
		Peers:          svcclient.Endpoint{Name: "peers", URL: peers.URL},
		DueDiligence:   svcclient.Endpoint{Name: "due_diligence", URL: dd.URL},
		Registry: Registry{Valuations: []StageDescriptor{
			{Name: "dcf", Endpoint: fastVal.URL, TimeoutSecs: 10, Required: true},
			{Name: "lbo", Endpoint: hung.URL, TimeoutSecs: 10, Required: true},
		}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	job, err := e.Run(ctx, model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPartial, job.Status)

	dcf, _ := job.Stage("dcf")
	assert.Equal(t, model.StageStatusSucceeded, dcf.Status, "completed sibling keeps its result")
	assert.NotEmpty(t, dcf.Payload)

	lbo, _ := job.Stage("lbo")
	assert.Equal(t, model.StageStatusFailed, lbo.Status)
	require.NotNil(t, lbo.Error)
	assert.Equal(t, model.FaultCancelled, lbo.Error.Kind,
		"a stage cut off by the job deadline must carry a cancelled marker, not timeout")
}

func TestRun_StageResultsHaveTimestamps(t *testing.T) {
	mc := healthyClient()
	e := New(mc, nil, nil, testOptions())

	job, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	for name, st := range job.Stages {
		assert.False(t, st.StartedAt.IsZero(), "stage %s missing StartedAt", name)
		assert.False(t, st.FinishedAt.IsZero(), "stage %s missing FinishedAt", name)
		assert.False(t, st.FinishedAt.Before(st.StartedAt), "stage %s finished before it started", name)
	}
}

type recordingStore struct {
	mu      sync.Mutex
	created []model.AnalysisJob
	updated []model.AnalysisJob
}

func (s *recordingStore) CreateJob(_ context.Context, job *model.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, *job)
	return nil
}

func (s *recordingStore) UpdateJob(_ context.Context, job *model.AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, *job)
	return nil
}

func TestRun_PersistsJobLifecycle(t *testing.T) {
	mc := healthyClient()
	st := &recordingStore{}
	e := New(mc, nil, st, testOptions())

	job, err := e.Run(context.Background(), model.NewAnalysisRequest("AAPL", "MSFT"))

	require.NoError(t, err)
	require.Len(t, st.created, 1)
	assert.Equal(t, model.JobStatusRunning, st.created[0].Status)
	require.NotEmpty(t, st.updated)
	assert.Equal(t, job.Status, st.updated[len(st.updated)-1].Status)
}
