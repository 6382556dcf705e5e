// Package corpus wraps the managed vector-similarity index behind the two
// operations the rest of the system needs: batched document ingestion and
// top-K context retrieval. Splitting and embedding happen gateway-side; this
// client only submits, polls, and queries.
package corpus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/internal/resilience"
)

const credentialHeader = "X-Service-Key"

// Client is the gateway interface consumed by the ingestion pipeline and the
// orchestrator's due-diligence stage.
type Client interface {
	// IngestBatch submits one batched chunking-and-embedding job and returns
	// its operation handle. The throughput ceiling travels with the request;
	// the gateway enforces it server-side.
	IngestBatch(ctx context.Context, req BatchRequest) (OperationHandle, error)

	// OperationStatus reports progress for a previously submitted operation.
	OperationStatus(ctx context.Context, operationID string) (OperationReport, error)

	// Retrieve returns up to topK chunks ranked by similarity to the query.
	Retrieve(ctx context.Context, query string, topK int) ([]model.Chunk, error)
}

// BatchRequest describes one batched ingest submission.
type BatchRequest struct {
	CorpusID      string   `json:"corpus_id"`
	SourceURIs    []string `json:"source_uris"`
	ChunkSize     int      `json:"chunk_size"`
	ChunkOverlap  int      `json:"chunk_overlap"`
	RatePerMinute int      `json:"rate_per_minute"`
}

// OperationHandle identifies an asynchronous gateway job.
type OperationHandle struct {
	OperationID string `json:"operation_id"`
}

// OperationReport is the gateway's view of an operation's progress.
type OperationReport struct {
	Done          bool   `json:"done"`
	ImportedCount int    `json:"imported_count"`
	TotalCount    int    `json:"total_count"`
	Error         string `json:"error,omitempty"`
}

type retrieveRequest struct {
	QueryText string `json:"query_text"`
	TopK      int    `json:"top_k"`
}

type retrieveResponse struct {
	Chunks []model.Chunk `json:"chunks"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRetry overrides the retry policy for gateway calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	baseURL    string
	credential string
	http       *http.Client
	retry      resilience.RetryConfig
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL, credential string, opts ...Option) Client {
	c := &httpClient{
		baseURL:    baseURL,
		credential: credential,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) IngestBatch(ctx context.Context, req BatchRequest) (OperationHandle, error) {
	var handle OperationHandle
	if err := c.post(ctx, "/v1/ingest", req, &handle); err != nil {
		return OperationHandle{}, eris.Wrap(err, "corpus: ingest batch")
	}
	if handle.OperationID == "" {
		return OperationHandle{}, eris.New("corpus: gateway returned no operation id")
	}
	return handle, nil
}

func (c *httpClient) OperationStatus(ctx context.Context, operationID string) (OperationReport, error) {
	var report OperationReport
	if err := c.post(ctx, "/v1/operations/status", OperationHandle{OperationID: operationID}, &report); err != nil {
		return OperationReport{}, eris.Wrap(err, "corpus: operation status")
	}
	return report, nil
}

func (c *httpClient) Retrieve(ctx context.Context, query string, topK int) ([]model.Chunk, error) {
	var resp retrieveResponse
	if err := c.post(ctx, "/v1/retrieve", retrieveRequest{QueryText: query, TopK: topK}, &resp); err != nil {
		return nil, eris.Wrap(err, "corpus: retrieve")
	}
	return resp.Chunks, nil
}

func (c *httpClient) post(ctx context.Context, path string, payload any, out any) error {
	if c.credential == "" {
		return model.NewFault(model.FaultConfiguration, "corpus gateway credential is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	respBody, err := resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.doOnce(ctx, path, body)
	})
	if err != nil {
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return eris.Wrap(err, "unmarshal response")
		}
	}
	return nil
}

func (c *httpClient) doOnce(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(credentialHeader, c.credential)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.NewFaultf(model.FaultAuthentication, "gateway rejected credential (%d)", resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(eris.Errorf("gateway status %d: %s", resp.StatusCode, string(respBody)), resp.StatusCode)
	default:
		return nil, model.NewFaultf(model.FaultUpstream, "gateway status %d: %s", resp.StatusCode, string(respBody))
	}
}
