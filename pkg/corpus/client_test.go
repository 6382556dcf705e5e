package corpus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/internal/resilience"
)

func fastRetry() Option {
	return WithRetry(resilience.RetryConfig{MaxRetries: 2, Delay: time.Millisecond})
}

func TestIngestBatch_SubmitsAndReturnsHandle(t *testing.T) {
	var got BatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ingest", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("X-Service-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"operation_id":"op-42"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", fastRetry())
	handle, err := c.IngestBatch(context.Background(), BatchRequest{
		CorpusID:      "filings",
		SourceURIs:    []string{"s3://docs/a.pdf", "s3://docs/b.pdf"},
		ChunkSize:     512,
		ChunkOverlap:  64,
		RatePerMinute: 120,
	})

	require.NoError(t, err)
	assert.Equal(t, "op-42", handle.OperationID)
	assert.Equal(t, 120, got.RatePerMinute, "throughput ceiling must travel with the submission")
	assert.Len(t, got.SourceURIs, 2)
}

func TestIngestBatch_MissingOperationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", fastRetry())
	_, err := c.IngestBatch(context.Background(), BatchRequest{CorpusID: "filings"})
	require.Error(t, err)
}

func TestOperationStatus_ReportsProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/operations/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"done":true,"imported_count":8,"total_count":10}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", fastRetry())
	report, err := c.OperationStatus(context.Background(), "op-42")

	require.NoError(t, err)
	assert.True(t, report.Done)
	assert.Equal(t, 8, report.ImportedCount)
	assert.Equal(t, 10, report.TotalCount)
	assert.Empty(t, report.Error)
}

func TestRetrieve_ReturnsRankedChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(5), req["top_k"])
		_, _ = w.Write([]byte(`{"chunks":[
			{"text":"segment A","source_uri":"s3://docs/a.pdf","score":0.92},
			{"text":"segment B","source_uri":"s3://docs/b.pdf","score":0.81}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", fastRetry())
	chunks, err := c.Retrieve(context.Background(), "AAPL MSFT technology acquisition", 5)

	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "segment A", chunks[0].Text)
	assert.Greater(t, chunks[0].Score, chunks[1].Score)
}

func TestRetrieve_RetriesTransientGatewayErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"chunks":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", fastRetry())
	chunks, err := c.Retrieve(context.Background(), "query", 3)

	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_MissingCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the gateway without a credential")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", fastRetry())
	_, err := c.Retrieve(context.Background(), "query", 3)

	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.FaultConfiguration))
}

func TestClient_AuthenticationRejection(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong", fastRetry())
	_, err := c.OperationStatus(context.Background(), "op-1")

	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.FaultAuthentication))
	assert.Equal(t, int32(1), calls.Load(), "credential rejection must not be retried")
}
