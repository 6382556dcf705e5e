package model

// Document points at source content in the external object store. The
// pipeline only ever reads it; content is never mutated here.
type Document struct {
	URI         string `json:"uri"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// Chunk is the unit of retrieval: a bounded span of document text stored
// with an embedding reference. Score is populated at query time only.
type Chunk struct {
	Text         string  `json:"text"`
	SourceURI    string  `json:"source_uri"`
	EmbeddingRef string  `json:"embedding_ref,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

// ChunkConfig controls how the gateway splits and embeds a batch.
type ChunkConfig struct {
	ChunkSize     int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap  int `json:"chunk_overlap" yaml:"chunk_overlap"`
	RatePerMinute int `json:"rate_per_minute" yaml:"rate_per_minute"`
}

// Validate enforces chunkSize > 0, 0 <= overlap < chunkSize, rate > 0.
func (c ChunkConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return NewFaultf(FaultConfiguration, "chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 {
		return NewFaultf(FaultConfiguration, "chunk overlap must not be negative, got %d", c.ChunkOverlap)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return NewFaultf(FaultConfiguration, "chunk overlap %d must be smaller than chunk size %d", c.ChunkOverlap, c.ChunkSize)
	}
	if c.RatePerMinute <= 0 {
		return NewFaultf(FaultConfiguration, "embedding rate per minute must be positive, got %d", c.RatePerMinute)
	}
	return nil
}

// OperationStatus represents the lifecycle of a batch ingestion.
type OperationStatus string

const (
	OperationStatusSubmitted OperationStatus = "submitted"
	OperationStatusPolling   OperationStatus = "polling"
	OperationStatusSucceeded OperationStatus = "succeeded"
	// OperationStatusWarnings marks a completed import that brought in fewer
	// documents than requested without reporting an error.
	OperationStatusWarnings OperationStatus = "succeeded_with_warnings"
	OperationStatusFailed   OperationStatus = "failed"
)

// Terminal reports whether the operation has finished.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationStatusSucceeded, OperationStatusWarnings, OperationStatusFailed:
		return true
	}
	return false
}

// IngestionOperation tracks one batch ingest from submission to terminal
// status. Operations are never retried automatically; the caller resubmits,
// which creates a new independent operation.
type IngestionOperation struct {
	ID            string          `json:"operation_id"`
	CorpusID      string          `json:"corpus_id"`
	SourceURIs    []string        `json:"source_uris"`
	Config        ChunkConfig     `json:"config"`
	Status        OperationStatus `json:"status"`
	ImportedCount int             `json:"imported_count"`
	TotalCount    int             `json:"total_count"`
	Error         *Fault          `json:"error,omitempty"`
}

// ClassifyCompletion maps a terminal gateway report onto the operation:
// an error is terminal failure, a full import succeeds, a short import
// without error succeeds with warnings.
func (op *IngestionOperation) ClassifyCompletion(imported, total int, opErr *Fault) {
	op.ImportedCount = imported
	op.TotalCount = total
	op.Error = opErr

	switch {
	case opErr != nil:
		op.Status = OperationStatusFailed
	case imported < total:
		op.Status = OperationStatusWarnings
	default:
		op.Status = OperationStatusSucceeded
	}
}
