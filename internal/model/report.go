package model

import (
	"encoding/json"
	"time"
)

// StageReport is the consumer-facing view of one stage. Failed and skipped
// stages are present with explicit markers; a stage that never ran is
// distinguishable from one that failed.
type StageReport struct {
	Name       string          `json:"name"`
	Status     StageStatus     `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Fault          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Report is the assembled output of an analysis job, the payload handed to
// export and dashboard collaborators.
type Report struct {
	RequestID      string        `json:"request_id"`
	TargetSymbol   string        `json:"target_symbol"`
	AcquirerSymbol string        `json:"acquirer_symbol"`
	Status         JobStatus     `json:"status"`
	Error          *Fault        `json:"error,omitempty"`
	Stages         []StageReport `json:"stages"`
	GeneratedAt    time.Time     `json:"generated_at"`
}
