package model

import (
	"encoding/json"
	"time"
)

// JobStatus represents the overall state of an analysis job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
)

// StageStatus represents the state of a single stage within a job.
// Transitions only move forward: pending -> running -> terminal.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether the status is a final state.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// Well-known stage names. Valuation stages are named by the registry.
const (
	StageClassification = "classification"
	StagePeers          = "peers"
	StageDueDiligence   = "due_diligence"
)

// StageResult holds the outcome of one stage. When the status is terminal,
// exactly one of Payload/Error is set (skipped stages carry neither payload
// nor error beyond the skip marker). Required stages count against the
// job-level status; optional stages (peer identification) degrade without
// demoting the job, though their failure is still surfaced.
type StageResult struct {
	Name       string          `json:"name"`
	Status     StageStatus     `json:"status"`
	Required   bool            `json:"required"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      *Fault          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}

// AnalysisJob owns one request and the per-stage results produced for it.
type AnalysisJob struct {
	Request   AnalysisRequest        `json:"request"`
	Status    JobStatus              `json:"status"`
	Stages    map[string]StageResult `json:"stages"`
	Error     *Fault                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewAnalysisJob initializes a pending job for the request.
func NewAnalysisJob(req AnalysisRequest) *AnalysisJob {
	now := time.Now().UTC()
	return &AnalysisJob{
		Request:   req,
		Status:    JobStatusPending,
		Stages:    make(map[string]StageResult),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetStage records a stage result, refusing backward transitions. A stage
// that has reached a terminal status never re-enters pending or running.
func (j *AnalysisJob) SetStage(result StageResult) {
	if prev, ok := j.Stages[result.Name]; ok && prev.Status.Terminal() && !result.Status.Terminal() {
		return
	}
	j.Stages[result.Name] = result
	j.UpdatedAt = time.Now().UTC()
}

// Stage returns the recorded result for name, if any.
func (j *AnalysisJob) Stage(name string) (StageResult, bool) {
	r, ok := j.Stages[name]
	return r, ok
}

// Finalize derives the overall job status from the recorded stages:
// failed when the classification gate failed, succeeded when every
// non-skipped required stage succeeded, partial when at least one required
// stage failed. Optional stage failures surface in the stage list without
// demoting the job.
func (j *AnalysisJob) Finalize() {
	if cls, ok := j.Stages[StageClassification]; ok && cls.Status == StageStatusFailed {
		j.Status = JobStatusFailed
		if j.Error == nil && cls.Error != nil {
			j.Error = cls.Error
		}
		j.UpdatedAt = time.Now().UTC()
		return
	}

	anyFailed := false
	for _, st := range j.Stages {
		if st.Status == StageStatusFailed && st.Required {
			anyFailed = true
			break
		}
	}

	if anyFailed {
		j.Status = JobStatusPartial
		if j.Error == nil {
			j.Error = NewFault(FaultPartial, "one or more stages failed")
		}
	} else {
		j.Status = JobStatusSucceeded
	}
	j.UpdatedAt = time.Now().UTC()
}
