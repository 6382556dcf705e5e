// Package report merges a job's terminal stage results into the structured
// report consumed by export and dashboard collaborators.
package report

import (
	"sort"
	"time"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

// Assemble builds the consumer-facing report for a finished job. Every
// recorded stage appears exactly once: failed and skipped stages carry
// explicit markers instead of being omitted, so a stage that never ran is
// always distinguishable from one that failed. Conflicting valuation
// outputs are surfaced as-is; arbitration is a consumer concern.
func Assemble(job *model.AnalysisJob) *model.Report {
	rep := &model.Report{
		RequestID:      job.Request.ID,
		TargetSymbol:   job.Request.TargetSymbol,
		AcquirerSymbol: job.Request.AcquirerSymbol,
		Status:         job.Status,
		Error:          job.Error,
		GeneratedAt:    time.Now().UTC(),
	}

	for _, st := range job.Stages {
		sr := model.StageReport{
			Name:   st.Name,
			Status: st.Status,
		}
		switch st.Status {
		case model.StageStatusSucceeded:
			sr.Result = st.Payload
		case model.StageStatusFailed:
			sr.Error = st.Error
			if sr.Error == nil {
				sr.Error = model.NewFault(model.FaultUpstream, "stage failed without detail")
			}
		case model.StageStatusSkipped:
			sr.Error = model.NewFault(model.FaultUpstream, "stage skipped: classification gate failed")
		}
		if !st.StartedAt.IsZero() && !st.FinishedAt.IsZero() {
			sr.DurationMS = st.FinishedAt.Sub(st.StartedAt).Milliseconds()
		}
		rep.Stages = append(rep.Stages, sr)
	}

	// Stable output order for consumers and tests.
	sort.Slice(rep.Stages, func(i, j int) bool {
		return stageRank(rep.Stages[i].Name) < stageRank(rep.Stages[j].Name) ||
			(stageRank(rep.Stages[i].Name) == stageRank(rep.Stages[j].Name) &&
				rep.Stages[i].Name < rep.Stages[j].Name)
	})

	return rep
}

// stageRank orders the fixed stages first, valuations in the middle,
// due diligence last.
func stageRank(name string) int {
	switch name {
	case model.StageClassification:
		return 0
	case model.StagePeers:
		return 1
	case model.StageDueDiligence:
		return 3
	default:
		return 2
	}
}
