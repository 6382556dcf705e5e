package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

// Classification is the scoring service's view of one symbol.
type Classification struct {
	Symbol   string   `json:"symbol"`
	Sector   string   `json:"sector"`
	Industry string   `json:"industry"`
	Labels   []string `json:"labels"`
}

// classificationPayload is what the classification stage records: both
// symbols' classifications keyed by role.
type classificationPayload struct {
	Target   Classification `json:"target"`
	Acquirer Classification `json:"acquirer"`
}

type classifyRequest struct {
	Symbol string `json:"symbol"`
}

type peersRequest struct {
	TargetSymbol   string         `json:"target_symbol"`
	AcquirerSymbol string         `json:"acquirer_symbol"`
	Target         Classification `json:"target_classification"`
	Acquirer       Classification `json:"acquirer_classification"`
}

type peersResponse struct {
	Peers []string `json:"peers"`
}

// valuationRequest is the common payload for every registered valuation
// service. The methods themselves are opaque remote contracts.
type valuationRequest struct {
	TargetSymbol   string   `json:"target_symbol"`
	AcquirerSymbol string   `json:"acquirer_symbol"`
	Peers          []string `json:"peers,omitempty"`
}

type dueDiligenceRequest struct {
	TargetSymbol   string        `json:"target_symbol"`
	AcquirerSymbol string        `json:"acquirer_symbol"`
	Peers          []string      `json:"peers,omitempty"`
	ContextChunks  []model.Chunk `json:"context_chunks,omitempty"`
}

// synthesizeQuery builds the retrieval query for the due-diligence stage
// from the two symbols and their classification labels.
func synthesizeQuery(req model.AnalysisRequest, cls classificationPayload) string {
	parts := []string{req.TargetSymbol, req.AcquirerSymbol}
	if cls.Target.Industry != "" {
		parts = append(parts, cls.Target.Industry)
	}
	if cls.Acquirer.Industry != "" && cls.Acquirer.Industry != cls.Target.Industry {
		parts = append(parts, cls.Acquirer.Industry)
	}
	parts = append(parts, cls.Target.Labels...)
	parts = append(parts, cls.Acquirer.Labels...)
	parts = append(parts, "acquisition", "due diligence")
	return strings.Join(dedupe(parts), " ")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
