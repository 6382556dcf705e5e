package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// tickerPattern matches exchange ticker symbols: 1-6 uppercase letters with
// an optional class suffix (e.g. BRK.B).
var tickerPattern = regexp.MustCompile(`^[A-Z]{1,6}(\.[A-Z])?$`)

// AnalysisRequest describes one target/acquirer analysis. Immutable once
// created; the ID is generated, never supplied by the caller.
type AnalysisRequest struct {
	ID             string    `json:"request_id"`
	TargetSymbol   string    `json:"target_symbol"`
	AcquirerSymbol string    `json:"acquirer_symbol"`
	RequestedAt    time.Time `json:"requested_at"`
}

// NewAnalysisRequest builds a request with a fresh ID. Symbols are upper-cased
// and trimmed; validation is separate so callers can surface field errors.
func NewAnalysisRequest(target, acquirer string) AnalysisRequest {
	return AnalysisRequest{
		ID:             uuid.NewString(),
		TargetSymbol:   strings.ToUpper(strings.TrimSpace(target)),
		AcquirerSymbol: strings.ToUpper(strings.TrimSpace(acquirer)),
		RequestedAt:    time.Now().UTC(),
	}
}

// Validate checks that both symbols are present, well-formed tickers, and
// distinct. Returns an InvalidRequest fault.
func (r AnalysisRequest) Validate() error {
	if r.TargetSymbol == "" {
		return NewFault(FaultInvalidRequest, "target symbol is required")
	}
	if r.AcquirerSymbol == "" {
		return NewFault(FaultInvalidRequest, "acquirer symbol is required")
	}
	if !tickerPattern.MatchString(r.TargetSymbol) {
		return NewFaultf(FaultInvalidRequest, "target symbol %q is not a valid ticker", r.TargetSymbol)
	}
	if !tickerPattern.MatchString(r.AcquirerSymbol) {
		return NewFaultf(FaultInvalidRequest, "acquirer symbol %q is not a valid ticker", r.AcquirerSymbol)
	}
	if r.TargetSymbol == r.AcquirerSymbol {
		return NewFault(FaultInvalidRequest, "target and acquirer symbols must be distinct")
	}
	return nil
}
