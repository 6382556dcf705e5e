package model

import "testing"

func TestChunkConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ChunkConfig
		wantErr bool
	}{
		{"valid", ChunkConfig{ChunkSize: 512, ChunkOverlap: 64, RatePerMinute: 100}, false},
		{"zero overlap", ChunkConfig{ChunkSize: 512, ChunkOverlap: 0, RatePerMinute: 100}, false},
		{"zero chunk size", ChunkConfig{ChunkSize: 0, ChunkOverlap: 0, RatePerMinute: 100}, true},
		{"negative overlap", ChunkConfig{ChunkSize: 512, ChunkOverlap: -1, RatePerMinute: 100}, true},
		{"overlap equals size", ChunkConfig{ChunkSize: 512, ChunkOverlap: 512, RatePerMinute: 100}, true},
		{"overlap exceeds size", ChunkConfig{ChunkSize: 512, ChunkOverlap: 600, RatePerMinute: 100}, true},
		{"zero rate", ChunkConfig{ChunkSize: 512, ChunkOverlap: 64, RatePerMinute: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected configuration error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr && !IsKind(err, FaultConfiguration) {
				t.Errorf("expected configuration_error fault, got %v", KindOf(err))
			}
		})
	}
}

func TestClassifyCompletion(t *testing.T) {
	tests := []struct {
		name     string
		imported int
		total    int
		opErr    *Fault
		want     OperationStatus
	}{
		{"full import", 10, 10, nil, OperationStatusSucceeded},
		{"partial import", 8, 10, nil, OperationStatusWarnings},
		{"gateway error", 8, 10, NewFault(FaultUpstream, "embed quota"), OperationStatusFailed},
		{"error on full import", 10, 10, NewFault(FaultUpstream, "index write"), OperationStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &IngestionOperation{ID: "op-1", Status: OperationStatusPolling}
			op.ClassifyCompletion(tt.imported, tt.total, tt.opErr)
			if op.Status != tt.want {
				t.Errorf("expected %q, got %q", tt.want, op.Status)
			}
			if op.ImportedCount != tt.imported || op.TotalCount != tt.total {
				t.Errorf("counts not recorded: %d/%d", op.ImportedCount, op.TotalCount)
			}
			if !op.Status.Terminal() {
				t.Error("completion must be terminal")
			}
		})
	}
}
