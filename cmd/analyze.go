package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-advisors/dealdesk/internal/model"
	"github.com/meridian-advisors/dealdesk/internal/report"
)

var (
	analyzeTarget   string
	analyzeAcquirer string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run a full M&A analysis for a target/acquirer pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.NewAnalysisRequest(analyzeTarget, analyzeAcquirer)
		job, err := env.Engine.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		rep := report.Assemble(job)

		zap.L().Info("analysis complete",
			zap.String("request_id", rep.RequestID),
			zap.String("status", string(rep.Status)),
			zap.Int("stages", len(rep.Stages)),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTarget, "target", "", "target ticker symbol (required)")
	analyzeCmd.Flags().StringVar(&analyzeAcquirer, "acquirer", "", "acquirer ticker symbol (required)")
	_ = analyzeCmd.MarkFlagRequired("target")
	_ = analyzeCmd.MarkFlagRequired("acquirer")
	rootCmd.AddCommand(analyzeCmd)
}
