package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-advisors/dealdesk/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "dealdesk",
	Short: "M&A analysis orchestration engine",
	Long:  "Fans analysis requests out across classification, peer identification, valuation, and due-diligence services, and feeds the due-diligence corpus through batched document ingestion.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
