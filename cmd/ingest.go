package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridian-advisors/dealdesk/internal/model"
)

var (
	ingestCorpus   string
	ingestSources  []string
	ingestChunk    int
	ingestOverlap  int
	ingestRate     int
	ingestWait     bool
	ingestListLim  int
	ingestListCorp string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit a batched document ingestion to the corpus gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		corpusID := ingestCorpus
		if corpusID == "" {
			corpusID = cfg.Corpus.DefaultCorpus
		}

		chunkCfg := model.ChunkConfig{
			ChunkSize:     ingestChunk,
			ChunkOverlap:  ingestOverlap,
			RatePerMinute: ingestRate,
		}
		if chunkCfg.ChunkSize == 0 {
			chunkCfg.ChunkSize = cfg.Ingest.ChunkSize
		}
		if chunkCfg.ChunkOverlap == 0 {
			chunkCfg.ChunkOverlap = cfg.Ingest.ChunkOverlap
		}
		if chunkCfg.RatePerMinute == 0 {
			chunkCfg.RatePerMinute = cfg.Ingest.RatePerMinute
		}

		op, err := env.Ingest.Ingest(ctx, corpusID, ingestSources, chunkCfg)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		if ingestWait {
			op, err = env.Ingest.PollUntilTerminal(ctx, op)
			if err != nil {
				return eris.Wrap(err, "ingest wait")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(op)
	},
}

// -- ingest status --

var ingestStatusCmd = &cobra.Command{
	Use:   "status <operation-id>",
	Short: "Poll one ingestion operation to a terminal status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		op, err := env.Store.GetOperation(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "ingest status")
		}

		if !op.Status.Terminal() {
			op, err = env.Ingest.PollUntilTerminal(ctx, op)
			if err != nil {
				return eris.Wrap(err, "ingest status")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(op)
	},
}

// -- ingest list --

var ingestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion operations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ops, err := st.ListOperations(ctx, ingestListCorp, ingestListLim)
		if err != nil {
			return eris.Wrap(err, "ingest list")
		}

		if len(ops) == 0 {
			fmt.Fprintln(os.Stderr, "No operations found.")
			return nil
		}

		formatOperationsList(os.Stdout, ops)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestCorpus, "corpus", "", "corpus ID (default from config)")
	ingestCmd.Flags().StringSliceVar(&ingestSources, "source", nil, "source document URI (repeatable, required)")
	ingestCmd.Flags().IntVar(&ingestChunk, "chunk-size", 0, "chunk size in tokens (default from config)")
	ingestCmd.Flags().IntVar(&ingestOverlap, "chunk-overlap", 0, "chunk overlap in tokens (default from config)")
	ingestCmd.Flags().IntVar(&ingestRate, "rate-per-minute", 0, "embedding throughput ceiling (default from config)")
	ingestCmd.Flags().BoolVar(&ingestWait, "wait", false, "poll the operation to a terminal status before exiting")
	_ = ingestCmd.MarkFlagRequired("source")

	ingestListCmd.Flags().StringVar(&ingestListCorp, "corpus", "", "filter by corpus ID")
	ingestListCmd.Flags().IntVar(&ingestListLim, "limit", 50, "max number of operations to display")

	ingestCmd.AddCommand(ingestStatusCmd)
	ingestCmd.AddCommand(ingestListCmd)
	rootCmd.AddCommand(ingestCmd)
}

// formatOperationsList writes a tabular list of ingestion operations to w.
func formatOperationsList(out io.Writer, ops []model.IngestionOperation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCORPUS\tSTATUS\tIMPORTED\tSOURCES")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t--------\t-------")

	for _, op := range ops {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\n",
			truncateID(op.ID),
			op.CorpusID,
			op.Status,
			op.ImportedCount, op.TotalCount,
			len(op.SourceURIs),
		)
	}
	_ = w.Flush()
}
