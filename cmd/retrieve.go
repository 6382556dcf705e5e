package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var retrieveTopK int

var retrieveCmd = &cobra.Command{
	Use:   "retrieve <query>",
	Short: "Query the corpus for the most similar chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		topK := retrieveTopK
		if topK <= 0 {
			topK = cfg.Corpus.TopK
		}

		chunks, err := env.Gateway.Retrieve(ctx, args[0], topK)
		if err != nil {
			return eris.Wrap(err, "retrieve")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(chunks)
	},
}

func init() {
	retrieveCmd.Flags().IntVar(&retrieveTopK, "top-k", 0, "number of chunks to return (default from config)")
	rootCmd.AddCommand(retrieveCmd)
}
