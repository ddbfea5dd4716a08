// Command curator runs the StreamPro curation pipeline.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-curator/internal/pipeline"
)

var rootCmd = &cobra.Command{
	Use:   "curator",
	Short: "Curate StreamPro landing data into partitioned parquet tables",
	Long: `curator reads raw StreamPro exports from a landing area, validates and
deduplicates them, joins events to the dimension snapshots and publishes
curated parquet partitions with manifests, lineage and audit events.

Runs are idempotent: the same landing files produce the same batch id and
byte-identical partitions.`,
	Example: `  # Generate a development landing area
  curator generate --out ./landing

  # Curate it into ./warehouse
  CURATOR_LANDING_DIR=./landing CURATOR_LOCAL_DIR=./warehouse curator run

  # Rebuild touched partitions from this batch only
  curator run --config curator.yaml --mode replace --force`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	rootCmd.AddCommand(runCmd(), watchCmd(), generateCmd(), versionCmd())
	if err := rootCmd.Execute(); err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the curator version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "curator %s (%s)\n", pipeline.Version, pipeline.GitSHA)
		},
	}
}
