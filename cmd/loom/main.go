// Loom — the outcome fulfillment fabric.
//
// loom turns declared outcomes ("send this email", "create this product")
// into verified effects on external platforms. It wires together:
//   - Connector Registry (health-ranked, circuit-broken adapters)
//   - Protocol Descriptor Catalog (typed outcome templates)
//   - Outcome Runtime (execute, fallback, prove, cache)
//   - Execution Pipeline (opportunity → solution → submission → verdict)
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom outcome fulfillment fabric",
	Long:  "Loom executes declared outcomes through health-ranked connectors and drives opportunity pipelines end to end.",
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(connectorsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
