package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "podium",
	Short: "Hybrid vote synchronization engine for live debates",
	Long: `Podium keeps live debate votes in an in-memory cache for instant
tallies and reconciles them to a durable SQLite store in the background.

The cache is authoritative while a debate is open; the sync scheduler
drains dirty votes in batches on a fixed interval, and the consistency
auditor verifies durable tallies against the cache.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
