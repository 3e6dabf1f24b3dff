package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/podiumhq/podium/internal/loadtest"
	"github.com/podiumhq/podium/internal/syncd"
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Run the vote engine load harness",
	Long: `Exercise the full engine under synthetic load: register debates,
fire concurrent casts with choice flips from uuid participants, then
force-close every debate and verify the durable tally matches the cache.

Reports cast latency percentiles (the cast path never touches the
durable store, so these should stay sub-millisecond).`,
	Run: func(cmd *cobra.Command, args []string) {
		debates, _ := cmd.Flags().GetInt("debates")
		participants, _ := cmd.Flags().GetInt("participants")
		casts, _ := cmd.Flags().GetInt("casts")
		interval, _ := cmd.Flags().GetDuration("interval")
		dbPath, _ := cmd.Flags().GetString("db")

		if dbPath == "" {
			dir, err := os.MkdirTemp("", "podium-loadtest-*")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
				os.Exit(1)
			}
			defer os.RemoveAll(dir)
			dbPath = filepath.Join(dir, "loadtest.db")
		}

		schedCfg := syncd.DefaultConfig()
		schedCfg.Interval = interval

		fmt.Printf("Load test: %d debates x %d participants x %d casts (sync every %v)\n",
			debates, participants, casts, interval)
		fmt.Printf("Database: %s\n\n", dbPath)

		h, err := loadtest.New(dbPath, debates, participants, schedCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating harness: %v\n", err)
			os.Exit(1)
		}

		start := time.Now()
		stats, err := h.Run(casts)
		if err != nil {
			_ = h.Close()
			fmt.Fprintf(os.Stderr, "Error during run: %v\n", err)
			os.Exit(1)
		}
		elapsed := time.Since(start)

		stats.PrintStats()
		fmt.Printf("\nThroughput: %.0f casts/sec over %v\n",
			float64(stats.TotalCasts)/elapsed.Seconds(), elapsed.Round(time.Millisecond))

		fmt.Println("\nForce-closing all debates and verifying convergence...")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := h.VerifyConverged(ctx); err != nil {
			_ = h.Close()
			fmt.Fprintf(os.Stderr, "CONVERGENCE FAILURE: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("All debates converged: durable tallies match cache tallies")

		if err := h.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("debates", 5, "Number of debates to register")
	loadtestCmd.Flags().Int("participants", 100, "Participants per debate")
	loadtestCmd.Flags().Int("casts", 20, "Casts per participant (flipping choices)")
	loadtestCmd.Flags().Duration("interval", 500*time.Millisecond, "Sync interval during the run")
	loadtestCmd.Flags().String("db", "", "Database path (default: temp file, removed after)")
	rootCmd.AddCommand(loadtestCmd)
}
