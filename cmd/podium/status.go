package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <debate-id>",
	Short: "Show a debate's live state and results",
	Long: `Query a running engine for one debate: lock state, vote count,
pending (dirty) count and the live results with percentages and winner.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		debateID := args[0]
		url := fmt.Sprintf("%s/admin/debates/%s", normalizeAddr(addr), debateID)

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot reach engine at %s: %v\n", addr, err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
			os.Exit(1)
		}

		var status struct {
			DebateID      string `json:"debate_id"`
			LockState     string `json:"lock_state"`
			DirtyCount    int    `json:"dirty_count"`
			UnsyncedCount int    `json:"unsynced_count"`
			VoteCount     int    `json:"vote_count"`
			Results    struct {
				TotalVotes  int                `json:"total_votes"`
				Counts      map[string]int     `json:"counts"`
				Percentages map[string]float64 `json:"percentages"`
				Winner      string             `json:"winner"`
			} `json:"results"`
		}
		if err := json.Unmarshal(body, &status); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing response: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\nDebate %s\n\n", status.DebateID)
		fmt.Printf("State:   %s\n", status.LockState)
		fmt.Printf("Votes:   %d (%d pending sync, %d unacknowledged)\n", status.VoteCount, status.DirtyCount, status.UnsyncedCount)
		fmt.Printf("Winner:  %s\n\n", status.Results.Winner)

		choices := make([]string, 0, len(status.Results.Counts))
		for c := range status.Results.Counts {
			choices = append(choices, c)
		}
		sort.Strings(choices)
		for _, c := range choices {
			fmt.Printf("  %-10s %5d  (%.2f%%)\n", c, status.Results.Counts[c], status.Results.Percentages[c])
		}
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().String("addr", "localhost:8080", "Address of the running engine")
	rootCmd.AddCommand(statusCmd)
}
