package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operational controls for a running engine",
	Long: `Drive the admin endpoints of a running 'podium serve' instance.

Subcommands map to the lock lifecycle and sync controls:
  lock    freeze voting (open -> locked)
  close   flush remaining dirty votes, then locked -> closed
  resync  force an immediate sync of one debate
  reset   wipe a debate's votes from cache and durable store`,
}

var adminLockCmd = &cobra.Command{
	Use:   "lock <debate-id>",
	Short: "Lock a debate so further casts are rejected",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runAdminAction(cmd, args[0], "lock")
	},
}

var adminCloseCmd = &cobra.Command{
	Use:   "close <debate-id>",
	Short: "Flush and close a debate (durable tally becomes final)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runAdminAction(cmd, args[0], "close")
	},
}

var adminResyncCmd = &cobra.Command{
	Use:   "resync <debate-id>",
	Short: "Force an immediate sync of a debate's dirty votes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runAdminAction(cmd, args[0], "resync")
	},
}

var adminResetCmd = &cobra.Command{
	Use:   "reset <debate-id>",
	Short: "Clear a debate's votes from the cache and the durable store",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runAdminAction(cmd, args[0], "reset")
	},
}

// runAdminAction POSTs one admin endpoint and prints the outcome.
func runAdminAction(cmd *cobra.Command, debateID, action string) {
	addr, _ := cmd.Flags().GetString("addr")
	url := fmt.Sprintf("%s/admin/debates/%s/%s", normalizeAddr(addr), debateID, action)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach engine at %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: %s failed (%s): %s\n", action, resp.Status, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	fmt.Printf("Debate %s: %s\n", debateID, strings.TrimSpace(string(body)))
}

// normalizeAddr accepts "host:port" or a full URL.
func normalizeAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

func init() {
	adminCmd.PersistentFlags().String("addr", "localhost:8080", "Address of the running engine")
	adminCmd.AddCommand(adminLockCmd)
	adminCmd.AddCommand(adminCloseCmd)
	adminCmd.AddCommand(adminResyncCmd)
	adminCmd.AddCommand(adminResetCmd)
	rootCmd.AddCommand(adminCmd)
}
