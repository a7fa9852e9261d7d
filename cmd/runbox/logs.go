package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/storage"
)

var logsStatusFilter string

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "List execution log entries, newest first",
	Long: `List execution log entries. Every attempt that reached admission is logged,
including attempts refused by the rate limiter or the daily quota.

Examples:
  runbox logs --user alice
  runbox logs --status rate_limited --limit 50`,
	RunE: runLogs,
}

func init() {
	logsCmd.Flags().StringVar(&userFilter, "user", "", "Filter by user id")
	logsCmd.Flags().StringVar(&logsStatusFilter, "status", "", "Filter by status (passed, failed, error, rate_limited, quota_exceeded)")
	logsCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max entries to show")
	rootCmd.AddCommand(logsCmd)
}

func runLogs(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.ListLogs(context.Background(), storage.LogListOptions{
		UserID: userFilter,
		Status: storage.LogStatus(logsStatusFilter),
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No log entries found.")
		return nil
	}

	fmt.Printf("%-6s %-16s %-15s %-24s %-8s %-8s %-8s %s\n", "ID", "USER", "STATUS", "TARGET", "LANG", "TESTS", "TIME", "STARTED")
	fmt.Println(strings.Repeat("─", 105))

	for _, e := range entries {
		target := e.ItemID
		if target == "" {
			target = e.ProjectID
		}
		tests := "-"
		switch {
		case e.TestsPassed != nil && *e.TestsPassed:
			tests = "all"
		case e.TestsFailed != nil:
			tests = fmt.Sprintf("%d fail", *e.TestsFailed)
		}
		fmt.Printf("%-6d %-16s %-15s %-24s %-8s %-8s %-8s %s\n",
			e.ID, truncate(e.UserID, 16), e.Status, truncate(string(e.Kind)+"/"+target, 24),
			e.Language, tests, fmt.Sprintf("%dms", e.TimingMs), timeAgo(e.StartedAt))
	}
	return nil
}
