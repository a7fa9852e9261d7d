package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
)

var (
	userFilter   string
	statusFilter string
	kindFilter   string
	limitFlag    int
	exportFormat string
	exportOutput string
)

var submissionsCmd = &cobra.Command{
	Use:     "submissions",
	Aliases: []string{"submission", "subs"},
	Short:   "Inspect stored submissions",
}

var submissionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submissions, newest first",
	RunE:  runSubmissionsList,
}

var submissionsShowCmd = &cobra.Command{
	Use:   "show <submission-id>",
	Short: "Show a submission and its result",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmissionsShow,
}

var submissionsExportCmd = &cobra.Command{
	Use:   "export <submission-id>...",
	Short: "Export submissions as markdown or JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmissionsExport,
}

func init() {
	rootCmd.AddCommand(submissionsCmd)
	submissionsCmd.AddCommand(submissionsListCmd, submissionsShowCmd, submissionsExportCmd)

	submissionsListCmd.Flags().StringVar(&userFilter, "user", "", "Filter by user id")
	submissionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (queued, running, passed, failed, error)")
	submissionsListCmd.Flags().StringVar(&kindFilter, "kind", "", "Filter by kind (challenge, project)")
	submissionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max submissions to show")

	submissionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	submissionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

func openStore() (*sqlite.SQLiteStore, error) {
	cfg, _, err := setup()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSubmissionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := storage.SubmissionListOptions{
		UserID: userFilter,
		Status: storage.SubmissionStatus(statusFilter),
		Kind:   model.Kind(kindFilter),
		Limit:  limitFlag,
	}

	subs, err := store.ListSubmissions(context.Background(), opts)
	if err != nil {
		return err
	}

	if len(subs) == 0 {
		fmt.Println("No submissions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-10s %-16s %-24s %-8s %-8s %s\n", "ID", "STATUS", "USER", "TARGET", "LANG", "TESTS", "CREATED")
	fmt.Println(strings.Repeat("─", 95))

	for _, s := range subs {
		fmt.Printf("%-10s %s %-16s %-24s %-8s %-8s %s\n",
			shortID(s.ID), statusColumn(s.Status), truncate(s.UserID, 16),
			truncate(string(s.Kind)+"/"+s.Target(), 24), s.Language, testsColumn(s.Result), timeAgo(s.CreatedAt))
	}

	return nil
}

func runSubmissionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sub, err := store.ResolveSubmission(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Submission: %s\n", sub.ID)
	fmt.Printf("User:       %s\n", sub.UserID)
	fmt.Printf("Target:     %s %s\n", sub.Kind, sub.Target())
	fmt.Printf("Language:   %s\n", sub.Language)
	fmt.Printf("Status:     %s\n", statusColumn(sub.Status))
	fmt.Printf("Created:    %s\n", sub.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:    %s\n", sub.UpdatedAt.Format(time.RFC3339))
	if sub.ErrorMessage != "" {
		fmt.Printf("Error:      %s\n", sub.ErrorMessage)
	}

	if sub.Result == nil {
		return nil
	}
	fmt.Println(strings.Repeat("─", 60))
	printReport(cmd.OutOrStdout(), sub.Result)
	return nil
}

func runSubmissionsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	subs := make([]*storage.Submission, 0, len(args))
	for _, id := range args {
		sub, err := store.ResolveSubmission(ctx, id)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(subs...)
		if err != nil {
			return err
		}
		output = string(data)
	case "md", "markdown":
		parts := make([]string, len(subs))
		for i, sub := range subs {
			parts[i] = storage.ExportMarkdown(sub)
		}
		output = strings.Join(parts, "\n---\n\n")
	default:
		return fmt.Errorf("unknown format %q (want md or json)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func statusColumn(s storage.SubmissionStatus) string {
	c := color.New(color.FgYellow)
	switch s {
	case storage.StatusPassed:
		c = color.New(color.FgGreen)
	case storage.StatusFailed, storage.StatusError:
		c = color.New(color.FgRed)
	}
	return c.Sprintf("%-10s", s)
}

func testsColumn(res *model.ExecutionResult) string {
	if res == nil {
		return "-"
	}
	if !res.Compile.OK {
		return "compile"
	}
	return fmt.Sprintf("%d/%d", len(res.Tests)-res.FailedCount(), len(res.Tests))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen-2] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
