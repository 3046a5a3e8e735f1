package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebox/internal/storage"
)

var (
	statusFilter   string
	unfinishedFlag bool
	limitFlag      int
	exportFormat   string
	exportOutput   string
	forceFlag      bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"r"},
	Short:   "Inspect and manage runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow a run until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsWatch,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel an in-flight run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a finished run from the journal",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown, JSON or YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsWatchCmd, runsCancelCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (created, uploading, launching, polling, fetching_logs, cleaning_up, done)")
	runsListCmd.Flags().BoolVar(&unfinishedFlag, "unfinished", false, "Only runs that have not finished")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md, json or yaml")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	runs, err := c.List(context.Background(), storage.RunListOptions{
		Status:     storage.RunStatus(statusFilter),
		Unfinished: unfinishedFlag,
		Limit:      limitFlag,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-14s %-10s %-44s %s\n", "ID", "STATUS", "OUTCOME", "SANDBOX", "CREATED")
	fmt.Println(strings.Repeat("─", 95))

	for _, r := range runs {
		outcome := string(r.Outcome)
		if outcome == "" {
			outcome = "-"
		}
		fmt.Printf("%-10s %-14s %-10s %-44s %s\n",
			shortID(r.ID), r.Status, outcome, truncate(r.Sandbox, 42), timeAgo(r.CreatedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	run, err := c.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", run.ID)
	fmt.Printf("Status:   %s\n", run.Status)
	if run.Outcome != "" {
		fmt.Printf("Outcome:  %s\n", run.Outcome)
	}
	if run.Sandbox != "" {
		fmt.Printf("Sandbox:  %s\n", run.Sandbox)
	}
	fmt.Printf("Artifact: %s\n", run.Artifact)
	fmt.Printf("Created:  %s\n", run.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", run.UpdatedAt.Format(time.RFC3339))
	if run.Error != "" {
		fmt.Printf("Error:    %s\n", run.Error)
	}

	fmt.Println(strings.Repeat("─", 60))
	if run.Logs == "" {
		fmt.Println("\033[90m(no output)\033[0m")
		return nil
	}
	fmt.Print(run.Logs)
	return nil
}

func runRunsWatch(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	run, err := c.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	final, err := watchWithInterrupt(c, run.ID)
	if err != nil {
		return err
	}
	return printResult(final)
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	run, err := c.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if err := c.Cancel(ctx, run.ID); err != nil {
		return err
	}
	fmt.Printf("Cancelling run %s; its sandbox and artifact will be removed\n", shortID(run.ID))
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	run, err := c.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s (%s)? [y/N] ", shortID(run.ID), run.Outcome)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := c.Delete(ctx, run.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(run.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	run, err := c.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	var output []byte
	switch exportFormat {
	case "json":
		output, err = storage.ExportJSON(run)
	case "yaml", "yml":
		output, err = storage.ExportYAML(run)
	case "md", "markdown":
		output = []byte(storage.ExportMarkdown(run))
	default:
		return fmt.Errorf("unknown export format %q", exportFormat)
	}
	if err != nil {
		return err
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, output, 0o644)
	}

	os.Stdout.Write(output)
	return nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + ".."
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
