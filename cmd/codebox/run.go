package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebox/internal/client"
	"github.com/michaelbrown/codebox/internal/sandbox"
	"github.com/michaelbrown/codebox/internal/storage"
)

var (
	extFlag    string
	detachFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Execute a source file in a fresh sandbox",
	Long: `Upload a source file, execute it in a fresh sandbox, and print its output.

Use "-" to read the source from stdin. Ctrl+C cancels the run; the sandbox
and the artifact are still removed.

Examples:
  codebox run hello.cs
  cat script.py | codebox run - --ext py
  codebox run job.cs --detach`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&extFlag, "ext", "", "Artifact file extension (default: taken from the file name)")
	runCmd.Flags().BoolVarP(&detachFlag, "detach", "d", false, "Print the run ID and return without waiting")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	var src io.Reader = os.Stdin
	ext := extFlag
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
		if ext == "" {
			ext = filepath.Ext(args[0])
		}
	}

	created, err := c.Submit(context.Background(), src, ext)
	if err != nil {
		return err
	}

	if detachFlag {
		fmt.Println(created.Run.ID)
		return nil
	}
	fmt.Fprintf(os.Stderr, "run %s submitted\n", shortID(created.Run.ID))

	run, err := watchWithInterrupt(c, created.Run.ID)
	if err != nil {
		return err
	}
	return printResult(run)
}

// watchWithInterrupt follows a run until it is done. The first Ctrl+C asks
// the server to cancel the run; watching continues so cleanup is reported.
func watchWithInterrupt(c *client.Client, id string) (*storage.Run, error) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Fprintln(os.Stderr, "\ncancelling...")
		if err := c.Cancel(context.Background(), id); err != nil {
			fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
		}
	}()

	last := storage.RunStatus("")
	return c.Watch(context.Background(), id, func(r storage.Run) {
		if r.Status != last {
			fmt.Fprintf(os.Stderr, "\033[90m· %s\033[0m\n", r.Status)
			last = r.Status
		}
	})
}

func printResult(run *storage.Run) error {
	if run.Logs != "" {
		fmt.Print(run.Logs)
		if run.Logs[len(run.Logs)-1] != '\n' {
			fmt.Println()
		}
	}
	if run.Outcome != sandbox.OutcomeSucceeded {
		if run.Error != "" {
			return fmt.Errorf("run %s: %s (%s)", shortID(run.ID), run.Outcome, run.Error)
		}
		return fmt.Errorf("run %s: %s", shortID(run.ID), run.Outcome)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
