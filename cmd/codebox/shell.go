package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/codebox/internal/client"
)

var shellExtFlag string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Type snippets and run them in sandboxes interactively",
	Long: `Start an interactive shell. Lines you type are collected into a snippet;
/run executes the snippet in a fresh sandbox and prints its output.

Examples:
  codebox shell
  codebox shell --ext py`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVar(&shellExtFlag, "ext", ".cs", "Artifact file extension for snippets")
	rootCmd.AddCommand(shellCmd)
}

// snippet is the source being edited in the shell.
type snippet struct {
	lines []string
	ext   string
}

func (s *snippet) String() string {
	return strings.Join(s.lines, "\n") + "\n"
}

func runShell(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	fmt.Printf("codebox - interactive sandbox shell\n")
	fmt.Printf("Type code, then /run to execute it. /help for commands, /quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mcode>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "codebox_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	snip := &snippet{ext: shellExtFlag}

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt && len(snip.lines) > 0 {
				snip.lines = nil
				fmt.Println("(snippet cleared)")
				continue
			}
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		// Handle slash commands
		if trimmed := strings.TrimSpace(input); strings.HasPrefix(trimmed, "/") {
			if quit := handleShellCommand(c, trimmed, snip); quit {
				return nil
			}
			continue
		}

		snip.lines = append(snip.lines, input)
	}
}

// handleShellCommand runs one slash command and reports whether the shell
// should exit.
func handleShellCommand(c *client.Client, input string, snip *snippet) bool {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/run":
		if len(snip.lines) == 0 {
			fmt.Println("Nothing to run.")
			fmt.Println()
			return false
		}
		executeSnippet(c, snip)
	case "/clear":
		snip.lines = nil
		fmt.Println("Snippet cleared.")
		fmt.Println()
	case "/show":
		if len(snip.lines) == 0 {
			fmt.Println("\033[90m(empty)\033[0m")
		}
		for i, line := range snip.lines {
			fmt.Printf("\033[90m%3d│\033[0m %s\n", i+1, line)
		}
		fmt.Println()
	case "/ext":
		if len(fields) < 2 {
			fmt.Printf("Extension: %s\n\n", snip.ext)
			return false
		}
		snip.ext = fields[1]
		fmt.Printf("Extension set to %s\n\n", snip.ext)
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /run        - Execute the snippet in a fresh sandbox")
		fmt.Println("  /show       - Print the snippet")
		fmt.Println("  /clear      - Discard the snippet")
		fmt.Println("  /ext <ext>  - Set the artifact file extension")
		fmt.Println("  /help       - Show this help")
		fmt.Println("  /quit       - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

func executeSnippet(c *client.Client, snip *snippet) {
	created, err := c.Submit(context.Background(), strings.NewReader(snip.String()), snip.ext)
	if err != nil {
		fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
		return
	}

	run, err := watchWithInterrupt(c, created.Run.ID)
	if err != nil {
		fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
		return
	}

	fmt.Printf("\n\033[32m%s>\033[0m\n", strings.ToLower(string(run.Outcome)))
	if err := printResult(run); err != nil {
		fmt.Printf("\033[31m%s\033[0m\n", err)
	}
	fmt.Println()
}
