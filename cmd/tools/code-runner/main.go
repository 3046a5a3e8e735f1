package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/codebox/internal/client"
	"github.com/michaelbrown/codebox/internal/sandbox"
)

// languageExtensions maps tool languages to the artifact extension the
// sandbox image dispatches on.
var languageExtensions = map[string]string{
	"csharp":     ".cs",
	"python":     ".py",
	"javascript": ".js",
	"go":         ".go",
	"ruby":       ".rb",
}

const maxOutput = 4000

func main() {
	serverURL := os.Getenv("CODEBOX_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
	runner := &codeRunner{client: client.New(serverURL)}

	s := server.NewMCPServer("codebox-code-runner", "0.1.0")

	// Build language list for description
	var langs []string
	for lang := range languageExtensions {
		langs = append(langs, lang)
	}
	sort.Strings(langs)

	s.AddTool(mcp.Tool{
		Name:        "code_run",
		Description: fmt.Sprintf("Execute code in an isolated, ephemeral cloud sandbox. Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
			},
			Required: []string{"language", "code"},
		},
	}, runner.handleCodeRun)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

type codeRunner struct {
	client *client.Client
}

func (cr *codeRunner) handleCodeRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)

	if language == "" || code == "" {
		return errResult("error: 'language' and 'code' are required"), nil
	}

	ext, ok := languageExtensions[language]
	if !ok {
		return errResult(fmt.Sprintf("error: unsupported language %q", language)), nil
	}

	created, err := cr.client.Submit(ctx, strings.NewReader(code), ext)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	run, err := cr.client.Watch(ctx, created.Run.ID, nil)
	if err != nil {
		// Fall back to polling when the stream is unavailable.
		run, err = cr.client.Wait(ctx, created.Run.ID, 2*time.Second)
		if err != nil {
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}
	}

	var output strings.Builder
	output.WriteString(run.Logs)
	if run.Outcome != sandbox.OutcomeSucceeded {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString(fmt.Sprintf("outcome: %s", run.Outcome))
		if run.Error != "" {
			output.WriteString(fmt.Sprintf(" (%s)", run.Error))
		}
	}

	text := output.String()
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	if text == "" {
		text = "(no output)"
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: run.Outcome != sandbox.OutcomeSucceeded,
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
