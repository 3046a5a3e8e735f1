package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExportMarkdown renders a run as a markdown document.
func ExportMarkdown(r *Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	if r.Outcome != "" {
		b.WriteString(fmt.Sprintf("- **Outcome:** %s\n", r.Outcome))
	}
	if r.Sandbox != "" {
		b.WriteString(fmt.Sprintf("- **Sandbox:** %s\n", r.Sandbox))
	}
	if !r.Artifact.IsZero() {
		b.WriteString(fmt.Sprintf("- **Artifact:** %s\n", r.Artifact))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05")))
	if r.Error != "" {
		b.WriteString(fmt.Sprintf("- **Error:** %s\n", r.Error))
	}
	b.WriteString("\n---\n\n")

	b.WriteString("## Output\n\n")
	if r.Logs == "" {
		b.WriteString("_(no output)_\n")
	} else {
		b.WriteString(fmt.Sprintf("```\n%s\n```\n", strings.TrimRight(r.Logs, "\n")))
	}

	return b.String()
}

// ExportJSON renders a run as formatted JSON.
func ExportJSON(r *Run) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ExportYAML renders a run as YAML.
func ExportYAML(r *Run) ([]byte, error) {
	return yaml.Marshal(r)
}
