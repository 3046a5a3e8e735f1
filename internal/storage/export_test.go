package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/codebox/internal/artifact"
	"github.com/michaelbrown/codebox/internal/sandbox"
)

func sampleRun() *Run {
	return &Run{
		ID:          "abc12345-0000-0000-0000-000000000000",
		Status:      StatusDone,
		Sandbox:     "sandbox-1",
		Artifact:    artifact.Location{Container: "submissions", Blob: "a.cs"},
		ArtifactURL: "https://blob.example/a.cs?sig=secret",
		Outcome:     sandbox.OutcomeSucceeded,
		Logs:        "hello\n",
		CreatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestExportMarkdown(t *testing.T) {
	md := ExportMarkdown(sampleRun())

	assert.Contains(t, md, "# Run abc12345")
	assert.Contains(t, md, "**Outcome:** Succeeded")
	assert.Contains(t, md, "**Artifact:** submissions/a.cs")
	assert.Contains(t, md, "```\nhello\n```")
	assert.NotContains(t, md, "sig=secret")
}

func TestExportMarkdownEmptyLogs(t *testing.T) {
	r := sampleRun()
	r.Logs = ""
	r.Error = "deleting sandbox: boom"

	md := ExportMarkdown(r)
	assert.Contains(t, md, "_(no output)_")
	assert.Contains(t, md, "**Error:** deleting sandbox: boom")
}

func TestExportJSONHidesReadURL(t *testing.T) {
	data, err := ExportJSON(sampleRun())
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "sig=secret"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Succeeded", decoded["outcome"])
	assert.Equal(t, "done", decoded["status"])
}

func TestExportYAML(t *testing.T) {
	data, err := ExportYAML(sampleRun())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sig=secret")

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "sandbox-1", decoded["sandbox"])
	assert.Equal(t, "Succeeded", decoded["outcome"])
}

func TestStatusOrder(t *testing.T) {
	assert.True(t, StatusCreated.Before(StatusLaunching))
	assert.True(t, StatusPolling.Before(StatusFetchingLogs))
	assert.True(t, StatusCleaningUp.Before(StatusDone))
	assert.False(t, StatusDone.Before(StatusCleaningUp))
	assert.False(t, StatusPolling.Before(StatusPolling))
	assert.True(t, StatusFetchingLogs.Valid())
	assert.False(t, RunStatus("bogus").Valid())
}
