package printer_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/deployq/internal/model"
	"github.com/slok/deployq/internal/printer"
)

func taskFixture() model.TaskDetail {
	createdAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	score := int64(91)
	return model.TaskDetail{
		Task: model.Task{
			ID:        7,
			Branch:    "feature-x",
			Status:    model.TaskStatusDeployFailed,
			Score:     &score,
			CreatedAt: createdAt,
			UpdatedAt: createdAt.Add(time.Minute),
		},
		Logs: map[string][]byte{
			"stdout":     []byte("==> [deploy] bash -c make deploy\n"),
			"stderr":     []byte("tests failed"),
			"access.log": []byte(strings.Repeat("x", 2048)),
		},
	}
}

func TestTablePrinterPrintList(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	d := taskFixture()
	other := model.Task{ID: 8, Branch: "main", Status: model.TaskStatusPending, CreatedAt: time.Now()}
	require.NoError(t, p.PrintList([]model.Task{d.Task, other}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"ID", "BRANCH", "STATUS", "SCORE", "AGE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"7", "feature-x", "deploy_failed", "91"}, strings.Fields(lines[1])[:4])
	assert.Equal(t, []string{"8", "main", "pending", "-"}, strings.Fields(lines[2])[:4])
}

func TestTablePrinterPrintListEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	require.NoError(t, p.PrintList(nil))
	assert.Empty(t, buf.String())
}

func TestTablePrinterPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	require.NoError(t, p.PrintStatus(taskFixture()))

	out := buf.String()
	assert.Contains(t, out, "Branch:   feature-x")
	assert.Contains(t, out, "Status:   deploy_failed")
	assert.Contains(t, out, "Score:    91")
	assert.Contains(t, out, "Created:  2026-03-02 10:00:00 UTC")
	assert.Contains(t, out, "  access.log (2.0 KiB)")
	assert.Contains(t, out, "--- stdout ---\n==> [deploy] bash -c make deploy\n")
	assert.Contains(t, out, "--- stderr ---\ntests failed\n")
}

func TestJSONPrinterPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	require.NoError(t, p.PrintStatus(taskFixture()))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, float64(7), got["id"])
	assert.Equal(t, "deploy_failed", got["status"])
	assert.Equal(t, float64(91), got["score"])
	assert.Equal(t, "tests failed", got["logs"].(map[string]any)["stderr"])
}

func TestJSONPrinterPrintList(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewJSONPrinter(&buf)

	require.NoError(t, p.PrintList([]model.Task{}))
	assert.Equal(t, "[]\n", buf.String())
}

func TestTablePrinterPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	p := printer.NewTablePrinter(&buf)

	err := p.PrintMessage("ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(buf.String()))
}
