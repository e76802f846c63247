package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/deployq/internal/model"
)

// JSONPrinter prints task information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

type listItem struct {
	ID        int64     `json:"id"`
	Branch    string    `json:"branch"`
	Status    string    `json:"status"`
	Score     *int64    `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type statusOutput struct {
	listItem
	Logs map[string]string `json:"logs"`
}

type messageOutput struct {
	Message string `json:"message"`
}

func mapTask(t model.Task) listItem {
	return listItem{
		ID:        t.ID,
		Branch:    t.Branch,
		Status:    string(t.Status),
		Score:     t.Score,
		CreatedAt: t.CreatedAt.UTC(),
		UpdatedAt: t.UpdatedAt.UTC(),
	}
}

// PrintList prints tasks in JSON format.
func (j *JSONPrinter) PrintList(tasks []model.Task) error {
	items := make([]listItem, len(tasks))
	for i, t := range tasks {
		items[i] = mapTask(t)
	}

	return j.encode(items)
}

// PrintStatus prints the task with its logs in JSON format.
func (j *JSONPrinter) PrintStatus(d model.TaskDetail) error {
	logs := make(map[string]string, len(d.Logs))
	for name, data := range d.Logs {
		logs[name] = string(data)
	}

	return j.encode(statusOutput{listItem: mapTask(d.Task), Logs: logs})
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
