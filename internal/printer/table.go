package printer

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/slok/deployq/internal/conventions"
	"github.com/slok/deployq/internal/model"
)

// TablePrinter prints task information in a table format.
type TablePrinter struct {
	writer io.Writer
	now    func() time.Time
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w, now: time.Now}
}

// PrintList prints tasks in a table format.
func (t *TablePrinter) PrintList(tasks []model.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(t.writer, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tBRANCH\tSTATUS\tSCORE\tAGE")

	now := t.now()
	for _, task := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", task.ID, task.Branch, task.Status, formatScore(task.Score), Age(now, task.CreatedAt))
	}

	return nil
}

// PrintStatus prints the task details followed by its pipeline logs.
func (t *TablePrinter) PrintStatus(d model.TaskDetail) error {
	fmt.Fprintf(t.writer, "ID:       %d\n", d.ID)
	fmt.Fprintf(t.writer, "Branch:   %s\n", d.Branch)
	fmt.Fprintf(t.writer, "Status:   %s\n", d.Status)
	fmt.Fprintf(t.writer, "Score:    %s\n", formatScore(d.Score))
	fmt.Fprintf(t.writer, "Created:  %s\n", FormatTimestamp(d.CreatedAt))
	fmt.Fprintf(t.writer, "Updated:  %s\n", FormatTimestamp(d.UpdatedAt))

	uploads := []string{}
	for name := range d.Logs {
		if !conventions.IsPipelineLog(name) {
			uploads = append(uploads, name)
		}
	}
	sort.Strings(uploads)
	if len(uploads) > 0 {
		fmt.Fprintln(t.writer, "Files:")
		for _, name := range uploads {
			fmt.Fprintf(t.writer, "  %s (%s)\n", name, FormatBytes(len(d.Logs[name])))
		}
	}

	for _, name := range []string{conventions.StdoutLog, conventions.StderrLog} {
		data, ok := d.Logs[name]
		if !ok || len(data) == 0 {
			continue
		}
		fmt.Fprintf(t.writer, "\n--- %s ---\n%s", name, data)
		if data[len(data)-1] != '\n' {
			fmt.Fprintln(t.writer)
		}
	}

	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}
