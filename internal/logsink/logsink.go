// Package logsink stores the per task log artifacts: the captured deploy
// pipeline output and the files uploaded by operators.
//
// Every task gets its own directory named after the task ID, created the
// first time something is written into it. A log that has not been written
// yet is reported as absent, never as an error.
package logsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"

	"github.com/slok/deployq/internal/conventions"
	"github.com/slok/deployq/internal/log"
	"github.com/slok/deployq/internal/model"
)

// SinkConfig is the configuration for the log sink.
type SinkConfig struct {
	// Dir is the directory holding the task log directories.
	Dir    string
	Logger log.Logger
}

func (c *SinkConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "logsink.Sink"})
	return nil
}

// Sink is a filesystem backed store of task logs.
type Sink struct {
	dir    string
	logger log.Logger
}

// NewSink creates a new log sink.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Sink{dir: cfg.Dir, logger: cfg.Logger}, nil
}

// ValidateName checks a log name is a plain file name.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid log name %q: %w", name, model.ErrNotValid)
	case strings.ContainsAny(name, `/\`), filepath.Base(name) != name:
		return fmt.Errorf("log name %q can't contain path separators: %w", name, model.ErrNotValid)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("log name %q can't be hidden: %w", name, model.ErrNotValid)
	}
	return nil
}

// OpenForWrite opens a task log for appending, creating the task directory if required.
func (s *Sink) OpenForWrite(taskID int64, name string) (io.WriteCloser, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	dir, err := s.ensureTaskDir(taskID)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open log %s of task %d: %w", name, taskID, err)
	}

	return f, nil
}

// Read returns the content of a task log. The bool is false when the log doesn't exist yet.
func (s *Sink) Read(taskID int64, name string) ([]byte, bool, error) {
	if err := ValidateName(name); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(s.path(taskID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("could not read log %s of task %d: %w", name, taskID, err)
	}

	return data, true, nil
}

// ReadAll returns every log present for a task indexed by name.
func (s *Sink) ReadAll(taskID int64) (map[string][]byte, error) {
	logs := map[string][]byte{}

	names, err := s.List(taskID)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		data, ok, err := s.Read(taskID, name)
		if err != nil {
			return nil, err
		}
		if ok {
			logs[name] = data
		}
	}

	return logs, nil
}

// List returns the sorted names of the logs present for a task.
func (s *Sink) List(taskID int64) ([]string, error) {
	entries, err := os.ReadDir(conventions.TaskLogDir(s.dir, taskID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("could not list logs of task %d: %w", taskID, err)
	}

	names := []string{}
	for _, e := range entries {
		// Ignore in progress uploads.
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	return names, nil
}

// Store saves an operator supplied file into the task log directory. The file
// is written to a temporary file first so readers never see partial uploads.
// The pipeline log names are reserved.
func (s *Sink) Store(taskID int64, name string, r io.Reader, maxSize int64) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if conventions.IsPipelineLog(name) {
		return fmt.Errorf("log name %q is reserved: %w", name, model.ErrNotValid)
	}

	dir, err := s.ensureTaskDir(taskID)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(dir, ".upload-"+ulid.Make().String())
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("could not create upload file: %w", err)
	}
	defer os.Remove(tmpPath) // No-op after a successful rename.

	src := r
	if maxSize > 0 {
		src = io.LimitReader(r, maxSize+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("could not write upload %s: %w", name, err)
	}
	if maxSize > 0 && n > maxSize {
		return fmt.Errorf("upload %s is bigger than %d bytes: %w", name, maxSize, model.ErrTooLarge)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("could not store upload %s: %w", name, err)
	}

	s.logger.Debugf("Stored %s (%d bytes) for task %d", name, n, taskID)
	return nil
}

// Follow writes the current content of a task log into w and keeps writing
// whatever is appended to it until the context ends. If the log doesn't
// exist yet it waits for it to be created.
func (s *Sink) Follow(ctx context.Context, taskID int64, name string, w io.Writer) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	dir, err := s.ensureTaskDir(taskID)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so we see the log creation and its writes.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("could not watch %s: %w", dir, err)
	}

	path := filepath.Join(dir, name)
	var f *os.File
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	drain := func() error {
		if f == nil {
			ff, err := os.Open(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return fmt.Errorf("could not open log %s: %w", name, err)
			}
			f = ff
		}
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("could not copy log %s: %w", name, err)
		}
		return nil
	}

	if err := drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Whatever was written up to now is still delivered.
			return drain()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warningf("Log watcher error on task %d: %s", taskID, err)
		}
	}
}

func (s *Sink) ensureTaskDir(taskID int64) (string, error) {
	dir := conventions.TaskLogDir(s.dir, taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("could not create log directory of task %d: %w", taskID, err)
	}
	return dir, nil
}

func (s *Sink) path(taskID int64, name string) string {
	return filepath.Join(conventions.TaskLogDir(s.dir, taskID), name)
}
