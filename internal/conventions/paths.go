package conventions

import (
	"path/filepath"
	"strconv"
)

const (
	// DefaultDataDir is the default deployq data directory name (relative to home).
	DefaultDataDir = ".deployq"
	// DBFile is the SQLite database filename.
	DBFile = "deployq.db"
	// RepoDir is the subdirectory holding the deployment working copy.
	RepoDir = "repo"
	// LogsDir is the subdirectory holding the per task log directories.
	LogsDir = "logs"

	// Task log files written by the dispatcher.

	// StdoutLog is the captured standard output of the deploy pipeline.
	StdoutLog = "stdout"
	// StderrLog is the captured standard error of the deploy pipeline.
	StderrLog = "stderr"
)

// DBPath returns the path of the SQLite database.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// RepoPath returns the path of the deployment working copy.
func RepoPath(dataDir string) string {
	return filepath.Join(dataDir, RepoDir)
}

// LogsPath returns the directory holding all the task log directories.
func LogsPath(dataDir string) string {
	return filepath.Join(dataDir, LogsDir)
}

// TaskLogDir returns the log directory of a task inside a logs directory.
func TaskLogDir(logsDir string, taskID int64) string {
	return filepath.Join(logsDir, strconv.FormatInt(taskID, 10))
}

// IsPipelineLog returns true for the log names owned by the dispatcher.
func IsPipelineLog(name string) bool {
	return name == StdoutLog || name == StderrLog
}
