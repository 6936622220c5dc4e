package runner

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/steroids-dev/steroids/internal/db"
)

// DailyLogPath returns the log file for a runner under the project's
// .steroids/logs/YYYY-MM-DD/ directory, creating the directory.
func DailyLogPath(projectPath, runnerID string, now time.Time) (string, error) {
	dir := filepath.Join(projectPath, db.StateDirName, "logs", now.Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("runner-%s.log", runnerID)), nil
}

// OpenDailyLogger opens the day's log file and returns a structured
// logger writing to it. The caller closes the returned file.
func OpenDailyLogger(projectPath, runnerID string, now time.Time) (*slog.Logger, io.Closer, error) {
	path, err := DailyLogPath(projectPath, runnerID, now)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, f, nil
}
