package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Stream categories of the detailed per-run log.
const (
	StreamStart          = "start"
	StreamOutput         = "output"
	StreamClassification = "classification"
	StreamTermination    = "termination"
)

var streams = []string{StreamStart, StreamOutput, StreamClassification, StreamTermination}

// RunLog writes one JSON log file per stream under <dir>/<runID>/.
type RunLog struct {
	loggers map[string]*slog.Logger
	files   []*os.File
}

// OpenRunLog creates the per-run files. An empty dir yields a log that discards everything.
func OpenRunLog(dir, runID string) (*RunLog, error) {
	rl := &RunLog{loggers: make(map[string]*slog.Logger, len(streams))}
	if dir == "" {
		discard := slog.New(slog.NewJSONHandler(io.Discard, nil))
		for _, s := range streams {
			rl.loggers[s] = discard
		}
		return rl, nil
	}

	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run log directory: %w", err)
	}
	for _, s := range streams {
		f, err := os.OpenFile(filepath.Join(runDir, s+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			rl.Close()
			return nil, fmt.Errorf("failed to open %s log: %w", s, err)
		}
		rl.files = append(rl.files, f)
		rl.loggers[s] = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})).
			With("run_id", runID, "stream", s)
	}
	return rl, nil
}

func (rl *RunLog) Stream(name string) *slog.Logger {
	return rl.loggers[name]
}

func (rl *RunLog) Close() error {
	var errs []error
	for _, f := range rl.files {
		errs = append(errs, f.Close())
	}
	rl.files = nil
	return errors.Join(errs...)
}
