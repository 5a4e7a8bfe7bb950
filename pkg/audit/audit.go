// Package audit keeps the append-only record stream of a batch: one JSON object per line.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"egress-runner/pkg/models"
)

type Log struct {
	path string
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
}

// Path returns the record file for a batch under dir.
func Path(dir, batchID string) string {
	return filepath.Join(dir, "runs_"+batchID+".jsonl")
}

// Open opens the batch record file for appending, creating dir if needed.
func Open(dir, batchID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}
	path := Path(dir, batchID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}
	return &Log{path: path, f: f, enc: json.NewEncoder(f)}, nil
}

func (l *Log) Path() string {
	return l.path
}

// Append writes one record and syncs it to disk before returning.
func (l *Log) Append(rec models.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to append run %d: %w", rec.RunNumber, err)
	}
	return l.f.Sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Read decodes every record in r. A truncated trailing line is ignored.
func Read(r io.Reader) ([]models.RunRecord, error) {
	var records []models.RunRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec models.RunRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			if !sc.Scan() {
				break
			}
			return records, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

// ReadFile decodes the record file at path.
func ReadFile(path string) ([]models.RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
