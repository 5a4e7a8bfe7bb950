package audit

import (
	"os"
	"strings"
	"testing"
	"time"

	"egress-runner/pkg/models"
)

func TestAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "b1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	label, typ := "us-1", "http"
	records := []models.RunRecord{
		{RunID: "r1", BatchID: "b1", RunNumber: 1, TaskIdentity: "profile_1", ProxyLabel: &label, ProxyType: &typ,
			Outcome: models.OutcomeSuccess, Success: true, Reason: models.ReasonOK, FinishedAt: time.Now()},
		{RunID: "r2", BatchID: "b1", RunNumber: 2, TaskIdentity: "profile_2",
			Outcome: models.OutcomeTimeout, Reason: models.ReasonTimeout, Error: "attempt timed out", FinishedAt: time.Now()},
	}
	for _, rec := range records {
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(Path(dir, "b1"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, key := range []string{`"timestamp"`, `"run":1`, `"task":"profile_1"`, `"proxy_label":"us-1"`, `"success":true`, `"reason":"ok"`} {
		if !strings.Contains(lines[0], key) {
			t.Errorf("line %q missing %s", lines[0], key)
		}
	}
	if !strings.Contains(lines[1], `"proxy_label":null`) {
		t.Errorf("proxy-less line %q should carry a null label", lines[1])
	}

	got, err := ReadFile(Path(dir, "b1"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if len(got) != 2 || got[1].Outcome != models.OutcomeTimeout || *got[0].ProxyLabel != "us-1" {
		t.Errorf("ReadFile() = %+v", got)
	}
}

func TestReadTruncatedTail(t *testing.T) {
	in := `{"run_id":"r1","run":1,"outcome":"success","success":true}` + "\n" + `{"run_id":"r2","ru`
	got, err := Read(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Read() returned %d records, want 1", len(got))
	}
}
