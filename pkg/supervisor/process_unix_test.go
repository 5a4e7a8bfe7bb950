//go:build unix

package supervisor

import (
	"context"
	"testing"
	"time"

	"egress-runner/pkg/models"
)

func TestProcessEnvironment(t *testing.T) {
	tests := []struct {
		name        string
		script      string
		wantOutcome models.Outcome
		wantReason  string
	}{
		{
			name:        "result line then nonzero exit",
			script:      `echo "working on $EGRESS_TASK via $EGRESS_PROXY_LABEL"; echo '{"type":"result","success":true,"reason":"registered"}'; exit 3`,
			wantOutcome: models.OutcomeSuccess,
			wantReason:  "registered",
		},
		{
			name:        "nonzero exit",
			script:      `echo oops >&2; exit 4`,
			wantOutcome: models.OutcomeError,
			wantReason:  models.ReasonNonzeroExit,
		},
		{
			name:        "ignores soft stop",
			script:      `trap '' TERM; sleep 30`,
			wantOutcome: models.OutcomeTimeout,
			wantReason:  models.ReasonTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &ProcessEnvironment{Command: "/bin/sh", Args: []string{"-c", tt.script}, Logger: testLogger()}
			s := New(env, testConfig(), testLogger())

			start := time.Now()
			rec := s.RunIsolated(context.Background(), testTask())
			if rec.Outcome != tt.wantOutcome || rec.Reason != tt.wantReason {
				t.Errorf("RunIsolated() = %s/%s (%s), want %s/%s", rec.Outcome, rec.Reason, rec.Error, tt.wantOutcome, tt.wantReason)
			}
			if elapsed := time.Since(start); elapsed > testConfig().Bound()+time.Second {
				t.Errorf("RunIsolated() took %v", elapsed)
			}
		})
	}
}

func TestProcessKilledBySignal(t *testing.T) {
	env := &ProcessEnvironment{Command: "/bin/sh", Args: []string{"-c", `kill -KILL $$`}, Logger: testLogger()}
	rec := New(env, testConfig(), testLogger()).RunIsolated(context.Background(), testTask())
	if rec.Outcome != models.OutcomeKilled || rec.Reason != "killed_SIGKILL" {
		t.Errorf("RunIsolated() = %s/%s, want killed/killed_SIGKILL", rec.Outcome, rec.Reason)
	}
}

func TestProcessExitWithHelperHoldingOutput(t *testing.T) {
	defer func(d time.Duration) { drainTimeout = d }(drainTimeout)
	drainTimeout = 50 * time.Millisecond
	script := `echo started; sleep 30 & exit 4`

	t.Run("worker", func(t *testing.T) {
		env := &ProcessEnvironment{Command: "/bin/sh", Args: []string{"-c", script}, Logger: testLogger()}
		w, err := env.Start(context.Background(), "task-1", nil)
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		select {
		case <-w.Done():
		case <-time.After(5 * time.Second):
			_ = w.Terminate(Hard)
			t.Fatal("Done() not closed while a helper held the output open")
		}
		if got := w.Status().ExitCode; got != 4 {
			t.Errorf("ExitCode = %d, want 4", got)
		}
	})

	t.Run("record", func(t *testing.T) {
		env := &ProcessEnvironment{Command: "/bin/sh", Args: []string{"-c", script}, Logger: testLogger()}
		cfg := testConfig()
		cfg.Timeout = 5 * time.Second
		start := time.Now()
		rec := New(env, cfg, testLogger()).RunIsolated(context.Background(), testTask())
		if rec.Outcome != models.OutcomeError || rec.Reason != models.ReasonNonzeroExit {
			t.Errorf("RunIsolated() = %s/%s (%s), want error/nonzero_exit", rec.Outcome, rec.Reason, rec.Error)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("RunIsolated() took %v, want the exit noticed well before the %v timeout", elapsed, cfg.Timeout)
		}
	})
}
