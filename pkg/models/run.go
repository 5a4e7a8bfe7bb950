package models

import (
	"time"

	"github.com/uptrace/bun"
)

type Outcome string

const (
	OutcomeSuccess            Outcome = "success"
	OutcomeTimeout            Outcome = "timeout"
	OutcomeTimeoutWithCaptcha Outcome = "timeout_with_captcha"
	OutcomeError              Outcome = "error"
	OutcomeKilled             Outcome = "killed"
)

// Reasons attached to synthesized outcomes.
const (
	ReasonOK                   = "ok"
	ReasonNonzeroExit          = "nonzero_exit"
	ReasonAssumedSuccessOnHang = "assumed_success_on_hang"
	ReasonOrchestratorTimeout  = "orchestrator_timeout"
	ReasonActivityObserved     = "activity_observed"
	ReasonSuccessSignals       = "success_signals_observed"
	ReasonTimeout              = "timeout"
	ReasonTimeoutWithCaptcha   = "timeout_with_captcha"
	ReasonStartFailed          = "start_failed"
	ReasonOrchestratorError    = "orchestrator_error"
	ReasonWorkerReported       = "worker_reported_failure"
)

// RunRecord is the durable outcome of one attempt. It is finalized once and never mutated after append.
type RunRecord struct {
	bun.BaseModel `bun:"table:run_records,alias:r"`

	ID           int64     `bun:",pk,autoincrement" json:"-"`
	RunID        string    `bun:",unique,notnull" json:"run_id"`
	BatchID      string    `bun:",notnull" json:"batch_id"`
	RunNumber    int       `bun:",notnull" json:"run"`
	TaskIdentity string    `bun:",notnull" json:"task"`
	ProxyLabel   *string   `json:"proxy_label"`
	ProxyType    *string   `json:"proxy_type"`
	EgressIP     string    `json:"egress_ip,omitempty"`
	Outcome      Outcome   `bun:",notnull" json:"outcome"`
	Success      bool      `bun:",notnull" json:"success"`
	Reason       string    `bun:",notnull" json:"reason"`
	Error        string    `json:"error,omitempty"`
	ArtifactID   string    `json:"artifact_id,omitempty"`
	StartedAt    time.Time `bun:",notnull" json:"started_at"`
	FinishedAt   time.Time `bun:",notnull" json:"timestamp"`
}

// Duration is the wall-clock time the attempt took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
