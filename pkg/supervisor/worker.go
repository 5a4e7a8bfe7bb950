package supervisor

import (
	"context"

	"egress-runner/pkg/models"
)

// MessageTypeResult marks the single terminal message a worker may emit.
const MessageTypeResult = "result"

// Message is the authoritative result a worker reports. Any other output is diagnostic.
type Message struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	Reason     string `json:"reason,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
}

// Status describes how a worker exited. It is valid once Done is closed.
type Status struct {
	ExitCode int
	// Signal is set when the worker was terminated by a signal, e.g. "SIGKILL".
	Signal string
}

type TerminateMode int

const (
	Soft TerminateMode = iota
	Hard
)

func (m TerminateMode) String() string {
	if m == Hard {
		return "hard"
	}
	return "soft"
}

// Worker is one running, isolated attempt.
type Worker interface {
	// Output yields diagnostic lines. It is closed when the worker's streams end.
	Output() <-chan string
	// Results yields at most one terminal Message.
	Results() <-chan Message
	// Done is closed once the worker has exited and all of its output was delivered.
	Done() <-chan struct{}
	Status() Status
	Terminate(mode TerminateMode) error
}

// Environment starts isolated workers. proxy is nil for proxy-less attempts.
type Environment interface {
	Start(ctx context.Context, identity string, proxy *models.ProxyRecord) (Worker, error)
}

// ActivityPredicate reports whether the task has visibly succeeded, e.g. from captured traffic.
type ActivityPredicate interface {
	HasSucceeded(ctx context.Context, identity string) bool
}

// ChallengeProbe reports whether a verification challenge is currently shown.
type ChallengeProbe interface {
	IsChallengePresent(ctx context.Context, identity string) bool
}

// Snapshotter captures best-effort diagnostics when an attempt times out.
type Snapshotter interface {
	Snapshot(ctx context.Context, identity string) (string, error)
}

// SuccessSignal inspects one diagnostic line for strong evidence of success.
type SuccessSignal func(line string) bool

type ActivityFunc func(ctx context.Context, identity string) bool

func (f ActivityFunc) HasSucceeded(ctx context.Context, identity string) bool {
	return f(ctx, identity)
}

type ChallengeFunc func(ctx context.Context, identity string) bool

func (f ChallengeFunc) IsChallengePresent(ctx context.Context, identity string) bool {
	return f(ctx, identity)
}

type never struct{}

func (never) HasSucceeded(context.Context, string) bool       { return false }
func (never) IsChallengePresent(context.Context, string) bool { return false }
