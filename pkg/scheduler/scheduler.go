// Package scheduler drives a counted sequence of supervised attempts, one at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"egress-runner/pkg/models"
	"egress-runner/pkg/rotation"
	"egress-runner/pkg/supervisor"
)

// ProxySource hands out one proxy per attempt.
type ProxySource interface {
	Next(ctx context.Context) (rotation.Selection, error)
	Stats() rotation.Stats
}

// Runner executes a single attempt and always returns a finalized record.
type Runner interface {
	RunIsolated(ctx context.Context, task supervisor.Task) models.RunRecord
}

// RecordSink is the append-only record stream of the batch.
type RecordSink interface {
	Append(rec models.RunRecord) error
}

// Mirror receives a copy of every record, e.g. a database.
type Mirror interface {
	InsertRunRecord(ctx context.Context, rec *models.RunRecord) error
}

// ArtifactStore acts on the artifact an attempt leaves behind.
type ArtifactStore interface {
	Cleanup(identity string) error
	Delete(identity string) error
	List(prefix string) ([]string, error)
}

type Plan struct {
	BatchID string
	// Count is the number of attempts to run.
	Count int
	// Prefix names artifacts as <Prefix><n>.
	Prefix string
	// StartAt is the first sequence number. Resume overrides it.
	StartAt int
	// Resume continues after the highest existing <Prefix><n> artifact.
	Resume bool

	SuccessDelay     time.Duration
	FailureDelay     time.Duration
	CleanupOnSuccess bool
	DeleteOnFailure  bool
	// CrashGuard turns a panic inside one attempt into an error record.
	CrashGuard bool
}

// Stop reasons reported in the summary.
const (
	StopCompleted = "completed"
	StopExhausted = "rotation_exhausted"
	StopRotation  = "rotation_error"
	StopCancelled = "cancelled"
)

type Scheduler struct {
	runner  Runner
	records RecordSink
	proxies ProxySource
	store   ArtifactStore
	mirror  Mirror
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(runner Runner, records RecordSink, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:  runner,
		records: records,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// WithRotator enables proxy rotation. Without it every attempt runs proxy-less.
func (s *Scheduler) WithRotator(p ProxySource) *Scheduler {
	s.proxies = p
	return s
}

func (s *Scheduler) WithStore(store ArtifactStore) *Scheduler {
	s.store = store
	return s
}

func (s *Scheduler) WithMirror(m Mirror) *Scheduler {
	s.mirror = m
	return s
}

// Run executes the plan sequentially. Each attempt is persisted before the next begins.
// Rotator errors halt the batch and are returned together with the summary.
func (s *Scheduler) Run(ctx context.Context, plan Plan) (*Summary, error) {
	first, err := s.firstNumber(plan)
	if err != nil {
		return nil, err
	}

	sum := newSummary(plan)
	defer func() {
		sum.FinishedAt = time.Now()
		if s.proxies != nil {
			st := s.proxies.Stats()
			sum.Rotation = &st
		}
	}()

	s.logger.Info("Starting batch", "batch_id", plan.BatchID, "count", plan.Count, "first", first, "rotation", s.proxies != nil)
	for i := 0; i < plan.Count; i++ {
		if ctx.Err() != nil {
			sum.StopReason = StopCancelled
			s.logger.Warn("Batch cancelled, no further attempts scheduled", "completed", sum.Completed)
			return sum, ctx.Err()
		}

		number := first + i
		task := supervisor.Task{
			BatchID:   plan.BatchID,
			RunNumber: number,
			Identity:  fmt.Sprintf("%s%d", plan.Prefix, number),
		}

		var sel *rotation.Selection
		if s.proxies != nil {
			next, err := s.proxies.Next(ctx)
			if err != nil {
				sum.StopReason = StopRotation
				if errors.Is(err, models.ErrRotationExhausted) {
					sum.StopReason = StopExhausted
				}
				s.logger.Warn("Rotation stopped the batch", "error", err, "completed", sum.Completed)
				return sum, err
			}
			sel = &next
			task.Proxy = &next.Proxy
			task.EgressIP = next.IP
		}

		rec := s.attempt(ctx, plan, task)
		if err := s.persist(ctx, rec); err != nil {
			return sum, err
		}
		sum.add(rec)
		s.logOutcome(rec, sel)

		last := i == plan.Count-1
		if rec.Success {
			if plan.CleanupOnSuccess {
				s.cleanup(rec)
			}
			if !last {
				s.wait(ctx, plan.SuccessDelay)
			}
			continue
		}
		if plan.DeleteOnFailure {
			s.delete(rec)
		}
		if !last {
			s.wait(ctx, plan.FailureDelay)
		}
	}
	sum.StopReason = StopCompleted
	return sum, nil
}

// attempt runs one task, converting a panic into an error record when the crash guard is on.
func (s *Scheduler) attempt(ctx context.Context, plan Plan, task supervisor.Task) (rec models.RunRecord) {
	if plan.CrashGuard {
		started := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Attempt panicked", "run", task.RunNumber, "panic", r)
				rec = models.RunRecord{
					RunID:        uuid.NewString(),
					BatchID:      task.BatchID,
					RunNumber:    task.RunNumber,
					TaskIdentity: task.Identity,
					EgressIP:     task.EgressIP,
					Outcome:      models.OutcomeError,
					Reason:       models.ReasonOrchestratorError,
					Error:        fmt.Sprintf("%v: %v", models.ErrOrchestratorError, r),
					ArtifactID:   task.Identity,
					StartedAt:    started,
					FinishedAt:   time.Now(),
				}
				if task.Proxy != nil {
					label, typ := task.Proxy.Label, string(task.Proxy.Type)
					rec.ProxyLabel, rec.ProxyType = &label, &typ
				}
			}
		}()
	}
	return s.runner.RunIsolated(ctx, task)
}

func (s *Scheduler) persist(ctx context.Context, rec models.RunRecord) error {
	if s.records != nil {
		if err := s.records.Append(rec); err != nil {
			return fmt.Errorf("failed to persist run %d: %w", rec.RunNumber, err)
		}
	}
	if s.mirror != nil {
		// The mirror is best effort; the record stream is authoritative.
		if err := s.mirror.InsertRunRecord(context.WithoutCancel(ctx), &rec); err != nil {
			s.logger.Warn("Failed to mirror run record", "run", rec.RunNumber, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) cleanup(rec models.RunRecord) {
	if s.store == nil {
		return
	}
	if err := s.store.Cleanup(rec.ArtifactID); err != nil {
		s.logger.Warn("Artifact cleanup failed", "artifact", rec.ArtifactID, "error", err)
	}
}

func (s *Scheduler) delete(rec models.RunRecord) {
	if s.store == nil {
		return
	}
	// Never delete an artifact backed by success evidence.
	if rec.Reason == models.ReasonAssumedSuccessOnHang {
		s.logger.Info("Keeping artifact of assumed success", "artifact", rec.ArtifactID)
		return
	}
	if err := s.store.Delete(rec.ArtifactID); err != nil {
		s.logger.Warn("Artifact deletion failed", "artifact", rec.ArtifactID, "error", err)
		return
	}
	s.logger.Info("Deleted artifact of failed attempt", "artifact", rec.ArtifactID)
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	s.logger.Debug("Waiting before next attempt", "delay", d)
	if err := s.sleep(ctx, d); err != nil {
		s.logger.Debug("Delay interrupted", "error", err)
	}
}

func (s *Scheduler) logOutcome(rec models.RunRecord, sel *rotation.Selection) {
	attrs := []any{
		"run", rec.RunNumber,
		"task", rec.TaskIdentity,
		"outcome", rec.Outcome,
		"reason", rec.Reason,
		"duration", rec.Duration().Round(time.Millisecond),
	}
	if sel != nil {
		attrs = append(attrs, "proxy", sel.Proxy.Label, "ip", sel.IP)
	}
	if rec.Success {
		s.logger.Info("Attempt succeeded", attrs...)
		return
	}
	attrs = append(attrs, "error", rec.Error)
	s.logger.Warn("Attempt failed", attrs...)
}

func (s *Scheduler) firstNumber(plan Plan) (int, error) {
	first := max(plan.StartAt, 1)
	if !plan.Resume {
		return first, nil
	}
	if s.store == nil {
		return 0, errors.New("resume requires an artifact store")
	}
	names, err := s.store.List(plan.Prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan artifacts for resume: %w", err)
	}
	next := NextSequence(names, plan.Prefix)
	s.logger.Info("Resuming sequence", "prefix", plan.Prefix, "next", next)
	return next, nil
}

// NextSequence returns one more than the highest n among names of the form <prefix><n>,
// or 1 when there is none.
func NextSequence(names []string, prefix string) int {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d+)$`)
	highest := 0
	for _, name := range names {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		highest = max(highest, n)
	}
	return highest + 1
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
