package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"egress-runner/pkg/models"
)

type Config struct {
	// Timeout is the base classification deadline.
	Timeout time.Duration
	// CaptchaGrace extends the deadline once when a challenge is detected.
	CaptchaGrace time.Duration
	// CleanupBuffer is added on top of Timeout+CaptchaGrace to form the watchdog bound.
	CleanupBuffer time.Duration
	PollInterval  time.Duration
	// KillDelay separates the soft stop from the forced kill.
	KillDelay time.Duration
	// LogsDir holds the detailed per-run logs. Empty disables them.
	LogsDir string
	// AssumeSuccessOnHang upgrades a watchdog expiry to success when success
	// evidence was observed but the worker never exited.
	AssumeSuccessOnHang bool
	// SnapshotLines is how many trailing output lines are kept for diagnostics.
	SnapshotLines int
}

func DefaultConfig() Config {
	return Config{
		Timeout:             180 * time.Second,
		CaptchaGrace:        60 * time.Second,
		CleanupBuffer:       15 * time.Second,
		PollInterval:        time.Second,
		KillDelay:           5 * time.Second,
		AssumeSuccessOnHang: true,
		SnapshotLines:       50,
	}
}

// Bound is the wall-clock limit of a single attempt.
func (c Config) Bound() time.Duration {
	return c.Timeout + c.CaptchaGrace + c.CleanupBuffer
}

// Task is one attempt to supervise. Proxy is nil for proxy-less attempts.
type Task struct {
	BatchID   string
	RunNumber int
	Identity  string
	Proxy     *models.ProxyRecord
	EgressIP  string
}

type Supervisor struct {
	cfg       Config
	env       Environment
	activity  ActivityPredicate
	challenge ChallengeProbe
	signal    SuccessSignal
	snapshot  Snapshotter
	logger    *slog.Logger
}

func New(env Environment, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KillDelay < 0 {
		cfg.KillDelay = 0
	}
	// The watchdog fires 2*KillDelay before the bound. Keep it at least two polls past
	// Timeout+CaptchaGrace so classification always concludes first.
	if need := 2*cfg.KillDelay + 2*cfg.PollInterval; cfg.CleanupBuffer < need {
		logger.Warn("Cleanup buffer too short for the kill delay, raising it",
			"cleanup_buffer", cfg.CleanupBuffer,
			"kill_delay", cfg.KillDelay,
			"raised_to", need)
		cfg.CleanupBuffer = need
	}
	return &Supervisor{
		cfg:       cfg,
		env:       env,
		activity:  never{},
		challenge: never{},
		logger:    logger,
	}
}

func (s *Supervisor) WithActivity(p ActivityPredicate) *Supervisor {
	if p != nil {
		s.activity = p
	}
	return s
}

func (s *Supervisor) WithChallenge(p ChallengeProbe) *Supervisor {
	if p != nil {
		s.challenge = p
	}
	return s
}

func (s *Supervisor) WithSuccessSignal(f SuccessSignal) *Supervisor {
	s.signal = f
	return s
}

func (s *Supervisor) WithSnapshotter(snap Snapshotter) *Supervisor {
	s.snapshot = snap
	return s
}

type verdictKind int

const (
	verdictSuccess verdictKind = iota
	verdictResult
	verdictTimeout
	verdictPanic
)

type verdict struct {
	kind      verdictKind
	reason    string
	challenge bool
	err       error
}

// RunIsolated executes exactly one attempt and always returns a finalized record.
// The attempt is not cancelled by ctx; only the watchdog ends it early.
func (s *Supervisor) RunIsolated(ctx context.Context, task Task) models.RunRecord {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	rec := models.RunRecord{
		RunID:        uuid.NewString(),
		BatchID:      task.BatchID,
		RunNumber:    task.RunNumber,
		TaskIdentity: task.Identity,
		EgressIP:     task.EgressIP,
		ArtifactID:   task.Identity,
		StartedAt:    start,
	}
	if task.Proxy != nil {
		label, typ := task.Proxy.Label, string(task.Proxy.Type)
		rec.ProxyLabel, rec.ProxyType = &label, &typ
	}
	logger := s.logger.With("run", task.RunNumber, "task", task.Identity, "run_id", rec.RunID)

	rl, err := OpenRunLog(s.cfg.LogsDir, rec.RunID)
	if err != nil {
		logger.Warn("Detailed run log unavailable", "error", err)
		rl, _ = OpenRunLog("", rec.RunID)
	}
	defer rl.Close()

	hardDeadline := start.Add(s.cfg.Bound())
	startLog := rl.Stream(StreamStart)
	startLog.Info("starting worker",
		"task", task.Identity,
		"proxy", proxyLabel(task.Proxy),
		"egress_ip", task.EgressIP,
		"timeout", s.cfg.Timeout,
		"bound", s.cfg.Bound())

	s.clearMarkers(task.Identity, startLog)

	w, err := s.env.Start(ctx, task.Identity, task.Proxy)
	if err != nil {
		startLog.Error("worker failed to start", "error", err)
		logger.Error("Worker failed to start", "error", err)
		return s.finish(rl, rec, nil, models.OutcomeError, models.ReasonStartFailed,
			fmt.Errorf("%w: %v", models.ErrWorkerError, err))
	}

	obs := newObserver(s.signal, s.cfg.SnapshotLines, rl.Stream(StreamOutput))
	go obs.run(w)
	defer close(obs.stop)

	verdicts := make(chan verdict, 1)
	go func() {
		verdicts <- s.safeClassify(ctx, task.Identity, start, obs, rl.Stream(StreamClassification))
	}()

	// The watchdog leaves room for a soft stop and a forced kill before the hard deadline.
	watchdog := time.NewTimer(max(time.Until(hardDeadline.Add(-2*s.cfg.KillDelay)), 0))
	defer watchdog.Stop()

	select {
	case <-obs.exited:
		return s.onExit(rl, rec, w.Status(), obs)
	case <-watchdog.C:
		return s.onWatchdog(rl, rec, w, obs, hardDeadline)
	case v := <-verdicts:
		switch v.kind {
		case verdictPanic:
			logger.Error("Supervision failed", "error", v.err)
			rl.Stream(StreamClassification).Error("classification failed", "error", v.err)
			s.terminate(rl, w, obs, hardDeadline)
			return s.finish(rl, rec, obs, models.OutcomeError, models.ReasonOrchestratorError, v.err)
		case verdictSuccess, verdictResult:
			rl.Stream(StreamClassification).Info("waiting for worker exit", "reason", v.reason)
			select {
			case <-obs.exited:
				return s.onExit(rl, rec, w.Status(), obs)
			case <-watchdog.C:
				return s.onWatchdog(rl, rec, w, obs, hardDeadline)
			}
		default:
			select {
			case <-obs.exited:
				return s.onExit(rl, rec, w.Status(), obs)
			default:
			}
			return s.onTimeout(ctx, rl, rec, task.Identity, w, obs, v, hardDeadline)
		}
	}
}

// markerClearer is implemented by predicates that keep state on disk between attempts.
type markerClearer interface {
	Clear(identity string) error
}

func (s *Supervisor) clearMarkers(identity string, log *slog.Logger) {
	for _, p := range []any{s.activity, s.challenge} {
		if c, ok := p.(markerClearer); ok {
			if err := c.Clear(identity); err != nil {
				log.Warn("failed to clear stale markers", "error", err)
			}
		}
	}
}

// safeClassify runs classify and turns a panic in a caller-supplied predicate into a verdict.
func (s *Supervisor) safeClassify(ctx context.Context, identity string, start time.Time, obs *observer, log *slog.Logger) (v verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = verdict{
				kind:   verdictPanic,
				reason: models.ReasonOrchestratorError,
				err:    fmt.Errorf("%w: classification panicked: %v", models.ErrOrchestratorError, r),
			}
		}
	}()
	return s.classify(ctx, identity, start, obs, log)
}

// classify polls the evidence sources until it reaches a verdict or the worker exits.
func (s *Supervisor) classify(ctx context.Context, identity string, start time.Time, obs *observer, log *slog.Logger) verdict {
	deadline := start.Add(s.cfg.Timeout)
	challenged := false

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := obs.failure(); err != nil {
			return verdict{kind: verdictPanic, reason: models.ReasonOrchestratorError, err: err}
		}
		if msg, ok := obs.result(); ok {
			reason := msg.Reason
			if reason == "" && msg.Success {
				reason = models.ReasonOK
			}
			log.Info("structured result observed", "success", msg.Success, "reason", reason)
			if msg.Success {
				return verdict{kind: verdictSuccess, reason: reason}
			}
			return verdict{kind: verdictResult, reason: reason}
		}
		if s.activity.HasSucceeded(ctx, identity) {
			obs.markActivity()
			log.Info("activity observed")
			return verdict{kind: verdictSuccess, reason: models.ReasonActivityObserved}
		}
		if obs.signalled() {
			log.Info("success signal observed in output")
			return verdict{kind: verdictSuccess, reason: models.ReasonSuccessSignals}
		}
		if !challenged && s.challenge.IsChallengePresent(ctx, identity) {
			challenged = true
			deadline = deadline.Add(s.cfg.CaptchaGrace)
			log.Info("challenge detected, extending deadline", "grace", s.cfg.CaptchaGrace, "deadline", deadline)
		}
		if time.Now().After(deadline) {
			if challenged {
				return verdict{kind: verdictTimeout, reason: models.ReasonTimeoutWithCaptcha, challenge: true}
			}
			return verdict{kind: verdictTimeout, reason: models.ReasonTimeout}
		}

		select {
		case <-ticker.C:
		case <-obs.exited:
			return verdict{kind: verdictResult, reason: "exited"}
		case <-obs.stop:
			return verdict{kind: verdictResult, reason: "stopped"}
		}
	}
}

func (s *Supervisor) onExit(rl *RunLog, rec models.RunRecord, st Status, obs *observer) models.RunRecord {
	rl.Stream(StreamTermination).Info("worker exited", "exit_code", st.ExitCode, "signal", st.Signal)
	ev := obs.evidence()
	if err := obs.failure(); err != nil && ev.Result == nil {
		return s.finish(rl, rec, obs, models.OutcomeError, models.ReasonOrchestratorError, err)
	}
	outcome, reason, err := Synthesize(st, ev)
	return s.finish(rl, rec, obs, outcome, reason, err)
}

func (s *Supervisor) onTimeout(ctx context.Context, rl *RunLog, rec models.RunRecord, identity string, w Worker, obs *observer, v verdict, hardDeadline time.Time) models.RunRecord {
	clog := rl.Stream(StreamClassification)
	clog.Warn("classification deadline reached", "reason", v.reason, "output_tail", obs.tail())
	if s.snapshot != nil {
		if snap, err := s.snapshot.Snapshot(ctx, identity); err != nil {
			clog.Warn("diagnostic snapshot failed", "error", err)
		} else {
			clog.Info("diagnostic snapshot", "snapshot", snap)
		}
	}
	s.terminate(rl, w, obs, hardDeadline)

	// A structured result that raced the deadline still wins.
	ev := obs.evidence()
	if ev.Result != nil {
		outcome, reason, err := Synthesize(w.Status(), Evidence{Result: ev.Result})
		return s.finish(rl, rec, obs, outcome, reason, err)
	}
	outcome, err := models.OutcomeTimeout, models.ErrTimeout
	if v.challenge {
		outcome, err = models.OutcomeTimeoutWithCaptcha, models.ErrTimeoutWithChallenge
	}
	return s.finish(rl, rec, obs, outcome, v.reason, err)
}

func (s *Supervisor) onWatchdog(rl *RunLog, rec models.RunRecord, w Worker, obs *observer, hardDeadline time.Time) models.RunRecord {
	tlog := rl.Stream(StreamTermination)
	tlog.Warn("watchdog expired", "output_tail", obs.tail())
	s.terminate(rl, w, obs, hardDeadline)

	ev := obs.evidence()
	switch {
	case ev.Result != nil:
		outcome, reason, err := Synthesize(w.Status(), Evidence{Result: ev.Result})
		return s.finish(rl, rec, obs, outcome, reason, err)
	case ev.Success() && s.cfg.AssumeSuccessOnHang:
		tlog.Warn("success evidence observed but worker hung, assuming success")
		return s.finish(rl, rec, obs, models.OutcomeSuccess, models.ReasonAssumedSuccessOnHang, nil)
	default:
		return s.finish(rl, rec, obs, models.OutcomeKilled, models.ReasonOrchestratorTimeout, models.ErrKilled)
	}
}

// terminate stops the worker gracefully, then forcibly, never waiting past deadline.
func (s *Supervisor) terminate(rl *RunLog, w Worker, obs *observer, deadline time.Time) {
	tlog := rl.Stream(StreamTermination)
	select {
	case <-obs.exited:
		return
	default:
	}

	tlog.Info("sending soft stop")
	if err := w.Terminate(Soft); err != nil {
		tlog.Warn("soft stop failed", "error", err)
	}
	soft := time.Now().Add(s.cfg.KillDelay)
	if soft.After(deadline) {
		soft = deadline
	}
	if waitUntil(obs.exited, soft) {
		tlog.Info("worker exited after soft stop")
		return
	}

	tlog.Warn("worker still running, sending forced kill")
	if err := w.Terminate(Hard); err != nil {
		tlog.Error("forced kill failed", "error", err)
	}
	if waitUntil(obs.exited, deadline) {
		tlog.Info("worker exited after forced kill")
		return
	}
	tlog.Error("worker did not exit before the hard deadline")
}

func waitUntil(done <-chan struct{}, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

func (s *Supervisor) finish(rl *RunLog, rec models.RunRecord, obs *observer, outcome models.Outcome, reason string, err error) models.RunRecord {
	if obs != nil {
		if msg, ok := obs.result(); ok && msg.ArtifactID != "" {
			rec.ArtifactID = msg.ArtifactID
		}
	}
	rec.Outcome = outcome
	rec.Success = outcome == models.OutcomeSuccess
	rec.Reason = reason
	if err != nil {
		rec.Error = err.Error()
	}
	rec.FinishedAt = time.Now()
	rl.Stream(StreamTermination).Info("run finished",
		"outcome", rec.Outcome,
		"reason", rec.Reason,
		"error", rec.Error,
		"duration", rec.Duration())
	return rec
}

// Evidence is what the supervisor observed before the worker exited.
type Evidence struct {
	Result   *Message
	Signals  bool
	Activity bool
}

func (e Evidence) Success() bool {
	return (e.Result != nil && e.Result.Success) || e.Signals || e.Activity
}

// Synthesize derives an outcome for an exited worker. A structured result wins
// outright, then success evidence, then the exit status.
func Synthesize(st Status, ev Evidence) (models.Outcome, string, error) {
	if r := ev.Result; r != nil {
		if r.Success {
			reason := r.Reason
			if reason == "" {
				reason = models.ReasonOK
			}
			return models.OutcomeSuccess, reason, nil
		}
		reason := r.Reason
		if reason == "" {
			reason = models.ReasonWorkerReported
		}
		return models.OutcomeError, reason, fmt.Errorf("%w: %s", models.ErrWorkerError, reason)
	}
	switch {
	case ev.Signals:
		return models.OutcomeSuccess, models.ReasonSuccessSignals, nil
	case ev.Activity:
		return models.OutcomeSuccess, models.ReasonActivityObserved, nil
	case st.Signal != "":
		return models.OutcomeKilled, "killed_" + st.Signal, fmt.Errorf("%w by %s", models.ErrKilled, st.Signal)
	case st.ExitCode == 0:
		return models.OutcomeSuccess, models.ReasonOK, nil
	default:
		return models.OutcomeError, models.ReasonNonzeroExit,
			fmt.Errorf("%w: exit code %d", models.ErrWorkerError, st.ExitCode)
	}
}

// observer consumes a worker's streams and records the evidence they carry.
type observer struct {
	signal SuccessSignal
	log    *slog.Logger
	limit  int

	exited chan struct{}
	stop   chan struct{}

	mu       sync.Mutex
	res      *Message
	signals  bool
	activity bool
	lines    []string
	fault    error
}

func newObserver(signal SuccessSignal, limit int, log *slog.Logger) *observer {
	return &observer{
		signal: signal,
		log:    log,
		limit:  limit,
		exited: make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

func (o *observer) run(w Worker) {
	out, res := w.Output(), w.Results()
	for {
		select {
		case line, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			o.line(line)
		case msg, ok := <-res:
			if !ok {
				res = nil
				continue
			}
			o.record(msg)
		case <-w.Done():
			o.drain(out, res)
			close(o.exited)
			return
		case <-o.stop:
			return
		}
	}
}

func (o *observer) drain(out <-chan string, res <-chan Message) {
	for out != nil || res != nil {
		select {
		case line, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			o.line(line)
		case msg, ok := <-res:
			if !ok {
				res = nil
				continue
			}
			o.record(msg)
		default:
			return
		}
	}
}

func (o *observer) line(line string) {
	o.log.Info(line)
	matched := o.matches(line)
	o.mu.Lock()
	defer o.mu.Unlock()
	if matched {
		o.signals = true
	}
	if o.limit > 0 {
		o.lines = append(o.lines, line)
		if len(o.lines) > o.limit {
			o.lines = o.lines[len(o.lines)-o.limit:]
		}
	}
}

// matches applies the success signal. A panicking signal is recorded as a fault and
// the line counts as no evidence.
func (o *observer) matches(line string) (ok bool) {
	if o.signal == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			o.mu.Lock()
			if o.fault == nil {
				o.fault = fmt.Errorf("%w: success signal panicked: %v", models.ErrOrchestratorError, r)
			}
			o.mu.Unlock()
			ok = false
		}
	}()
	return o.signal(line)
}

func (o *observer) failure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fault
}

// record keeps the first structured result; later ones are diagnostic only.
func (o *observer) record(msg Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.res != nil {
		o.log.Warn("ignoring extra result message", "success", msg.Success, "reason", msg.Reason)
		return
	}
	o.res = &msg
	o.log.Info("result message", "success", msg.Success, "reason", msg.Reason, "artifact_id", msg.ArtifactID)
}

func (o *observer) result() (Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.res == nil {
		return Message{}, false
	}
	return *o.res, true
}

func (o *observer) markActivity() {
	o.mu.Lock()
	o.activity = true
	o.mu.Unlock()
}

func (o *observer) signalled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.signals
}

func (o *observer) evidence() Evidence {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev := Evidence{Signals: o.signals, Activity: o.activity}
	if o.res != nil {
		msg := *o.res
		ev.Result = &msg
	}
	return ev
}

func (o *observer) tail() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

func proxyLabel(p *models.ProxyRecord) string {
	if p == nil {
		return "none"
	}
	return p.Label
}
