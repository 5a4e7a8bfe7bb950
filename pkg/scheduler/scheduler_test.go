package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"egress-runner/pkg/catalog"
	"egress-runner/pkg/ipinfo"
	"egress-runner/pkg/models"
	"egress-runner/pkg/rotation"
	"egress-runner/pkg/supervisor"
)

type fakeRunner struct {
	outcomes map[int]models.RunRecord
	panics   map[int]bool
	tasks    []supervisor.Task
	onRun    func(task supervisor.Task)
}

func (f *fakeRunner) RunIsolated(_ context.Context, task supervisor.Task) models.RunRecord {
	f.tasks = append(f.tasks, task)
	if f.onRun != nil {
		f.onRun(task)
	}
	if f.panics[task.RunNumber] {
		panic("worker adapter exploded")
	}
	rec := models.RunRecord{Outcome: models.OutcomeSuccess, Success: true, Reason: models.ReasonOK}
	if r, ok := f.outcomes[task.RunNumber]; ok {
		rec = r
	}
	rec.RunNumber = task.RunNumber
	rec.TaskIdentity = task.Identity
	rec.ArtifactID = task.Identity
	rec.StartedAt = time.Now()
	rec.FinishedAt = rec.StartedAt
	if task.Proxy != nil {
		label := task.Proxy.Label
		rec.ProxyLabel = &label
	}
	return rec
}

type memSink struct {
	records []models.RunRecord
}

func (m *memSink) Append(rec models.RunRecord) error {
	m.records = append(m.records, rec)
	return nil
}

type fakeStore struct {
	names   []string
	cleaned []string
	deleted []string
}

func (f *fakeStore) Cleanup(id string) error { f.cleaned = append(f.cleaned, id); return nil }
func (f *fakeStore) Delete(id string) error  { f.deleted = append(f.deleted, id); return nil }
func (f *fakeStore) List(string) ([]string, error) {
	return f.names, nil
}

type fakeMirror struct {
	runs []int
	err  error
}

func (f *fakeMirror) InsertRunRecord(_ context.Context, rec *models.RunRecord) error {
	f.runs = append(f.runs, rec.RunNumber)
	return f.err
}

type staticResolver map[string]string

func (s staticResolver) Resolve(_ context.Context, p models.ProxyRecord, _ ipinfo.Options) (string, error) {
	return s[p.Label], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(runner Runner, sink RecordSink) (*Scheduler, *[]time.Duration) {
	s := New(runner, sink, testLogger())
	var delays []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return s, &delays
}

func failed(reason string) models.RunRecord {
	return models.RunRecord{Outcome: models.OutcomeTimeout, Reason: reason, Error: "attempt timed out"}
}

func TestRunSequence(t *testing.T) {
	runner := &fakeRunner{outcomes: map[int]models.RunRecord{
		2: failed(models.ReasonTimeout),
		3: {Outcome: models.OutcomeSuccess, Success: true, Reason: models.ReasonAssumedSuccessOnHang},
	}}
	sink := &memSink{}
	store := &fakeStore{}
	mirror := &fakeMirror{err: errors.New("db down")}
	s, delays := newTestScheduler(runner, sink)
	s.WithStore(store).WithMirror(mirror)

	sum, err := s.Run(context.Background(), Plan{
		BatchID:          "b1",
		Count:            4,
		Prefix:           "profile_",
		SuccessDelay:     time.Second,
		FailureDelay:     5 * time.Second,
		CleanupOnSuccess: true,
		DeleteOnFailure:  true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(sink.records) != 4 {
		t.Fatalf("persisted %d records, want 4", len(sink.records))
	}
	for i, rec := range sink.records {
		if rec.RunNumber != i+1 {
			t.Errorf("record %d has run number %d", i, rec.RunNumber)
		}
	}
	if sum.Completed != 4 || sum.Successful != 3 || sum.StopReason != StopCompleted || sum.Rotation != nil {
		t.Errorf("summary = %+v", sum)
	}
	if want := []string{"profile_1", "profile_3", "profile_4"}; !reflect.DeepEqual(store.cleaned, want) {
		t.Errorf("cleaned = %v, want %v", store.cleaned, want)
	}
	if want := []string{"profile_2"}; !reflect.DeepEqual(store.deleted, want) {
		t.Errorf("deleted = %v, want %v", store.deleted, want)
	}
	if want := []time.Duration{time.Second, 5 * time.Second, time.Second}; !reflect.DeepEqual(*delays, want) {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
	if len(mirror.runs) != 4 {
		t.Errorf("mirrored %d records, want 4 despite mirror errors", len(mirror.runs))
	}
}

func TestAssumedSuccessArtifactNeverDeleted(t *testing.T) {
	runner := &fakeRunner{outcomes: map[int]models.RunRecord{
		1: {Outcome: models.OutcomeKilled, Reason: models.ReasonAssumedSuccessOnHang},
	}}
	store := &fakeStore{}
	s, _ := newTestScheduler(runner, &memSink{})
	s.WithStore(store)

	if _, err := s.Run(context.Background(), Plan{BatchID: "b", Count: 1, Prefix: "p", DeleteOnFailure: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(store.deleted) != 0 {
		t.Errorf("deleted = %v, want nothing", store.deleted)
	}
}

func TestCrashGuard(t *testing.T) {
	runner := &fakeRunner{panics: map[int]bool{2: true}}
	sink := &memSink{}
	s, _ := newTestScheduler(runner, sink)

	sum, err := s.Run(context.Background(), Plan{BatchID: "b", Count: 3, Prefix: "p", CrashGuard: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(sink.records) != 3 {
		t.Fatalf("persisted %d records, want 3", len(sink.records))
	}
	rec := sink.records[1]
	if rec.Outcome != models.OutcomeError || rec.Reason != models.ReasonOrchestratorError || rec.RunID == "" {
		t.Errorf("panicking attempt record = %+v", rec)
	}
	if !strings.Contains(rec.Error, "worker adapter exploded") {
		t.Errorf("Error = %q, want the panic value", rec.Error)
	}
	if sum.Outcomes[models.OutcomeError] != 1 || sum.Successful != 2 {
		t.Errorf("summary outcomes = %v", sum.Outcomes)
	}
}

func TestRotationExhaustionStopsBatch(t *testing.T) {
	proxies := []models.ProxyRecord{
		{Label: "a", Address: "a.test:8080", Type: models.HTTPType, Country: "US"},
		{Label: "b", Address: "b.test:8080", Type: models.HTTPType, Country: "US"},
		{Label: "c", Address: "c.test:8080", Type: models.HTTPType, Country: "US"},
	}
	rot, err := rotation.New(context.Background(), catalog.Static(proxies),
		rotation.Config{Strategy: rotation.RoundRobin{}, MaxPerIP: 1, CheckIP: true},
		staticResolver{"a": "192.0.2.1", "b": "192.0.2.1", "c": "192.0.2.2"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{}
	sink := &memSink{}
	s, _ := newTestScheduler(runner, sink)
	s.WithRotator(rot)

	sum, err := s.Run(context.Background(), Plan{BatchID: "b", Count: 5, Prefix: "p"})
	if !errors.Is(err, models.ErrRotationExhausted) {
		t.Fatalf("Run() error = %v, want ErrRotationExhausted", err)
	}
	if sum.Completed != 2 || sum.StopReason != StopExhausted {
		t.Errorf("summary completed=%d stop=%s", sum.Completed, sum.StopReason)
	}
	if sum.Rotation == nil || sum.Rotation.UniqueIPs != 2 || sum.Rotation.IPsAtCap != 2 {
		t.Errorf("rotation stats = %+v", sum.Rotation)
	}
	if runner.tasks[0].EgressIP != "192.0.2.1" || runner.tasks[1].Proxy.Label != "c" {
		t.Errorf("tasks = %+v", runner.tasks)
	}

	var out bytes.Buffer
	if err := sum.Write(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"rotation_exhausted", "requested:  5", "completed:  2", "192.0.2.1", "a, b"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary output missing %q:\n%s", want, out.String())
		}
	}
}

func TestResume(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestScheduler(runner, &memSink{})
	s.WithStore(&fakeStore{names: []string{"profile_3", "profile_7", "profile_x", "other_20"}})

	if _, err := s.Run(context.Background(), Plan{BatchID: "b", Count: 2, Prefix: "profile_", Resume: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if runner.tasks[0].Identity != "profile_8" || runner.tasks[1].Identity != "profile_9" {
		t.Errorf("identities = %s, %s; want profile_8, profile_9", runner.tasks[0].Identity, runner.tasks[1].Identity)
	}
}

func TestResumeWithoutStore(t *testing.T) {
	s, _ := newTestScheduler(&fakeRunner{}, &memSink{})
	if _, err := s.Run(context.Background(), Plan{Count: 1, Resume: true}); err == nil {
		t.Error("Run() should fail to resume without an artifact store")
	}
}

func TestCancellationStopsScheduling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{onRun: func(supervisor.Task) { cancel() }}
	sink := &memSink{}
	s, _ := newTestScheduler(runner, sink)

	sum, err := s.Run(ctx, Plan{BatchID: "b", Count: 5, Prefix: "p"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(sink.records) != 1 || sum.StopReason != StopCancelled {
		t.Errorf("records=%d stop=%s, want the in-flight attempt persisted", len(sink.records), sum.StopReason)
	}
}

func TestNextSequence(t *testing.T) {
	tests := []struct {
		name   string
		names  []string
		prefix string
		want   int
	}{
		{"empty", nil, "profile_", 1},
		{"highest suffix", []string{"profile_2", "profile_10", "profile_9"}, "profile_", 11},
		{"ignores other prefixes", []string{"acct1", "profile_4"}, "acct", 2},
		{"ignores non numeric", []string{"profile_a", "profile_3b"}, "profile_", 1},
		{"regex metacharacters", []string{"run.1", "runx2"}, "run.", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextSequence(tt.names, tt.prefix); got != tt.want {
				t.Errorf("NextSequence() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	records := []models.RunRecord{
		{RunNumber: 1, Outcome: models.OutcomeSuccess, Success: true, Reason: models.ReasonOK, StartedAt: t0, FinishedAt: t0.Add(time.Minute)},
		{RunNumber: 2, Outcome: models.OutcomeTimeout, Reason: models.ReasonTimeout, StartedAt: t0.Add(2 * time.Minute), FinishedAt: t0.Add(5 * time.Minute)},
	}
	sum := Summarize("b7", records)
	if sum.Completed != 2 || sum.Successful != 1 || sum.Outcomes[models.OutcomeTimeout] != 1 {
		t.Errorf("Summarize() = %+v", sum)
	}
	if !sum.StartedAt.Equal(t0) || !sum.FinishedAt.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("span = %v..%v", sum.StartedAt, sum.FinishedAt)
	}

	var out bytes.Buffer
	if err := sum.Write(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Batch b7\n", "successful: 1 (50.0%)", "elapsed:    5m0s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRotationReportKeepsCellsWhole(t *testing.T) {
	out := RotationReport(rotation.Stats{
		Strategy: "round-robin",
		MaxPerIP: 1,
		Proxies: []rotation.ProxyStats{
			{Label: "residential-us-east-1", Country: "US", Uses: 1, IPs: []string{"203.0.113.254"}, Ineligible: true},
		},
		IPs: []rotation.IPStats{
			{IP: "203.0.113.254", Uses: 1, Labels: []string{"residential-us-east-1"}, AtCap: true},
		},
	})
	for _, want := range []string{"PROXY", "COUNTRY", "PROXIES", "AT CAP", "residential-us-east-1", "203.0.113.254", "ip at cap"} {
		if !strings.Contains(out, want) {
			t.Errorf("RotationReport() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "…") {
		t.Errorf("RotationReport() truncated a cell:\n%s", out)
	}
}
