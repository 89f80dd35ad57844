package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/lockservice"
)

type stubJob struct {
	id       string
	enabled  bool
	schedule *IntervalSchedule
}

func (j *stubJob) JobID() string                  { return j.id }
func (j *stubJob) JobEnabled() bool               { return j.enabled }
func (j *stubJob) JobSchedule() *IntervalSchedule { return j.schedule }

type stubSource struct {
	jobs []ScheduledJob
}

func (s *stubSource) ListJobs(_ context.Context) ([]ScheduledJob, error) { return s.jobs, nil }

type recordingRunner struct {
	mu      sync.Mutex
	calls   []string
	block   chan struct{}
	started chan string
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{started: make(chan string, 16)}
}

func (r *recordingRunner) RunJob(_ context.Context, job ScheduledJob, _ JobExecutionContext) {
	r.mu.Lock()
	r.calls = append(r.calls, job.JobID())
	r.mu.Unlock()
	r.started <- job.JobID()
	if r.block != nil {
		<-r.block
	}
}

func (r *recordingRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(src JobSource, runner Runner) *Scheduler {
	return New(
		[]Registration{{Name: "test", Source: src, Runner: runner}},
		lockservice.NewMemory(time.Minute),
		Config{SweepInterval: time.Hour, JitterFrac: 0},
		zap.NewNop(),
	)
}

func TestScheduler_DispatchesDueJobs(t *testing.T) {
	runner := newRecordingRunner()
	src := &stubSource{jobs: []ScheduledJob{
		&stubJob{id: "a", enabled: true, schedule: &IntervalSchedule{Interval: "1m"}},
		&stubJob{id: "b", enabled: false, schedule: &IntervalSchedule{Interval: "1m"}},
	}}

	s := newTestScheduler(src, runner)
	s.Sweep(context.Background())

	select {
	case id := <-runner.started:
		if id != "a" {
			t.Fatalf("dispatched wrong job: %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("enabled job was not dispatched")
	}

	s.wg.Wait()
	if runner.callCount() != 1 {
		t.Fatalf("disabled job must not run: %d calls", runner.callCount())
	}
}

func TestScheduler_NeverDoubleDispatches(t *testing.T) {
	runner := newRecordingRunner()
	runner.block = make(chan struct{})
	src := &stubSource{jobs: []ScheduledJob{
		&stubJob{id: "a", enabled: true, schedule: &IntervalSchedule{Interval: "1ms"}},
	}}

	s := newTestScheduler(src, runner)
	s.Sweep(context.Background())
	<-runner.started

	// Job "a" is still in flight; further sweeps must skip it even though
	// its interval has long elapsed.
	time.Sleep(5 * time.Millisecond)
	s.Sweep(context.Background())
	s.Sweep(context.Background())

	if got := runner.callCount(); got != 1 {
		t.Fatalf("in-flight job double-dispatched: %d calls", got)
	}

	close(runner.block)
	s.wg.Wait()
}

func TestScheduler_RespectsInterval(t *testing.T) {
	runner := newRecordingRunner()
	src := &stubSource{jobs: []ScheduledJob{
		&stubJob{id: "a", enabled: true, schedule: &IntervalSchedule{Interval: "1h"}},
	}}

	s := newTestScheduler(src, runner)
	s.Sweep(context.Background())
	<-runner.started
	s.wg.Wait()

	// Not due again for an hour.
	s.Sweep(context.Background())
	s.wg.Wait()

	if got := runner.callCount(); got != 1 {
		t.Fatalf("job dispatched before its interval elapsed: %d calls", got)
	}
}

func TestIntervalSchedule_Period(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{"5m", 5 * time.Minute, false},
		{"1h", time.Hour, false},
		{"2d", 48 * time.Hour, false},
		{"", 0, true},
		{"soon", 0, true},
		{"-5m", 0, true},
	}

	for _, tt := range tests {
		s := &IntervalSchedule{Interval: tt.in}
		got, err := s.Period()
		if tt.err {
			if err == nil {
				t.Fatalf("Period(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Period(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Period(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIntervalSchedule_Due(t *testing.T) {
	s := &IntervalSchedule{Interval: "5m"}
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if !s.Due(time.Time{}, now) {
		t.Fatalf("never-run job must be due")
	}
	if s.Due(now.Add(-time.Minute), now) {
		t.Fatalf("job run a minute ago must not be due on a 5m interval")
	}
	if !s.Due(now.Add(-6*time.Minute), now) {
		t.Fatalf("job run six minutes ago must be due")
	}
}

func TestIntervalSchedule_UnmarshalFlatAndObject(t *testing.T) {
	var flat IntervalSchedule
	if err := flat.UnmarshalJSON([]byte(`"5m"`)); err != nil {
		t.Fatalf("flat form: %v", err)
	}
	if flat.Interval != "5m" {
		t.Fatalf("flat interval: %q", flat.Interval)
	}

	var obj IntervalSchedule
	if err := obj.UnmarshalJSON([]byte(`{"interval":"1h","start_time":42}`)); err != nil {
		t.Fatalf("object form: %v", err)
	}
	if obj.Interval != "1h" || obj.StartTime != 42 {
		t.Fatalf("object form: %+v", obj)
	}
}
