package rollup

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/cluster"
	"github.com/qreshi/index-management/pkg/lockservice"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/retry"
	"github.com/qreshi/index-management/pkg/scheduler"
)

const testRollupIndex = ".test-rollup-config"

// fakeSearch serves queued pages, or errors, in order.
type fakeSearch struct {
	pages []*SearchPage
	errs  []error
	calls int
}

func (f *fakeSearch) ExecuteCompositeSearch(_ context.Context, _ *Job, _ map[string]any) (*SearchPage, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.pages) {
		return f.pages[i], nil
	}
	return &SearchPage{}, nil
}

// fakeIndexer counts indexed buckets.
type fakeIndexer struct {
	indexed int64
	err     error
}

func (f *fakeIndexer) IndexSummaries(_ context.Context, _ *Job, page *SearchPage) (int64, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	n := int64(len(page.Buckets))
	f.indexed += n
	return n, 1, nil
}

type rollupHarness struct {
	docs    *metastore.Memory
	store   *Store
	fake    *cluster.Fake
	search  *fakeSearch
	indexer *fakeIndexer
	locks   *lockservice.Memory
	runner  *Runner
}

func newRollupHarness(t *testing.T, search *fakeSearch, indexer *fakeIndexer) *rollupHarness {
	t.Helper()

	docs := metastore.NewMemory()
	fake := cluster.NewFake()
	store := NewStore(docs, testRollupIndex)

	runner := NewRunner(RunnerDeps{
		Store:   store,
		Service: NewMetadataService(store, zap.NewNop()),
		Search:  search,
		Indexer: indexer,
		Admin:   fake,
		State:   fake,
		Retry:   retry.Policy{InitialDelay: time.Millisecond, MaxAttempts: 3},
		Logger:  zap.NewNop(),
	})

	return &rollupHarness{
		docs:    docs,
		store:   store,
		fake:    fake,
		search:  search,
		indexer: indexer,
		locks:   lockservice.NewMemory(time.Minute),
		runner:  runner,
	}
}

func (h *rollupHarness) seedJob(t *testing.T, job *Job) {
	t.Helper()
	if _, err := h.store.PutJob(context.Background(), job, nil); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func (h *rollupHarness) tick(t *testing.T, jobID string) {
	t.Helper()
	job, _, err := h.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	h.runner.RunJob(context.Background(), job, scheduler.JobExecutionContext{
		JobID:       jobID,
		LockService: h.locks,
	})
}

func (h *rollupHarness) job(t *testing.T, jobID string) *Job {
	t.Helper()
	job, _, err := h.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob() error: %v", err)
	}
	return job
}

func (h *rollupHarness) metadata(t *testing.T, jobID string) *Metadata {
	t.Helper()
	job := h.job(t, jobID)
	if job == nil || job.MetadataID == "" {
		return nil
	}
	md, _, err := h.store.GetMetadata(context.Background(), job.MetadataID)
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	return md
}

func testJob(continuous bool) *Job {
	return &Job{
		ID:          "rollup-1",
		Enabled:     true,
		SourceIndex: "logs-raw",
		TargetIndex: "logs-rollup",
		PageSize:    100,
		Continuous:  continuous,
		Schedule:    &scheduler.IntervalSchedule{Interval: "5m"},
		Dimensions: []Dimension{
			{DateHistogram: &DateHistogramDimension{SourceField: "@timestamp", FixedInterval: "1h"}},
			{Terms: &TermsDimension{SourceField: "host"}},
		},
		Metrics: []MetricConfig{
			{SourceField: "latency", Metrics: []string{"avg", "max"}},
		},
	}
}

// S5: two pages, afterKey then nil. Stats sum across pages; the cursor
// ends nil; a non-continuous job finishes and is disabled.
func TestRunner_PagingToCompletion(t *testing.T) {
	search := &fakeSearch{pages: []*SearchPage{
		{
			Buckets: []Bucket{
				{Key: map[string]any{"host": "a"}, DocCount: 40},
				{Key: map[string]any{"host": "b"}, DocCount: 25},
			},
			AfterKey:         map[string]any{"host": "b"},
			SearchTimeMillis: 5,
		},
		{
			Buckets: []Bucket{
				{Key: map[string]any{"host": "c"}, DocCount: 35},
			},
			AfterKey:         nil,
			SearchTimeMillis: 3,
		},
	}}
	indexer := &fakeIndexer{}
	h := newRollupHarness(t, search, indexer)

	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-raw"})
	h.seedJob(t, testJob(false))

	h.tick(t, "rollup-1")

	md := h.metadata(t, "rollup-1")
	if md == nil {
		t.Fatalf("metadata not created")
	}
	if md.Stats.DocumentsProcessed != 100 {
		t.Fatalf("documents processed: %d", md.Stats.DocumentsProcessed)
	}
	if md.Stats.PagesProcessed != 2 || md.Stats.RollupsIndexed != 3 {
		t.Fatalf("stats: %+v", md.Stats)
	}
	if md.AfterKey != nil {
		t.Fatalf("after key should be exhausted: %v", md.AfterKey)
	}
	if md.Status != StatusFinished {
		t.Fatalf("status: %s", md.Status)
	}
	if md.ContinuousStats != nil {
		t.Fatalf("one-shot job must not carry continuous stats: %+v", md.ContinuousStats)
	}
	if job := h.job(t, "rollup-1"); job.JobEnabled() {
		t.Fatalf("non-continuous finished job must be disabled")
	}
}

// A continuous job stays enabled after draining its pages.
func TestRunner_ContinuousJobStaysEnabled(t *testing.T) {
	search := &fakeSearch{pages: []*SearchPage{
		{Buckets: []Bucket{{Key: map[string]any{"host": "a"}, DocCount: 10}}, AfterKey: nil},
	}}
	h := newRollupHarness(t, search, &fakeIndexer{})

	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-raw"})
	h.seedJob(t, testJob(true))

	h.tick(t, "rollup-1")

	if job := h.job(t, "rollup-1"); !job.JobEnabled() {
		t.Fatalf("continuous job must stay enabled")
	}
	md := h.metadata(t, "rollup-1")
	if md.Status != StatusStarted {
		t.Fatalf("status: %s", md.Status)
	}
	if md.ContinuousStats == nil {
		t.Fatalf("continuous job must record continuous stats")
	}
	if md.ContinuousStats.PagesProcessed != 1 || md.ContinuousStats.DocumentsProcessed != 10 {
		t.Fatalf("continuous stats: %+v", md.ContinuousStats)
	}
	if md.ContinuousStats.LastTickTime == 0 {
		t.Fatalf("continuous stats must record the tick time")
	}
}

// A missing source index is a semantic failure: disabled, not retried.
func TestRunner_MissingSourceDisablesJob(t *testing.T) {
	h := newRollupHarness(t, &fakeSearch{}, &fakeIndexer{})
	h.seedJob(t, testJob(false))

	h.tick(t, "rollup-1")

	if job := h.job(t, "rollup-1"); job.JobEnabled() {
		t.Fatalf("job with missing source must be disabled")
	}
}

// Repeated page failures trip the failed status at the bound.
func TestRunner_ConsecutiveFailuresTripFailed(t *testing.T) {
	errs := make([]error, maxConsecutivePageFailures)
	for i := range errs {
		errs[i] = errors.New("search exploded")
	}
	search := &fakeSearch{errs: errs}
	h := newRollupHarness(t, search, &fakeIndexer{})

	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-raw"})
	h.seedJob(t, testJob(false))

	h.tick(t, "rollup-1")

	md := h.metadata(t, "rollup-1")
	if md == nil || md.Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v", md)
	}
	if md.FailureReason == "" {
		t.Fatalf("failure reason must be recorded")
	}
	if job := h.job(t, "rollup-1"); job.JobEnabled() {
		t.Fatalf("failed job must be disabled")
	}
}

// The metadata id is linked onto the job before page work begins.
func TestRunner_LinksMetadataID(t *testing.T) {
	search := &fakeSearch{pages: []*SearchPage{{AfterKey: nil}}}
	h := newRollupHarness(t, search, &fakeIndexer{})

	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-raw"})
	h.seedJob(t, testJob(true))

	h.tick(t, "rollup-1")

	job := h.job(t, "rollup-1")
	if job.MetadataID == "" {
		t.Fatalf("metadata id not linked onto job")
	}
}

func TestShouldProcess(t *testing.T) {
	job := testJob(false)

	tests := []struct {
		name string
		md   *Metadata
		want bool
	}{
		{"no metadata", nil, true},
		{"init", &Metadata{Status: StatusInit}, true},
		{"started", &Metadata{Status: StatusStarted}, true},
		{"retry", &Metadata{Status: StatusRetry}, true},
		{"stopped", &Metadata{Status: StatusStopped}, false},
		{"finished", &Metadata{Status: StatusFinished}, false},
		{"failed", &Metadata{Status: StatusFailed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldProcess(job, tt.md); got != tt.want {
				t.Fatalf("ShouldProcess() = %v, want %v", got, tt.want)
			}
		})
	}

	disabled := testJob(false)
	disabled.Enabled = false
	if ShouldProcess(disabled, nil) {
		t.Fatalf("disabled job must not process")
	}
}

func TestMetadataResult_Variants(t *testing.T) {
	cas := &metastore.CAS{SeqNo: 3, PrimaryTerm: 1}
	ok := MetadataSuccess(&Metadata{ID: "m1"}, cas)
	if !ok.IsSuccess() || ok.Metadata() == nil || ok.Err() != nil {
		t.Fatalf("success variant malformed")
	}
	if ok.CAS() != cas {
		t.Fatalf("success variant lost its CAS token")
	}

	none := MetadataNone()
	if !none.IsNoMetadata() || none.Metadata() != nil || none.CAS() != nil || none.Err() != nil {
		t.Fatalf("no-metadata variant malformed")
	}

	cause := errors.New("boom")
	fail := MetadataFailure("create rollup metadata", cause)
	if !fail.IsFailure() {
		t.Fatalf("failure variant malformed")
	}
	if err := fail.Err(); err == nil || !errors.Is(err, cause) {
		t.Fatalf("failure cause lost: %v", err)
	}
}

// Metadata writes are CAS-guarded: an update replayed with a stale token
// loses to the concurrent writer instead of clobbering it.
func TestMetadataService_UpdateDetectsConflict(t *testing.T) {
	docs := metastore.NewMemory()
	store := NewStore(docs, testRollupIndex)
	svc := NewMetadataService(store, zap.NewNop())
	ctx := context.Background()

	job := testJob(false)
	result := svc.Init(ctx, job)
	if !result.IsSuccess() || result.CAS() == nil {
		t.Fatalf("Init() did not return metadata with a CAS token: %+v", result)
	}
	md, staleCAS := result.Metadata(), result.CAS()

	// A concurrent writer bumps the document.
	bumped := svc.Update(ctx, md, staleCAS)
	if !bumped.IsSuccess() {
		t.Fatalf("first update failed: %v", bumped.Err())
	}

	// Replaying with the stale token must fail, not overwrite.
	stale := svc.Update(ctx, md, staleCAS)
	if !stale.IsFailure() {
		t.Fatalf("stale update must fail")
	}
	if !errors.Is(stale.Err(), metastore.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", stale.Err())
	}

	// SetFailed is CAS-guarded the same way.
	failed := svc.SetFailed(ctx, md, staleCAS, "boom")
	if !failed.IsFailure() || !errors.Is(failed.Err(), metastore.ErrVersionConflict) {
		t.Fatalf("stale SetFailed must conflict, got %v", failed.Err())
	}
}

func TestStats_Merge(t *testing.T) {
	total := Stats{PagesProcessed: 1, DocumentsProcessed: 10, RollupsIndexed: 2}
	page := Stats{PagesProcessed: 1, DocumentsProcessed: 5, RollupsIndexed: 1, SearchTimeMillis: 7}

	got := total.Merge(page)
	if got.PagesProcessed != 2 || got.DocumentsProcessed != 15 || got.RollupsIndexed != 3 || got.SearchTimeMillis != 7 {
		t.Fatalf("merge: %+v", got)
	}
}
