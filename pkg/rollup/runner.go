package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qreshi/index-management/pkg/cluster"
	"github.com/qreshi/index-management/pkg/lockservice"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/retry"
	"github.com/qreshi/index-management/pkg/scheduler"
)

// maxConsecutivePageFailures bounds how many pages in a row may fail
// before the job is marked failed. The source logged and continued
// forever; an unbounded loop hides a permanently broken job, so failures
// trip the failed status once this many pages in a row have failed.
const maxConsecutivePageFailures = 5

// MetadataError signals that the metadata subsystem itself failed: not
// even a failure could be recorded. The tick aborts without further
// writes and retries from the last durable state.
type MetadataError struct {
	RollupID string
	Err      error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("rollup %s metadata failure: %s", e.RollupID, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// RunnerDeps are the collaborators a Runner needs, fixed at construction.
type RunnerDeps struct {
	Store    *Store
	Service  *MetadataService
	Search   SearchService
	Indexer  DocIndexer
	Admin    cluster.Admin
	State    cluster.StateReader
	Retry    retry.Policy
	Logger   *zap.Logger
	Now      func() time.Time
	PageRate float64 // pages per second; zero means unlimited
}

// Runner executes one rollup tick at a time.
type Runner struct {
	deps    RunnerDeps
	limiter *rate.Limiter
}

// NewRunner builds a runner from its dependencies.
func NewRunner(deps RunnerDeps) *Runner {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = retry.Default
	}
	var limiter *rate.Limiter
	if deps.PageRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(deps.PageRate), 1)
	}
	return &Runner{deps: deps, limiter: limiter}
}

var _ scheduler.Runner = (*Runner)(nil)

// RunJob is the scheduled-job entry point for one rollup tick.
func (r *Runner) RunJob(ctx context.Context, job scheduler.ScheduledJob, jctx scheduler.JobExecutionContext) {
	logger := r.deps.Logger.With(zap.String("rollup_id", jctx.JobID))

	cfg, cfgCAS, err := r.deps.Store.GetJob(ctx, jctx.JobID)
	if err != nil {
		logger.Error("Failed to load rollup job", zap.Error(err))
		return
	}
	if cfg == nil {
		logger.Info("Rollup job is gone; skipping tick")
		return
	}

	// Peek at metadata to decide whether this tick has anything to do.
	// A load failure here is logged and skipped, never disabling the job.
	var md *Metadata
	if cfg.MetadataID != "" {
		loaded, _, err := r.deps.Store.GetMetadata(ctx, cfg.MetadataID)
		if err != nil {
			logger.Warn("Failed to load rollup metadata; skipping tick", zap.Error(err))
			return
		}
		md = loaded
	}
	if !ShouldProcess(cfg, md) {
		logger.Debug("Rollup has nothing to process this tick")
		return
	}

	lease := r.acquireWithRetry(ctx, jctx, logger)
	if lease == nil {
		logger.Debug("Lease held elsewhere; skipping tick")
		return
	}
	defer jctx.LockService.Release(ctx, lease)

	if err := r.runRollupJob(ctx, cfg, cfgCAS, lease, jctx.LockService, logger); err != nil {
		var mdErr *MetadataError
		if errors.As(err, &mdErr) {
			logger.Error("Rollup tick aborted on metadata failure", zap.Error(err))
			return
		}
		logger.Error("Rollup tick failed", zap.Error(err))
	}
}

// acquireWithRetry drives lease acquisition through the bounded backoff
// policy; contention is transient by definition.
func (r *Runner) acquireWithRetry(ctx context.Context, jctx scheduler.JobExecutionContext, logger *zap.Logger) *lockservice.Lease {
	var lease *lockservice.Lease
	err := r.deps.Retry.Do(ctx, func() error {
		got, err := jctx.LockService.Acquire(ctx, jctx.JobID)
		if err != nil {
			return retry.Transient(err)
		}
		if got == nil {
			return retry.Transient(fmt.Errorf("lease for %s unavailable", jctx.JobID))
		}
		lease = got
		return nil
	})
	if err != nil {
		logger.Debug("Lease acquisition gave up", zap.Error(err))
		return nil
	}
	return lease
}

// runRollupJob is the per-tick body executed under the lease.
func (r *Runner) runRollupJob(ctx context.Context, job *Job, jobCAS *metastore.CAS, lease *lockservice.Lease, locks lockservice.Service, logger *zap.Logger) error {
	// Validation failures are semantic: record and disable.
	if err := r.validateJob(ctx, job); err != nil {
		logger.Warn("Rollup job failed validation", zap.Error(err))
		return r.setFailedAndDisable(ctx, job, jobCAS, nil, nil, err.Error(), logger)
	}

	result := r.deps.Service.Init(ctx, job)
	switch {
	case result.IsNoMetadata():
		return nil
	case result.IsFailure():
		return &MetadataError{RollupID: job.ID, Err: result.Err()}
	}
	md, mdCAS := result.Metadata(), result.CAS()

	if md.Status == StatusFailed {
		logger.Info("Rollup metadata is failed; disabling job",
			zap.String("failure_reason", md.FailureReason))
		return r.disableJob(ctx, job, jobCAS, logger)
	}

	// A freshly created metadata document must be linked onto the job
	// before any page work, or a crash would strand it.
	if job.MetadataID == "" && md.Status == StatusInit {
		job.MetadataID = md.ID
		newCAS, err := r.putJobWithRetry(ctx, job, jobCAS)
		if err != nil {
			return fmt.Errorf("link rollup metadata onto job: %w", err)
		}
		jobCAS = newCAS
	}

	if err := r.initTargetIndex(ctx, job); err != nil {
		logger.Warn("Failed to prepare rollup target index", zap.Error(err))
		return r.setFailedAndDisable(ctx, job, jobCAS, md, mdCAS, err.Error(), logger)
	}

	if err := r.pageLoop(ctx, job, jobCAS, md, mdCAS, lease, locks, logger); err != nil {
		return err
	}

	// Non-continuous jobs that reached a terminal status switch off.
	if !job.Continuous && md.Status.Terminal() {
		return r.disableJob(ctx, job, jobCAS, logger)
	}
	return nil
}

// pageLoop drains composite pages until the cursor is exhausted or the
// job stops being processable. Failures inside the loop are logged and
// retried next page, up to the consecutive-failure bound. Every metadata
// write is CAS-guarded with the token from the previous write.
func (r *Runner) pageLoop(ctx context.Context, job *Job, jobCAS *metastore.CAS, md *Metadata, mdCAS *metastore.CAS, lease *lockservice.Lease, locks lockservice.Service, logger *zap.Logger) error {
	consecutiveFailures := 0

	if job.Continuous {
		md.ContinuousStats = &ContinuousStats{LastTickTime: r.deps.Now().UnixMilli()}
	}

	for ShouldProcess(job, md) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		// Long-running loops renew so the lease outlives the tick budget.
		if ok, err := locks.Renew(ctx, lease); err == nil && !ok {
			return fmt.Errorf("lease for %s lost mid-loop", job.ID)
		}

		page, err := r.deps.Search.ExecuteCompositeSearch(ctx, job, md.AfterKey)
		if err != nil {
			consecutiveFailures++
			logger.Warn("Composite search failed",
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Error(err))
			if consecutiveFailures >= maxConsecutivePageFailures {
				return r.failJob(ctx, job, jobCAS, md, mdCAS,
					fmt.Sprintf("%d consecutive page failures, last: %s", consecutiveFailures, err), logger)
			}
			continue
		}

		indexed, indexMillis, err := r.deps.Indexer.IndexSummaries(ctx, job, page)
		if err != nil {
			consecutiveFailures++
			logger.Warn("Failed to index rollup summaries",
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Error(err))
			if consecutiveFailures >= maxConsecutivePageFailures {
				return r.failJob(ctx, job, jobCAS, md, mdCAS,
					fmt.Sprintf("%d consecutive page failures, last: %s", consecutiveFailures, err), logger)
			}
			continue
		}
		consecutiveFailures = 0

		var docs int64
		for _, b := range page.Buckets {
			docs += b.DocCount
		}
		md.Stats = md.Stats.Merge(Stats{
			PagesProcessed:     1,
			DocumentsProcessed: docs,
			RollupsIndexed:     indexed,
			IndexTimeMillis:    indexMillis,
			SearchTimeMillis:   page.SearchTimeMillis,
		})
		if md.ContinuousStats != nil {
			md.ContinuousStats.PagesProcessed++
			md.ContinuousStats.DocumentsProcessed += docs
			md.ContinuousStats.RollupsIndexed += indexed
		}
		md.AfterKey = page.AfterKey
		md.Status = StatusStarted
		if page.AfterKey == nil && !job.Continuous {
			md.Status = StatusFinished
		}

		update := r.deps.Service.Update(ctx, md, mdCAS)
		if update.IsFailure() {
			return &MetadataError{RollupID: job.ID, Err: update.Err()}
		}
		mdCAS = update.CAS()

		if page.AfterKey == nil {
			break
		}
	}
	return nil
}

// validateJob checks the source and, when metadata exists, the target.
func (r *Runner) validateJob(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	exists, err := r.deps.Admin.IndexExists(ctx, job.SourceIndex)
	if err != nil {
		return fmt.Errorf("check source index: %w", err)
	}
	if !exists {
		return fmt.Errorf("source index [%s] does not exist", job.SourceIndex)
	}

	if job.MetadataID == "" {
		return nil
	}
	target, err := r.deps.State.Index(ctx, job.TargetIndex)
	if err != nil {
		return fmt.Errorf("check target index: %w", err)
	}
	if target == nil {
		return fmt.Errorf("target index [%s] does not exist", job.TargetIndex)
	}
	if !target.RollupIndex {
		return fmt.Errorf("target index [%s] is not a rollup index", job.TargetIndex)
	}
	return nil
}

// initTargetIndex creates the target index flagged as a rollup index and
// installs the job's summary mapping.
func (r *Runner) initTargetIndex(ctx context.Context, job *Job) error {
	err := r.deps.Admin.EnsureIndex(ctx, job.TargetIndex, map[string]any{
		"settings": map[string]any{cluster.SettingRollupIndex: true},
	})
	if err != nil {
		return err
	}

	properties := map[string]any{
		"rollup_id":         map[string]any{"type": "keyword"},
		"rollup._doc_count": map[string]any{"type": "long"},
	}
	for i := range job.Dimensions {
		d := &job.Dimensions[i]
		fieldType := "keyword"
		if d.DateHistogram != nil {
			fieldType = "date"
		} else if d.Histogram != nil {
			fieldType = "double"
		}
		properties[d.TargetField()] = map[string]any{"type": fieldType}
	}
	for _, m := range job.Metrics {
		for _, metric := range m.Metrics {
			properties[m.SourceField+"."+metric] = map[string]any{"type": "double"}
		}
	}

	return r.deps.Admin.PutMapping(ctx, job.TargetIndex, map[string]any{
		"properties": properties,
	})
}

// failJob records the failed status and disables the job. A metadata
// failure while recording aborts the tick instead.
func (r *Runner) failJob(ctx context.Context, job *Job, jobCAS *metastore.CAS, md *Metadata, mdCAS *metastore.CAS, reason string, logger *zap.Logger) error {
	result := r.deps.Service.SetFailed(ctx, md, mdCAS, reason)
	if result.IsFailure() {
		return &MetadataError{RollupID: job.ID, Err: result.Err()}
	}
	return r.disableJob(ctx, job, jobCAS, logger)
}

// setFailedAndDisable handles semantic validation failures. With no
// metadata yet there is nothing to mark; the job is simply disabled.
func (r *Runner) setFailedAndDisable(ctx context.Context, job *Job, jobCAS *metastore.CAS, md *Metadata, mdCAS *metastore.CAS, reason string, logger *zap.Logger) error {
	if md == nil && job.MetadataID != "" {
		loaded, loadedCAS, err := r.deps.Store.GetMetadata(ctx, job.MetadataID)
		if err == nil {
			md, mdCAS = loaded, loadedCAS
		}
	}
	if md != nil {
		result := r.deps.Service.SetFailed(ctx, md, mdCAS, reason)
		if result.IsFailure() {
			return &MetadataError{RollupID: job.ID, Err: result.Err()}
		}
	}
	return r.disableJob(ctx, job, jobCAS, logger)
}

func (r *Runner) disableJob(ctx context.Context, job *Job, jobCAS *metastore.CAS, logger *zap.Logger) error {
	if !job.Enabled {
		return nil
	}
	job.Enabled = false
	if _, err := r.putJobWithRetry(ctx, job, jobCAS); err != nil {
		return fmt.Errorf("disable rollup job: %w", err)
	}
	logger.Info("Rollup job disabled")
	return nil
}

func (r *Runner) putJobWithRetry(ctx context.Context, job *Job, cas *metastore.CAS) (*metastore.CAS, error) {
	var out *metastore.CAS
	err := r.deps.Retry.Do(ctx, func() error {
		newCAS, err := r.deps.Store.PutJob(ctx, job, cas)
		if err != nil {
			return err
		}
		out = newCAS
		return nil
	})
	return out, err
}
