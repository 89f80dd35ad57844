package ism

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/cluster"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/policy"
	"github.com/qreshi/index-management/pkg/retry"
	"github.com/qreshi/index-management/pkg/scheduler"
	"github.com/qreshi/index-management/pkg/snapshotrepo"
)

// RunnerDeps are the collaborators a Runner needs. All fields are fixed
// at construction and never mutated afterwards.
type RunnerDeps struct {
	Store        *Store
	Registry     *policy.Registry
	ClusterState cluster.StateReader
	Admin        cluster.Admin
	Settings     metastore.SettingsUpdater
	Snapshots    snapshotrepo.Repository
	Retry        retry.Policy
	Audit        *AuditWriter
	Logger       *zap.Logger
	Now          func() time.Time
}

// Runner executes one managed-index tick at a time. It is safe for
// concurrent use across jobs; per-job exclusivity comes from the lock
// service, not from the runner.
type Runner struct {
	deps RunnerDeps
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
	return &Runner{deps: deps}
}

var _ scheduler.Runner = (*Runner)(nil)

// RunJob is the scheduled-job entry point for one tick.
func (r *Runner) RunJob(ctx context.Context, job scheduler.ScheduledJob, jctx scheduler.JobExecutionContext) {
	logger := r.deps.Logger.With(zap.String("job_id", jctx.JobID))

	cfg, cas, err := r.deps.Store.GetConfig(ctx, jctx.JobID)
	if err != nil {
		logger.Error("Failed to load managed index config", zap.Error(err))
		return
	}
	if cfg == nil {
		logger.Info("Managed index config is gone; skipping tick")
		return
	}

	lease, err := jctx.LockService.Acquire(ctx, jctx.JobID)
	if err != nil {
		logger.Error("Failed to acquire lease", zap.Error(err))
		return
	}
	if lease == nil {
		logger.Debug("Lease held elsewhere; skipping tick")
		return
	}
	defer jctx.LockService.Release(ctx, lease)

	if err := r.runTick(ctx, cfg, cas, logger); err != nil {
		logger.Error("Tick failed", zap.Error(err))
	}
}

// runTick is the per-tick control loop. Gate order matters; each gate
// returns rather than falling through.
func (r *Runner) runTick(ctx context.Context, cfg *ManagedIndexConfig, cfgCAS *metastore.CAS, logger *zap.Logger) error {
	now := r.deps.Now()

	// Resolve the index from cluster state.
	idx, err := r.deps.ClusterState.Index(ctx, cfg.IndexName)
	if err != nil {
		return fmt.Errorf("resolve index %s: %w", cfg.IndexName, err)
	}
	if idx == nil || (cfg.IndexUUID != "" && idx.UUID != cfg.IndexUUID) {
		logger.Info("Managed index no longer exists; nothing to do",
			zap.String("index", cfg.IndexName))
		return nil
	}

	md, mdCAS, err := r.deps.Store.GetMetadata(ctx, cfg.IndexUUID)
	if err != nil {
		return err
	}

	// Initialise when either half of the persisted state is missing.
	if !cfg.HasPolicy() || md == nil {
		return r.initManagedIndex(ctx, cfg, cfgCAS, md, mdCAS, logger)
	}

	// Self-heal a diverged policy_id setting; progress never blocks on it.
	if idx.PolicyID != cfg.PolicyID {
		if err := r.deps.Settings.UpdateIndexSetting(ctx, cfg.IndexName, cluster.SettingPolicyID, cfg.PolicyID); err != nil {
			logger.Warn("Failed to self-heal policy_id setting", zap.Error(err))
		}
	}

	// Change-policy gate: swap only at an action boundary.
	if cfg.ChangePolicy != nil && atActionBoundary(md) {
		return r.initChangePolicy(ctx, cfg, cfgCAS, md, mdCAS, logger)
	}

	// Terminal gate.
	if md.PolicyCompleted || md.Failed() {
		return r.disableJob(ctx, cfg, cfgCAS, logger)
	}

	// Policy mutated underneath the job: fail, never silently rebind.
	if !md.PolicyRevisionMatches(cfg.Policy.SeqNo, cfg.Policy.PrimaryTerm) {
		failed := md.WithMessage(fmt.Sprintf(
			"Fail to load policy: %s with seqNo %d primaryTerm %d",
			cfg.PolicyID, cfg.Policy.SeqNo, cfg.Policy.PrimaryTerm))
		failed.RetryInfo = &PolicyRetryInfo{Failed: true}
		return r.persistMetadata(ctx, &failed, mdCAS)
	}

	// Resolve the (state, action, step) triple.
	work, err := r.resolveWork(cfg.Policy, md, idx)
	if err != nil {
		failed := md.WithMessage(err.Error())
		failed.RetryInfo = &PolicyRetryInfo{Failed: true}
		return r.persistMetadata(ctx, &failed, mdCAS)
	}

	// All actions done and nowhere to transition: the policy is complete.
	// Fold the final state entry in so a trailing transition still lands.
	if work.action == nil {
		done := md.WithMessage(fmt.Sprintf("Successfully completed policy: %s", cfg.PolicyID))
		stateStart := epochMillis(now)
		if done.State != nil && done.State.Name == work.state.Name && !work.fresh {
			stateStart = done.State.StartTime
		}
		done.State = &StateMetadata{Name: work.state.Name, StartTime: stateStart}
		done.TransitionTo = ""
		done.PolicyCompleted = true
		return r.persistMetadata(ctx, &done, mdCAS)
	}

	// Backoff gate. Only reached with a resolved action: the nil-action
	// paths above return first, so terminal ticks never back off.
	actionConfig := work.action.Config()
	if wait, remaining := ShouldBackoff(md.Action, actionConfig.RetryOrDefault(), now); wait {
		logger.Info("Action is backing off",
			zap.String("action", work.action.Type()),
			zap.Duration("remaining", remaining))
		return nil
	}

	// Starting-state recovery: the prior tick died between the starting
	// write and the completion write. Never re-run the side effect.
	if md.Step != nil && md.Step.Status == StepStarting {
		recovered := md.WithMessage(fmt.Sprintf(
			"Previous tick failed to persist the result of step [%s]; flagging for retry", md.Step.Name))
		recovered.RetryInfo = &PolicyRetryInfo{Failed: true, ConsumedRetries: 0}
		return r.persistMetadata(ctx, &recovered, mdCAS)
	}

	return r.advance(ctx, cfg, md, mdCAS, work, logger)
}

// resolvedWork is the triple for one tick.
type resolvedWork struct {
	state  *policy.State
	action Action
	step   Step
	index  int
	fresh  bool // entering a new state this tick
}

// resolveWork walks state → action → step. A result with a nil action
// means the policy has run to completion in the resolved state.
func (r *Runner) resolveWork(pol *policy.Policy, md *ManagedIndexMetadata, idx *cluster.IndexMetadata) (*resolvedWork, error) {
	sc := stepContext{
		admin:     r.deps.Admin,
		index:     idx,
		snapshots: r.deps.Snapshots,
		now:       r.deps.Now,
	}

	stateName := pol.DefaultState
	fresh := md.State == nil
	if md.State != nil {
		stateName = md.State.Name
	}
	if md.TransitionTo != "" {
		stateName = md.TransitionTo
		fresh = true
	}

	st := pol.State(stateName)
	if st == nil {
		return nil, fmt.Errorf("policy %s has no state named [%s]", pol.ID, stateName)
	}

	actionIdx := 0
	if !fresh && md.Action != nil {
		actionIdx = md.Action.Index
		if md.Action.Name != transitionActionType && actionDone(md) {
			actionIdx++
		}
	}

	var action Action
	if actionIdx < len(st.Actions) {
		action = NewAction(st.Actions[actionIdx], sc)
		if action == nil {
			return nil, fmt.Errorf("state [%s] action %d has no executable type", st.Name, actionIdx)
		}
	} else {
		if len(st.Transitions) == 0 {
			// Nothing left to run and nowhere to go: policy complete.
			return &resolvedWork{state: st, fresh: fresh}, nil
		}
		actionIdx = len(st.Actions)
		action = NewTransitionAction(st.Transitions, sc)
	}

	var step Step
	if fresh {
		step = action.Steps()[0]
	} else {
		step = action.StepToExecute(md)
	}
	if step == nil {
		return nil, fmt.Errorf("action [%s] in state [%s] resolved no step", action.Type(), st.Name)
	}

	return &resolvedWork{state: st, action: action, step: step, index: actionIdx, fresh: fresh}, nil
}

// actionDone reports whether the recorded action finished its last step.
// Catalog actions are single-step, so a completed step completes them.
func actionDone(md *ManagedIndexMetadata) bool {
	return md.Step != nil && md.Step.Status == StepCompleted && md.Action != nil
}

// atActionBoundary reports whether a policy swap is safe: nothing is
// mid-flight.
func atActionBoundary(md *ManagedIndexMetadata) bool {
	return md == nil || md.Step == nil || md.Step.Status != StepStarting
}

// advance performs the starting write, the side effect, and the completed
// write, in that strict order.
func (r *Runner) advance(ctx context.Context, cfg *ManagedIndexConfig, md *ManagedIndexMetadata, mdCAS *metastore.CAS, work *resolvedWork, logger *zap.Logger) error {
	now := r.deps.Now()

	starting := r.startingMetadata(md, work, now)
	newCAS, err := r.persistMetadataCAS(ctx, &starting, mdCAS)
	if err != nil {
		// The side effect must not run without a durable starting record.
		return fmt.Errorf("persist starting metadata: %w", err)
	}

	execErr := work.step.Execute(ctx)
	if execErr != nil {
		logger.Warn("Step execution failed",
			zap.String("state", work.state.Name),
			zap.String("action", work.action.Type()),
			zap.String("step", work.step.Name()),
			zap.Error(execErr))
	}

	executed := work.step.UpdatedMetadata(starting)
	if executed.Step != nil && executed.Step.Status == StepFailed {
		executedActionConfig := work.action.Config()
		r.applyActionRetry(&executed, executedActionConfig.RetryOrDefault(), now)
	}

	// A completed delete removed the index: terminate the lineage instead
	// of writing metadata for a dead index.
	if executed.IsSuccessfulDelete() {
		logger.Info("Index deleted by policy; cleaning up job documents",
			zap.String("index", cfg.IndexName))
		if err := r.deps.Store.DeleteMetadata(ctx, cfg.IndexUUID); err != nil {
			logger.Warn("Failed to delete metadata document", zap.Error(err))
		}
		if err := r.deps.Store.docs.DeleteDocument(ctx, r.deps.Store.index, cfg.ID); err != nil {
			logger.Warn("Failed to delete config document", zap.Error(err))
		}
		return nil
	}

	if err := r.persistMetadata(ctx, &executed, newCAS); err != nil {
		return fmt.Errorf("persist executed metadata: %w", err)
	}
	r.deps.Audit.Append(ctx, &executed)
	return nil
}

// startingMetadata builds the pre-execution record for the resolved
// triple. Start times are preserved when the same state/action carries
// over from the previous tick.
func (r *Runner) startingMetadata(md *ManagedIndexMetadata, work *resolvedWork, now time.Time) ManagedIndexMetadata {
	cp := md.Clone()
	nowMillis := epochMillis(now)

	stateStart := nowMillis
	if cp.State != nil && cp.State.Name == work.state.Name && !work.fresh {
		stateStart = cp.State.StartTime
	}
	cp.State = &StateMetadata{Name: work.state.Name, StartTime: stateStart}
	cp.TransitionTo = ""

	actionStart := nowMillis
	var consumed int64
	var lastRetry int64
	if cp.Action != nil && cp.Action.Name == work.action.Type() && cp.Action.Index == work.index && !work.fresh {
		actionStart = cp.Action.StartTime
		consumed = cp.Action.ConsumedRetries
		lastRetry = cp.Action.LastRetryTime
	}
	cp.Action = &ActionMetadata{
		Name:            work.action.Type(),
		StartTime:       actionStart,
		Index:           work.index,
		ConsumedRetries: consumed,
		LastRetryTime:   lastRetry,
	}

	cp.Step = &StepMetadata{Name: work.step.Name(), StartTime: nowMillis, Status: StepStarting}
	cp.Info = map[string]any{"message": fmt.Sprintf(
		"Executing [%s] of action [%s] in state [%s]",
		work.step.Name(), work.action.Type(), work.state.Name)}
	return cp
}

// applyActionRetry folds a step failure into the action's retry budget.
func (r *Runner) applyActionRetry(md *ManagedIndexMetadata, retryCfg policy.RetryConfig, now time.Time) {
	if md.Action == nil {
		return
	}
	if md.Action.ConsumedRetries >= retryCfg.Count {
		md.Action.Failed = true
		md.Info = map[string]any{"message": fmt.Sprintf(
			"Action [%s] failed and exhausted its %d retries", md.Action.Name, retryCfg.Count)}
		return
	}
	md.Action.ConsumedRetries++
	md.Action.LastRetryTime = epochMillis(now)
}

// persistMetadata writes md under cas, retrying transient store failures.
func (r *Runner) persistMetadata(ctx context.Context, md *ManagedIndexMetadata, cas *metastore.CAS) error {
	_, err := r.persistMetadataCAS(ctx, md, cas)
	return err
}

func (r *Runner) persistMetadataCAS(ctx context.Context, md *ManagedIndexMetadata, cas *metastore.CAS) (*metastore.CAS, error) {
	var out *metastore.CAS
	err := r.deps.Retry.Do(ctx, func() error {
		newCAS, err := r.deps.Store.PutMetadata(ctx, md, cas)
		if err != nil {
			return err
		}
		out = newCAS
		return nil
	})
	return out, err
}

// disableJob persists enabled=false. Already-disabled configs are left
// untouched so repeated ticks stay write-free.
func (r *Runner) disableJob(ctx context.Context, cfg *ManagedIndexConfig, cas *metastore.CAS, logger *zap.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	cfg.Enabled = false

	err := r.deps.Retry.Do(ctx, func() error {
		_, err := r.deps.Store.PutConfig(ctx, cfg, cas)
		return err
	})
	if err != nil {
		return fmt.Errorf("disable managed index job: %w", err)
	}
	logger.Info("Managed index job disabled", zap.String("index", cfg.IndexName))
	return nil
}
