package ism

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/cluster"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/policy"
)

// initManagedIndex runs when either the embedded policy or the metadata
// document is missing. It binds the policy onto the config first, then
// writes the initial metadata per the decision table; a failed config
// write aborts the tick before any metadata is touched.
func (r *Runner) initManagedIndex(ctx context.Context, cfg *ManagedIndexConfig, cfgCAS *metastore.CAS, md *ManagedIndexMetadata, mdCAS *metastore.CAS, logger *zap.Logger) error {
	policyID := cfg.PolicyID
	if cfg.ChangePolicy != nil {
		policyID = cfg.ChangePolicy.PolicyID
	}

	pol := cfg.Policy
	if pol == nil {
		loaded, err := r.deps.Registry.Get(ctx, policyID)
		if err != nil {
			logger.Warn("Failed to load policy during init",
				zap.String("policy_id", policyID),
				zap.Error(err))
		}
		pol = loaded

		if pol != nil {
			cfg.Policy = pol
			cfg.PolicyID = pol.ID
			cfg.PolicySeqNo = &pol.SeqNo
			cfg.PolicyPrimaryTerm = &pol.PrimaryTerm
			if cfg.ChangePolicy != nil {
				cfg.ChangePolicy = nil
			}

			err := r.deps.Retry.Do(ctx, func() error {
				_, putErr := r.deps.Store.PutConfig(ctx, cfg, cfgCAS)
				return putErr
			})
			if err != nil {
				// No metadata write without a durably bound policy.
				return fmt.Errorf("save policy onto managed index config: %w", err)
			}
		}
	}

	initial := r.initialMetadata(cfg, md, pol, policyID)
	return r.persistMetadata(ctx, &initial, mdCAS)
}

// initialMetadata implements the init decision table.
func (r *Runner) initialMetadata(cfg *ManagedIndexConfig, md *ManagedIndexMetadata, pol *policy.Policy, policyID string) ManagedIndexMetadata {
	now := epochMillis(r.deps.Now())

	// No existing metadata: fresh record, failed only when the policy
	// could not be loaded.
	if md == nil {
		fresh := ManagedIndexMetadata{
			IndexName: cfg.IndexName,
			IndexUUID: cfg.IndexUUID,
			PolicyID:  policyID,
		}
		if pol == nil {
			fresh.RetryInfo = &PolicyRetryInfo{Failed: true}
			fresh.Info = map[string]any{"message": fmt.Sprintf("Fail to load policy: %s", policyID)}
			return fresh
		}
		fresh.PolicySeqNo = &pol.SeqNo
		fresh.PolicyPrimaryTerm = &pol.PrimaryTerm
		fresh.State = &StateMetadata{Name: pol.DefaultState, StartTime: now}
		fresh.RetryInfo = &PolicyRetryInfo{Failed: false}
		fresh.Info = map[string]any{"message": fmt.Sprintf("Successfully initialized policy: %s", pol.ID)}
		return fresh
	}

	// Metadata exists but the policy could not be loaded: preserve what
	// we have, mark retry-failed.
	if pol == nil {
		failed := md.WithMessage(fmt.Sprintf("Fail to load policy: %s", policyID))
		failed.RetryInfo = &PolicyRetryInfo{Failed: true}
		return failed
	}

	// First bind: adopt the policy's identifiers.
	if md.PolicySeqNo == nil || md.PolicyPrimaryTerm == nil {
		bound := md.WithMessage(fmt.Sprintf("Successfully initialized policy: %s", pol.ID))
		bound.PolicySeqNo = &pol.SeqNo
		bound.PolicyPrimaryTerm = &pol.PrimaryTerm
		bound.PolicyID = pol.ID
		if bound.State == nil {
			bound.State = &StateMetadata{Name: pol.DefaultState, StartTime: now}
		}
		bound.RetryInfo = &PolicyRetryInfo{Failed: false}
		return bound
	}

	// Identifiers agree: nothing to change.
	if md.PolicyRevisionMatches(pol.SeqNo, pol.PrimaryTerm) {
		return md.WithMessage(fmt.Sprintf("Successfully initialized policy: %s", pol.ID))
	}

	// Identifiers diverged: the stored policy moved underneath the job.
	diverged := md.WithMessage(fmt.Sprintf(
		"Fail to load policy: %s with seqNo %d primaryTerm %d", pol.ID, pol.SeqNo, pol.PrimaryTerm))
	diverged.RetryInfo = &PolicyRetryInfo{Failed: true}
	return diverged
}

// initChangePolicy performs the two-document swap. The metadata document
// moves first; only an acknowledged metadata write lets the config follow.
// A failure in between leaves invariant-preserving state: the next tick
// retries from the original config.
func (r *Runner) initChangePolicy(ctx context.Context, cfg *ManagedIndexConfig, cfgCAS *metastore.CAS, md *ManagedIndexMetadata, mdCAS *metastore.CAS, logger *zap.Logger) error {
	change := cfg.ChangePolicy

	pol, err := r.deps.Registry.Get(ctx, change.PolicyID)
	if err != nil {
		return fmt.Errorf("resolve change policy %s: %w", change.PolicyID, err)
	}
	if pol == nil {
		failed := md.WithMessage(fmt.Sprintf("Fail to load change policy: %s", change.PolicyID))
		failed.RetryInfo = &PolicyRetryInfo{Failed: true}
		return r.persistMetadata(ctx, &failed, mdCAS)
	}

	// Step 1: metadata first.
	swapped := md.WithMessage(fmt.Sprintf("Attempting to change policy to %s", pol.ID))
	swapped.PolicyID = pol.ID
	swapped.PolicySeqNo = &pol.SeqNo
	swapped.PolicyPrimaryTerm = &pol.PrimaryTerm
	swapped.PolicyCompleted = false
	swapped.Step = nil
	swapped.Action = nil
	swapped.RetryInfo = &PolicyRetryInfo{Failed: false}
	if change.State != "" {
		swapped.TransitionTo = change.State
	}

	if err := r.persistMetadata(ctx, &swapped, mdCAS); err != nil {
		// Config untouched; the whole swap retries next tick.
		return fmt.Errorf("persist change-policy metadata: %w", err)
	}

	// Step 2: config follows.
	cfg.Policy = pol
	cfg.PolicyID = pol.ID
	cfg.PolicySeqNo = &pol.SeqNo
	cfg.PolicyPrimaryTerm = &pol.PrimaryTerm
	cfg.ChangePolicy = nil

	err = r.deps.Retry.Do(ctx, func() error {
		_, putErr := r.deps.Store.PutConfig(ctx, cfg, cfgCAS)
		return putErr
	})
	if err != nil {
		// Metadata already points at the new policy; the policy_id
		// self-heal converges the config on a later tick.
		logger.Warn("Change-policy config write failed; will converge on a later tick",
			zap.String("policy_id", pol.ID),
			zap.Error(err))
		return nil
	}

	// Step 3: best-effort settings update.
	if err := r.deps.Settings.UpdateIndexSetting(ctx, cfg.IndexName, cluster.SettingPolicyID, pol.ID); err != nil {
		logger.Warn("Failed to update policy_id setting after change-policy", zap.Error(err))
	}

	logger.Info("Change-policy completed",
		zap.String("index", cfg.IndexName),
		zap.String("policy_id", pol.ID))
	return nil
}
