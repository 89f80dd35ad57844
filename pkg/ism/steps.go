package ism

import (
	"context"
	"fmt"
	"time"

	"github.com/qreshi/index-management/pkg/policy"
	"github.com/qreshi/index-management/pkg/snapshotrepo"
)

// stepOutcome is the record each step leaves behind for UpdatedMetadata.
type stepOutcome struct {
	failed  bool
	message string
}

// fold writes the outcome into a fresh copy of current.
func (o stepOutcome) fold(current ManagedIndexMetadata, stepName string, now time.Time) ManagedIndexMetadata {
	cp := current.Clone()

	status := StepCompleted
	if o.failed {
		status = StepFailed
	}

	startTime := epochMillis(now)
	if cp.Step != nil && cp.Step.Name == stepName {
		startTime = cp.Step.StartTime
	}
	cp.Step = &StepMetadata{Name: stepName, StartTime: startTime, Status: status}
	if o.message != "" {
		cp.Info = map[string]any{"message": o.message}
	}
	return cp
}

// openStep opens a closed index.
type openStep struct {
	ctx     stepContext
	outcome stepOutcome
}

func (s *openStep) Name() string { return "open_index" }

func (s *openStep) Execute(ctx context.Context) error {
	if err := s.ctx.admin.OpenIndex(ctx, s.ctx.index.Name); err != nil {
		s.outcome = stepOutcome{failed: true, message: fmt.Sprintf("Failed to open index [%s]: %s", s.ctx.index.Name, err)}
		return err
	}
	s.outcome = stepOutcome{message: fmt.Sprintf("Successfully opened index [%s]", s.ctx.index.Name)}
	return nil
}

func (s *openStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	return s.outcome.fold(current, s.Name(), s.ctx.clock())
}

// closeStep closes the index, remembering whether writes were blocked so
// a later open can restore the previous posture.
type closeStep struct {
	ctx     stepContext
	outcome stepOutcome
}

func (s *closeStep) Name() string { return "close_index" }

func (s *closeStep) Execute(ctx context.Context) error {
	if err := s.ctx.admin.CloseIndex(ctx, s.ctx.index.Name); err != nil {
		s.outcome = stepOutcome{failed: true, message: fmt.Sprintf("Failed to close index [%s]: %s", s.ctx.index.Name, err)}
		return err
	}
	s.outcome = stepOutcome{message: fmt.Sprintf("Successfully closed index [%s]", s.ctx.index.Name)}
	return nil
}

func (s *closeStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	md := s.outcome.fold(current, s.Name(), s.ctx.clock())
	if !s.outcome.failed {
		md.WasReadOnly = s.ctx.index.WriteBlocked
	}
	return md
}

// writeBlockStep toggles the index write block (read_only / read_write).
type writeBlockStep struct {
	ctx     stepContext
	block   bool
	name    string
	outcome stepOutcome
}

func (s *writeBlockStep) Name() string { return s.name }

func (s *writeBlockStep) Execute(ctx context.Context) error {
	if err := s.ctx.admin.SetWriteBlock(ctx, s.ctx.index.Name, s.block); err != nil {
		s.outcome = stepOutcome{failed: true, message: fmt.Sprintf("Failed to update write block on [%s]: %s", s.ctx.index.Name, err)}
		return err
	}
	verb := "read-only"
	if !s.block {
		verb = "read-write"
	}
	s.outcome = stepOutcome{message: fmt.Sprintf("Successfully set index [%s] to %s", s.ctx.index.Name, verb)}
	return nil
}

func (s *writeBlockStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	md := s.outcome.fold(current, s.Name(), s.ctx.clock())
	if !s.outcome.failed {
		md.WasReadOnly = s.block
	}
	return md
}

// rolloverStep requests a conditional rollover of the write alias.
type rolloverStep struct {
	ctx        stepContext
	cfg        *policy.RolloverAction
	outcome    stepOutcome
	rolledOver bool
}

func (s *rolloverStep) Name() string { return "attempt_rollover" }

func (s *rolloverStep) Execute(ctx context.Context) error {
	alias := s.ctx.index.RolloverAlias
	if alias == "" {
		err := fmt.Errorf("index [%s] has no rollover alias configured", s.ctx.index.Name)
		s.outcome = stepOutcome{failed: true, message: err.Error()}
		return err
	}

	conditions := map[string]any{}
	if s.cfg != nil {
		if s.cfg.MinDocCount > 0 {
			conditions["max_docs"] = s.cfg.MinDocCount
		}
		if s.cfg.MinIndexAge.Duration() > 0 {
			conditions["max_age"] = s.cfg.MinIndexAge.String()
		}
		if s.cfg.MinSize.Bytes() > 0 {
			conditions["max_size"] = s.cfg.MinSize.String()
		}
	}

	result, err := s.ctx.admin.Rollover(ctx, alias, conditions)
	if err != nil {
		s.outcome = stepOutcome{failed: true, message: fmt.Sprintf("Failed to roll over alias [%s]: %s", alias, err)}
		return err
	}

	if result.RolledOver {
		s.rolledOver = true
		s.outcome = stepOutcome{message: fmt.Sprintf("Successfully rolled over alias [%s] to [%s]", alias, result.NewIndex)}
	} else {
		s.outcome = stepOutcome{message: fmt.Sprintf("Rollover conditions not yet met for alias [%s]", alias)}
	}
	return nil
}

func (s *rolloverStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	md := s.outcome.fold(current, s.Name(), s.ctx.clock())
	if s.rolledOver {
		md.RolledOver = true
	}
	return md
}

// deleteStep deletes the managed index. A completed delete terminates the
// metadata lineage; the runner must not write metadata afterwards.
type deleteStep struct {
	ctx     stepContext
	outcome stepOutcome
}

func (s *deleteStep) Name() string { return "delete_index" }

func (s *deleteStep) Execute(ctx context.Context) error {
	if err := s.ctx.admin.DeleteIndex(ctx, s.ctx.index.Name); err != nil {
		s.outcome = stepOutcome{failed: true, message: fmt.Sprintf("Failed to delete index [%s]: %s", s.ctx.index.Name, err)}
		return err
	}
	s.outcome = stepOutcome{message: fmt.Sprintf("Successfully deleted index [%s]", s.ctx.index.Name)}
	return nil
}

func (s *deleteStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	return s.outcome.fold(current, s.Name(), s.ctx.clock())
}

// forceMergeStep merges the index down to the configured segment count.
type forceMergeStep struct {
	ctx     stepContext
	cfg     *policy.ForceMergeAction
	outcome stepOutcome
}

func (s *forceMergeStep) Name() string { return "force_merge" }

func (s *forceMergeStep) Execute(ctx context.Context) error {
	segments := 1
	if s.cfg != nil && s.cfg.MaxNumSegments > 0 {
		segments = s.cfg.MaxNumSegments
	}
	if err := s.ctx.admin.ForceMerge(ctx, s.ctx.index.Name, segments); err != nil {
		s.outcome = stepOutcome{failed: true, message: fmt.Sprintf("Failed to force merge index [%s]: %s", s.ctx.index.Name, err)}
		return err
	}
	s.outcome = stepOutcome{message: fmt.Sprintf("Successfully force merged index [%s] to %d segments", s.ctx.index.Name, segments)}
	return nil
}

func (s *forceMergeStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	return s.outcome.fold(current, s.Name(), s.ctx.clock())
}

// snapshotStep writes a snapshot manifest through the repository.
type snapshotStep struct {
	ctx     stepContext
	cfg     *policy.SnapshotAction
	outcome stepOutcome
}

func (s *snapshotStep) Name() string { return "attempt_snapshot" }

func (s *snapshotStep) Execute(ctx context.Context) error {
	if s.cfg == nil || s.cfg.Repository == "" || s.cfg.Snapshot == "" {
		err := fmt.Errorf("snapshot action requires repository and snapshot names")
		s.outcome = stepOutcome{failed: true, message: err.Error()}
		return err
	}
	if s.ctx.snapshots == nil {
		err := fmt.Errorf("no snapshot repository configured")
		s.outcome = stepOutcome{failed: true, message: err.Error()}
		return err
	}

	err := s.ctx.snapshots.PutManifest(ctx, snapshotrepo.Manifest{
		Repository: s.cfg.Repository,
		Snapshot:   s.cfg.Snapshot,
		IndexName:  s.ctx.index.Name,
		IndexUUID:  s.ctx.index.UUID,
		TakenAt:    s.ctx.clock(),
	})
	if err != nil {
		s.outcome = stepOutcome{failed: true, message: fmt.Sprintf("Failed to snapshot index [%s]: %s", s.ctx.index.Name, err)}
		return err
	}
	s.outcome = stepOutcome{message: fmt.Sprintf("Successfully started snapshot of index [%s]", s.ctx.index.Name)}
	return nil
}

func (s *snapshotStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	return s.outcome.fold(current, s.Name(), s.ctx.clock())
}
