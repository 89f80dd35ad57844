package ism

import (
	"context"
	"time"

	"github.com/qreshi/index-management/pkg/cluster"
	"github.com/qreshi/index-management/pkg/policy"
	"github.com/qreshi/index-management/pkg/snapshotrepo"
)

// Step is the smallest executable unit of an action.
//
// Execute performs the side effect and records the outcome on the step
// value. UpdatedMetadata is pure: it folds the recorded outcome into a
// new metadata value without touching the store.
type Step interface {
	Name() string
	Execute(ctx context.Context) error
	UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata
}

// Action is the capability set every catalog entry implements.
type Action interface {
	Type() string
	Config() policy.ActionConfig
	Steps() []Step
	StepToExecute(md *ManagedIndexMetadata) Step
}

// ShouldBackoff reports whether a failed action must wait before its next
// retry, and how long. Fresh actions (no consumed retries) never back off.
func ShouldBackoff(actionMeta *ActionMetadata, retryCfg policy.RetryConfig, now time.Time) (bool, time.Duration) {
	if actionMeta == nil || actionMeta.ConsumedRetries == 0 {
		return false, 0
	}

	base := retryCfg.Delay.Duration()
	if base <= 0 {
		base = time.Minute
	}

	var wait time.Duration
	switch retryCfg.Backoff {
	case "constant":
		wait = base
	case "linear":
		wait = base * time.Duration(actionMeta.ConsumedRetries)
	default: // exponential
		wait = base << uint(actionMeta.ConsumedRetries-1)
	}

	since := actionMeta.LastRetryTime
	if since == 0 {
		since = actionMeta.StartTime
	}
	nextAttempt := time.UnixMilli(since).Add(wait)
	if now.Before(nextAttempt) {
		return true, nextAttempt.Sub(now)
	}
	return false, 0
}

// stepContext carries the collaborators a step may need. Steps receive it
// by value at construction; nothing in it is mutated during a tick.
type stepContext struct {
	admin     cluster.Admin
	index     *cluster.IndexMetadata
	snapshots snapshotrepo.Repository
	now       func() time.Time
}

func (c stepContext) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// baseAction implements the shared bookkeeping of catalog entries.
type baseAction struct {
	actionType string
	config     policy.ActionConfig
	steps      []Step
}

func (a *baseAction) Type() string                { return a.actionType }
func (a *baseAction) Config() policy.ActionConfig { return a.config }
func (a *baseAction) Steps() []Step               { return a.steps }

// StepToExecute resumes the recorded step when it belongs to this action
// and has not completed; otherwise it starts from the next step in order,
// or the first.
func (a *baseAction) StepToExecute(md *ManagedIndexMetadata) Step {
	if len(a.steps) == 0 {
		return nil
	}
	if md == nil || md.Action == nil || md.Action.Name != a.actionType || md.Step == nil {
		return a.steps[0]
	}

	for i, step := range a.steps {
		if step.Name() != md.Step.Name {
			continue
		}
		switch md.Step.Status {
		case StepCompleted:
			if i+1 < len(a.steps) {
				return a.steps[i+1]
			}
			return a.steps[i]
		default:
			return a.steps[i]
		}
	}
	return a.steps[0]
}

// NewAction builds the catalog entry for an action config. A nil return
// means the config declares no known action type; the runner records an
// error-state metadata for it.
func NewAction(cfg policy.ActionConfig, sc stepContext) Action {
	switch cfg.Type() {
	case "open":
		return newSingleStepAction(cfg, &openStep{ctx: sc})
	case "close":
		return newSingleStepAction(cfg, &closeStep{ctx: sc})
	case "read_only":
		return newSingleStepAction(cfg, &writeBlockStep{ctx: sc, block: true, name: "set_read_only"})
	case "read_write":
		return newSingleStepAction(cfg, &writeBlockStep{ctx: sc, block: false, name: "set_read_write"})
	case "rollover":
		return newSingleStepAction(cfg, &rolloverStep{ctx: sc, cfg: cfg.Rollover})
	case "delete":
		return newSingleStepAction(cfg, &deleteStep{ctx: sc})
	case "force_merge":
		return newSingleStepAction(cfg, &forceMergeStep{ctx: sc, cfg: cfg.ForceMerge})
	case "snapshot":
		return newSingleStepAction(cfg, &snapshotStep{ctx: sc, cfg: cfg.Snapshot})
	default:
		return nil
	}
}

func newSingleStepAction(cfg policy.ActionConfig, step Step) Action {
	return &baseAction{actionType: cfg.Type(), config: cfg, steps: []Step{step}}
}
