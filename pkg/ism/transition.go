package ism

import (
	"context"
	"fmt"
	"time"

	"github.com/qreshi/index-management/pkg/policy"
)

// transitionActionType names the synthetic action appended after a
// state's declared actions.
const transitionActionType = "transition"

// NewTransitionAction builds the synthetic action that evaluates a
// state's transitions once its declared actions have all completed.
func NewTransitionAction(transitions []policy.Transition, sc stepContext) Action {
	return &baseAction{
		actionType: transitionActionType,
		config:     policy.ActionConfig{},
		steps:      []Step{&attemptTransitionStep{ctx: sc, transitions: transitions}},
	}
}

// attemptTransitionStep checks each transition in declared order and
// records the first whose conditions hold. No side effects: the state
// move itself happens when the next tick observes transition_to.
type attemptTransitionStep struct {
	ctx         stepContext
	transitions []policy.Transition
	target      string
	outcome     stepOutcome
}

func (s *attemptTransitionStep) Name() string { return "attempt_transition" }

func (s *attemptTransitionStep) Execute(_ context.Context) error {
	now := s.ctx.clock()

	for _, tr := range s.transitions {
		if s.conditionsMet(tr.Conditions, now) {
			s.target = tr.StateName
			s.outcome = stepOutcome{message: fmt.Sprintf("Transitioning to [%s]", tr.StateName)}
			return nil
		}
	}
	s.outcome = stepOutcome{message: "Attempting to transition"}
	return nil
}

// conditionsMet evaluates a transition's conditions against the index
// snapshot. A nil conditions block is always eligible.
func (s *attemptTransitionStep) conditionsMet(c *policy.Conditions, now time.Time) bool {
	if c == nil {
		return true
	}
	idx := s.ctx.index
	if c.MinIndexAge.Duration() > 0 && idx.Age(now) < c.MinIndexAge.Duration() {
		return false
	}
	if c.MinDocCount > 0 && idx.DocsCount < c.MinDocCount {
		return false
	}
	if c.MinSize.Bytes() > 0 && idx.SizeBytes < c.MinSize.Bytes() {
		return false
	}
	return true
}

func (s *attemptTransitionStep) UpdatedMetadata(current ManagedIndexMetadata) ManagedIndexMetadata {
	md := s.outcome.fold(current, s.Name(), s.ctx.clock())
	if s.target != "" {
		md.TransitionTo = s.target
	}
	return md
}
