// Package policy defines lifecycle policies: named state machines of
// states, actions, and transitions, stored as typed envelope documents in
// the management index.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Policy is a named state machine applied to managed indices.
//
// SeqNo and PrimaryTerm identify the exact stored revision the policy was
// loaded from; a managed index bound to one revision never silently
// rebinds to another.
type Policy struct {
	ID           string        `json:"-"`
	Description  string        `json:"description,omitempty"`
	DefaultState string        `json:"default_state"`
	States       []State       `json:"states"`
	ISMTemplates []ISMTemplate `json:"ism_template,omitempty"`

	SeqNo       int64 `json:"-"`
	PrimaryTerm int64 `json:"-"`
}

// State groups the actions executed while an index is in it, and the
// transitions that can move the index onward.
type State struct {
	Name        string         `json:"name"`
	Actions     []ActionConfig `json:"actions,omitempty"`
	Transitions []Transition   `json:"transitions,omitempty"`
}

// Transition moves an index to another state once its conditions hold.
// A nil Conditions means the transition is always eligible.
type Transition struct {
	StateName  string      `json:"state_name"`
	Conditions *Conditions `json:"conditions,omitempty"`
}

// Conditions gate a transition. All set fields must hold.
type Conditions struct {
	MinIndexAge TimeValue `json:"min_index_age,omitempty"`
	MinDocCount int64     `json:"min_doc_count,omitempty"`
	MinSize     ByteSize  `json:"min_size,omitempty"`
}

// RetryConfig bounds retries of a failed action.
type RetryConfig struct {
	Count   int64     `json:"count"`
	Backoff string    `json:"backoff,omitempty"`
	Delay   TimeValue `json:"delay,omitempty"`
}

// DefaultRetry applies when an action declares no retry block.
var DefaultRetry = RetryConfig{Count: 3, Backoff: "exponential", Delay: TimeValue(time.Minute)}

// ActionConfig is the typed-union action declaration. Exactly one of the
// action members is non-nil.
type ActionConfig struct {
	Retry   *RetryConfig `json:"retry,omitempty"`
	Timeout TimeValue    `json:"timeout,omitempty"`

	Open       *OpenAction       `json:"open,omitempty"`
	Close      *CloseAction      `json:"close,omitempty"`
	ReadOnly   *ReadOnlyAction   `json:"read_only,omitempty"`
	ReadWrite  *ReadWriteAction  `json:"read_write,omitempty"`
	Rollover   *RolloverAction   `json:"rollover,omitempty"`
	Delete     *DeleteAction     `json:"delete,omitempty"`
	ForceMerge *ForceMergeAction `json:"force_merge,omitempty"`
	Snapshot   *SnapshotAction   `json:"snapshot,omitempty"`
}

type OpenAction struct{}
type CloseAction struct{}
type ReadOnlyAction struct{}
type ReadWriteAction struct{}

// RolloverAction rolls the write alias when any condition is met.
type RolloverAction struct {
	MinDocCount int64     `json:"min_doc_count,omitempty"`
	MinIndexAge TimeValue `json:"min_index_age,omitempty"`
	MinSize     ByteSize  `json:"min_size,omitempty"`
}

type DeleteAction struct{}

// ForceMergeAction merges the index down to MaxNumSegments.
type ForceMergeAction struct {
	MaxNumSegments int `json:"max_num_segments"`
}

// SnapshotAction writes a snapshot through the configured repository.
type SnapshotAction struct {
	Repository string `json:"repository"`
	Snapshot   string `json:"snapshot"`
}

// Type returns the action discriminator used in metadata and logs.
func (a *ActionConfig) Type() string {
	switch {
	case a == nil:
		return ""
	case a.Open != nil:
		return "open"
	case a.Close != nil:
		return "close"
	case a.ReadOnly != nil:
		return "read_only"
	case a.ReadWrite != nil:
		return "read_write"
	case a.Rollover != nil:
		return "rollover"
	case a.Delete != nil:
		return "delete"
	case a.ForceMerge != nil:
		return "force_merge"
	case a.Snapshot != nil:
		return "snapshot"
	default:
		return ""
	}
}

// RetryOrDefault returns the action's retry block, or the default.
func (a *ActionConfig) RetryOrDefault() RetryConfig {
	if a != nil && a.Retry != nil {
		return *a.Retry
	}
	return DefaultRetry
}

// State returns the named state, or nil.
func (p *Policy) State(name string) *State {
	if p == nil {
		return nil
	}
	for i := range p.States {
		if p.States[i].Name == name {
			return &p.States[i]
		}
	}
	return nil
}

// Validate checks the structural invariants of a policy.
func (p *Policy) Validate() error {
	if p == nil {
		return fmt.Errorf("policy is nil")
	}
	if strings.TrimSpace(p.DefaultState) == "" {
		return fmt.Errorf("policy default_state is required")
	}
	if len(p.States) == 0 {
		return fmt.Errorf("policy must declare at least one state")
	}

	names := make(map[string]bool, len(p.States))
	for _, s := range p.States {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("state name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate state name: %s", s.Name)
		}
		names[s.Name] = true

		for i := range s.Actions {
			if s.Actions[i].Type() == "" {
				return fmt.Errorf("state %s: action %d declares no known action type", s.Name, i)
			}
		}
	}
	if !names[p.DefaultState] {
		return fmt.Errorf("default_state %q is not a declared state", p.DefaultState)
	}
	for _, s := range p.States {
		for _, tr := range s.Transitions {
			if !names[tr.StateName] {
				return fmt.Errorf("state %s: transition to unknown state %q", s.Name, tr.StateName)
			}
		}
	}
	return nil
}

// Envelope is the typed storage form: { "policy": { ... } }.
type Envelope struct {
	Policy Policy `json:"policy"`
}

// Parse decodes a typed envelope, attaching id and revision identifiers.
func Parse(source []byte, id string, seqNo, primaryTerm int64) (*Policy, error) {
	var env Envelope
	if err := json.Unmarshal(source, &env); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", id, err)
	}
	p := env.Policy
	p.ID = id
	p.SeqNo = seqNo
	p.PrimaryTerm = primaryTerm
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", id, err)
	}
	return &p, nil
}
