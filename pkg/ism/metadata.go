// Package ism implements policy-driven index state management: the managed
// index job documents, the step/action contract, the action catalog, and
// the per-tick runner.
package ism

import (
	"encoding/json"
	"time"
)

// StepStatus is the persisted outcome of a step within a tick.
//
// NOTE: These values are part of the stable stored contract. STARTING
// observed at the top of a tick means the prior tick failed to persist its
// completion; the runner must not re-run the side effect.
type StepStatus string

const (
	StepStarting  StepStatus = "starting"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StateMetadata records which policy state the index is in.
type StateMetadata struct {
	Name      string `json:"name"`
	StartTime int64  `json:"start_time"`
}

// ActionMetadata records which action within the state is in flight.
type ActionMetadata struct {
	Name            string `json:"name"`
	StartTime       int64  `json:"start_time"`
	Index           int    `json:"index"`
	Failed          bool   `json:"failed"`
	ConsumedRetries int64  `json:"consumed_retries"`
	LastRetryTime   int64  `json:"last_retry_time,omitempty"`
}

// StepMetadata records the step in flight and its status.
type StepMetadata struct {
	Name      string     `json:"name"`
	StartTime int64      `json:"start_time"`
	Status    StepStatus `json:"step_status"`
}

// PolicyRetryInfo marks a job that needs operator attention before it can
// make progress again.
type PolicyRetryInfo struct {
	Failed          bool  `json:"failed"`
	ConsumedRetries int64 `json:"consumed_retries"`
}

// ManagedIndexMetadata is the job-metadata document: where the managed
// index is in its policy. It is the second half of the persisted state
// machine, kept consistent with the config document through strictly
// ordered CAS writes.
type ManagedIndexMetadata struct {
	IndexName string `json:"index"`
	IndexUUID string `json:"index_uuid"`
	PolicyID  string `json:"policy_id"`

	PolicySeqNo       *int64 `json:"policy_seq_no,omitempty"`
	PolicyPrimaryTerm *int64 `json:"policy_primary_term,omitempty"`
	PolicyCompleted   bool   `json:"policy_completed,omitempty"`

	RolledOver   bool   `json:"rolled_over,omitempty"`
	WasReadOnly  bool   `json:"was_read_only,omitempty"`
	TransitionTo string `json:"transition_to,omitempty"`

	State     *StateMetadata   `json:"state,omitempty"`
	Action    *ActionMetadata  `json:"action,omitempty"`
	Step      *StepMetadata    `json:"step,omitempty"`
	RetryInfo *PolicyRetryInfo `json:"retry_info,omitempty"`

	Info map[string]any `json:"info,omitempty"`
}

// Clone returns a deep copy; metadata values flow through pure
// transformations and must never alias.
func (m ManagedIndexMetadata) Clone() ManagedIndexMetadata {
	cp := m
	if m.PolicySeqNo != nil {
		v := *m.PolicySeqNo
		cp.PolicySeqNo = &v
	}
	if m.PolicyPrimaryTerm != nil {
		v := *m.PolicyPrimaryTerm
		cp.PolicyPrimaryTerm = &v
	}
	if m.State != nil {
		v := *m.State
		cp.State = &v
	}
	if m.Action != nil {
		v := *m.Action
		cp.Action = &v
	}
	if m.Step != nil {
		v := *m.Step
		cp.Step = &v
	}
	if m.RetryInfo != nil {
		v := *m.RetryInfo
		cp.RetryInfo = &v
	}
	if m.Info != nil {
		info := make(map[string]any, len(m.Info))
		for k, v := range m.Info {
			info[k] = v
		}
		cp.Info = info
	}
	return cp
}

// WithMessage returns a copy whose info carries the given message.
func (m ManagedIndexMetadata) WithMessage(msg string) ManagedIndexMetadata {
	cp := m.Clone()
	cp.Info = map[string]any{"message": msg}
	return cp
}

// Message returns info["message"], if present.
func (m *ManagedIndexMetadata) Message() string {
	if m == nil || m.Info == nil {
		return ""
	}
	s, _ := m.Info["message"].(string)
	return s
}

// Failed reports whether the job is stalled: either the policy-level retry
// info says so, or the in-flight action has exhausted its retries.
func (m *ManagedIndexMetadata) Failed() bool {
	if m == nil {
		return false
	}
	if m.RetryInfo != nil && m.RetryInfo.Failed {
		return true
	}
	return m.Action != nil && m.Action.Failed
}

// PolicyRevisionMatches compares the bound revision to (seqNo, term).
// Unbound metadata (nil identifiers) matches nothing.
func (m *ManagedIndexMetadata) PolicyRevisionMatches(seqNo, primaryTerm int64) bool {
	if m == nil || m.PolicySeqNo == nil || m.PolicyPrimaryTerm == nil {
		return false
	}
	return *m.PolicySeqNo == seqNo && *m.PolicyPrimaryTerm == primaryTerm
}

// IsSuccessfulDelete reports that the delete step completed: the index is
// gone and no further metadata may be written for it.
func (m *ManagedIndexMetadata) IsSuccessfulDelete() bool {
	if m == nil || m.Action == nil || m.Step == nil {
		return false
	}
	return m.Action.Name == "delete" && m.Step.Status == StepCompleted
}

// MarshalBinary makes metadata usable where raw bytes are needed.
func (m ManagedIndexMetadata) MarshalBinary() ([]byte, error) {
	return json.Marshal(m)
}

func epochMillis(t time.Time) int64 { return t.UnixMilli() }
