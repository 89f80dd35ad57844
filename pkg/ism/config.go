package ism

import (
	"github.com/qreshi/index-management/pkg/policy"
	"github.com/qreshi/index-management/pkg/scheduler"
)

// ChangePolicy is a pending request to move the index to another policy.
// The swap happens at a safe boundary, not mid-action.
type ChangePolicy struct {
	PolicyID string `json:"policy_id"`
	State    string `json:"state,omitempty"`
}

// ManagedIndexConfig is the job-config document: what the managed index
// should be doing. The embedded policy is a snapshot taken at bind time;
// its SeqNo/PrimaryTerm identify the stored revision it came from.
type ManagedIndexConfig struct {
	ID        string `json:"-"`
	IndexName string `json:"index"`
	IndexUUID string `json:"index_uuid"`
	PolicyID  string `json:"policy_id"`

	Policy            *policy.Policy `json:"policy,omitempty"`
	PolicySeqNo       *int64         `json:"policy_seq_no,omitempty"`
	PolicyPrimaryTerm *int64         `json:"policy_primary_term,omitempty"`

	ChangePolicy *ChangePolicy `json:"change_policy,omitempty"`

	Enabled     bool                        `json:"enabled"`
	EnabledTime int64                       `json:"enabled_time,omitempty"`
	LastUpdated int64                       `json:"last_updated_time,omitempty"`
	Schedule    *scheduler.IntervalSchedule `json:"schedule,omitempty"`
}

// JobID implements scheduler.ScheduledJob.
func (c *ManagedIndexConfig) JobID() string { return c.ID }

// JobEnabled implements scheduler.ScheduledJob.
func (c *ManagedIndexConfig) JobEnabled() bool { return c != nil && c.Enabled }

// JobSchedule implements scheduler.ScheduledJob.
func (c *ManagedIndexConfig) JobSchedule() *scheduler.IntervalSchedule { return c.Schedule }

// HasPolicy reports whether the policy snapshot is bound.
func (c *ManagedIndexConfig) HasPolicy() bool { return c != nil && c.Policy != nil }

// managedIndexEnvelope is the stored form of the config document.
type managedIndexEnvelope struct {
	ManagedIndex *ManagedIndexConfig `json:"managed_index"`
}

// metadataEnvelope is the stored form of the metadata document.
type metadataEnvelope struct {
	Metadata *ManagedIndexMetadata `json:"managed_index_metadata"`
}
