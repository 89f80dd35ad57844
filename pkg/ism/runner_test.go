package ism

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/cluster"
	"github.com/qreshi/index-management/pkg/lockservice"
	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/policy"
	"github.com/qreshi/index-management/pkg/retry"
	"github.com/qreshi/index-management/pkg/scheduler"
	"github.com/qreshi/index-management/pkg/snapshotrepo"
)

const testManagementIndex = ".test-ism-config"

type harness struct {
	docs   *metastore.Memory
	store  *Store
	fake   *cluster.Fake
	locks  *lockservice.Memory
	runner *Runner
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	docs := metastore.NewMemory()
	fake := cluster.NewFake()
	store := NewStore(docs, testManagementIndex)
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	runner := NewRunner(RunnerDeps{
		Store:        store,
		Registry:     policy.NewRegistry(docs, testManagementIndex, zap.NewNop()),
		ClusterState: fake,
		Admin:        fake,
		Settings:     docs,
		Snapshots:    snapshotrepo.NewMemory(),
		Retry:        retry.Policy{InitialDelay: time.Millisecond, MaxAttempts: 3},
		Logger:       zap.NewNop(),
		Now:          func() time.Time { return now },
	})

	return &harness{
		docs:   docs,
		store:  store,
		fake:   fake,
		locks:  lockservice.NewMemory(time.Minute),
		runner: runner,
		now:    now,
	}
}

func (h *harness) tick(t *testing.T, jobID string) {
	t.Helper()
	cfg, _, err := h.store.GetConfig(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetConfig() error: %v", err)
	}
	h.runner.RunJob(context.Background(), cfg, scheduler.JobExecutionContext{
		JobID:       jobID,
		LockService: h.locks,
	})
}

func (h *harness) seedPolicy(t *testing.T, id, body string) *policy.Policy {
	t.Helper()
	var raw json.RawMessage = []byte(body)
	doc, err := h.docs.PutDocument(context.Background(), testManagementIndex, id, raw, nil)
	if err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	p, err := policy.Parse(doc.Source, id, doc.SeqNo, doc.PrimaryTerm)
	if err != nil {
		t.Fatalf("parse seeded policy: %v", err)
	}
	return p
}

func (h *harness) seedConfig(t *testing.T, cfg *ManagedIndexConfig) {
	t.Helper()
	if _, err := h.store.PutConfig(context.Background(), cfg, nil); err != nil {
		t.Fatalf("seed config: %v", err)
	}
}

func (h *harness) seedMetadata(t *testing.T, md *ManagedIndexMetadata) {
	t.Helper()
	if _, err := h.store.PutMetadata(context.Background(), md, nil); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
}

func (h *harness) metadata(t *testing.T, indexUUID string) *ManagedIndexMetadata {
	t.Helper()
	md, _, err := h.store.GetMetadata(context.Background(), indexUUID)
	if err != nil {
		t.Fatalf("GetMetadata() error: %v", err)
	}
	return md
}

func (h *harness) config(t *testing.T, jobID string) *ManagedIndexConfig {
	t.Helper()
	cfg, _, err := h.store.GetConfig(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetConfig() error: %v", err)
	}
	return cfg
}

const deletePolicyBody = `{"policy": {
  "default_state": "doomed",
  "states": [{"name": "doomed", "actions": [{"delete": {}}]}]
}}`

const transitionPolicyBody = `{"policy": {
  "default_state": "hot",
  "states": [
    {"name": "hot", "transitions": [{"state_name": "warm"}]},
    {"name": "warm"}
  ]
}}`

func bound(p *policy.Policy, indexName, indexUUID string) (*ManagedIndexConfig, *ManagedIndexMetadata) {
	seqNo, primaryTerm := p.SeqNo, p.PrimaryTerm
	cfg := &ManagedIndexConfig{
		ID:                indexUUID,
		IndexName:         indexName,
		IndexUUID:         indexUUID,
		PolicyID:          p.ID,
		Policy:            p,
		PolicySeqNo:       &seqNo,
		PolicyPrimaryTerm: &primaryTerm,
		Enabled:           true,
		Schedule:          &scheduler.IntervalSchedule{Interval: "5m"},
	}
	md := &ManagedIndexMetadata{
		IndexName:         indexName,
		IndexUUID:         indexUUID,
		PolicyID:          p.ID,
		PolicySeqNo:       &seqNo,
		PolicyPrimaryTerm: &primaryTerm,
		State:             &StateMetadata{Name: p.DefaultState, StartTime: 1},
		RetryInfo:         &PolicyRetryInfo{},
	}
	return cfg, md
}

// S1: fresh initialisation binds the stored policy onto the config and
// writes initial metadata pointing at the default state.
func TestRunner_FreshInitialisation(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", deletePolicyBody)

	h.seedConfig(t, &ManagedIndexConfig{
		ID:        "uuid-1",
		IndexName: "logs-000001",
		IndexUUID: "uuid-1",
		PolicyID:  "p1",
		Enabled:   true,
		Schedule:  &scheduler.IntervalSchedule{Interval: "5m"},
	})
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")

	cfg := h.config(t, "uuid-1")
	if cfg.Policy == nil {
		t.Fatalf("policy not embedded onto config")
	}
	if cfg.Policy.SeqNo != p.SeqNo || cfg.Policy.PrimaryTerm != p.PrimaryTerm {
		t.Fatalf("embedded policy revision mismatch: %d/%d", cfg.Policy.SeqNo, cfg.Policy.PrimaryTerm)
	}

	md := h.metadata(t, "uuid-1")
	if md == nil {
		t.Fatalf("metadata not created")
	}
	if md.State == nil || md.State.Name != "doomed" {
		t.Fatalf("initial state: %+v", md.State)
	}
	if md.RetryInfo == nil || md.RetryInfo.Failed {
		t.Fatalf("fresh init must not be retry-failed: %+v", md.RetryInfo)
	}
	if md.Message() != "Successfully initialized policy: p1" {
		t.Fatalf("init message: %q", md.Message())
	}
	if !md.PolicyRevisionMatches(p.SeqNo, p.PrimaryTerm) {
		t.Fatalf("metadata not bound to policy revision")
	}
}

// S2: metadata bound to a different policy revision marks the job
// retry-failed instead of silently rebinding.
func TestRunner_DivergentPolicyRevision(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", deletePolicyBody)

	staleSeq, staleTerm := p.SeqNo+5, p.PrimaryTerm+1
	h.seedConfig(t, &ManagedIndexConfig{
		ID:        "uuid-1",
		IndexName: "logs-000001",
		IndexUUID: "uuid-1",
		PolicyID:  "p1",
		Enabled:   true,
		Schedule:  &scheduler.IntervalSchedule{Interval: "5m"},
	})
	h.seedMetadata(t, &ManagedIndexMetadata{
		IndexName:         "logs-000001",
		IndexUUID:         "uuid-1",
		PolicyID:          "p1",
		PolicySeqNo:       &staleSeq,
		PolicyPrimaryTerm: &staleTerm,
	})
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")

	md := h.metadata(t, "uuid-1")
	if md.RetryInfo == nil || !md.RetryInfo.Failed {
		t.Fatalf("diverged revision must mark retry-failed: %+v", md.RetryInfo)
	}
	if !strings.HasPrefix(md.Message(), "Fail to load policy") {
		t.Fatalf("message: %q", md.Message())
	}
}

// S3: a STARTING step observed at entry flags the job for retry and does
// not re-run the side effect.
func TestRunner_StartingStateRecovery(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", deletePolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	md.Action = &ActionMetadata{Name: "delete", StartTime: 1, Index: 0}
	md.Step = &StepMetadata{Name: "delete_index", StartTime: 1, Status: StepStarting}
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")

	got := h.metadata(t, "uuid-1")
	if got.RetryInfo == nil || !got.RetryInfo.Failed || got.RetryInfo.ConsumedRetries != 0 {
		t.Fatalf("expected retry_info{failed, 0}, got %+v", got.RetryInfo)
	}
	if len(h.fake.Deletes()) != 0 {
		t.Fatalf("delete side effect must not re-run: %v", h.fake.Deletes())
	}
}

// Property 1: when the starting metadata write fails, the side effect
// never runs.
func TestRunner_FailedStartingWriteSkipsExecute(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", deletePolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.docs.PutHook = func(index, id string) error {
		if strings.HasSuffix(id, metadataDocSuffix) {
			return errors.New("store rejected the write")
		}
		return nil
	}

	h.tick(t, "uuid-1")

	if len(h.fake.Deletes()) != 0 {
		t.Fatalf("execute ran despite failed starting write: %v", h.fake.Deletes())
	}
}

// Invariant 5: a successful delete terminates the lineage; both job
// documents are removed and no post-execute metadata write happens.
func TestRunner_SuccessfulDeleteTerminatesLineage(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", deletePolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")

	if got := h.fake.Deletes(); len(got) != 1 || got[0] != "logs-000001" {
		t.Fatalf("expected one index delete, got %v", got)
	}
	if md := h.metadata(t, "uuid-1"); md != nil {
		t.Fatalf("metadata document should be gone, got %+v", md)
	}
	if cfg := h.config(t, "uuid-1"); cfg != nil {
		t.Fatalf("config document should be gone")
	}
}

// S4 / property 3: the change-policy swap writes metadata first; a failed
// metadata write leaves the config untouched, and the next tick completes
// the swap.
func TestRunner_ChangePolicySwap(t *testing.T) {
	h := newHarness(t)
	p1 := h.seedPolicy(t, "p1", deletePolicyBody)
	h.seedPolicy(t, "p2", transitionPolicyBody)

	cfg, md := bound(p1, "logs-000001", "uuid-1")
	cfg.ChangePolicy = &ChangePolicy{PolicyID: "p2", State: "warm"}
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	// First tick: every metadata write fails.
	h.docs.PutHook = func(index, id string) error {
		if strings.HasSuffix(id, metadataDocSuffix) {
			return errors.New("metadata write rejected")
		}
		return nil
	}
	h.tick(t, "uuid-1")

	cfgAfter := h.config(t, "uuid-1")
	if cfgAfter.PolicyID != "p1" || cfgAfter.ChangePolicy == nil {
		t.Fatalf("config must be untouched after failed metadata write: %+v", cfgAfter)
	}

	// Second tick: writes succeed and the swap completes.
	h.docs.PutHook = nil
	h.tick(t, "uuid-1")

	cfgAfter = h.config(t, "uuid-1")
	if cfgAfter.PolicyID != "p2" || cfgAfter.ChangePolicy != nil {
		t.Fatalf("swap incomplete: %+v", cfgAfter)
	}
	mdAfter := h.metadata(t, "uuid-1")
	if mdAfter.PolicyID != "p2" || mdAfter.TransitionTo != "warm" {
		t.Fatalf("metadata not swapped: %+v", mdAfter)
	}
	if !mdAfter.PolicyRevisionMatches(cfgAfter.Policy.SeqNo, cfgAfter.Policy.PrimaryTerm) {
		t.Fatalf("metadata revision does not match new policy")
	}
}

// Property 4: a diverged policy_id index setting is healed within one tick.
func TestRunner_SelfHealsPolicyIDSetting(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", transitionPolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "somebody-else"})

	h.tick(t, "uuid-1")

	v, ok := h.docs.Setting("logs-000001", cluster.SettingPolicyID)
	if !ok || v != "p1" {
		t.Fatalf("policy_id setting not healed: %v %v", v, ok)
	}
}

// Property 6: ticking a completed job disables it once; subsequent ticks
// perform no further writes.
func TestRunner_CompletedJobIdempotence(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", transitionPolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	md.PolicyCompleted = true
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")

	if got := h.config(t, "uuid-1"); got.Enabled {
		t.Fatalf("completed job must be disabled")
	}

	writes := 0
	h.docs.PutHook = func(index, id string) error {
		writes++
		return nil
	}
	h.tick(t, "uuid-1")
	if writes != 0 {
		t.Fatalf("second tick on a completed job wrote %d documents", writes)
	}
}

// S6: under lease contention exactly one tick does work; the loser
// returns without writing.
func TestRunner_LeaseContention(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", transitionPolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	// Another node holds the lease.
	lease, err := h.locks.Acquire(context.Background(), "uuid-1")
	if err != nil || lease == nil {
		t.Fatalf("pre-acquire failed: %v", err)
	}

	writes := 0
	h.docs.PutHook = func(index, id string) error {
		writes++
		return nil
	}
	h.tick(t, "uuid-1")
	if writes != 0 {
		t.Fatalf("contended tick wrote %d documents", writes)
	}

	h.locks.Release(context.Background(), lease)
	h.docs.PutHook = nil
	h.tick(t, "uuid-1")
	if got := h.metadata(t, "uuid-1"); got.TransitionTo != "warm" {
		t.Fatalf("uncontended tick should have progressed: %+v", got)
	}
}

// Transitions: the synthetic transition action records transition_to, and
// the next tick enters the new state.
func TestRunner_TransitionFlow(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", transitionPolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")
	got := h.metadata(t, "uuid-1")
	if got.TransitionTo != "warm" {
		t.Fatalf("transition_to not recorded: %+v", got)
	}

	h.tick(t, "uuid-1")
	got = h.metadata(t, "uuid-1")
	if got.State == nil || got.State.Name != "warm" {
		t.Fatalf("state not moved: %+v", got.State)
	}
	if got.TransitionTo != "" {
		t.Fatalf("transition_to should clear on entry: %+v", got)
	}
}

// A state with neither actions nor transitions completes the policy, and
// the following tick disables the job.
func TestRunner_PolicyCompletion(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", transitionPolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	md.State = &StateMetadata{Name: "warm", StartTime: 1}
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")
	got := h.metadata(t, "uuid-1")
	if !got.PolicyCompleted {
		t.Fatalf("policy should be completed: %+v", got)
	}

	h.tick(t, "uuid-1")
	if cfgAfter := h.config(t, "uuid-1"); cfgAfter.Enabled {
		t.Fatalf("completed job should be disabled")
	}
}

// Backoff: a failed action with consumed retries waits out its delay.
func TestRunner_ActionBackoff(t *testing.T) {
	h := newHarness(t)
	p := h.seedPolicy(t, "p1", deletePolicyBody)

	cfg, md := bound(p, "logs-000001", "uuid-1")
	md.Action = &ActionMetadata{
		Name:            "delete",
		StartTime:       epochMillis(h.now.Add(-time.Second)),
		Index:           0,
		ConsumedRetries: 1,
		LastRetryTime:   epochMillis(h.now.Add(-time.Second)),
	}
	md.Step = &StepMetadata{Name: "delete_index", StartTime: 1, Status: StepFailed}
	h.seedConfig(t, cfg)
	h.seedMetadata(t, md)
	h.fake.AddIndex(cluster.IndexMetadata{Name: "logs-000001", UUID: "uuid-1", PolicyID: "p1"})

	h.tick(t, "uuid-1")

	if len(h.fake.Deletes()) != 0 {
		t.Fatalf("backing-off action must not execute: %v", h.fake.Deletes())
	}
}

func TestShouldBackoff(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	retryCfg := policy.RetryConfig{Count: 3, Backoff: "exponential", Delay: policy.TimeValue(time.Minute)}

	tests := []struct {
		name string
		meta *ActionMetadata
		want bool
	}{
		{"nil metadata", nil, false},
		{"no consumed retries", &ActionMetadata{ConsumedRetries: 0}, false},
		{"recent failure backs off", &ActionMetadata{
			ConsumedRetries: 1,
			LastRetryTime:   now.Add(-10 * time.Second).UnixMilli(),
		}, true},
		{"elapsed delay proceeds", &ActionMetadata{
			ConsumedRetries: 1,
			LastRetryTime:   now.Add(-2 * time.Minute).UnixMilli(),
		}, false},
		{"exponential growth", &ActionMetadata{
			ConsumedRetries: 3,
			LastRetryTime:   now.Add(-2 * time.Minute).UnixMilli(),
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ShouldBackoff(tt.meta, retryCfg, now)
			if got != tt.want {
				t.Fatalf("ShouldBackoff() = %v, want %v", got, tt.want)
			}
		})
	}
}

func ExampleShouldBackoff() {
	meta := &ActionMetadata{ConsumedRetries: 2, LastRetryTime: time.Now().UnixMilli()}
	wait, remaining := ShouldBackoff(meta, policy.DefaultRetry, time.Now())
	fmt.Println(wait, remaining > time.Minute)
	// Output: true true
}
