package migration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopaaaaaah/rule-tooling/internal/domain"
	"github.com/coopaaaaaah/rule-tooling/internal/repository"
	"github.com/coopaaaaaah/rule-tooling/internal/snapshot"
	"github.com/coopaaaaaah/rule-tooling/internal/transform"
	"github.com/coopaaaaaah/rule-tooling/pkg/validator"
)

type storedRule struct {
	ref     domain.RuleRef
	target  domain.Target
	version uint32
	content string
}

// fakeRules is an in-memory rule store with xmin-style versions
type fakeRules struct {
	rules    map[int64]*storedRule
	listErr  error
	getErr   map[int64]error
	writeErr map[int64]error
	writes   []int64
	onWrite  func(id int64)
}

func newFakeRules(rules ...storedRule) *fakeRules {
	f := &fakeRules{
		rules:    map[int64]*storedRule{},
		getErr:   map[int64]error{},
		writeErr: map[int64]error{},
	}
	for i := range rules {
		r := rules[i]
		if r.target.IsZero() {
			r.target = domain.Target{Kind: domain.TargetRule}
		}
		if r.version == 0 {
			r.version = 1
		}
		f.rules[r.ref.ID] = &r
	}
	return f
}

func (f *fakeRules) ListRules(ctx context.Context, orgID *int64) ([]domain.RuleRef, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	refs := []domain.RuleRef{}
	for _, r := range f.rules {
		if orgID != nil && r.ref.OrgID != *orgID {
			continue
		}
		if !bytes.Contains([]byte(r.content), []byte(`"sender_receiver"`)) {
			continue
		}
		refs = append(refs, r.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

func (f *fakeRules) GetRuleContent(ctx context.Context, ref domain.RuleRef) (domain.Rule, error) {
	if err := f.getErr[ref.ID]; err != nil {
		return domain.Rule{}, err
	}
	r, ok := f.rules[ref.ID]
	if !ok {
		return domain.Rule{}, fmt.Errorf("rule %d: %w", ref.ID, repository.ErrNotFound)
	}
	return domain.Rule{RuleRef: r.ref, Target: r.target, Version: r.version, Content: json.RawMessage(r.content)}, nil
}

func (f *fakeRules) GetTargetContent(ctx context.Context, ref domain.RuleRef, target domain.Target) (domain.Rule, error) {
	rule, err := f.GetRuleContent(ctx, ref)
	if err != nil {
		return rule, err
	}
	if rule.Target != target {
		return domain.Rule{}, fmt.Errorf("target %s: %w", target, repository.ErrNotFound)
	}
	return rule, nil
}

func (f *fakeRules) WriteRuleContent(ctx context.Context, rule domain.Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.writeErr[rule.ID]; err != nil {
		return err
	}
	r, ok := f.rules[rule.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if r.version != rule.Version || r.target != rule.Target {
		return repository.ErrConflict
	}
	r.content = string(rule.Content)
	r.version++
	f.writes = append(f.writes, rule.ID)
	if f.onWrite != nil {
		f.onWrite(rule.ID)
	}
	return nil
}

func (f *fakeRules) content(id int64) string {
	return f.rules[id].content
}

type harness struct {
	rules     *fakeRules
	backend   *snapshot.MemoryBackend
	snapshots *snapshot.Manager
	orch      *Orchestrator
	clock     time.Time
}

func newHarness(t *testing.T, rules *fakeRules) *harness {
	t.Helper()
	mapping, err := transform.NewMapping(transform.DefaultTable())
	require.NoError(t, err)

	h := &harness{
		rules:   rules,
		backend: snapshot.NewMemoryBackend(),
		clock:   time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	h.snapshots = snapshot.NewManager(h.backend)
	runs := 0
	h.orch = NewOrchestrator(rules, h.snapshots, transform.New(mapping), validator.NewContentValidator(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(func() time.Time { return h.clock }),
		WithRunIDs(func() string { runs++; return fmt.Sprintf("run-%d", runs) }),
	)
	return h
}

func (h *harness) tick() {
	h.clock = h.clock.Add(time.Second)
}

const (
	legacySender = `{"specification":{"facts":[{"type":"EVENT_BY_OBJECT_FACTS","name":"f","sender_receiver":"sender"}]}}`
	legacyBoth   = `{"specification":{"facts":[{"type":"EVENT_BY_OBJECT_FACTS","sender_receiver":"both","window":30}]}}`
)

func rule(id int64, content string) storedRule {
	return storedRule{ref: domain.RuleRef{ID: id, OrgID: 10, Status: "ACTIVE"}, content: content}
}

func TestFetch_NoMatchingRules(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, `{"facts":[]}`)))
	scope := domain.NewScope("stg", nil)

	report, err := h.orch.Fetch(context.Background(), scope)
	require.NoError(t, err)

	assert.Equal(t, "0 rules changed", report.Headline())
	assert.False(t, report.HasFailures())
	assert.Equal(t, "fetch/stg.json", report.SnapshotKey)

	snap, err := h.snapshots.ReadFetchSnapshot(context.Background(), scope)
	require.NoError(t, err)
	assert.Empty(t, snap.Rules)
}

func TestFetch_StagesOnlyChangedRules(t *testing.T) {
	h := newHarness(t, newFakeRules(
		rule(1, legacySender),
		rule(2, `{"facts":[{"type":"OTHER","sender_receiver":"sender"}]}`),
		rule(3, `{"EVENT_BY_OBJECT_FACTS":{"sender_receiver":"nobody"}}`),
	))
	scope := domain.NewScope("stg", nil)

	report, err := h.orch.Fetch(context.Background(), scope)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, report.IDs(StatusChanged))
	assert.Equal(t, []int64{2}, report.IDs(StatusUnchanged))
	assert.Equal(t, []int64{3}, report.IDs(StatusFailed))
	assert.Equal(t, KindUnsupportedShape, report.Outcomes[2].ErrorKind)
	assert.True(t, report.HasFailures())

	snap, err := h.snapshots.ReadFetchSnapshot(context.Background(), scope)
	require.NoError(t, err)
	require.Len(t, snap.Rules, 1)
	assert.NotContains(t, string(snap.Rules[0].Content), "sender_receiver")
	assert.Len(t, snap.Rules[0].Changes, 1)
	assert.Empty(t, h.rules.writes, "fetch must not write to the store")
}

func TestFetch_VanishedRuleIsSkipped(t *testing.T) {
	rules := newFakeRules(rule(1, legacySender), rule(2, legacySender))
	rules.getErr[2] = fmt.Errorf("rule 2: %w", repository.ErrNotFound)
	h := newHarness(t, rules)

	report, err := h.orch.Fetch(context.Background(), domain.NewScope("stg", nil))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, report.IDs(StatusSkipped))
	assert.False(t, report.HasFailures())
}

func TestFetch_ConnectionFailureAborts(t *testing.T) {
	rules := newFakeRules(rule(1, legacySender), rule(2, legacySender))
	rules.getErr[2] = fmt.Errorf("read: %w", repository.ErrConnection)
	h := newHarness(t, rules)
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(context.Background(), scope)
	require.ErrorIs(t, err, repository.ErrConnection)

	_, err = h.snapshots.ReadFetchSnapshot(context.Background(), scope)
	assert.ErrorIs(t, err, snapshot.ErrNoFetchSnapshot)
}

func TestFetch_ListFailure(t *testing.T) {
	rules := newFakeRules()
	rules.listErr = repository.ErrConnection
	h := newHarness(t, rules)

	_, err := h.orch.Fetch(context.Background(), domain.NewScope("stg", nil))
	assert.ErrorIs(t, err, repository.ErrConnection)
}

func TestFetch_OrgScope(t *testing.T) {
	other := rule(2, legacySender)
	other.ref.OrgID = 99
	h := newHarness(t, newFakeRules(rule(1, legacySender), other))
	org := int64(99)

	report, err := h.orch.Fetch(context.Background(), domain.NewScope("stg", &org))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, report.IDs(StatusChanged))
	assert.Equal(t, "fetch/stg/org_99.json", report.SnapshotKey)
}

func TestApply_WithoutFetchSnapshot(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender)))

	_, err := h.orch.Apply(context.Background(), domain.NewScope("stg", nil))
	require.ErrorIs(t, err, snapshot.ErrNoFetchSnapshot)

	assert.Empty(t, h.rules.writes)
	assert.Empty(t, h.backend.Keys())
}

func TestApply_ConflictStopsBatch(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth), rule(3, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	h.rules.writeErr[2] = repository.ErrConflict

	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, report.IDs(StatusApplied))
	assert.Equal(t, []int64{2}, report.IDs(StatusFailed))
	assert.Equal(t, []int64{3}, report.IDs(StatusSkipped))
	assert.Equal(t, KindConflict, report.Outcomes[1].ErrorKind)
	assert.Equal(t, KindNotAttempted, report.Outcomes[2].ErrorKind)
	assert.True(t, report.HasFailures())

	assert.NotContains(t, h.rules.content(1), "sender_receiver")
	assert.Equal(t, legacyBoth, h.rules.content(2))
	assert.Equal(t, legacySender, h.rules.content(3))

	backup, err := h.snapshots.ReadBackup(ctx, "stg", report.BackupTimestamp)
	require.NoError(t, err)
	require.Len(t, backup.Rules, 3)
	assert.JSONEq(t, legacySender, string(backup.Rules[0].Content))
	assert.JSONEq(t, legacyBoth, string(backup.Rules[1].Content))
}

func TestApply_BackupPrecedesWrites(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)

	h.rules.onWrite = func(id int64) {
		keys := h.backend.Keys()
		assert.Contains(t, keys, snapshot.BackupKey("stg", "20240501T093000Z"), "rule %d written before backup", id)
	}
	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, "20240501T093000Z", report.BackupTimestamp)
	assert.Len(t, h.rules.writes, 2)
}

func TestApply_ConnectionFailureDuringBackupWritesNothing(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	h.rules.getErr[2] = repository.ErrConnection

	_, err = h.orch.Apply(ctx, scope)
	require.ErrorIs(t, err, repository.ErrConnection)
	assert.Empty(t, h.rules.writes)

	backups, err := h.snapshots.ListBackups(ctx, "stg")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestApply_VanishedRuleIsSkipped(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	delete(h.rules.rules, 1)

	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, report.IDs(StatusSkipped))
	assert.Equal(t, []int64{2}, report.IDs(StatusApplied))
	assert.False(t, report.HasFailures())
}

func TestApply_TargetChangedSinceFetch(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	h.rules.rules[1].target = domain.Target{Kind: domain.TargetValidation, ValidationID: 5}

	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, StatusFailed, report.Outcomes[0].Status)
	assert.Equal(t, KindConflict, report.Outcomes[0].ErrorKind)
	assert.Empty(t, h.rules.writes)
}

func TestApply_ContentEditedSinceFetch(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	edited := `{"specification":{"facts":[{"type":"EVENT_BY_OBJECT_FACTS","name":"edited","sender_receiver":"receiver","window":99}]}}`
	h.rules.rules[1].content = edited
	h.rules.rules[1].version++

	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, report.IDs(StatusFailed))
	assert.Equal(t, KindConflict, report.Outcomes[0].ErrorKind)
	assert.Contains(t, report.Outcomes[0].Error, "changed since fetch")
	assert.Equal(t, []int64{2}, report.IDs(StatusSkipped))
	assert.Empty(t, h.rules.writes)
	assert.Equal(t, edited, h.rules.content(1))

	backup, err := h.snapshots.ReadBackup(ctx, "stg", report.BackupTimestamp)
	require.NoError(t, err)
	assert.JSONEq(t, edited, string(backup.Rules[0].Content))
}

func TestApply_UnmappableEditSinceFetch(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	h.rules.rules[1].content = `{"specification":{"facts":[{"type":"EVENT_BY_OBJECT_FACTS","sender_receiver":"beneficiary"}]}}`

	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, KindConflict, report.Outcomes[0].ErrorKind)
	assert.Contains(t, report.Outcomes[0].Error, "no longer transforms")
	assert.Empty(t, h.rules.writes)
}

func TestApply_FormattingOnlyDifferenceIsNotAConflict(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	h.rules.rules[1].content = `{ "specification" : { "facts" : [ { "sender_receiver" : "sender", "name" : "f", "type" : "EVENT_BY_OBJECT_FACTS" } ] } }`

	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, report.IDs(StatusApplied))
}

func TestNewOrchestrator_DefaultsValidator(t *testing.T) {
	mapping, err := transform.NewMapping(transform.DefaultTable())
	require.NoError(t, err)
	rules := newFakeRules(rule(1, legacySender))
	orch := NewOrchestrator(rules, snapshot.NewManager(snapshot.NewMemoryBackend()), transform.New(mapping), nil, nil)

	report, err := orch.Fetch(context.Background(), domain.NewScope("stg", nil))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, report.IDs(StatusChanged))
}

func TestApply_RejectsInvalidSnapshot(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.snapshots.WriteFetchSnapshot(ctx, scope, "manual", []snapshot.Entry{{Rule: domain.Rule{
		RuleRef: domain.RuleRef{ID: 1, OrgID: 10},
		Target:  domain.Target{Kind: domain.TargetRule},
		Content: json.RawMessage(legacySender),
	}}})
	require.NoError(t, err)

	_, err = h.orch.Apply(ctx, scope)
	require.ErrorIs(t, err, ErrInvalidSnapshot)
	assert.Empty(t, h.rules.writes)
	assert.Len(t, h.backend.Keys(), 1)
}

func TestApply_CancellationStopsWrites(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth), rule(3, legacySender)))
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(context.Background(), scope)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.rules.onWrite = func(int64) { cancel() }

	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, report.IDs(StatusApplied))
	assert.Equal(t, []int64{2}, report.IDs(StatusFailed))
	assert.Equal(t, KindCanceled, report.Outcomes[1].ErrorKind)
	assert.Equal(t, []int64{3}, report.IDs(StatusSkipped))
}

func TestApply_Idempotent(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)

	_, err = h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	first := []string{h.rules.content(1), h.rules.content(2)}

	h.tick()
	report, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, report.IDs(StatusApplied))
	assert.Equal(t, first, []string{h.rules.content(1), h.rules.content(2)})

	backups, err := h.snapshots.ListBackups(ctx, "stg")
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

func TestApply_SameSecondBackupCollision(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	_, err = h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	writes := len(h.rules.writes)

	_, err = h.orch.Apply(ctx, scope)
	require.ErrorIs(t, err, snapshot.ErrBackupExists)
	assert.Len(t, h.rules.writes, writes)
}

func TestRestore_RoundTrip(t *testing.T) {
	validation := storedRule{
		ref:     domain.RuleRef{ID: 2, OrgID: 10, Status: domain.StatusValidation},
		target:  domain.Target{Kind: domain.TargetValidation, ValidationID: 77},
		content: legacyBoth,
	}
	h := newHarness(t, newFakeRules(rule(1, legacySender), validation))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	applied, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, applied.IDs(StatusApplied))
	assert.NotEqual(t, legacySender, h.rules.content(1))

	h.tick()
	report, err := h.orch.Restore(ctx, scope, applied.BackupTimestamp)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, report.IDs(StatusRestored))
	assert.Equal(t, legacySender, h.rules.content(1))
	assert.Equal(t, legacyBoth, h.rules.content(2))

	backups, err := h.snapshots.ListBackups(ctx, "stg")
	require.NoError(t, err)
	assert.Len(t, backups, 1, "restore must not take a backup")
}

func TestRestore_UnknownTimestamp(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender)))

	_, err := h.orch.Restore(context.Background(), domain.NewScope("stg", nil), "20200101T000000Z")
	require.ErrorIs(t, err, snapshot.ErrBackupNotFound)
	assert.Empty(t, h.rules.writes)
}

func TestRestore_ContinuesPastFailures(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth), rule(3, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	applied, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)

	h.rules.writeErr[2] = repository.ErrConflict
	delete(h.rules.rules, 3)

	report, err := h.orch.Restore(ctx, scope, applied.BackupTimestamp)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, report.IDs(StatusRestored))
	assert.Equal(t, []int64{2}, report.IDs(StatusFailed))
	assert.Equal(t, []int64{3}, report.IDs(StatusSkipped))
	assert.True(t, report.HasFailures())
}

func TestRestore_ConnectionFailureSkipsRest(t *testing.T) {
	h := newHarness(t, newFakeRules(rule(1, legacySender), rule(2, legacyBoth), rule(3, legacySender)))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	applied, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)

	h.rules.getErr[1] = fmt.Errorf("read: %w", repository.ErrConnection)

	report, err := h.orch.Restore(ctx, scope, applied.BackupTimestamp)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, report.IDs(StatusFailed))
	assert.Equal(t, []int64{2, 3}, report.IDs(StatusSkipped))
	assert.Equal(t, KindConnection, report.Outcomes[1].ErrorKind)
}

func TestRestore_OrgFilter(t *testing.T) {
	other := rule(2, legacyBoth)
	other.ref.OrgID = 20
	h := newHarness(t, newFakeRules(rule(1, legacySender), other))
	ctx := context.Background()
	scope := domain.NewScope("stg", nil)

	_, err := h.orch.Fetch(ctx, scope)
	require.NoError(t, err)
	applied, err := h.orch.Apply(ctx, scope)
	require.NoError(t, err)

	org := int64(20)
	report, err := h.orch.Restore(ctx, domain.NewScope("stg", &org), applied.BackupTimestamp)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, report.IDs(StatusRestored))
	assert.NotEqual(t, legacySender, h.rules.content(1))
}
