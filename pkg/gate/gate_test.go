package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/audit"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/risk"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/signal"
	"github.com/Mindburn-Labs/helm/actiongate/pkg/vault"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	gate   *Gate
	store  *vault.FileStore
	log    *audit.MemoryLogger
	source *signal.MemorySource
	clock  *fakeClock
}

func newHarness(t *testing.T, cfg risk.Config) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	store, err := vault.NewFileStore(t.TempDir(), vault.WithClock(clock.Now))
	require.NoError(t, err)
	classifier, err := risk.NewRuleClassifier(cfg)
	require.NoError(t, err)
	log := audit.NewMemoryLogger(clock.Now)
	source := signal.NewMemorySource()
	g := New(store, classifier, source, log, Config{}, WithClock(clock.Now))
	return &harness{gate: g, store: store, log: log, source: source, clock: clock}
}

func post() contracts.PostPayload {
	return contracts.PostPayload{Platforms: []string{"linkedin"}, Text: "Launch day"}
}

func TestSubmit_RequiresApproval(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	a, err := h.gate.Submit(ctx, SubmitRequest{Payload: post(), Origin: "watcher/linkedin"})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, a.Status)
	require.NotNil(t, a.Approval)
	assert.Equal(t, contracts.DecisionPending, a.Approval.Decision)
	assert.Equal(t, h.clock.Now().Add(DefaultTimeout), a.Approval.ExpiresAt)
	assert.Equal(t, 3, a.MaxRetries)
	require.Len(t, a.Targets, 1)
	assert.Equal(t, contracts.TargetPending, a.Targets[0].State)

	assert.Equal(t, []contracts.AuditEvent{contracts.EventCreated, contracts.EventPendingApproval}, h.log.Events(a.ID))
}

func TestSubmit_SkipsGateWhenNotRequired(t *testing.T) {
	cfg := risk.Config{Defaults: map[contracts.ActionType]risk.TypeDefault{
		contracts.ActionPublishPost: {Level: contracts.RiskLow},
	}}
	h := newHarness(t, cfg)

	a, err := h.gate.Submit(context.Background(), SubmitRequest{Payload: post()})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, a.Status)
	assert.Nil(t, a.Approval)
	assert.Equal(t, []contracts.Status{contracts.StatusCreated, contracts.StatusApproved}, audit.StatusHistory(h.log.For(a.ID)))
}

func TestSubmit_RejectsInvalidPayload(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	_, err := h.gate.Submit(ctx, SubmitRequest{Payload: contracts.PostPayload{Platforms: []string{"x"}}})
	assert.ErrorIs(t, err, contracts.ErrPayloadInvalid)

	_, err = h.gate.Submit(ctx, SubmitRequest{Type: contracts.ActionSendMessage, Payload: post()})
	assert.ErrorIs(t, err, contracts.ErrPayloadInvalid)

	_, err = h.gate.Submit(ctx, SubmitRequest{Payload: post(), ID: "dup"})
	require.NoError(t, err)
	_, err = h.gate.Submit(ctx, SubmitRequest{Payload: post(), ID: "dup"})
	assert.ErrorIs(t, err, vault.ErrExists)
}

func TestPollDecisions_ApproveAndReject(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	a1, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)
	a2, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)
	a3, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)

	h.source.Decide(a1.ID, signal.Signal{Verdict: signal.VerdictApproved, DecidedBy: "dana"})
	h.source.Decide(a2.ID, signal.Signal{Verdict: signal.VerdictRejected, DecidedBy: "dana", Reason: "off brand"})

	n, err := h.gate.PollDecisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := h.store.Read(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)
	assert.Equal(t, contracts.DecisionApproved, got.Approval.Decision)
	assert.Equal(t, "dana", got.Approval.DecidedBy)

	got, err = h.store.Read(ctx, a2.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, got.Status)
	assert.Equal(t, "off brand", got.Approval.DecisionReason)
	assert.Equal(t, "off brand", got.StatusReason)

	got, err = h.store.Read(ctx, a3.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, got.Status)

	assert.Equal(t, 1, h.source.Acked(a1.ID))
	assert.Equal(t, 1, h.source.Acked(a2.ID))
	assert.Equal(t, []contracts.AuditEvent{contracts.EventCreated, contracts.EventPendingApproval, contracts.EventApproved}, h.log.Events(a1.ID))
}

func TestReject_RequiresReason(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	a, err := h.gate.Submit(context.Background(), SubmitRequest{Payload: post()})
	require.NoError(t, err)

	_, err = h.gate.Reject(context.Background(), a.ID, "dana", " ")
	assert.ErrorIs(t, err, signal.ErrReasonRequired)
}

func TestExpiry_ExactlyOnceAndLateDecisionIgnored(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	a, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)

	h.clock.Advance(DefaultTimeout)
	n, err := h.gate.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "deadline itself is not past")

	h.clock.Advance(time.Second)
	n, err = h.gate.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.gate.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := h.store.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, got.Status)
	assert.Equal(t, contracts.TimeoutReason, got.StatusReason)
	assert.Equal(t, contracts.DecisionExpired, got.Approval.Decision)
	for _, ts := range got.Targets {
		assert.Empty(t, ts.Results)
	}

	h.source.Decide(a.ID, signal.Signal{Verdict: signal.VerdictApproved, DecidedBy: "late-larry"})
	_, err = h.gate.PollDecisions(ctx)
	require.NoError(t, err)
	_, err = h.gate.PollDecisions(ctx)
	require.NoError(t, err)

	assert.Equal(t, []contracts.AuditEvent{
		contracts.EventCreated,
		contracts.EventPendingApproval,
		contracts.EventExpired,
		contracts.EventLateDecisionIgnored,
	}, h.log.Events(a.ID))
	assert.Equal(t, 1, h.source.Acked(a.ID))

	got, err = h.store.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, got.Status)
}

func TestDecisionObservedAfterDeadlineExpires(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	a, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)
	h.clock.Advance(DefaultTimeout + time.Minute)

	_, err = h.gate.Approve(ctx, a.ID, "dana")
	assert.ErrorIs(t, err, ErrLateDecision)

	got, err := h.store.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, got.Status)
	assert.Equal(t, []contracts.Status{contracts.StatusCreated, contracts.StatusPendingApproval, contracts.StatusExpired},
		audit.StatusHistory(h.log.For(a.ID)))
}

func TestDecisionRecordedBeforeDeadlineCounts(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	a, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)
	decidedAt := a.Approval.ExpiresAt.Add(-5 * time.Second)
	h.source.Decide(a.ID, signal.Signal{Verdict: signal.VerdictApproved, DecidedBy: "dana", DecidedAt: decidedAt})
	h.clock.Advance(DefaultTimeout + 5*time.Second)

	applied, err := h.gate.PollDecisions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := h.store.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)
	require.NotNil(t, got.Approval.DecisionAt)
	assert.True(t, decidedAt.Equal(*got.Approval.DecisionAt))
	assert.Equal(t, []contracts.AuditEvent{
		contracts.EventCreated,
		contracts.EventPendingApproval,
		contracts.EventApproved,
	}, h.log.Events(a.ID))
}

func TestExpirySweepAppliesTimelyDecision(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	onTime, err := h.gate.Submit(ctx, SubmitRequest{ID: "on-time", Payload: post()})
	require.NoError(t, err)
	tooLate, err := h.gate.Submit(ctx, SubmitRequest{ID: "too-late", Payload: post()})
	require.NoError(t, err)

	h.source.Decide(onTime.ID, signal.Signal{
		Verdict: signal.VerdictRejected, Reason: "wrong audience", DecidedBy: "dana",
		DecidedAt: onTime.Approval.ExpiresAt,
	})
	h.source.Decide(tooLate.ID, signal.Signal{
		Verdict: signal.VerdictApproved, DecidedBy: "dana",
		DecidedAt: tooLate.Approval.ExpiresAt.Add(time.Second),
	})
	h.clock.Advance(DefaultTimeout + time.Minute)

	n, err := h.gate.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the request answered after its deadline expires")

	got, err := h.store.Read(ctx, onTime.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRejected, got.Status)
	assert.Equal(t, "wrong audience", got.StatusReason)

	got, err = h.store.Read(ctx, tooLate.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusExpired, got.Status)

	_, err = h.gate.PollDecisions(ctx)
	require.NoError(t, err)
	assert.Contains(t, h.log.Events(tooLate.ID), contracts.EventLateDecisionIgnored)
	assert.NotContains(t, h.log.Events(onTime.ID), contracts.EventLateDecisionIgnored)
}

func TestConcurrentDecisionsHaveOneOutcome(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	a, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.gate.Approve(ctx, a.ID, "a")
		}()
		go func() {
			defer wg.Done()
			_, _ = h.gate.Reject(ctx, a.ID, "b", "no")
		}()
	}
	wg.Wait()

	history := audit.StatusHistory(h.log.For(a.ID))
	require.Len(t, history, 3)
	assert.Contains(t, []contracts.Status{contracts.StatusApproved, contracts.StatusRejected}, history[2])

	got, err := h.store.Read(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, history[2], got.Status)
}

func TestRecreate(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	a, err := h.gate.Submit(ctx, SubmitRequest{Payload: post()})
	require.NoError(t, err)

	_, err = h.gate.Recreate(ctx, a.ID, "dana")
	assert.ErrorIs(t, err, ErrNotRecreatable)

	_, err = h.gate.Reject(ctx, a.ID, "dana", "typo in text")
	require.NoError(t, err)

	fresh, err := h.gate.Recreate(ctx, a.ID, "dana")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, fresh.ID)
	assert.Equal(t, a.ID, fresh.RecreatedFrom)
	assert.Equal(t, contracts.StatusPendingApproval, fresh.Status)
	assert.Equal(t, post(), fresh.Payload)
	assert.Contains(t, h.log.Events(a.ID), contracts.EventRecreated)
}

func TestResumeCreated(t *testing.T) {
	h := newHarness(t, risk.DefaultConfig())
	ctx := context.Background()

	stuck := &contracts.Action{
		ID: "stuck", Type: contracts.ActionPublishPost, Status: contracts.StatusCreated,
		Payload: post(), ApprovalRequired: true, MaxRetries: 3,
	}
	stuck.InitTargets()
	_, err := h.store.Create(ctx, stuck)
	require.NoError(t, err)

	n, err := h.gate.ResumeCreated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Read(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusPendingApproval, got.Status)
}
