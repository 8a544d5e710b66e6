package vault

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/actiongate/pkg/contracts"
)

func testAction(id string) *contracts.Action {
	a := &contracts.Action{
		ID:         id,
		Type:       contracts.ActionPublishPost,
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		RiskLevel:  contracts.RiskMedium,
		MaxRetries: 3,
		Payload: contracts.PostPayload{
			Platforms: []string{"linkedin", "x"},
			Text:      "Quarterly update is live",
		},
	}
	a.InitTargets()
	return a
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	return s
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to contracts.Status
		want     bool
	}{
		{contracts.StatusCreated, contracts.StatusPendingApproval, true},
		{contracts.StatusCreated, contracts.StatusApproved, true},
		{contracts.StatusPendingApproval, contracts.StatusExpired, true},
		{contracts.StatusApproved, contracts.StatusPendingApproval, false},
		{contracts.StatusExpired, contracts.StatusApproved, false},
		{contracts.StatusAwaitingRetry, contracts.StatusAbandoned, true},
		{contracts.StatusPartialFailure, contracts.StatusApproved, true},
		{contracts.StatusCompleted, contracts.StatusApproved, false},
		{contracts.StatusDispatching, contracts.StatusDispatching, true},
		{contracts.StatusCompleted, contracts.StatusCompleted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRecordCodec(t *testing.T) {
	a := testAction("act-1")
	expires := a.CreatedAt.Add(24 * time.Hour)
	a.Approval = &contracts.ApprovalRequest{
		ActionID:  a.ID,
		CreatedAt: a.CreatedAt,
		ExpiresAt: expires,
		Decision:  contracts.DecisionPending,
	}
	require.NoError(t, a.Targets[0].Record(contracts.TargetResult{
		TargetID:      "linkedin",
		AttemptNumber: 1,
		ErrorKind:     contracts.ErrorRateLimited,
		ErrorMessage:  "429",
		RetryAfter:    90 * time.Second,
		Timestamp:     a.CreatedAt,
		Duration:      250 * time.Millisecond,
	}))

	data, err := EncodeRecord(a)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Awaiting approval until")

	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.Payload, got.Payload)
	require.NotNil(t, got.Approval)
	assert.True(t, got.Approval.ExpiresAt.Equal(expires))
	require.Len(t, got.Targets, 2)
	res, ok := got.Targets[0].LastResult()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, res.RetryAfter)
	assert.Equal(t, contracts.ErrorRateLimited, res.ErrorKind)

	_, err = DecodeRecord([]byte("no header here"))
	assert.ErrorIs(t, err, ErrMissingHeader)
}

func TestFileStore_CreateReadTransition(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	id, err := s.Create(ctx, testAction("act-1"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(s.Root(), "Needs_Action", id+".md"))

	_, err = s.Create(ctx, testAction("act-1"))
	assert.ErrorIs(t, err, ErrExists)

	a, err := s.Transition(ctx, id, contracts.StatusCreated, contracts.StatusApproved, func(a *contracts.Action) error {
		a.StatusReason = "auto"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, a.Status)
	assert.NoFileExists(t, filepath.Join(s.Root(), "Needs_Action", id+".md"))
	assert.FileExists(t, filepath.Join(s.Root(), "Approved", id+".md"))

	got, err := s.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusApproved, got.Status)
	assert.Equal(t, "auto", got.StatusReason)
}

func TestFileStore_TransitionRejectsWrongSource(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	_, err := s.Create(ctx, testAction("act-1"))
	require.NoError(t, err)

	_, err = s.Transition(ctx, "act-1", contracts.StatusPendingApproval, contracts.StatusApproved, nil)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, contracts.StatusCreated, te.Current)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition(ctx, "act-1", contracts.StatusCreated, contracts.StatusCompleted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition(ctx, "missing", contracts.StatusCreated, contracts.StatusApproved, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_MutatorErrorLeavesRecord(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	_, err := s.Create(ctx, testAction("act-1"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Transition(ctx, "act-1", contracts.StatusCreated, contracts.StatusApproved, func(*contracts.Action) error { return boom })
	assert.ErrorIs(t, err, boom)

	got, err := s.Read(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCreated, got.Status)
}

func TestFileStore_DetectsDoubleMembership(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	_, err := s.Create(ctx, testAction("act-1"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.Root(), "Needs_Action", "act-1.md"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "Approved", "act-1.md"), data, 0o600))

	_, err = s.Read(ctx, "act-1")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_ListByStatusIsFreshScan(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := s.Create(ctx, testAction(id))
		require.NoError(t, err)
	}

	var seen []string
	for a, err := range s.ListByStatus(ctx, contracts.StatusCreated) {
		require.NoError(t, err)
		seen = append(seen, a.ID)
		if a.ID == "a1" {
			// Moving a later record mid-scan must not surface it in this partition.
			_, err := s.Transition(ctx, "a2", contracts.StatusCreated, contracts.StatusApproved, nil)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []string{"a1", "a3"}, seen)

	seen = seen[:0]
	for a, err := range s.ListByStatus(ctx, contracts.StatusApproved) {
		require.NoError(t, err)
		seen = append(seen, a.ID)
	}
	assert.Equal(t, []string{"a2"}, seen)
}

func TestFileStore_ConcurrentDecisionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	a := testAction("act-1")
	a.Status = contracts.StatusPendingApproval
	_, err := s.Create(ctx, a)
	require.NoError(t, err)

	outcomes := []contracts.Status{contracts.StatusApproved, contracts.StatusRejected, contracts.StatusExpired}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(to contracts.Status) {
			defer wg.Done()
			_, err := s.Transition(ctx, "act-1", contracts.StatusPendingApproval, to, nil)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}(outcomes[i%len(outcomes)])
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestFileStore_SharedVaultHasOneWinner(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	engine, err := NewFileStore(root)
	require.NoError(t, err)
	defer engine.Close()
	cli, err := NewFileStore(root)
	require.NoError(t, err)
	defer cli.Close()

	for i := 0; i < 100; i++ {
		a := testAction("act-" + strconv.Itoa(i))
		a.Status = contracts.StatusAwaitingRetry
		_, err := engine.Create(ctx, a)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 2)
		stores := []*FileStore{engine, cli}
		targets := []contracts.Status{contracts.StatusDispatching, contracts.StatusAbandoned}
		for j := range stores {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, results[j] = stores[j].Transition(ctx, a.ID, contracts.StatusAwaitingRetry, targets[j], nil)
			}(j)
		}
		wg.Wait()

		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			require.ErrorIs(t, err, ErrInvalidTransition)
		}
		require.Equal(t, 1, wins, "iteration %d", i)

		got, err := cli.Read(ctx, a.ID)
		require.NoError(t, err, "record must sit in exactly one partition")
		assert.Contains(t, targets, got.Status)
	}
}
