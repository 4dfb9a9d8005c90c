package pool

import (
	"testing"
	"time"

	"github.com/kiro-relay/kiro-relay/internal/account"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccount(id string) *account.Account {
	return &account.Account{
		ID:     id,
		Status: account.StatusActive,
		Credentials: account.Credentials{
			RefreshToken: "rt-" + id,
			AuthMethod:   account.AuthMethodSocial,
		},
	}
}

func TestSelectRoundRobinCyclesThroughAccounts(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))
	require.NoError(t, p.Add(newTestAccount("b")))
	require.NoError(t, p.Add(newTestAccount("c")))

	var order []string
	for i := 0; i < 6; i++ {
		sel, err := p.Select()
		require.NoError(t, err)
		order = append(order, sel.AccountID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestSelectLeastUsedPrefersFewerRequests(t *testing.T) {
	p := New(PolicyLeastUsed)
	require.NoError(t, p.Add(newTestAccount("a")))
	require.NoError(t, p.Add(newTestAccount("b")))

	sel, err := p.Select()
	require.NoError(t, err)
	assert.Equal(t, "a", sel.AccountID)

	// "a" now has RequestCount 1, "b" has 0, so "b" must win next.
	sel, err = p.Select()
	require.NoError(t, err)
	assert.Equal(t, "b", sel.AccountID)
}

func TestSelectNoAvailableAccount(t *testing.T) {
	p := New(PolicyRoundRobin)
	_, err := p.Select()
	require.Error(t, err)

	require.NoError(t, p.Add(newTestAccount("a")))
	require.NoError(t, p.Disable("a"))
	_, err = p.Select()
	require.Error(t, err)
}

func TestRecordErrorTransitionsToCooldown(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))

	p.RecordError("a", true)
	got := p.Get("a")
	require.NotNil(t, got)
	assert.Equal(t, account.StatusCooldown, got.Status)
	assert.Equal(t, int64(1), got.ErrorCount)

	_, err := p.Select()
	require.Error(t, err, "cooldown account must not be selectable")
}

func TestRecoverCooldownReturnsAccountToActive(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))
	p.RecordError("a", true)

	p.RecoverCooldown("a")
	got := p.Get("a")
	require.NotNil(t, got)
	assert.Equal(t, account.StatusActive, got.Status)
}

func TestRecoverAllCooldowns(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))
	require.NoError(t, p.Add(newTestAccount("b")))
	p.RecordError("a", true)
	p.RecordError("b", true)

	p.RecoverAllCooldowns()
	assert.Equal(t, account.StatusActive, p.Get("a").Status)
	assert.Equal(t, account.StatusActive, p.Get("b").Status)
}

func TestMarkInvalidIsUnconditionalAndCancelsCooldown(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))
	p.RecordError("a", true)

	p.MarkInvalid("a")
	got := p.Get("a")
	require.NotNil(t, got)
	assert.Equal(t, account.StatusInvalid, got.Status)

	// A manual recover must not resurrect an invalid account.
	p.RecoverCooldown("a")
	assert.Equal(t, account.StatusInvalid, p.Get("a").Status)
}

func TestDisableEnableRoundTrip(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))

	require.NoError(t, p.Disable("a"))
	assert.Equal(t, account.StatusDisabled, p.Get("a").Status)

	require.NoError(t, p.Enable("a"))
	assert.Equal(t, account.StatusActive, p.Get("a").Status)
}

func TestSharedModeRejectsWrites(t *testing.T) {
	p := New(PolicyRoundRobin)
	p.SetSharedMode(true)

	require.Error(t, p.Add(newTestAccount("a")))
	require.Error(t, p.Remove("a"))
	require.Error(t, p.Enable("a"))
	require.Error(t, p.Disable("a"))
}

func TestReplaceFromSyncPreservesCountersAndCooldown(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))
	require.NoError(t, p.Add(newTestAccount("b")))

	_, err := p.Select() // bumps "a" RequestCount to 1
	require.NoError(t, err)
	p.RecordError("b", true) // "b" -> cooldown

	incomingA := newTestAccount("a")
	incomingB := newTestAccount("b")
	incomingC := newTestAccount("c")
	p.ReplaceFromSync([]*account.Account{incomingA, incomingB, incomingC})

	gotA := p.Get("a")
	require.NotNil(t, gotA)
	assert.Equal(t, int64(1), gotA.RequestCount, "runtime counters must survive a sync reload")

	gotB := p.Get("b")
	require.NotNil(t, gotB)
	assert.Equal(t, account.StatusCooldown, gotB.Status, "cooldown status must survive a sync reload")

	gotC := p.Get("c")
	assert.NotNil(t, gotC, "newly added account must appear after sync")
}

func TestReplaceFromSyncWorksInSharedMode(t *testing.T) {
	p := New(PolicyRoundRobin)
	p.SetSharedMode(true)
	p.ReplaceFromSync([]*account.Account{newTestAccount("a")})
	assert.NotNil(t, p.Get("a"), "sync reload is not a write op and must not be blocked by shared mode")
}

func TestDescribeReportsAvailableAndCurrent(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))
	require.NoError(t, p.Add(newTestAccount("b")))
	require.NoError(t, p.Disable("b"))

	snap := p.Describe()
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, snap.Available)
	assert.Len(t, snap.Accounts, 2)
}

func TestRecoverCooldownCancelsAutoRecoveryTimer(t *testing.T) {
	p := New(PolicyRoundRobin)
	require.NoError(t, p.Add(newTestAccount("a")))
	p.RecordError("a", true)

	// A manual recovery before the timer fires must stop and forget the
	// pending auto-recovery timer, leaving the account active.
	p.RecoverCooldown("a")
	p.mu.RLock()
	_, hasTimer := p.cooldownTimers["a"]
	p.mu.RUnlock()
	assert.False(t, hasTimer, "recovering must cancel the pending auto-recovery timer")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, account.StatusActive, p.Get("a").Status)
}
