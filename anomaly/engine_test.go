package anomaly

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/wallet-recovery-backend/interfaces"
	"github.com/custodia/wallet-recovery-backend/storage"
)

func newTestEngine(t *testing.T) (*Engine, *clock.Mock) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	records, err := storage.NewRecords(context.Background(), backend, slog.Default())
	require.NoError(t, err, "Record store should initialize over an empty backend")

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	return New(records, mock, slog.Default(), DefaultConfig()), mock
}

func TestEngine_FailedAuthRaisesScore(t *testing.T) {
	engine, mock := newTestEngine(t)
	ctx := context.Background()
	principal := interfaces.Principal("user:alice")

	var verdict interfaces.Verdict
	var err error
	for i := 0; i < 3; i++ {
		verdict, err = engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: false, Method: "password"}, "10.0.0.1")
		require.NoError(t, err, "Recording a failed auth should succeed")
		mock.Add(10 * time.Second)
	}

	assert.GreaterOrEqual(t, verdict.RiskScore, 0.3, "Three failed auths inside the window should raise the risk to at least 0.3")
	assert.Equal(t, interfaces.ActionAllowed, verdict.Action, "Score below the verify threshold should still be allowed")
	assert.True(t, verdict.Allowed)
}

func TestEngine_FailedAuthContributionIsCapped(t *testing.T) {
	engine, mock := newTestEngine(t)
	ctx := context.Background()
	principal := interfaces.Principal("user:bruteforce")

	// Far more failures than the per-event cap covers. Spaced out to stay
	// below the frequency limit.
	var verdict interfaces.Verdict
	var err error
	for i := 0; i < 10; i++ {
		verdict, err = engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: false}, "10.0.0.1")
		require.NoError(t, err)
		mock.Add(90 * time.Second)
	}

	assert.LessOrEqual(t, verdict.RiskScore, 0.5+1e-9, "Failed-auth contribution alone must stay capped at 0.5")
}

func TestEngine_NewIPContributes(t *testing.T) {
	engine, mock := newTestEngine(t)
	ctx := context.Background()
	principal := interfaces.Principal("user:carol")

	// Establish IP history first; the very first event never counts as a
	// new-IP signal.
	first, err := engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: true}, "192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.RiskScore, "First event from a fresh principal carries no risk")

	mock.Add(time.Minute)
	verdict, err := engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: true}, "203.0.113.7")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, verdict.RiskScore, 0.3, "An unseen source IP should contribute at least 0.3")
}

func TestEngine_LockoutAndDenylist(t *testing.T) {
	engine, mock := newTestEngine(t)
	ctx := context.Background()
	attackerIP := "198.51.100.66"

	lockOut := func(principal interfaces.Principal, homeIP string) {
		// Seed history from the principal's usual address, fast enough to
		// trip the frequency signal on the final event.
		for i := 0; i < 12; i++ {
			_, err := engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: true}, homeIP)
			require.NoError(t, err)
			mock.Add(5 * time.Second)
		}
		// Recovery attempt from an unseen address during a busy window:
		// sensitive operation + new IP + high frequency.
		verdict, err := engine.RecordEvent(ctx, principal, interfaces.RecoveryPayload{NewOwner: "0x1"}, attackerIP)
		require.NoError(t, err)
		assert.Equal(t, interfaces.ActionAccountLocked, verdict.Action, "High-risk burst should lock the account")
		assert.False(t, verdict.Allowed)
		_, locked := engine.LockedUntil(principal)
		assert.True(t, locked, "A lockout deadline should be active")
	}

	lockOut("user:victim-1", "10.1.0.1")
	assert.Empty(t, engine.DenylistedIPs(), "One high-risk event should not denylist the source")
	lockOut("user:victim-2", "10.2.0.1")
	lockOut("user:victim-3", "10.3.0.1")

	require.Contains(t, engine.DenylistedIPs(), attackerIP, "Three high-risk events from one source inside the window should denylist it")

	// A denylisted source is blocked outright, even for a clean principal.
	verdict, err := engine.RecordEvent(ctx, "user:clean", interfaces.AuthPayload{Success: true}, attackerIP)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ActionBlocked, verdict.Action)
	assert.False(t, verdict.Allowed)

	engine.RemoveDenylistedIP(attackerIP)
	assert.NotContains(t, engine.DenylistedIPs(), attackerIP)
}

func TestEngine_LockoutExpiresAndUnlock(t *testing.T) {
	engine, mock := newTestEngine(t)
	ctx := context.Background()
	principal := interfaces.Principal("user:dave")

	for i := 0; i < 12; i++ {
		_, err := engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: true}, "10.4.0.1")
		require.NoError(t, err)
		mock.Add(5 * time.Second)
	}
	verdict, err := engine.RecordEvent(ctx, principal, interfaces.RecoveryPayload{NewOwner: "0x2"}, "203.0.113.99")
	require.NoError(t, err)
	require.Equal(t, interfaces.ActionAccountLocked, verdict.Action)

	// While locked, every event is refused regardless of its own risk.
	mock.Add(time.Minute)
	verdict, err = engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: true}, "10.4.0.1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ActionAccountLocked, verdict.Action)

	// Administrative unlock clears both the lockout and the score.
	require.NoError(t, engine.Unlock(ctx, principal, true))
	_, locked := engine.LockedUntil(principal)
	assert.False(t, locked, "Unlock should clear the lockout deadline")

	score, err := engine.Score(ctx, principal)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score, "Admin unlock should reset the score")
}

func TestEngine_LockoutElapsesOnItsOwn(t *testing.T) {
	engine, mock := newTestEngine(t)
	ctx := context.Background()
	principal := interfaces.Principal("user:erin")

	for i := 0; i < 12; i++ {
		_, err := engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: true}, "10.5.0.1")
		require.NoError(t, err)
		mock.Add(5 * time.Second)
	}
	verdict, err := engine.RecordEvent(ctx, principal, interfaces.RecoveryPayload{NewOwner: "0x3"}, "203.0.113.100")
	require.NoError(t, err)
	require.Equal(t, interfaces.ActionAccountLocked, verdict.Action)

	mock.Add(DefaultConfig().LockoutDuration + time.Minute)
	_, locked := engine.LockedUntil(principal)
	assert.False(t, locked, "Lockout should lapse after its duration")
}

func TestEngine_HighValueTransactionContributes(t *testing.T) {
	engine, mock := newTestEngine(t)
	ctx := context.Background()
	principal := interfaces.Principal("user:frank")

	// Build an average around 100 units.
	for _, amount := range []int64{90, 100, 110, 100} {
		_, err := engine.RecordEvent(ctx, principal, interfaces.TransactionPayload{Amount: big.NewInt(amount)}, "10.6.0.1")
		require.NoError(t, err)
		mock.Add(2 * time.Minute)
	}

	verdict, err := engine.RecordEvent(ctx, principal, interfaces.TransactionPayload{Amount: big.NewInt(10_000)}, "10.6.0.1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, verdict.RiskScore, 0.3, "A transaction far above the running average should contribute")
}

func TestEngine_IsOperationAllowedRecordsCheck(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	principal := interfaces.Principal("user:grace")

	verdict, err := engine.IsOperationAllowed(ctx, principal, interfaces.OpTransaction, "10.7.0.1")
	require.NoError(t, err)
	assert.True(t, verdict.Allowed, "A routine operation from a clean principal should be allowed")

	_, err = engine.IsOperationAllowed(ctx, principal, interfaces.OperationType("bogus"), "10.7.0.1")
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Unknown operation types must be rejected")
}

func TestEngine_ScoreSurvivesRestart(t *testing.T) {
	backend := storage.NewMemoryBackend()
	records, err := storage.NewRecords(context.Background(), backend, slog.Default())
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	engine := New(records, mock, slog.Default(), DefaultConfig())

	ctx := context.Background()
	principal := interfaces.Principal("user:heidi")
	for i := 0; i < 3; i++ {
		_, err := engine.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: false}, "10.8.0.1")
		require.NoError(t, err)
		mock.Add(10 * time.Second)
	}
	before, err := engine.Score(ctx, principal)
	require.NoError(t, err)
	require.Greater(t, before, 0.0)

	// A fresh engine over the same store rebuilds the state from history.
	restarted := New(records, mock, slog.Default(), DefaultConfig())
	after, err := restarted.Score(ctx, principal)
	require.NoError(t, err)
	assert.InDelta(t, before, after, 1e-9, "Rebuilt score should match the pre-restart score")
}
