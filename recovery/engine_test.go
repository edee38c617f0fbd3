package recovery

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/wallet-recovery-backend/interfaces"
	"github.com/custodia/wallet-recovery-backend/storage"
)

// allowGate approves every recovery attempt.
type allowGate struct{}

func (allowGate) RecordEvent(context.Context, interfaces.Principal, interfaces.EventPayload, string) (interfaces.Verdict, error) {
	return interfaces.Verdict{Allowed: true, Action: interfaces.ActionAllowed}, nil
}

// lockedGate refuses every recovery attempt.
type lockedGate struct{}

func (lockedGate) RecordEvent(context.Context, interfaces.Principal, interfaces.EventPayload, string) (interfaces.Verdict, error) {
	return interfaces.Verdict{Allowed: false, Action: interfaces.ActionAccountLocked, Reason: "account temporarily locked"}, nil
}

// fakeExecutor records ownership changes and can be told to fail.
type fakeExecutor struct {
	calls []common.Address
	fail  bool
}

func (x *fakeExecutor) ChangeOwner(_ context.Context, walletID interfaces.WalletID, newOwner common.Address) (interfaces.TxRef, error) {
	if x.fail {
		return interfaces.TxRef{}, errors.New("rpc unavailable")
	}
	x.calls = append(x.calls, newOwner)
	var ref interfaces.TxRef
	copy(ref[:], newOwner.Bytes())
	return ref, nil
}

func newTestEngine(t *testing.T, gate SecurityGate, executor interfaces.WalletExecutor) (*Engine, *clock.Mock) {
	t.Helper()
	backend := storage.NewMemoryBackend()
	records, err := storage.NewRecords(context.Background(), backend, slog.Default())
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	return New(records, records, gate, executor, mock, slog.Default(), DefaultConfig()), mock
}

var (
	guardianA = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	guardianB = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	guardianC = common.HexToAddress("0xcccccccccccccccccccccccccccccccccccccccc")
	newOwner  = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

func threeGuardians() []Guardian {
	return []Guardian{
		{Address: guardianA, DisplayName: "A", Kind: interfaces.GuardianIndividual, Weight: 1},
		{Address: guardianB, DisplayName: "B", Kind: interfaces.GuardianIndividual, Weight: 1},
		{Address: guardianC, DisplayName: "C", Kind: interfaces.GuardianIndividual, Weight: 1},
	}
}

func testWallet(t *testing.T, hexAddr string) interfaces.WalletID {
	t.Helper()
	walletID, err := interfaces.NewWalletIDFromHex(hexAddr)
	require.NoError(t, err)
	return walletID
}

func TestEngine_FullRecoveryLifecycle(t *testing.T) {
	executor := &fakeExecutor{}
	engine, mock := newTestEngine(t, allowGate{}, executor)
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000001")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, time.Hour))

	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)

	req, err := engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, req.Status)

	// First approval: below threshold, still pending.
	require.NoError(t, engine.ApproveRecovery(ctx, requestID, guardianA))
	req, err = engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, req.Status)
	assert.Len(t, req.Approvals, 1)

	// Second approval reaches the weight threshold.
	require.NoError(t, engine.ApproveRecovery(ctx, requestID, guardianB))
	req, err = engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusApproved, req.Status)
	require.NotNil(t, req.ApprovedAt)

	// A late approval after the transition is refused.
	err = engine.ApproveRecovery(ctx, requestID, guardianC)
	assert.ErrorIs(t, err, interfaces.ErrStateConflict, "Approvals are only accepted while pending")

	// Execution before the delay has elapsed is refused.
	_, err = engine.ExecuteRecovery(ctx, requestID)
	assert.ErrorIs(t, err, interfaces.ErrStateConflict, "The recovery delay must elapse first")
	assert.Empty(t, executor.calls)

	mock.Add(time.Hour + time.Minute)
	ref, err := engine.ExecuteRecovery(ctx, requestID)
	require.NoError(t, err)
	assert.NotEqual(t, interfaces.TxRef{}, ref)
	assert.Equal(t, []common.Address{newOwner}, executor.calls)

	req, err = engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusExecuted, req.Status)
	require.NotNil(t, req.ResultRef)
	assert.Equal(t, ref, *req.ResultRef)

	// Executing twice is refused.
	_, err = engine.ExecuteRecovery(ctx, requestID)
	assert.ErrorIs(t, err, interfaces.ErrStateConflict)
}

func TestEngine_DuplicateApprovalRejected(t *testing.T) {
	engine, _ := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000002")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 3, 0))
	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)

	require.NoError(t, engine.ApproveRecovery(ctx, requestID, guardianA))
	err = engine.ApproveRecovery(ctx, requestID, guardianA)
	assert.ErrorIs(t, err, interfaces.ErrStateConflict, "A guardian approves exactly once")

	// Non-guardians cannot approve.
	stranger := common.HexToAddress("0xdddddddddddddddddddddddddddddddddddddddd")
	err = engine.ApproveRecovery(ctx, requestID, stranger)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestEngine_AtMostOneActiveRequest(t *testing.T) {
	engine, _ := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000003")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, 0))
	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)

	_, err = engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	assert.ErrorIs(t, err, interfaces.ErrStateConflict, "Only one request may be in flight per wallet")

	// Cancelling clears the way for a new request.
	require.NoError(t, engine.CancelRecovery(ctx, requestID, wallet))
	_, err = engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	assert.NoError(t, err)
}

func TestEngine_CancelRequiresWalletController(t *testing.T) {
	engine, _ := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000004")
	other := testWallet(t, "0x1000000000000000000000000000000000000005")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, 0))
	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)

	err = engine.CancelRecovery(ctx, requestID, other)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Only the wallet controller may cancel")

	require.NoError(t, engine.CancelRecovery(ctx, requestID, wallet))
	err = engine.CancelRecovery(ctx, requestID, wallet)
	assert.ErrorIs(t, err, interfaces.ErrStateConflict, "A settled request cannot be cancelled again")
}

func TestEngine_RequestExpiry(t *testing.T) {
	engine, mock := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000006")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, 0))
	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)

	mock.Add(DefaultConfig().RequestTTL + time.Hour)

	// Reads show the expired state even before any monitor pass.
	req, err := engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusExpired, req.Status)

	// Mutations are refused and the expiry is persisted.
	err = engine.ApproveRecovery(ctx, requestID, guardianA)
	assert.ErrorIs(t, err, interfaces.ErrExpired)

	// An expired request no longer blocks a fresh one.
	_, err = engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	assert.NoError(t, err)
}

func TestEngine_InitiateValidation(t *testing.T) {
	engine, _ := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000007")

	// No config yet.
	_, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, 0))
	_, err = engine.InitiateRecovery(ctx, wallet, common.Address{}, "user:owner", "10.0.0.1", false)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "The zero address can never become the owner")
}

func TestEngine_InitiateBlockedByGate(t *testing.T) {
	engine, _ := newTestEngine(t, lockedGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000008")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, 0))
	_, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	assert.ErrorIs(t, err, interfaces.ErrLockedOut, "A locked principal cannot initiate recovery")
}

// elevatedGate allows the attempt but demands additional verification.
type elevatedGate struct{}

func (elevatedGate) RecordEvent(context.Context, interfaces.Principal, interfaces.EventPayload, string) (interfaces.Verdict, error) {
	return interfaces.Verdict{Allowed: true, Action: interfaces.ActionAdditionalVerification, Reason: "elevated risk"}, nil
}

func TestEngine_InitiateElevatedRiskDemandsMFA(t *testing.T) {
	engine, _ := newTestEngine(t, elevatedGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x100000000000000000000000000000000000000b")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, 0))

	_, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	assert.ErrorIs(t, err, interfaces.ErrMFARequired, "An elevated-risk initiation without a completed MFA session must be refused")

	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", true)
	require.NoError(t, err, "The same initiation proceeds once multi-factor verification is confirmed")
	req, err := engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, req.Status)
}

func TestEngine_OnChainFailureLeavesRequestApproved(t *testing.T) {
	executor := &fakeExecutor{fail: true}
	engine, _ := newTestEngine(t, allowGate{}, executor)
	ctx := context.Background()
	wallet := testWallet(t, "0x1000000000000000000000000000000000000009")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, 0))
	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)
	require.NoError(t, engine.ApproveRecovery(ctx, requestID, guardianA))
	require.NoError(t, engine.ApproveRecovery(ctx, requestID, guardianB))

	_, err = engine.ExecuteRecovery(ctx, requestID)
	assert.ErrorIs(t, err, interfaces.ErrOnChain)

	req, err := engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusApproved, req.Status, "A failed execution keeps the request approved for retry")

	// Once the executor recovers, a retry succeeds.
	executor.fail = false
	_, err = engine.ExecuteRecovery(ctx, requestID)
	assert.NoError(t, err)
}

func TestEngine_GuardianRosterChanges(t *testing.T) {
	engine, _ := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x100000000000000000000000000000000000000a")

	require.NoError(t, engine.SetupRecovery(ctx, wallet, threeGuardians(), 3, 0))

	// Duplicate guardians are refused.
	err := engine.AddGuardian(ctx, wallet, Guardian{Address: guardianA, Weight: 1, Kind: interfaces.GuardianIndividual})
	assert.ErrorIs(t, err, interfaces.ErrStateConflict)

	// Removing a guardian clamps the threshold to the remaining weight.
	require.NoError(t, engine.RemoveGuardian(ctx, wallet, guardianC))
	cfg, err := engine.GetConfig(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cfg.Threshold, "Threshold must clamp to the remaining total weight")
	assert.Len(t, cfg.Guardians, 2)

	// The roster can never become empty.
	require.NoError(t, engine.RemoveGuardian(ctx, wallet, guardianB))
	err = engine.RemoveGuardian(ctx, wallet, guardianA)
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	// Unknown guardians report not found.
	err = engine.RemoveGuardian(ctx, wallet, guardianC)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestEngine_SetupValidation(t *testing.T) {
	engine, _ := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x100000000000000000000000000000000000000b")

	err := engine.SetupRecovery(ctx, wallet, nil, 1, 0)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "An empty roster is invalid")

	err = engine.SetupRecovery(ctx, wallet, threeGuardians(), 5, 0)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "An unsatisfiable threshold is invalid")

	err = engine.SetupRecovery(ctx, wallet, threeGuardians(), 0, 0)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "A zero threshold is invalid")

	err = engine.SetupRecovery(ctx, wallet, threeGuardians(), 2, -time.Hour)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Negative delays are invalid")
}

func TestEngine_WeightedApprovals(t *testing.T) {
	engine, _ := newTestEngine(t, allowGate{}, &fakeExecutor{})
	ctx := context.Background()
	wallet := testWallet(t, "0x100000000000000000000000000000000000000c")

	guardians := []Guardian{
		{Address: guardianA, Kind: interfaces.GuardianMultisig, Weight: 3},
		{Address: guardianB, Kind: interfaces.GuardianIndividual, Weight: 1},
		{Address: guardianC, Kind: interfaces.GuardianIndividual, Weight: 1},
	}
	require.NoError(t, engine.SetupRecovery(ctx, wallet, guardians, 3, 0))

	requestID, err := engine.InitiateRecovery(ctx, wallet, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)

	// The heavyweight guardian alone satisfies the threshold.
	require.NoError(t, engine.ApproveRecovery(ctx, requestID, guardianA))
	req, err := engine.GetRequest(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusApproved, req.Status)
}

func TestEngine_MonitorExpiresAndExecutes(t *testing.T) {
	executor := &fakeExecutor{}
	engine, mock := newTestEngine(t, allowGate{}, executor)
	ctx := context.Background()

	// One request that will expire untouched.
	stale := testWallet(t, "0x100000000000000000000000000000000000000d")
	require.NoError(t, engine.SetupRecovery(ctx, stale, threeGuardians(), 2, 0))
	staleID, err := engine.InitiateRecovery(ctx, stale, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)

	// One approved request whose delay elapses inside the TTL.
	live := testWallet(t, "0x100000000000000000000000000000000000000e")
	require.NoError(t, engine.SetupRecovery(ctx, live, threeGuardians(), 2, time.Hour))
	liveID, err := engine.InitiateRecovery(ctx, live, newOwner, "user:owner", "10.0.0.1", false)
	require.NoError(t, err)
	require.NoError(t, engine.ApproveRecovery(ctx, liveID, guardianA))
	require.NoError(t, engine.ApproveRecovery(ctx, liveID, guardianB))

	// Before the delay, a pass changes nothing.
	engine.MonitorPass(ctx)
	assert.Empty(t, executor.calls)

	// After the delay the approved request executes.
	mock.Add(2 * time.Hour)
	engine.MonitorPass(ctx)
	req, err := engine.GetRequest(ctx, liveID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusExecuted, req.Status)
	assert.Len(t, executor.calls, 1)

	// Past the TTL the untouched request expires and stays expired.
	mock.Add(DefaultConfig().RequestTTL)
	engine.MonitorPass(ctx)
	req, err = engine.GetRequest(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusExpired, req.Status)
}
