// Package recovery implements the guardian-quorum social-recovery engine.
// It owns guardian rosters, recovery-threshold configuration and the
// lifecycle of recovery requests from initiation to execution, cancellation
// or expiry. The actual ownership change is delegated to the external wallet
// execution layer.
//
// Recovery is deliberately decoupled from threshold signing: recovery
// changes who controls a wallet, signing is how a transaction gets
// authorized once a controller is established.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// SecurityGate is the anomaly-engine surface consulted before a recovery is
// initiated.
type SecurityGate interface {
	RecordEvent(ctx context.Context, principal interfaces.Principal, payload interfaces.EventPayload, sourceIP string) (interfaces.Verdict, error)
}

// Config holds the recovery policy.
type Config struct {
	// RequestTTL is the validity window of a recovery request from
	// creation.
	RequestTTL time.Duration

	// MonitorInterval is how often the background monitor rescans active
	// requests.
	MonitorInterval time.Duration
}

// DefaultConfig returns the standard recovery policy.
func DefaultConfig() Config {
	return Config{
		RequestTTL:      7 * 24 * time.Hour,
		MonitorInterval: time.Minute,
	}
}

// Engine owns per-wallet recovery state. All mutations for one wallet are
// serialized through a per-wallet lock; status lookups read the
// authoritative store without locking.
type Engine struct {
	configs  interfaces.ConfigStore
	requests interfaces.RequestStore
	gate     SecurityGate
	executor interfaces.WalletExecutor
	clk      clock.Clock
	log      *slog.Logger
	cfg      Config

	mu      sync.Mutex
	wallets map[interfaces.WalletID]*sync.Mutex
}

// New creates a recovery engine.
func New(configs interfaces.ConfigStore, requests interfaces.RequestStore, gate SecurityGate, executor interfaces.WalletExecutor, clk clock.Clock, log *slog.Logger, cfg Config) *Engine {
	return &Engine{
		configs:  configs,
		requests: requests,
		gate:     gate,
		executor: executor,
		clk:      clk,
		log:      log,
		cfg:      cfg,
		wallets:  make(map[interfaces.WalletID]*sync.Mutex),
	}
}

// SetupRecovery creates or replaces the wallet's recovery configuration.
// Replacing the roster is refused while a recovery request is in flight.
func (e *Engine) SetupRecovery(ctx context.Context, walletID interfaces.WalletID, guardians []Guardian, threshold uint64, delay time.Duration) error {
	now := e.clk.Now()
	cfg := &interfaces.RecoveryConfig{
		WalletID:    walletID,
		Guardians:   make([]interfaces.Guardian, 0, len(guardians)),
		Threshold:   threshold,
		Delay:       interfaces.Duration(delay),
		LastUpdated: now,
	}
	for _, g := range guardians {
		cfg.Guardians = append(cfg.Guardians, interfaces.Guardian{
			Address:     g.Address,
			DisplayName: g.DisplayName,
			Kind:        g.Kind,
			Weight:      g.Weight,
			AddedAt:     now,
		})
	}
	if delay < 0 {
		return fmt.Errorf("%w: recovery delay must not be negative", interfaces.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	unlock := e.lockWallet(walletID)
	defer unlock()

	if active, err := e.activeRequest(ctx, walletID); err != nil {
		return err
	} else if active != nil {
		return fmt.Errorf("%w: recovery request %s is in flight", interfaces.ErrStateConflict, active.ID)
	}

	if err := e.configs.PutConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to store recovery config: %w", err)
	}
	e.log.Info("Recovery configured",
		slog.String("wallet", walletID.String()),
		slog.Int("guardians", len(cfg.Guardians)),
		slog.Uint64("threshold", threshold))
	return nil
}

// Guardian is the caller-facing guardian descriptor for roster changes.
type Guardian struct {
	Address     common.Address
	DisplayName string
	Kind        interfaces.GuardianKind
	Weight      uint64
}

// AddGuardian appends a guardian to the wallet's roster.
func (e *Engine) AddGuardian(ctx context.Context, walletID interfaces.WalletID, guardian Guardian) error {
	unlock := e.lockWallet(walletID)
	defer unlock()

	cfg, err := e.configs.GetConfig(ctx, walletID)
	if err != nil {
		return wrapConfigErr(err, walletID)
	}
	if _, exists := cfg.GuardianByAddress(guardian.Address); exists {
		return fmt.Errorf("%w: guardian %s already on roster", interfaces.ErrStateConflict, guardian.Address.Hex())
	}

	now := e.clk.Now()
	cfg.Guardians = append(cfg.Guardians, interfaces.Guardian{
		Address:     guardian.Address,
		DisplayName: guardian.DisplayName,
		Kind:        guardian.Kind,
		Weight:      guardian.Weight,
		AddedAt:     now,
	})
	cfg.LastUpdated = now
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := e.configs.PutConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to store recovery config: %w", err)
	}
	e.log.Info("Guardian added", slog.String("wallet", walletID.String()), slog.String("guardian", guardian.Address.Hex()))
	return nil
}

// RemoveGuardian removes a guardian from the roster. If the removal would
// leave the threshold above the remaining total weight, the threshold is
// clamped down so the configuration never becomes unsatisfiable.
func (e *Engine) RemoveGuardian(ctx context.Context, walletID interfaces.WalletID, address common.Address) error {
	unlock := e.lockWallet(walletID)
	defer unlock()

	cfg, err := e.configs.GetConfig(ctx, walletID)
	if err != nil {
		return wrapConfigErr(err, walletID)
	}

	remaining := make([]interfaces.Guardian, 0, len(cfg.Guardians))
	found := false
	for _, g := range cfg.Guardians {
		if g.Address == address {
			found = true
			continue
		}
		remaining = append(remaining, g)
	}
	if !found {
		return fmt.Errorf("%w: guardian %s", interfaces.ErrNotFound, address.Hex())
	}
	if len(remaining) == 0 {
		return fmt.Errorf("%w: cannot remove the last guardian", interfaces.ErrValidation)
	}

	cfg.Guardians = remaining
	if total := cfg.TotalWeight(); cfg.Threshold > total {
		e.log.Info("Clamping recovery threshold",
			slog.String("wallet", walletID.String()),
			slog.Uint64("from", cfg.Threshold),
			slog.Uint64("to", total))
		cfg.Threshold = total
	}
	cfg.LastUpdated = e.clk.Now()

	if err := e.configs.PutConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to store recovery config: %w", err)
	}
	e.log.Info("Guardian removed", slog.String("wallet", walletID.String()), slog.String("guardian", address.Hex()))
	return nil
}

// GetConfig returns the wallet's recovery configuration.
func (e *Engine) GetConfig(ctx context.Context, walletID interfaces.WalletID) (*interfaces.RecoveryConfig, error) {
	cfg, err := e.configs.GetConfig(ctx, walletID)
	if err != nil {
		return nil, wrapConfigErr(err, walletID)
	}
	return cfg, nil
}

// InitiateRecovery creates a pending recovery request transferring the
// wallet to newOwner. The attempt is scored by the anomaly engine first and
// refused while another request is in flight for the same wallet.
// mfaVerified reports that the caller finalized an account-recovery
// multi-factor session; a verdict in the additional-verification band is
// refused without it.
func (e *Engine) InitiateRecovery(ctx context.Context, walletID interfaces.WalletID, newOwner common.Address, principal interfaces.Principal, sourceIP string, mfaVerified bool) (interfaces.RequestID, error) {
	if newOwner == (common.Address{}) {
		return "", fmt.Errorf("%w: new owner must not be the zero address", interfaces.ErrValidation)
	}

	unlock := e.lockWallet(walletID)
	defer unlock()

	if _, err := e.configs.GetConfig(ctx, walletID); err != nil {
		return "", wrapConfigErr(err, walletID)
	}

	verdict, err := e.gate.RecordEvent(ctx, principal, interfaces.RecoveryPayload{NewOwner: newOwner.Hex()}, sourceIP)
	if err != nil {
		return "", fmt.Errorf("failed to score recovery attempt: %w", err)
	}
	if !verdict.Allowed {
		return "", fmt.Errorf("%w: %s", interfaces.ErrLockedOut, verdict.Reason)
	}
	if verdict.Action == interfaces.ActionAdditionalVerification && !mfaVerified {
		return "", fmt.Errorf("%w: complete a multi-factor session for account recovery and retry", interfaces.ErrMFARequired)
	}

	if active, err := e.activeRequest(ctx, walletID); err != nil {
		return "", err
	} else if active != nil {
		return "", fmt.Errorf("%w: recovery request %s already in flight", interfaces.ErrStateConflict, active.ID)
	}

	now := e.clk.Now()
	req := &interfaces.RecoveryRequest{
		ID:        interfaces.RequestID(uuid.NewString()),
		WalletID:  walletID,
		NewOwner:  newOwner,
		Approvals: []common.Address{},
		Status:    interfaces.StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.RequestTTL),
	}
	if err := e.requests.PutRequest(ctx, req); err != nil {
		return "", fmt.Errorf("failed to store recovery request: %w", err)
	}

	e.log.Info("Recovery initiated",
		slog.String("wallet", walletID.String()),
		slog.String("request_id", string(req.ID)),
		slog.String("new_owner", newOwner.Hex()),
		slog.Time("expires_at", req.ExpiresAt))
	return req.ID, nil
}

// ApproveRecovery records one guardian's approval. Approvals are applied in
// arrival order, exactly once per guardian; reaching the configured weight
// threshold transitions the request to approved.
func (e *Engine) ApproveRecovery(ctx context.Context, requestID interfaces.RequestID, guardianAddr common.Address) error {
	req, unlock, err := e.loadForUpdate(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	if !req.Status.CanTransitionTo(interfaces.StatusApproved) {
		return fmt.Errorf("%w: request is %s, approvals only accepted while pending", interfaces.ErrStateConflict, req.Status)
	}

	cfg, err := e.configs.GetConfig(ctx, req.WalletID)
	if err != nil {
		return wrapConfigErr(err, req.WalletID)
	}
	guardian, onRoster := cfg.GuardianByAddress(guardianAddr)
	if !onRoster {
		return fmt.Errorf("%w: %s is not a guardian of wallet %s", interfaces.ErrValidation, guardianAddr.Hex(), req.WalletID)
	}
	if req.HasApproval(guardianAddr) {
		return fmt.Errorf("%w: guardian %s already approved", interfaces.ErrStateConflict, guardianAddr.Hex())
	}

	req.Approvals = append(req.Approvals, guardianAddr)
	accumulated := req.ApprovedWeight(cfg)
	if accumulated >= cfg.Threshold {
		now := e.clk.Now()
		req.Status = interfaces.StatusApproved
		req.ApprovedAt = &now
	}
	if err := e.requests.PutRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to store recovery request: %w", err)
	}

	e.log.Info("Recovery approval recorded",
		slog.String("request_id", string(requestID)),
		slog.String("guardian", guardianAddr.Hex()),
		slog.Uint64("weight", guardian.Weight),
		slog.Uint64("accumulated", accumulated),
		slog.Uint64("threshold", cfg.Threshold),
		slog.String("status", string(req.Status)))
	return nil
}

// CancelRecovery cancels a pending or approved request. Only the legitimate
// wallet controller may cancel; caller identity is established by the
// enclosing service.
func (e *Engine) CancelRecovery(ctx context.Context, requestID interfaces.RequestID, callerWalletID interfaces.WalletID) error {
	req, unlock, err := e.loadForUpdate(ctx, requestID)
	if err != nil {
		return err
	}
	defer unlock()

	if !req.WalletID.Equal(callerWalletID) {
		return fmt.Errorf("%w: caller does not control wallet %s", interfaces.ErrValidation, req.WalletID)
	}
	if !req.Status.CanTransitionTo(interfaces.StatusCancelled) {
		return fmt.Errorf("%w: request is %s", interfaces.ErrStateConflict, req.Status)
	}

	now := e.clk.Now()
	req.Status = interfaces.StatusCancelled
	req.CancelledAt = &now
	if err := e.requests.PutRequest(ctx, req); err != nil {
		return fmt.Errorf("failed to store recovery request: %w", err)
	}

	e.log.Info("Recovery cancelled", slog.String("request_id", string(requestID)))
	return nil
}

// ExecuteRecovery hands an approved request to the wallet execution layer
// and records the resulting transaction reference. The request must be
// approved and its configured delay must have elapsed.
func (e *Engine) ExecuteRecovery(ctx context.Context, requestID interfaces.RequestID) (interfaces.TxRef, error) {
	req, unlock, err := e.loadForUpdate(ctx, requestID)
	if err != nil {
		return interfaces.TxRef{}, err
	}
	defer unlock()

	if !req.Status.CanTransitionTo(interfaces.StatusExecuted) {
		return interfaces.TxRef{}, fmt.Errorf("%w: request is %s, only approved requests execute", interfaces.ErrStateConflict, req.Status)
	}

	cfg, err := e.configs.GetConfig(ctx, req.WalletID)
	if err != nil {
		return interfaces.TxRef{}, wrapConfigErr(err, req.WalletID)
	}
	now := e.clk.Now()
	if req.ApprovedAt != nil {
		if eligible := req.ApprovedAt.Add(cfg.Delay.Std()); now.Before(eligible) {
			return interfaces.TxRef{}, fmt.Errorf("%w: recovery delay elapses at %s", interfaces.ErrStateConflict, eligible.Format(time.RFC3339))
		}
	}

	ref, err := e.executor.ChangeOwner(ctx, req.WalletID, req.NewOwner)
	if err != nil {
		// Leave the request approved so the monitor can retry.
		return interfaces.TxRef{}, fmt.Errorf("%w: %v", interfaces.ErrOnChain, err)
	}

	req.Status = interfaces.StatusExecuted
	req.ExecutedAt = &now
	req.ResultRef = &ref
	if err := e.requests.PutRequest(ctx, req); err != nil {
		return interfaces.TxRef{}, fmt.Errorf("failed to store recovery request: %w", err)
	}

	e.log.Info("Recovery executed",
		slog.String("request_id", string(requestID)),
		slog.String("wallet", req.WalletID.String()),
		slog.String("new_owner", req.NewOwner.Hex()),
		slog.String("tx_ref", ref.String()))
	return ref, nil
}

// GetRequest returns a recovery request by ID, applying lazy expiry.
func (e *Engine) GetRequest(ctx context.Context, requestID interfaces.RequestID) (*interfaces.RecoveryRequest, error) {
	req, err := e.requests.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: recovery request %s", interfaces.ErrNotFound, requestID)
		}
		return nil, fmt.Errorf("failed to load recovery request: %w", err)
	}
	if req.Status.CanTransitionTo(interfaces.StatusExpired) && !e.clk.Now().Before(req.ExpiresAt) {
		// Report what the request will become; the monitor persists it.
		expired := *req
		expired.Status = interfaces.StatusExpired
		return &expired, nil
	}
	return req, nil
}

// RequestsForWallet lists the wallet's recovery requests, newest first.
func (e *Engine) RequestsForWallet(ctx context.Context, walletID interfaces.WalletID) ([]*interfaces.RecoveryRequest, error) {
	return e.requests.RequestsByWallet(ctx, walletID)
}

// loadForUpdate loads a request and acquires its wallet lock, re-reading
// under the lock and applying lazy expiry. No operation may act on an
// entity observed to be expired, even before the sweep has run.
func (e *Engine) loadForUpdate(ctx context.Context, requestID interfaces.RequestID) (*interfaces.RecoveryRequest, func(), error) {
	req, err := e.requests.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: recovery request %s", interfaces.ErrNotFound, requestID)
		}
		return nil, nil, fmt.Errorf("failed to load recovery request: %w", err)
	}

	unlock := e.lockWallet(req.WalletID)
	req, err = e.requests.GetRequest(ctx, requestID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("failed to reload recovery request: %w", err)
	}

	if req.Status.CanTransitionTo(interfaces.StatusExpired) && !e.clk.Now().Before(req.ExpiresAt) {
		req.Status = interfaces.StatusExpired
		if putErr := e.requests.PutRequest(ctx, req); putErr != nil {
			e.log.Warn("Failed to persist lazy expiry", slog.String("request_id", string(requestID)), "err", putErr)
		}
		unlock()
		return nil, nil, fmt.Errorf("%w: recovery request %s", interfaces.ErrExpired, requestID)
	}
	return req, unlock, nil
}

// activeRequest returns the wallet's pending or approved request, if any,
// ignoring requests whose expiry has lapsed. Caller holds the wallet lock.
func (e *Engine) activeRequest(ctx context.Context, walletID interfaces.WalletID) (*interfaces.RecoveryRequest, error) {
	reqs, err := e.requests.RequestsByWallet(ctx, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery requests: %w", err)
	}
	now := e.clk.Now()
	for _, req := range reqs {
		if req.Status.Active() && now.Before(req.ExpiresAt) {
			return req, nil
		}
	}
	return nil, nil
}

// lockWallet acquires the per-wallet mutation lock and returns its release.
func (e *Engine) lockWallet(walletID interfaces.WalletID) func() {
	e.mu.Lock()
	lock, ok := e.wallets[walletID]
	if !ok {
		lock = &sync.Mutex{}
		e.wallets[walletID] = lock
	}
	e.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func wrapConfigErr(err error, walletID interfaces.WalletID) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("%w: no recovery config for wallet %s", interfaces.ErrNotFound, walletID)
	}
	return fmt.Errorf("failed to load recovery config: %w", err)
}
