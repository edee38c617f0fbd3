package recovery

import (
	"context"
	"errors"
	"log/slog"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// RunMonitor periodically rescans active recovery requests until the
// context ends: pending and approved requests past their deadline are
// expired, and approved requests whose delay has elapsed are executed.
// The scan is idempotent, so skipped or delayed ticks cannot corrupt state.
func (e *Engine) RunMonitor(ctx context.Context) {
	ticker := e.clk.Ticker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.MonitorPass(ctx)
		}
	}
}

// MonitorPass performs one scan over active requests. Per-item failures are
// logged and skipped so one malformed record cannot halt the pass.
func (e *Engine) MonitorPass(ctx context.Context) {
	now := e.clk.Now()

	for _, status := range []interfaces.RequestStatus{interfaces.StatusPending, interfaces.StatusApproved} {
		reqs, err := e.requests.RequestsByStatus(ctx, status)
		if err != nil {
			e.log.Error("Recovery monitor scan failed", slog.String("status", string(status)), "err", err)
			continue
		}
		for _, req := range reqs {
			if !now.Before(req.ExpiresAt) {
				e.expireRequest(ctx, req.ID)
				continue
			}
			if req.Status == interfaces.StatusApproved {
				e.tryExecute(ctx, req.ID)
			}
		}
	}
}

// expireRequest transitions one overdue request to expired.
func (e *Engine) expireRequest(ctx context.Context, requestID interfaces.RequestID) {
	// loadForUpdate persists the expiry transition as a side effect.
	_, unlock, err := e.loadForUpdate(ctx, requestID)
	if err != nil {
		if errors.Is(err, interfaces.ErrExpired) {
			e.log.Info("Recovery request expired", slog.String("request_id", string(requestID)))
			return
		}
		e.log.Warn("Failed to expire recovery request", slog.String("request_id", string(requestID)), "err", err)
		return
	}
	unlock()
}

// tryExecute drives one approved request toward execution, tolerating
// not-yet-eligible delays and transient on-chain failures.
func (e *Engine) tryExecute(ctx context.Context, requestID interfaces.RequestID) {
	if _, err := e.ExecuteRecovery(ctx, requestID); err != nil {
		switch {
		case errors.Is(err, interfaces.ErrStateConflict):
			// Delay not elapsed yet, or raced with a cancel; retry later.
			e.log.Debug("Recovery not yet executable", slog.String("request_id", string(requestID)), "err", err)
		case errors.Is(err, interfaces.ErrOnChain):
			e.log.Warn("Recovery execution failed on chain, will retry",
				slog.String("request_id", string(requestID)), "err", err)
		default:
			e.log.Error("Recovery execution failed", slog.String("request_id", string(requestID)), "err", err)
		}
	}
}
