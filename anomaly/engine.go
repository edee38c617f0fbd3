package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// EWMA blend weights: new combined score = 0.7*old + 0.3*event contribution.
const (
	ewmaOldWeight = 0.7
	ewmaNewWeight = 0.3
)

// Config holds the scoring thresholds and windows for the anomaly engine.
type Config struct {
	// Retention bounds how long security events are kept before the
	// periodic sweep purges them.
	Retention time.Duration

	// LockoutDuration is how long a principal stays locked after the
	// combined score crosses LockThreshold.
	LockoutDuration time.Duration

	// FailedAuthWindow is the trailing window for counting failed
	// authentication attempts.
	FailedAuthWindow time.Duration

	// FrequencyWindow and FrequencyLimit bound request frequency: more
	// than FrequencyLimit events inside the window contributes to risk.
	FrequencyWindow time.Duration
	FrequencyLimit  int

	// LockThreshold and VerifyThreshold partition the combined score into
	// locked / additional-verification / allowed.
	LockThreshold   float64
	VerifyThreshold float64

	// HighRiskIPCount and DenylistWindow control source-IP denylisting:
	// that many high-risk events from one IP inside the window denylists it.
	HighRiskIPCount int
	DenylistWindow  time.Duration

	// ActiveHourShare is the minimum share of a principal's events an hour
	// of day must account for to count as historically active.
	ActiveHourShare float64

	// HistoryWindow bounds how much history is loaded when rebuilding a
	// principal's scoring state.
	HistoryWindow time.Duration

	// ValueMultiplier and MinTransactions control the transaction-value
	// contribution: amounts above ValueMultiplier times the running average
	// score once MinTransactions prior transactions exist.
	ValueMultiplier float64
	MinTransactions int
}

// DefaultConfig returns the standard thresholds and windows.
func DefaultConfig() Config {
	return Config{
		Retention:        90 * 24 * time.Hour,
		LockoutDuration:  30 * time.Minute,
		FailedAuthWindow: 30 * time.Minute,
		FrequencyWindow:  10 * time.Minute,
		FrequencyLimit:   10,
		LockThreshold:    0.9,
		VerifyThreshold:  0.7,
		HighRiskIPCount:  3,
		DenylistWindow:   24 * time.Hour,
		ActiveHourShare:  0.05,
		HistoryWindow:    30 * 24 * time.Hour,
		ValueMultiplier:  5.0,
		MinTransactions:  3,
	}
}

// Engine scores security events and issues verdicts. Construct one per
// process with New and inject it into the MFA and recovery engines.
type Engine struct {
	store interfaces.EventStore
	clk   clock.Clock
	log   *slog.Logger
	cfg   Config

	mu         sync.Mutex
	principals map[interfaces.Principal]*principalState
	denylist   map[string]time.Time
	highRiskIP map[string][]time.Time
}

// New creates an anomaly engine over the given event store.
func New(store interfaces.EventStore, clk clock.Clock, log *slog.Logger, cfg Config) *Engine {
	return &Engine{
		store:      store,
		clk:        clk,
		log:        log,
		cfg:        cfg,
		principals: make(map[interfaces.Principal]*principalState),
		denylist:   make(map[string]time.Time),
		highRiskIP: make(map[string][]time.Time),
	}
}

// RecordEvent appends a security event for the principal, recomputes its
// risk score and returns the resulting verdict. A lockout may be set or
// extended as a side effect.
func (e *Engine) RecordEvent(ctx context.Context, principal interfaces.Principal, payload interfaces.EventPayload, sourceIP string) (interfaces.Verdict, error) {
	ps, err := e.loadPrincipal(ctx, principal)
	if err != nil {
		return interfaces.Verdict{}, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := e.clk.Now()
	event, err := interfaces.NewSecurityEvent(uuid.NewString(), principal, sourceIP, now, payload)
	if err != nil {
		return interfaces.Verdict{}, err
	}
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return interfaces.Verdict{}, fmt.Errorf("failed to append security event: %w", err)
	}

	// Denylisted source and active lockout both block outright; the event
	// is still recorded and folded so history stays complete.
	denied := e.ipDenied(sourceIP)
	locked := now.Before(ps.lockoutUntil)
	score := ps.fold(&event, e.cfg)

	switch {
	case denied:
		return interfaces.Verdict{Action: interfaces.ActionBlocked, Reason: "request blocked", RiskScore: score}, nil
	case locked:
		return interfaces.Verdict{Action: interfaces.ActionAccountLocked, Reason: "account temporarily locked", RiskScore: score}, nil
	case score >= e.cfg.LockThreshold:
		ps.lockoutUntil = now.Add(e.cfg.LockoutDuration)
		e.noteHighRisk(sourceIP, now)
		e.log.Warn("Principal locked out",
			slog.String("principal", principal.String()),
			slog.Float64("score", score),
			slog.Time("until", ps.lockoutUntil))
		return interfaces.Verdict{Action: interfaces.ActionAccountLocked, Reason: "account temporarily locked", RiskScore: score}, nil
	case score >= e.cfg.VerifyThreshold:
		return interfaces.Verdict{
			Allowed:   true,
			Action:    interfaces.ActionAdditionalVerification,
			Reason:    "additional verification required",
			RiskScore: score,
		}, nil
	default:
		return interfaces.Verdict{Allowed: true, Action: interfaces.ActionAllowed, Reason: "ok", RiskScore: score}, nil
	}
}

// IsOperationAllowed pre-checks whether the principal may attempt the given
// operation. The attempt itself is recorded as an operation_check event and
// contributes to the score like any other event.
func (e *Engine) IsOperationAllowed(ctx context.Context, principal interfaces.Principal, op interfaces.OperationType, sourceIP string) (interfaces.Verdict, error) {
	if err := op.Validate(); err != nil {
		return interfaces.Verdict{}, err
	}
	return e.RecordEvent(ctx, principal, interfaces.OperationCheckPayload{Operation: op}, sourceIP)
}

// ResetScore clears the principal's combined score without touching its
// lockout. Administrative override only.
func (e *Engine) ResetScore(_ context.Context, principal interfaces.Principal) {
	ps := e.statePeek(principal)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	ps.score = 0
	ps.mu.Unlock()
	e.log.Info("Risk score reset", slog.String("principal", principal.String()))
}

// Unlock clears an active lockout. Without adminOverride the unlock is
// refused while the combined score still sits above the lock threshold.
func (e *Engine) Unlock(_ context.Context, principal interfaces.Principal, adminOverride bool) error {
	ps := e.statePeek(principal)
	if ps == nil {
		return fmt.Errorf("%w: principal %s", interfaces.ErrNotFound, principal)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !adminOverride && ps.score >= e.cfg.LockThreshold {
		return fmt.Errorf("%w: score still above lock threshold", interfaces.ErrStateConflict)
	}
	ps.lockoutUntil = time.Time{}
	if adminOverride {
		ps.score = 0
	}
	e.log.Info("Principal unlocked", slog.String("principal", principal.String()), slog.Bool("admin_override", adminOverride))
	return nil
}

// DenylistedIPs returns a snapshot of the currently denylisted source IPs.
func (e *Engine) DenylistedIPs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ips := make([]string, 0, len(e.denylist))
	for ip := range e.denylist {
		ips = append(ips, ip)
	}
	return ips
}

// RemoveDenylistedIP removes an IP from the denylist. Administrative
// override only.
func (e *Engine) RemoveDenylistedIP(ip string) {
	e.mu.Lock()
	delete(e.denylist, ip)
	delete(e.highRiskIP, ip)
	e.mu.Unlock()
}

// LockedUntil returns the principal's lockout deadline, if one is active.
func (e *Engine) LockedUntil(principal interfaces.Principal) (time.Time, bool) {
	ps := e.statePeek(principal)
	if ps == nil {
		return time.Time{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if e.clk.Now().Before(ps.lockoutUntil) {
		return ps.lockoutUntil, true
	}
	return time.Time{}, false
}

// Score returns the principal's current combined risk score.
func (e *Engine) Score(ctx context.Context, principal interfaces.Principal) (float64, error) {
	ps, err := e.loadPrincipal(ctx, principal)
	if err != nil {
		return 0, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.score, nil
}

// Sweep purges events older than the retention window. Events still inside
// the denylist accounting window are always kept, so an active lockout or
// denylist decision can be recomputed from history.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.clk.Now()
	cutoff := now.Add(-e.cfg.Retention)
	if protected := now.Add(-e.cfg.DenylistWindow); cutoff.After(protected) {
		cutoff = protected
	}

	removed, err := e.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		e.log.Error("Event retention sweep failed", "err", err)
		return
	}
	if removed > 0 {
		e.log.Info("Purged expired security events", slog.Int("removed", removed))
	}

	e.mu.Lock()
	for ip, times := range e.highRiskIP {
		if trimmed := trimBefore(times, now.Add(-e.cfg.DenylistWindow)); len(trimmed) > 0 {
			e.highRiskIP[ip] = trimmed
		} else {
			delete(e.highRiskIP, ip)
		}
	}
	e.mu.Unlock()
}

// RunSweeper runs the retention sweep on a timer until the context ends.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := e.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// loadPrincipal returns the principal's scoring state, rebuilding it from
// the authoritative event store on first access.
func (e *Engine) loadPrincipal(ctx context.Context, principal interfaces.Principal) (*principalState, error) {
	e.mu.Lock()
	ps, ok := e.principals[principal]
	if !ok {
		ps = newPrincipalState()
		e.principals[principal] = ps
	}
	e.mu.Unlock()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.loaded {
		return ps, nil
	}

	since := e.clk.Now().Add(-e.cfg.HistoryWindow)
	events, err := e.store.EventsByPrincipal(ctx, principal, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load event history: %w", err)
	}
	for i := range events {
		ps.fold(&events[i], e.cfg)
	}
	ps.loaded = true
	return ps, nil
}

// statePeek returns existing state without rebuilding from storage.
func (e *Engine) statePeek(principal interfaces.Principal) *principalState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.principals[principal]
}

// ipDenied reports whether the source IP is on the denylist.
func (e *Engine) ipDenied(ip string) bool {
	if ip == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, denied := e.denylist[ip]
	return denied
}

// noteHighRisk records a high-risk event for the source IP and denylists it
// once enough high-risk events accumulate inside the window.
func (e *Engine) noteHighRisk(ip string, now time.Time) {
	if ip == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	times := trimBefore(e.highRiskIP[ip], now.Add(-e.cfg.DenylistWindow))
	times = append(times, now)
	e.highRiskIP[ip] = times

	if len(times) >= e.cfg.HighRiskIPCount {
		if _, already := e.denylist[ip]; !already {
			e.denylist[ip] = now
			e.log.Warn("Source IP denylisted", slog.String("ip", ip), slog.Int("high_risk_events", len(times)))
		}
	}
}

// unmarshalPayload decodes an event's payload into the given variant.
func unmarshalPayload(event *interfaces.SecurityEvent, out any) error {
	if len(event.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", event.ID)
	}
	return json.Unmarshal(event.Payload, out)
}
