package anomaly

import (
	"math/big"
	"sync"
	"time"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// principalState is the rebuildable scoring state for one principal. All
// fields are guarded by mu; the engine folds events into the state strictly
// in chronological order.
type principalState struct {
	mu     sync.Mutex
	loaded bool

	score        float64
	lockoutUntil time.Time

	knownIPs     map[string]struct{}
	eventTimes   []time.Time // trimmed to the frequency window
	authFailures []time.Time // trimmed to the failed-auth window

	txCount     int
	txAmountSum float64

	hourCounts  [24]int
	hourSamples int
}

func newPrincipalState() *principalState {
	return &principalState{knownIPs: make(map[string]struct{})}
}

// avgTxAmount returns the running average transaction amount, or 0 if no
// transactions were observed.
func (ps *principalState) avgTxAmount() float64 {
	if ps.txCount == 0 {
		return 0
	}
	return ps.txAmountSum / float64(ps.txCount)
}

// activeHour reports whether the given hour accounts for at least minShare
// of the principal's observed events.
func (ps *principalState) activeHour(hour int, minShare float64) bool {
	if ps.hourSamples == 0 {
		return true // no history: every hour counts as active
	}
	return float64(ps.hourCounts[hour])/float64(ps.hourSamples) >= minShare
}

// trim drops window-bound samples that fell out of their trailing windows.
func (ps *principalState) trim(now time.Time, cfg Config) {
	ps.eventTimes = trimBefore(ps.eventTimes, now.Add(-cfg.FrequencyWindow))
	ps.authFailures = trimBefore(ps.authFailures, now.Add(-cfg.FailedAuthWindow))
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	return times[idx:]
}

// eventScore computes the additive risk contribution of one event against
// the state accumulated from all earlier events. Contributions are additive
// and capped at 1.0. The caller must hold ps.mu and must fold events in
// chronological order.
func (ps *principalState) eventScore(event *interfaces.SecurityEvent, cfg Config) float64 {
	score := 0.0
	now := event.Timestamp

	switch event.Type {
	case interfaces.EventAuthFailure:
		// +0.1 per failed attempt in the trailing window, capped at +0.5.
		failures := len(trimBefore(ps.authFailures, now.Add(-cfg.FailedAuthWindow))) + 1
		contribution := 0.1 * float64(failures)
		if contribution > 0.5 {
			contribution = 0.5
		}
		score += contribution

	case interfaces.EventKeyExport, interfaces.EventRecoveryAttempt:
		score += ps.sensitiveOperationScore(now, cfg)

	case interfaces.EventOperationCheck:
		if op, ok := checkedOperation(event); ok && op.Sensitive() {
			score += ps.sensitiveOperationScore(now, cfg)
		}

	case interfaces.EventTransaction:
		if amount, ok := event.TransactionAmount(); ok && ps.txCount >= cfg.MinTransactions {
			value, _ := new(big.Float).SetInt(amount).Float64()
			if avg := ps.avgTxAmount(); avg > 0 && value > cfg.ValueMultiplier*avg {
				score += 0.3
			}
		}
	}

	// New source IP, once prior IP history exists.
	if event.SourceIP != "" && len(ps.knownIPs) > 0 {
		if _, known := ps.knownIPs[event.SourceIP]; !known {
			score += 0.3
		}
	}

	// High request frequency in the trailing window.
	recent := len(trimBefore(ps.eventTimes, now.Add(-cfg.FrequencyWindow))) + 1
	if recent > cfg.FrequencyLimit {
		score += 0.3
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

// sensitiveOperationScore is the base sensitive-operation contribution plus
// the off-hours bump.
func (ps *principalState) sensitiveOperationScore(at time.Time, cfg Config) float64 {
	score := 0.3
	if !ps.activeHour(at.UTC().Hour(), cfg.ActiveHourShare) {
		score += 0.2
	}
	return score
}

// fold applies one event to the state: computes its contribution, blends it
// into the EWMA score, and updates all trailing-window accumulators.
// Returns the effective risk used for verdicts: the larger of the blended
// score and the instantaneous contribution, so a burst of failures is
// visible immediately while the EWMA still governs decay.
func (ps *principalState) fold(event *interfaces.SecurityEvent, cfg Config) float64 {
	contribution := ps.eventScore(event, cfg)
	ps.score = ewmaOldWeight*ps.score + ewmaNewWeight*contribution
	effective := ps.score
	if contribution > effective {
		effective = contribution
	}

	now := event.Timestamp
	ps.trim(now, cfg)
	ps.eventTimes = append(ps.eventTimes, now)
	if event.Type == interfaces.EventAuthFailure {
		ps.authFailures = append(ps.authFailures, now)
	}
	if event.SourceIP != "" {
		ps.knownIPs[event.SourceIP] = struct{}{}
	}
	if amount, ok := event.TransactionAmount(); ok {
		value, _ := new(big.Float).SetInt(amount).Float64()
		ps.txAmountSum += value
		ps.txCount++
	}
	ps.hourCounts[now.UTC().Hour()]++
	ps.hourSamples++

	return effective
}

// checkedOperation decodes the operation from an operation_check event.
func checkedOperation(event *interfaces.SecurityEvent) (interfaces.OperationType, bool) {
	var payload interfaces.OperationCheckPayload
	if err := unmarshalPayload(event, &payload); err != nil {
		return "", false
	}
	return payload.Operation, true
}
