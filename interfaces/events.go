package interfaces

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType classifies a security event.
type EventType string

// Recognized security event types.
const (
	EventAuthSuccess     EventType = "auth_success"
	EventAuthFailure     EventType = "auth_failure"
	EventKeyExport       EventType = "key_export"
	EventTransaction     EventType = "transaction_signed"
	EventSettingsChange  EventType = "settings_change"
	EventRecoveryAttempt EventType = "recovery_attempt"
	EventOperationCheck  EventType = "operation_check"
)

// EventPayload is the tagged union of event-type-specific payloads. Each
// variant validates itself at construction; events never carry free-form
// dynamic data.
type EventPayload interface {
	// EventType returns the event type this payload belongs to.
	EventType() EventType
	// Validate checks payload-specific invariants.
	Validate() error
}

// AuthPayload accompanies auth_success and auth_failure events.
type AuthPayload struct {
	Success bool   `json:"success"`
	Method  string `json:"method,omitempty"`
}

// EventType implements EventPayload.
func (p AuthPayload) EventType() EventType {
	if p.Success {
		return EventAuthSuccess
	}
	return EventAuthFailure
}

// Validate implements EventPayload.
func (p AuthPayload) Validate() error { return nil }

// TransactionPayload accompanies transaction_signed events.
type TransactionPayload struct {
	Amount      *big.Int       `json:"amount"`
	Destination common.Address `json:"destination"`
}

// EventType implements EventPayload.
func (p TransactionPayload) EventType() EventType { return EventTransaction }

// Validate implements EventPayload.
func (p TransactionPayload) Validate() error {
	if p.Amount == nil || p.Amount.Sign() < 0 {
		return fmt.Errorf("%w: transaction amount must be present and non-negative", ErrValidation)
	}
	return nil
}

// KeyExportPayload accompanies key_export events.
type KeyExportPayload struct {
	Destination string `json:"destination"`
}

// EventType implements EventPayload.
func (p KeyExportPayload) EventType() EventType { return EventKeyExport }

// Validate implements EventPayload.
func (p KeyExportPayload) Validate() error { return nil }

// SettingsPayload accompanies settings_change events.
type SettingsPayload struct {
	Setting string `json:"setting"`
}

// EventType implements EventPayload.
func (p SettingsPayload) EventType() EventType { return EventSettingsChange }

// Validate implements EventPayload.
func (p SettingsPayload) Validate() error {
	if p.Setting == "" {
		return fmt.Errorf("%w: settings change must name the setting", ErrValidation)
	}
	return nil
}

// RecoveryPayload accompanies recovery_attempt events.
type RecoveryPayload struct {
	RequestID RequestID `json:"request_id,omitempty"`
	NewOwner  string    `json:"new_owner,omitempty"`
}

// EventType implements EventPayload.
func (p RecoveryPayload) EventType() EventType { return EventRecoveryAttempt }

// Validate implements EventPayload.
func (p RecoveryPayload) Validate() error { return nil }

// OperationCheckPayload accompanies operation_check events recorded by
// pre-flight allowance checks.
type OperationCheckPayload struct {
	Operation OperationType `json:"operation"`
}

// EventType implements EventPayload.
func (p OperationCheckPayload) EventType() EventType { return EventOperationCheck }

// Validate implements EventPayload.
func (p OperationCheckPayload) Validate() error {
	return p.Operation.Validate()
}

// SecurityEvent is one append-only entry in a principal's security history.
// Events are retained for a bounded window and garbage-collected by the
// anomaly engine's periodic sweep.
type SecurityEvent struct {
	ID        string          `json:"id"`
	Principal Principal       `json:"principal"`
	Type      EventType       `json:"type"`
	SourceIP  string          `json:"source_ip"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewSecurityEvent builds an event from a validated payload. The payload is
// serialized at construction so stored events are self-contained.
func NewSecurityEvent(id string, principal Principal, sourceIP string, at time.Time, payload EventPayload) (SecurityEvent, error) {
	if principal == "" {
		return SecurityEvent{}, fmt.Errorf("%w: principal must not be empty", ErrValidation)
	}
	if payload == nil {
		return SecurityEvent{}, fmt.Errorf("%w: event payload must not be nil", ErrValidation)
	}
	if err := payload.Validate(); err != nil {
		return SecurityEvent{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SecurityEvent{}, fmt.Errorf("failed to serialize event payload: %w", err)
	}
	return SecurityEvent{
		ID:        id,
		Principal: principal,
		Type:      payload.EventType(),
		SourceIP:  sourceIP,
		Timestamp: at,
		Payload:   raw,
	}, nil
}

// TransactionAmount decodes the amount from a transaction_signed event.
// Returns false for any other event type.
func (e *SecurityEvent) TransactionAmount() (*big.Int, bool) {
	if e.Type != EventTransaction {
		return nil, false
	}
	var p TransactionPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.Amount == nil {
		return nil, false
	}
	return p.Amount, true
}

// OperationType names a sensitive operation gated by MFA and anomaly
// scoring.
type OperationType string

// Gated operation types.
const (
	OpTransaction       OperationType = "transaction"
	OpHighValueTransfer OperationType = "high_value_transfer"
	OpKeyExport         OperationType = "key_export"
	OpAccountRecovery   OperationType = "account_recovery"
	OpSettingsChange    OperationType = "settings_change"
)

// Validate checks that the operation type is one of the supported values.
func (o OperationType) Validate() error {
	switch o {
	case OpTransaction, OpHighValueTransfer, OpKeyExport, OpAccountRecovery, OpSettingsChange:
		return nil
	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrValidation, o)
	}
}

// Sensitive reports whether the operation carries the elevated anomaly-score
// contribution for key exports and high-value transfers.
func (o OperationType) Sensitive() bool {
	return o == OpKeyExport || o == OpHighValueTransfer || o == OpAccountRecovery
}

// VerdictAction is the stable, client-facing classification of a verdict.
type VerdictAction string

// Verdict actions. Clients treat additional_verification as "retry via MFA
// flow" and account_locked/blocked as terminal for the current attempt.
const (
	ActionAllowed                VerdictAction = "allowed"
	ActionAdditionalVerification VerdictAction = "additional_verification"
	ActionAccountLocked          VerdictAction = "account_locked"
	ActionBlocked                VerdictAction = "blocked"
)

// Verdict is the anomaly engine's decision on an event or operation attempt.
type Verdict struct {
	Allowed   bool          `json:"allowed"`
	Action    VerdictAction `json:"action"`
	Reason    string        `json:"reason"`
	RiskScore float64       `json:"risk_score"`
}
