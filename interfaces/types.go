package interfaces

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// WalletID identifies a wallet by its on-chain address.
type WalletID common.Address

// NewWalletIDFromHex creates a wallet ID from a hex string, with or without
// the 0x prefix.
func NewWalletIDFromHex(addr string) (WalletID, error) {
	clean := strings.TrimPrefix(addr, "0x")
	if len(clean) != 40 {
		return WalletID{}, errors.New("invalid wallet ID length: hex string must be 40 characters")
	}
	if !common.IsHexAddress(clean) {
		return WalletID{}, errors.New("invalid wallet ID: not a hex address")
	}
	return WalletID(common.HexToAddress(clean)), nil
}

// String returns the hex string representation of the wallet ID.
func (id WalletID) String() string {
	return common.Address(id).Hex()
}

// Bytes returns the raw 20-byte address.
func (id WalletID) Bytes() []byte {
	return id[:]
}

// Equal compares two wallet IDs for equality.
func (id WalletID) Equal(other WalletID) bool {
	return id == other
}

// MarshalText encodes the wallet ID as its hex address.
func (id WalletID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText decodes a hex address.
func (id *WalletID) UnmarshalText(text []byte) error {
	parsed, err := NewWalletIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Principal identifies the acting party for anomaly scoring and MFA. It is
// typically a user or operator identity, not necessarily a wallet.
type Principal string

// String returns the principal identifier as a string.
func (p Principal) String() string { return string(p) }

// TxRef references a transaction produced by the wallet execution layer.
type TxRef common.Hash

// String returns the hex representation of the transaction reference.
func (r TxRef) String() string { return common.Hash(r).Hex() }

// MarshalText encodes the reference as a hex hash.
func (r TxRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a hex hash.
func (r *TxRef) UnmarshalText(text []byte) error {
	var h common.Hash
	if err := h.UnmarshalText(text); err != nil {
		return fmt.Errorf("invalid transaction reference: %w", err)
	}
	*r = TxRef(h)
	return nil
}

// GuardianKind describes what sort of identity a guardian is.
type GuardianKind string

// Supported guardian kinds.
const (
	GuardianIndividual GuardianKind = "individual"
	GuardianContract   GuardianKind = "contract"
	GuardianMultisig   GuardianKind = "multisig"
)

// Validate checks that the guardian kind is one of the supported values.
func (k GuardianKind) Validate() error {
	switch k {
	case GuardianIndividual, GuardianContract, GuardianMultisig:
		return nil
	default:
		return fmt.Errorf("%w: unknown guardian kind %q", ErrValidation, k)
	}
}

// Guardian is an identity entitled to vote on a wallet's recovery, carrying
// an approval weight. Guardians are unique by address within a config.
type Guardian struct {
	Address     common.Address `json:"address"`
	DisplayName string         `json:"display_name,omitempty"`
	Kind        GuardianKind   `json:"kind"`
	Weight      uint64         `json:"weight"`
	AddedAt     time.Time      `json:"added_at"`
}

// Validate checks guardian invariants: a usable address, a known kind and a
// strictly positive weight.
func (g Guardian) Validate() error {
	if g.Address == (common.Address{}) {
		return fmt.Errorf("%w: guardian address must not be zero", ErrValidation)
	}
	if err := g.Kind.Validate(); err != nil {
		return err
	}
	if g.Weight < 1 {
		return fmt.Errorf("%w: guardian weight must be at least 1", ErrValidation)
	}
	return nil
}

// RecoveryConfig is the per-wallet guardian roster and recovery policy.
// Invariant: 1 <= Threshold <= TotalWeight().
type RecoveryConfig struct {
	WalletID    WalletID   `json:"wallet_id"`
	Guardians   []Guardian `json:"guardians"`
	Threshold   uint64     `json:"threshold"`
	Delay       Duration   `json:"delay"`
	LastUpdated time.Time  `json:"last_updated"`
}

// TotalWeight returns the sum of all guardian weights.
func (c *RecoveryConfig) TotalWeight() uint64 {
	var total uint64
	for _, g := range c.Guardians {
		total += g.Weight
	}
	return total
}

// GuardianByAddress returns the guardian with the given address, if present.
func (c *RecoveryConfig) GuardianByAddress(addr common.Address) (Guardian, bool) {
	for _, g := range c.Guardians {
		if g.Address == addr {
			return g, true
		}
	}
	return Guardian{}, false
}

// Validate checks the config invariants: non-empty roster, valid and unique
// guardians, satisfiable threshold, non-negative delay.
func (c *RecoveryConfig) Validate() error {
	if len(c.Guardians) == 0 {
		return fmt.Errorf("%w: guardian set must not be empty", ErrValidation)
	}
	seen := make(map[common.Address]struct{}, len(c.Guardians))
	for _, g := range c.Guardians {
		if err := g.Validate(); err != nil {
			return err
		}
		if _, dup := seen[g.Address]; dup {
			return fmt.Errorf("%w: duplicate guardian address %s", ErrValidation, g.Address.Hex())
		}
		seen[g.Address] = struct{}{}
	}
	if c.Threshold < 1 || c.Threshold > c.TotalWeight() {
		return fmt.Errorf("%w: threshold %d outside [1, %d]", ErrValidation, c.Threshold, c.TotalWeight())
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: recovery delay must not be negative", ErrValidation)
	}
	return nil
}

// Duration is a time.Duration that marshals as seconds in JSON records.
type Duration time.Duration

// MarshalJSON encodes the duration as integer seconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", int64(time.Duration(d)/time.Second))), nil
}

// UnmarshalJSON decodes integer seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs int64
	if _, err := fmt.Sscanf(string(data), "%d", &secs); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RequestID identifies a recovery request.
type RequestID string

// String returns the request ID as a string.
func (id RequestID) String() string { return string(id) }

// RequestStatus is the lifecycle state of a recovery request.
type RequestStatus string

// Recovery request lifecycle states. Executed, cancelled and expired are
// terminal.
const (
	StatusPending   RequestStatus = "pending"
	StatusApproved  RequestStatus = "approved"
	StatusExecuted  RequestStatus = "executed"
	StatusCancelled RequestStatus = "cancelled"
	StatusExpired   RequestStatus = "expired"
)

// Active reports whether the status is non-terminal.
func (s RequestStatus) Active() bool {
	return s == StatusPending || s == StatusApproved
}

// CanTransitionTo reports whether the lifecycle permits moving from s to next.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusCancelled || next == StatusExpired
	case StatusApproved:
		return next == StatusExecuted || next == StatusCancelled || next == StatusExpired
	default:
		return false
	}
}

// RecoveryRequest tracks one attempt to transfer wallet ownership through the
// guardian quorum. Approvals hold distinct guardian addresses only.
type RecoveryRequest struct {
	ID          RequestID        `json:"id"`
	WalletID    WalletID         `json:"wallet_id"`
	NewOwner    common.Address   `json:"new_owner"`
	Approvals   []common.Address `json:"approvals"`
	Status      RequestStatus    `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ApprovedAt  *time.Time       `json:"approved_at,omitempty"`
	ExecutedAt  *time.Time       `json:"executed_at,omitempty"`
	CancelledAt *time.Time       `json:"cancelled_at,omitempty"`
	ResultRef   *TxRef           `json:"result_ref,omitempty"`
}

// HasApproval reports whether the guardian already approved this request.
func (r *RecoveryRequest) HasApproval(addr common.Address) bool {
	for _, a := range r.Approvals {
		if a == addr {
			return true
		}
	}
	return false
}

// ApprovedWeight sums the weights of the approving guardians against the
// given config. Approvals from addresses no longer on the roster count zero.
func (r *RecoveryRequest) ApprovedWeight(cfg *RecoveryConfig) uint64 {
	var total uint64
	for _, a := range r.Approvals {
		if g, ok := cfg.GuardianByAddress(a); ok {
			total += g.Weight
		}
	}
	return total
}

// KeyShareSet holds the share material for one distributed key. Shares are
// generated together at key-creation time and never regenerated individually.
// The underlying secret exists only transiently during signing.
type KeyShareSet struct {
	WalletID       WalletID       `json:"wallet_id"`
	Threshold      int            `json:"threshold"`
	TotalShares    int            `json:"total_shares"`
	Shares         map[int][]byte `json:"shares"`
	PublicIdentity []byte         `json:"public_identity"`
}
