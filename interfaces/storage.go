package interfaces

import (
	"context"
	"time"
)

// ConfigStore persists per-wallet recovery configurations.
type ConfigStore interface {
	// GetConfig retrieves the recovery config for a wallet. Returns an error
	// wrapping ErrNotFound if no config exists.
	GetConfig(ctx context.Context, walletID WalletID) (*RecoveryConfig, error)

	// PutConfig stores or replaces the recovery config for a wallet.
	PutConfig(ctx context.Context, cfg *RecoveryConfig) error
}

// RequestStore persists recovery requests, indexed by wallet and by status.
type RequestStore interface {
	// GetRequest retrieves a request by ID. Returns an error wrapping
	// ErrNotFound if unknown.
	GetRequest(ctx context.Context, id RequestID) (*RecoveryRequest, error)

	// PutRequest stores or replaces a request and updates the indexes.
	PutRequest(ctx context.Context, req *RecoveryRequest) error

	// RequestsByWallet lists all requests for a wallet, newest first.
	RequestsByWallet(ctx context.Context, walletID WalletID) ([]*RecoveryRequest, error)

	// RequestsByStatus lists all requests currently in the given status.
	RequestsByStatus(ctx context.Context, status RequestStatus) ([]*RecoveryRequest, error)
}

// EventStore persists per-principal security event history. Events are
// append-only; the only permitted mutation is the retention purge.
type EventStore interface {
	// AppendEvent appends one event to the principal's history.
	AppendEvent(ctx context.Context, event SecurityEvent) error

	// EventsByPrincipal lists the principal's events with timestamps at or
	// after since, in chronological order.
	EventsByPrincipal(ctx context.Context, principal Principal, since time.Time) ([]SecurityEvent, error)

	// PurgeEventsBefore removes all events older than cutoff across all
	// principals and returns the number removed. Per-item failures are
	// logged by the caller and must not halt the purge.
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ShareStore persists key share sets, encrypted at rest by the signer.
type ShareStore interface {
	// GetShares retrieves the share set for a wallet. Returns an error
	// wrapping ErrNotFound if the wallet has no distributed key.
	GetShares(ctx context.Context, walletID WalletID) (*KeyShareSet, error)

	// PutShares stores the share set for a wallet.
	PutShares(ctx context.Context, set *KeyShareSet) error
}

// BackupStore persists opaque encrypted wallet backup blobs, keyed by
// principal and wallet. Blobs are sealed before they reach the store.
type BackupStore interface {
	// PutBackup stores or replaces the sealed backup blob.
	PutBackup(ctx context.Context, principal Principal, walletID WalletID, blob []byte) error

	// GetBackup retrieves the sealed backup blob. Returns an error wrapping
	// ErrNotFound if none was stored.
	GetBackup(ctx context.Context, principal Principal, walletID WalletID) ([]byte, error)
}

// FactorEnrollment is a principal's registered authentication material.
// The TOTP secret is stored encrypted; only its ciphertext appears here.
type FactorEnrollment struct {
	Principal           Principal `json:"principal"`
	TOTPSecretEncrypted []byte    `json:"totp_secret_encrypted,omitempty"`
	HardwareKeyPEM      []byte    `json:"hardware_key_pem,omitempty"`
	BiometricHash       []byte    `json:"biometric_hash,omitempty"`
	EnrolledAt          time.Time `json:"enrolled_at"`
}

// EnrollmentStore persists per-principal factor enrollments.
type EnrollmentStore interface {
	// GetEnrollment retrieves a principal's enrollment. Returns an error
	// wrapping ErrNotFound if the principal never enrolled a factor.
	GetEnrollment(ctx context.Context, principal Principal) (*FactorEnrollment, error)

	// PutEnrollment stores or replaces a principal's enrollment.
	PutEnrollment(ctx context.Context, enrollment *FactorEnrollment) error
}
