package interfaces

import "errors"

// Error taxonomy surfaced by the engines. Callers classify with errors.Is;
// every error returned through the public contracts wraps exactly one of
// these sentinels.
var (
	// ErrValidation marks a bad threshold, guardian or parameter, rejected
	// before any state mutation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown wallet, request, session or share index.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an operation attempted from a non-permitted
	// status, such as approving an already-executed request.
	ErrStateConflict = errors.New("state conflict")

	// ErrInsufficientQuorum marks too few shares or approvals.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrLockedOut marks a principal or source IP currently denied. The
	// message carries only a generic reason; risk detail is never leaked.
	ErrLockedOut = errors.New("blocked")

	// ErrMFARequired marks an elevated-risk attempt that may proceed only
	// once the caller completes a multi-factor session and retries.
	ErrMFARequired = errors.New("additional verification required")

	// ErrExpired marks a session or request past its deadline.
	ErrExpired = errors.New("expired")

	// ErrOnChain marks a failure reported by the wallet execution layer.
	ErrOnChain = errors.New("on-chain execution failed")

	// ErrCiphertextTampered marks an authenticated-decryption failure:
	// either the ciphertext was modified or the wrong context was supplied.
	ErrCiphertextTampered = errors.New("ciphertext tampered or wrong key")
)
