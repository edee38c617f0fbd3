package interfaces

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// WalletExecutor is the external wallet execution layer. It is invoked only
// after a recovery request has reached execution eligibility; this subsystem
// never talks to the chain directly.
type WalletExecutor interface {
	// ChangeOwner transfers control of the wallet to the new owner and
	// returns a reference to the resulting transaction. Failures wrap
	// ErrOnChain.
	ChangeOwner(ctx context.Context, walletID WalletID, newOwner common.Address) (TxRef, error)
}

// Cipher is the external authenticated-encryption primitive. Context strings
// bind a ciphertext to its purpose; decrypting with a different context fails
// with ErrCiphertextTampered.
type Cipher interface {
	// Encrypt seals plaintext under a key derived for the given context.
	Encrypt(plaintext []byte, context string) ([]byte, error)

	// Decrypt opens a ciphertext produced by Encrypt with the same context.
	// Returns an error wrapping ErrCiphertextTampered on any authentication
	// failure.
	Decrypt(ciphertext []byte, context string) ([]byte, error)
}

// BackupContext derives the authenticated-encryption context string for a
// principal's encrypted wallet backup blob.
func BackupContext(principal Principal, walletID WalletID) string {
	return fmt.Sprintf("backup:%s:%s", principal, walletID)
}
