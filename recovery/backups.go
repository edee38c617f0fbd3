package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// Backups seals and stores opaque wallet backup blobs. Each blob is
// encrypted under a context bound to the owning principal and wallet, so a
// blob copied between principals or wallets fails to open.
type Backups struct {
	store  interfaces.BackupStore
	cipher interfaces.Cipher
	log    *slog.Logger
}

// NewBackups creates a backup service over the given store and cipher.
func NewBackups(store interfaces.BackupStore, cipher interfaces.Cipher, log *slog.Logger) *Backups {
	return &Backups{store: store, cipher: cipher, log: log}
}

// Store seals plaintext for the principal and wallet and persists it,
// replacing any previous backup.
func (b *Backups) Store(ctx context.Context, principal interfaces.Principal, walletID interfaces.WalletID, plaintext []byte) error {
	if principal == "" {
		return fmt.Errorf("%w: principal must not be empty", interfaces.ErrValidation)
	}
	if len(plaintext) == 0 {
		return fmt.Errorf("%w: backup payload must not be empty", interfaces.ErrValidation)
	}

	sealed, err := b.cipher.Encrypt(plaintext, interfaces.BackupContext(principal, walletID))
	if err != nil {
		return fmt.Errorf("failed to seal backup: %w", err)
	}
	if err := b.store.PutBackup(ctx, principal, walletID, sealed); err != nil {
		return fmt.Errorf("failed to store backup: %w", err)
	}

	b.log.Info("stored wallet backup", "principal", principal, "wallet", walletID.String(), "size", len(sealed))
	return nil
}

// Fetch retrieves and opens the principal's backup for the wallet. A blob
// that fails authentication returns ErrCiphertextTampered.
func (b *Backups) Fetch(ctx context.Context, principal interfaces.Principal, walletID interfaces.WalletID) ([]byte, error) {
	if principal == "" {
		return nil, fmt.Errorf("%w: principal must not be empty", interfaces.ErrValidation)
	}

	sealed, err := b.store.GetBackup(ctx, principal, walletID)
	if err != nil {
		return nil, err
	}
	plaintext, err := b.cipher.Decrypt(sealed, interfaces.BackupContext(principal, walletID))
	if err != nil {
		return nil, fmt.Errorf("failed to open backup for %s: %w", principal, err)
	}
	return plaintext, nil
}
