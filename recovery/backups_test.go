package recovery

import (
	"bytes"
	"context"
	"crypto/rand"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/wallet-recovery-backend/cryptoutils"
	"github.com/custodia/wallet-recovery-backend/interfaces"
	"github.com/custodia/wallet-recovery-backend/storage"
)

func newTestBackups(t *testing.T) (*Backups, storage.Backend) {
	t.Helper()
	log := slog.Default()
	backend := storage.NewMemoryBackend()
	records, err := storage.NewRecords(context.Background(), backend, log)
	require.NoError(t, err)

	masterKey := make([]byte, 32)
	_, err = rand.Read(masterKey)
	require.NoError(t, err)
	cipher, err := cryptoutils.NewCipher(masterKey)
	require.NoError(t, err)

	return NewBackups(records, cipher, log), backend
}

func TestBackupRoundTrip(t *testing.T) {
	backups, _ := newTestBackups(t)
	ctx := context.Background()
	wallet, err := interfaces.NewWalletIDFromHex("0x1000000000000000000000000000000000000001")
	require.NoError(t, err)
	payload := []byte(`{"mnemonic":"twelve words"}`)

	require.NoError(t, backups.Store(ctx, "user:alice", wallet, payload))

	got, err := backups.Fetch(ctx, "user:alice", wallet)
	require.NoError(t, err)
	assert.Equal(t, payload, got, "fetched backup must match the stored payload")
}

func TestBackupSealedAtRest(t *testing.T) {
	backups, backend := newTestBackups(t)
	ctx := context.Background()
	wallet, err := interfaces.NewWalletIDFromHex("0x1000000000000000000000000000000000000001")
	require.NoError(t, err)
	payload := []byte("secret seed material")

	require.NoError(t, backups.Store(ctx, "user:alice", wallet, payload))

	keys, err := backend.List(ctx, "recovery/backups/")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	stored, err := backend.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.False(t, bytes.Contains(stored, payload), "stored blob must not contain the plaintext")
}

func TestBackupScopedToPrincipalAndWallet(t *testing.T) {
	backups, _ := newTestBackups(t)
	ctx := context.Background()
	walletA, err := interfaces.NewWalletIDFromHex("0x1000000000000000000000000000000000000001")
	require.NoError(t, err)
	walletB, err := interfaces.NewWalletIDFromHex("0x1000000000000000000000000000000000000002")
	require.NoError(t, err)

	require.NoError(t, backups.Store(ctx, "user:alice", walletA, []byte("alice material")))

	_, err = backups.Fetch(ctx, "user:mallory", walletA)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "another principal must not see the backup")
	_, err = backups.Fetch(ctx, "user:alice", walletB)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "another wallet must not see the backup")
}

func TestBackupValidation(t *testing.T) {
	backups, _ := newTestBackups(t)
	ctx := context.Background()
	wallet, err := interfaces.NewWalletIDFromHex("0x1000000000000000000000000000000000000001")
	require.NoError(t, err)

	err = backups.Store(ctx, "", wallet, []byte("payload"))
	assert.ErrorIs(t, err, interfaces.ErrValidation, "empty principal is rejected")
	err = backups.Store(ctx, "user:alice", wallet, nil)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "empty payload is rejected")
	_, err = backups.Fetch(ctx, "", wallet)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}
