package signer

import (
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

func newTestSigner(t *testing.T) *ThresholdSigner {
	t.Helper()
	backend := storage.NewMemoryBackend()
	records, err := storage.NewRecords(context.Background(), backend, slog.Default())
	require.NoError(t, err)

	masterKey := make([]byte, 32)
	_, err = rand.Read(masterKey)
	require.NoError(t, err, "Failed to generate test master key")
	cipher, err := cryptoutils.NewCipher(masterKey)
	require.NoError(t, err)

	return New(records, cipher, slog.Default())
}

func testWallet(t *testing.T, hexAddr string) interfaces.WalletID {
	t.Helper()
	walletID, err := interfaces.NewWalletIDFromHex(hexAddr)
	require.NoError(t, err)
	return walletID
}

func TestThresholdSigner_GenerateDistributedKey(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()
	wallet := testWallet(t, "0x1111111111111111111111111111111111111111")

	pub, err := signer.GenerateDistributedKey(ctx, wallet, 3, 5)
	require.NoError(t, err, "Generation should succeed with valid parameters")
	assert.Len(t, pub, 32, "Public identity should be an ed25519 public key")

	stored, err := signer.GetPublicIdentity(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, pub, stored, "Stored identity should match the one returned at generation")

	// A second generation for the same wallet must be refused.
	_, err = signer.GenerateDistributedKey(ctx, wallet, 3, 5)
	assert.ErrorIs(t, err, interfaces.ErrStateConflict, "Regenerating an existing key must conflict")

	// Parameter validation.
	other := testWallet(t, "0x2222222222222222222222222222222222222222")
	_, err = signer.GenerateDistributedKey(ctx, other, 1, 5)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Threshold below 2 must be rejected")
	_, err = signer.GenerateDistributedKey(ctx, other, 6, 5)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Threshold above total shares must be rejected")
	_, err = signer.GenerateDistributedKey(ctx, other, 3, 300)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "More than 255 shares must be rejected")
}

func TestThresholdSigner_SignWithQuorum(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()
	wallet := testWallet(t, "0x3333333333333333333333333333333333333333")

	pub, err := signer.GenerateDistributedKey(ctx, wallet, 3, 5)
	require.NoError(t, err)

	payload := []byte("transfer 5 to 0xabc")
	sig, err := signer.Sign(ctx, wallet, payload, []int{1, 3, 5})
	require.NoError(t, err, "Signing with a full quorum should succeed")
	assert.True(t, Verify(pub, payload, sig), "Signature should verify against the public identity")
	assert.False(t, Verify(pub, []byte("something else"), sig), "Signature must not verify a different payload")
}

func TestThresholdSigner_AnyQuorumProducesSameSignature(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()
	wallet := testWallet(t, "0x4444444444444444444444444444444444444444")

	_, err := signer.GenerateDistributedKey(ctx, wallet, 3, 5)
	require.NoError(t, err)

	payload := []byte("rotate session keys")
	first, err := signer.Sign(ctx, wallet, payload, []int{1, 3, 5})
	require.NoError(t, err)
	second, err := signer.Sign(ctx, wallet, payload, []int{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, first, second, "Different quorums must reconstruct the same key and produce identical signatures")
}

func TestThresholdSigner_SignRejectsInsufficientShares(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()
	wallet := testWallet(t, "0x5555555555555555555555555555555555555555")

	_, err := signer.GenerateDistributedKey(ctx, wallet, 3, 5)
	require.NoError(t, err)

	_, err = signer.Sign(ctx, wallet, []byte("payload"), []int{1, 2})
	assert.ErrorIs(t, err, interfaces.ErrInsufficientQuorum, "Fewer shares than the threshold must be refused")

	// Duplicate indexes do not count twice.
	_, err = signer.Sign(ctx, wallet, []byte("payload"), []int{1, 1, 2})
	assert.ErrorIs(t, err, interfaces.ErrInsufficientQuorum, "Duplicate indexes must not satisfy the quorum")
}

func TestThresholdSigner_SignUnknownShareIndex(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()
	wallet := testWallet(t, "0x6666666666666666666666666666666666666666")

	_, err := signer.GenerateDistributedKey(ctx, wallet, 2, 3)
	require.NoError(t, err)

	_, err = signer.Sign(ctx, wallet, []byte("payload"), []int{1, 9})
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "An index outside the generated set must be reported missing")
}

func TestThresholdSigner_SignWithoutKey(t *testing.T) {
	signer := newTestSigner(t)
	ctx := context.Background()
	wallet := testWallet(t, "0x7777777777777777777777777777777777777777")

	_, err := signer.Sign(ctx, wallet, []byte("payload"), []int{1, 2})
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Signing for a wallet without a key must fail")

	_, err = signer.GetPublicIdentity(ctx, wallet)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
