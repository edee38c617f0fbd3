package walletexec

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

func TestDryRunExecutor(t *testing.T) {
	executor := NewDryRunExecutor(slog.Default())

	walletID, err := interfaces.NewWalletIDFromHex("0x1000000000000000000000000000000000000001")
	require.NoError(t, err)
	newOwner := common.HexToAddress("0x9999999999999999999999999999999999999999")

	ref, err := executor.ChangeOwner(context.Background(), walletID, newOwner)
	require.NoError(t, err)
	assert.NotEqual(t, interfaces.TxRef{}, ref, "Dry-run references must be non-zero")

	// The reference is deterministic for the same inputs.
	again, err := executor.ChangeOwner(context.Background(), walletID, newOwner)
	require.NoError(t, err)
	assert.Equal(t, ref, again)
}
