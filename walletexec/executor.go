// Package walletexec implements the wallet execution layer collaborator:
// ownership changes are submitted as contract calls to the wallet's
// on-chain address.
package walletexec

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// changeOwnerGasLimit bounds the ownership-change call.
const changeOwnerGasLimit = 120_000

// changeOwnerSelector is the 4-byte selector of changeOwner(address).
var changeOwnerSelector = crypto.Keccak256([]byte("changeOwner(address)"))[:4]

// EthereumExecutor submits changeOwner calls to wallet contracts, signed
// with the service operator key.
type EthereumExecutor struct {
	client      *ethclient.Client
	operatorKey *ecdsa.PrivateKey
	chainID     *big.Int
	log         *slog.Logger
}

// NewEthereumExecutor connects to the given RPC endpoint and prepares the
// executor with the operator's signing key.
func NewEthereumExecutor(ctx context.Context, rpcAddr string, operatorKey *ecdsa.PrivateKey, log *slog.Logger) (*EthereumExecutor, error) {
	client, err := ethclient.DialContext(ctx, rpcAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain ID: %w", err)
	}
	return &EthereumExecutor{
		client:      client,
		operatorKey: operatorKey,
		chainID:     chainID,
		log:         log,
	}, nil
}

// ChangeOwner implements interfaces.WalletExecutor by calling
// changeOwner(newOwner) on the wallet contract.
func (x *EthereumExecutor) ChangeOwner(ctx context.Context, walletID interfaces.WalletID, newOwner common.Address) (interfaces.TxRef, error) {
	from := crypto.PubkeyToAddress(x.operatorKey.PublicKey)
	nonce, err := x.client.PendingNonceAt(ctx, from)
	if err != nil {
		return interfaces.TxRef{}, fmt.Errorf("%w: failed to fetch nonce: %v", interfaces.ErrOnChain, err)
	}
	gasPrice, err := x.client.SuggestGasPrice(ctx)
	if err != nil {
		return interfaces.TxRef{}, fmt.Errorf("%w: failed to fetch gas price: %v", interfaces.ErrOnChain, err)
	}

	calldata := append(append([]byte{}, changeOwnerSelector...), common.LeftPadBytes(newOwner.Bytes(), 32)...)
	to := common.Address(walletID)
	tx := types.NewTransaction(nonce, to, big.NewInt(0), changeOwnerGasLimit, gasPrice, calldata)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(x.chainID), x.operatorKey)
	if err != nil {
		return interfaces.TxRef{}, fmt.Errorf("%w: failed to sign transaction: %v", interfaces.ErrOnChain, err)
	}
	if err := x.client.SendTransaction(ctx, signed); err != nil {
		return interfaces.TxRef{}, fmt.Errorf("%w: failed to submit transaction: %v", interfaces.ErrOnChain, err)
	}

	x.log.Info("Submitted ownership change",
		slog.String("wallet", walletID.String()),
		slog.String("new_owner", newOwner.Hex()),
		slog.String("tx", signed.Hash().Hex()))
	return interfaces.TxRef(signed.Hash()), nil
}

// DryRunExecutor logs ownership changes without touching a chain. Used when
// no RPC endpoint is configured, e.g. in development deployments.
type DryRunExecutor struct {
	log *slog.Logger
}

// NewDryRunExecutor creates an executor that only logs.
func NewDryRunExecutor(log *slog.Logger) *DryRunExecutor {
	return &DryRunExecutor{log: log}
}

// ChangeOwner implements interfaces.WalletExecutor. The returned reference
// is a hash of the wallet and new owner so callers still get a stable,
// non-zero result.
func (x *DryRunExecutor) ChangeOwner(_ context.Context, walletID interfaces.WalletID, newOwner common.Address) (interfaces.TxRef, error) {
	x.log.Warn("Dry-run ownership change, no transaction submitted",
		slog.String("wallet", walletID.String()),
		slog.String("new_owner", newOwner.Hex()))
	ref := crypto.Keccak256Hash(walletID.Bytes(), newOwner.Bytes())
	return interfaces.TxRef(ref), nil
}
