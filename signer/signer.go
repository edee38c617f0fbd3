// Package signer implements the threshold signer. A wallet's signing key is
// generated as n shares of which t are required; the secret exists only
// transiently in memory while producing a signature and is never persisted.
//
// Shares are split with Shamir's scheme over GF(2^8), so any t shares
// reconstruct the seed exactly and any t-1 reveal nothing about it.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/vault/shamir"

	"github.com/custodia/wallet-recovery-backend/cryptoutils"
	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// seedSize is the ed25519 seed length shared among the key holders.
const seedSize = ed25519.SeedSize

// ThresholdSigner generates distributed keys and signs with a quorum of
// shares. Shares are encrypted at rest through the injected cipher; the
// reconstructed seed lives only on the stack of a single Sign call.
type ThresholdSigner struct {
	store  interfaces.ShareStore
	cipher interfaces.Cipher
	log    *slog.Logger

	mu      sync.Mutex
	wallets map[interfaces.WalletID]*sync.Mutex
}

// New creates a threshold signer over the given share store.
func New(store interfaces.ShareStore, cipher interfaces.Cipher, log *slog.Logger) *ThresholdSigner {
	return &ThresholdSigner{
		store:   store,
		cipher:  cipher,
		log:     log,
		wallets: make(map[interfaces.WalletID]*sync.Mutex),
	}
}

// GenerateDistributedKey creates a fresh signing key for the wallet, splits
// its seed into totalShares shares requiring threshold to reconstruct, and
// returns the public identity. The seed is erased before returning.
func (s *ThresholdSigner) GenerateDistributedKey(ctx context.Context, walletID interfaces.WalletID, threshold, totalShares int) ([]byte, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrValidation)
	}
	if threshold > totalShares {
		return nil, fmt.Errorf("%w: threshold %d exceeds total shares %d", interfaces.ErrValidation, threshold, totalShares)
	}
	if totalShares > 255 {
		return nil, fmt.Errorf("%w: at most 255 shares are supported", interfaces.ErrValidation)
	}

	lock := s.walletLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.store.GetShares(ctx, walletID); err == nil {
		return nil, fmt.Errorf("%w: wallet %s already has a distributed key", interfaces.ErrStateConflict, walletID)
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing key: %w", err)
	}

	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("failed to generate key seed: %w", err)
	}
	defer cryptoutils.WipeBytes(seed)

	privateKey := ed25519.NewKeyFromSeed(seed)
	defer cryptoutils.WipeBytes(privateKey)
	publicIdentity := make([]byte, ed25519.PublicKeySize)
	copy(publicIdentity, privateKey.Public().(ed25519.PublicKey))

	rawShares, err := shamir.Split(seed, totalShares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split key seed: %w", err)
	}

	shares := make(map[int][]byte, totalShares)
	for i, raw := range rawShares {
		index := i + 1
		sealed, err := s.cipher.Encrypt(raw, shareContext(walletID, index))
		cryptoutils.WipeBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to seal share %d: %w", index, err)
		}
		shares[index] = sealed
	}

	set := &interfaces.KeyShareSet{
		WalletID:       walletID,
		Threshold:      threshold,
		TotalShares:    totalShares,
		Shares:         shares,
		PublicIdentity: publicIdentity,
	}
	if err := s.store.PutShares(ctx, set); err != nil {
		return nil, fmt.Errorf("failed to store share set: %w", err)
	}

	s.log.Info("Generated distributed key",
		slog.String("wallet", walletID.String()),
		slog.Int("threshold", threshold),
		slog.Int("total_shares", totalShares))
	return publicIdentity, nil
}

// Sign produces a signature over the payload using the shares at the given
// indexes. All required shares are collected and verified present before
// any reconstruction begins; concurrent signs for the same wallet are
// serialized so share collection never interleaves.
func (s *ThresholdSigner) Sign(ctx context.Context, walletID interfaces.WalletID, payload []byte, shareIndexes []int) ([]byte, error) {
	lock := s.walletLock(walletID)
	lock.Lock()
	defer lock.Unlock()

	set, err := s.store.GetShares(ctx, walletID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: no distributed key for wallet %s", interfaces.ErrNotFound, walletID)
		}
		return nil, fmt.Errorf("failed to load share set: %w", err)
	}

	distinct := make(map[int]struct{}, len(shareIndexes))
	for _, index := range shareIndexes {
		distinct[index] = struct{}{}
	}
	if len(distinct) < set.Threshold {
		return nil, fmt.Errorf("%w: %d distinct shares provided, %d required", interfaces.ErrInsufficientQuorum, len(distinct), set.Threshold)
	}

	// Collect and open every requested share before touching the secret.
	opened := make([][]byte, 0, len(distinct))
	defer func() {
		for _, share := range opened {
			cryptoutils.WipeBytes(share)
		}
	}()
	for index := range distinct {
		sealed, ok := set.Shares[index]
		if !ok {
			return nil, fmt.Errorf("%w: share index %d", interfaces.ErrNotFound, index)
		}
		raw, err := s.cipher.Decrypt(sealed, shareContext(walletID, index))
		if err != nil {
			return nil, fmt.Errorf("failed to open share %d: %w", index, err)
		}
		opened = append(opened, raw)
	}

	seed, err := shamir.Combine(opened)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct key seed: %w", err)
	}
	defer cryptoutils.WipeBytes(seed)
	if len(seed) != seedSize {
		return nil, fmt.Errorf("reconstructed seed has unexpected length %d", len(seed))
	}

	privateKey := ed25519.NewKeyFromSeed(seed)
	defer cryptoutils.WipeBytes(privateKey)

	signature := ed25519.Sign(privateKey, payload)
	s.log.Debug("Produced threshold signature",
		slog.String("wallet", walletID.String()),
		slog.Int("shares_used", len(distinct)))
	return signature, nil
}

// GetPublicIdentity returns the wallet's distributed-key public identity.
func (s *ThresholdSigner) GetPublicIdentity(ctx context.Context, walletID interfaces.WalletID) ([]byte, error) {
	set, err := s.store.GetShares(ctx, walletID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("%w: no distributed key for wallet %s", interfaces.ErrNotFound, walletID)
		}
		return nil, fmt.Errorf("failed to load share set: %w", err)
	}
	return set.PublicIdentity, nil
}

// Verify checks a signature against a public identity.
func Verify(publicIdentity, payload, signature []byte) bool {
	if len(publicIdentity) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicIdentity), payload, signature)
}

// walletLock returns the mutex serializing operations for one wallet.
func (s *ThresholdSigner) walletLock(walletID interfaces.WalletID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.wallets[walletID]
	if !ok {
		lock = &sync.Mutex{}
		s.wallets[walletID] = lock
	}
	return lock
}

// shareContext is the authenticated-encryption context binding a sealed
// share to its wallet and index.
func shareContext(walletID interfaces.WalletID, index int) string {
	return fmt.Sprintf("keyshare:%s:%d", walletID, index)
}
