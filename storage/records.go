package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// Record key prefixes. Keys are stable across backends so an operator can
// move between file, S3 and Vault storage without migration tooling.
const (
	configPrefix     = "recovery/configs/"
	requestPrefix    = "recovery/requests/"
	eventPrefix      = "events/"
	sharePrefix      = "signer/shares/"
	enrollmentPrefix = "mfa/enrollments/"
	backupPrefix     = "recovery/backups/"
)

// Records implements the typed store contracts from the interfaces package
// on top of a Backend. The backend is authoritative; Records keeps only a
// rebuildable request index (by wallet and by status) so the recovery
// monitor does not have to decode every record on each scan.
type Records struct {
	backend Backend
	log     *slog.Logger

	mu      sync.RWMutex
	byID map[interfaces.RequestID]requestMeta
}

type requestMeta struct {
	wallet interfaces.WalletID
	status interfaces.RequestStatus
}

// NewRecords creates typed stores over a backend and rebuilds the request
// index from persisted state.
func NewRecords(ctx context.Context, backend Backend, log *slog.Logger) (*Records, error) {
	r := &Records{
		backend: backend,
		log:     log,
		byID:    make(map[interfaces.RequestID]requestMeta),
	}
	if err := r.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// rebuildIndex repopulates the in-memory request index by listing the
// backend. Undecodable records are logged and skipped.
func (r *Records) rebuildIndex(ctx context.Context) error {
	keys, err := r.backend.List(ctx, requestPrefix)
	if err != nil {
		return fmt.Errorf("failed to rebuild request index: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[interfaces.RequestID]requestMeta, len(keys))
	for _, key := range keys {
		data, err := r.backend.Get(ctx, key)
		if err != nil {
			r.log.Warn("Skipping unreadable request record", slog.String("key", key), "err", err)
			continue
		}
		var req interfaces.RecoveryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			r.log.Warn("Skipping undecodable request record", slog.String("key", key), "err", err)
			continue
		}
		r.byID[req.ID] = requestMeta{wallet: req.WalletID, status: req.Status}
	}
	return nil
}

// GetConfig implements interfaces.ConfigStore.
func (r *Records) GetConfig(ctx context.Context, walletID interfaces.WalletID) (*interfaces.RecoveryConfig, error) {
	var cfg interfaces.RecoveryConfig
	if err := r.getJSON(ctx, configPrefix+walletKey(walletID), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutConfig implements interfaces.ConfigStore.
func (r *Records) PutConfig(ctx context.Context, cfg *interfaces.RecoveryConfig) error {
	return r.putJSON(ctx, configPrefix+walletKey(cfg.WalletID), cfg)
}

// GetRequest implements interfaces.RequestStore.
func (r *Records) GetRequest(ctx context.Context, id interfaces.RequestID) (*interfaces.RecoveryRequest, error) {
	var req interfaces.RecoveryRequest
	if err := r.getJSON(ctx, requestPrefix+string(id), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// PutRequest implements interfaces.RequestStore. The backend write happens
// before the index update so the index never references unpersisted state.
func (r *Records) PutRequest(ctx context.Context, req *interfaces.RecoveryRequest) error {
	if err := r.putJSON(ctx, requestPrefix+string(req.ID), req); err != nil {
		return err
	}
	r.mu.Lock()
	r.byID[req.ID] = requestMeta{wallet: req.WalletID, status: req.Status}
	r.mu.Unlock()
	return nil
}

// RequestsByWallet implements interfaces.RequestStore.
func (r *Records) RequestsByWallet(ctx context.Context, walletID interfaces.WalletID) ([]*interfaces.RecoveryRequest, error) {
	return r.requestsMatching(ctx, func(m requestMeta) bool { return m.wallet == walletID })
}

// RequestsByStatus implements interfaces.RequestStore.
func (r *Records) RequestsByStatus(ctx context.Context, status interfaces.RequestStatus) ([]*interfaces.RecoveryRequest, error) {
	return r.requestsMatching(ctx, func(m requestMeta) bool { return m.status == status })
}

// requestsMatching resolves index hits against the authoritative backend,
// newest first.
func (r *Records) requestsMatching(ctx context.Context, match func(requestMeta) bool) ([]*interfaces.RecoveryRequest, error) {
	r.mu.RLock()
	ids := make([]interfaces.RequestID, 0)
	for id, meta := range r.byID {
		if match(meta) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	requests := make([]*interfaces.RecoveryRequest, 0, len(ids))
	for _, id := range ids {
		req, err := r.GetRequest(ctx, id)
		if err != nil {
			r.log.Warn("Indexed request missing from backend", slog.String("request_id", string(id)), "err", err)
			continue
		}
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, nil
}

// AppendEvent implements interfaces.EventStore. The key embeds the event
// timestamp so chronological listing is a prefix scan.
func (r *Records) AppendEvent(ctx context.Context, event interfaces.SecurityEvent) error {
	key := fmt.Sprintf("%s%s/%020d-%s", eventPrefix, principalKey(event.Principal), event.Timestamp.UnixNano(), event.ID)
	return r.putJSON(ctx, key, &event)
}

// EventsByPrincipal implements interfaces.EventStore.
func (r *Records) EventsByPrincipal(ctx context.Context, principal interfaces.Principal, since time.Time) ([]interfaces.SecurityEvent, error) {
	prefix := eventPrefix + principalKey(principal) + "/"
	keys, err := r.backend.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	sort.Strings(keys)

	events := make([]interfaces.SecurityEvent, 0, len(keys))
	for _, key := range keys {
		var event interfaces.SecurityEvent
		if err := r.getJSON(ctx, key, &event); err != nil {
			r.log.Warn("Skipping unreadable event record", slog.String("key", key), "err", err)
			continue
		}
		if event.Timestamp.Before(since) {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// PurgeEventsBefore implements interfaces.EventStore. Per-item failures are
// logged and skipped so one malformed record cannot halt the sweep.
func (r *Records) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := r.backend.List(ctx, eventPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list events for purge: %w", err)
	}

	removed := 0
	for _, key := range keys {
		var event interfaces.SecurityEvent
		if err := r.getJSON(ctx, key, &event); err != nil {
			r.log.Warn("Skipping unreadable event record during purge", slog.String("key", key), "err", err)
			continue
		}
		if !event.Timestamp.Before(cutoff) {
			continue
		}
		if err := r.backend.Delete(ctx, key); err != nil {
			r.log.Warn("Failed to purge event record", slog.String("key", key), "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// GetShares implements interfaces.ShareStore.
func (r *Records) GetShares(ctx context.Context, walletID interfaces.WalletID) (*interfaces.KeyShareSet, error) {
	var set interfaces.KeyShareSet
	if err := r.getJSON(ctx, sharePrefix+walletKey(walletID), &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// PutShares implements interfaces.ShareStore.
func (r *Records) PutShares(ctx context.Context, set *interfaces.KeyShareSet) error {
	return r.putJSON(ctx, sharePrefix+walletKey(set.WalletID), set)
}

// GetEnrollment implements interfaces.EnrollmentStore.
func (r *Records) GetEnrollment(ctx context.Context, principal interfaces.Principal) (*interfaces.FactorEnrollment, error) {
	var enrollment interfaces.FactorEnrollment
	if err := r.getJSON(ctx, enrollmentPrefix+principalKey(principal), &enrollment); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// PutEnrollment implements interfaces.EnrollmentStore.
func (r *Records) PutEnrollment(ctx context.Context, enrollment *interfaces.FactorEnrollment) error {
	return r.putJSON(ctx, enrollmentPrefix+principalKey(enrollment.Principal), enrollment)
}

// PutBackup implements interfaces.BackupStore. The blob is already sealed;
// it is stored as-is.
func (r *Records) PutBackup(ctx context.Context, principal interfaces.Principal, walletID interfaces.WalletID, blob []byte) error {
	return r.backend.Put(ctx, backupPrefix+principalKey(principal)+"/"+walletKey(walletID), blob)
}

// GetBackup implements interfaces.BackupStore.
func (r *Records) GetBackup(ctx context.Context, principal interfaces.Principal, walletID interfaces.WalletID) ([]byte, error) {
	return r.backend.Get(ctx, backupPrefix+principalKey(principal)+"/"+walletKey(walletID))
}

func (r *Records) getJSON(ctx context.Context, key string, out any) error {
	data, err := r.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return nil
}

func (r *Records) putJSON(ctx context.Context, key string, in any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}
	return r.backend.Put(ctx, key, data)
}

func walletKey(id interfaces.WalletID) string {
	return strings.ToLower(id.String())
}

func principalKey(p interfaces.Principal) string {
	return url.PathEscape(string(p))
}
