package httpserver

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/custodia/wallet-recovery-backend/anomaly"
	"github.com/custodia/wallet-recovery-backend/interfaces"
	"github.com/custodia/wallet-recovery-backend/metrics"
	"github.com/custodia/wallet-recovery-backend/mfa"
	"github.com/custodia/wallet-recovery-backend/recovery"
	"github.com/custodia/wallet-recovery-backend/signer"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// Handler processes HTTP requests for the trust and recovery service. It
// wires the four engines behind a uniform error-taxonomy-to-status mapping.
type Handler struct {
	recovery *recovery.Engine
	anomaly  *anomaly.Engine
	mfa      *mfa.SessionManager
	signer   *signer.ThresholdSigner
	backups  *recovery.Backups
	log      *slog.Logger

	// set by the server on construction
	metrics *metrics.MetricsServer
}

// NewHandler creates an HTTP request handler over the four engines.
func NewHandler(recoveryEngine *recovery.Engine, anomalyEngine *anomaly.Engine, mfaManager *mfa.SessionManager, thresholdSigner *signer.ThresholdSigner, backups *recovery.Backups, log *slog.Logger) *Handler {
	return &Handler{
		recovery: recoveryEngine,
		anomaly:  anomalyEngine,
		mfa:      mfaManager,
		signer:   thresholdSigner,
		backups:  backups,
		log:      log,
	}
}

// statusForError maps the service error taxonomy onto HTTP status codes.
// Every handler routes engine errors through here so clients see one
// consistent mapping.
func statusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrInsufficientQuorum):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrLockedOut):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrMFARequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, interfaces.ErrExpired):
		return http.StatusGone
	case errors.Is(err, interfaces.ErrCiphertextTampered):
		return http.StatusInternalServerError
	case errors.Is(err, interfaces.ErrOnChain):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func walletIDParam(r *http.Request) (interfaces.WalletID, error) {
	return interfaces.NewWalletIDFromHex(chi.URLParam(r, "wallet_id"))
}

// sourceIP resolves the client address recorded on security events.
func sourceIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// --- Recovery ---

type guardianRequest struct {
	Address     string                  `json:"address"`
	DisplayName string                  `json:"display_name"`
	Kind        interfaces.GuardianKind `json:"kind"`
	Weight      uint64                  `json:"weight"`
}

func (g guardianRequest) toGuardian() (recovery.Guardian, error) {
	if !ethcommon.IsHexAddress(g.Address) {
		return recovery.Guardian{}, fmt.Errorf("%w: invalid guardian address", interfaces.ErrValidation)
	}
	return recovery.Guardian{
		Address:     ethcommon.HexToAddress(g.Address),
		DisplayName: g.DisplayName,
		Kind:        g.Kind,
		Weight:      g.Weight,
	}, nil
}

type setupRecoveryRequest struct {
	Guardians    []guardianRequest `json:"guardians"`
	Threshold    uint64            `json:"threshold"`
	DelaySeconds int64             `json:"delay_seconds"`
}

// HandleSetupRecovery configures a wallet's guardian roster and recovery
// policy.
func (h *Handler) HandleSetupRecovery(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req setupRecoveryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	guardians := make([]recovery.Guardian, 0, len(req.Guardians))
	for _, g := range req.Guardians {
		guardian, err := g.toGuardian()
		if err != nil {
			h.writeError(w, err)
			return
		}
		guardians = append(guardians, guardian)
	}
	if err := h.recovery.SetupRecovery(r.Context(), walletID, guardians, req.Threshold, time.Duration(req.DelaySeconds)*time.Second); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleGetConfig returns a wallet's recovery configuration.
func (h *Handler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	cfg, err := h.recovery.GetConfig(r.Context(), walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// HandleAddGuardian appends a guardian to a wallet's roster.
func (h *Handler) HandleAddGuardian(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req guardianRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	guardian, err := req.toGuardian()
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.recovery.AddGuardian(r.Context(), walletID, guardian); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleRemoveGuardian removes a guardian from a wallet's roster.
func (h *Handler) HandleRemoveGuardian(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	addr := chi.URLParam(r, "address")
	if !ethcommon.IsHexAddress(addr) {
		http.Error(w, "Invalid guardian address format", http.StatusBadRequest)
		return
	}
	if err := h.recovery.RemoveGuardian(r.Context(), walletID, ethcommon.HexToAddress(addr)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type initiateRecoveryRequest struct {
	NewOwner  string               `json:"new_owner"`
	Principal interfaces.Principal `json:"principal"`
	// MFAToken references a finalized account-recovery session when the
	// anomaly engine has demanded additional verification.
	MFAToken string `json:"mfa_token,omitempty"`
}

type initiateRecoveryResponse struct {
	RequestID interfaces.RequestID `json:"request_id"`
}

// HandleInitiateRecovery opens a recovery request for a wallet. When the
// caller supplies an MFA token it must belong to a finalized
// account-recovery session for the same principal.
func (h *Handler) HandleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req initiateRecoveryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if !ethcommon.IsHexAddress(req.NewOwner) {
		http.Error(w, "Invalid new owner address format", http.StatusBadRequest)
		return
	}
	mfaVerified := false
	if req.MFAToken != "" {
		principal, op, err := h.mfa.SessionPrincipal(req.MFAToken)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if principal != req.Principal || op != interfaces.OpAccountRecovery {
			http.Error(w, "MFA session does not match recovery request", http.StatusForbidden)
			return
		}
		complete, err := h.mfa.IsComplete(req.MFAToken)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if !complete {
			http.Error(w, "MFA session is not complete", http.StatusForbidden)
			return
		}
		mfaVerified = true
	}
	requestID, err := h.recovery.InitiateRecovery(r.Context(), walletID, ethcommon.HexToAddress(req.NewOwner), req.Principal, sourceIP(r), mfaVerified)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, initiateRecoveryResponse{RequestID: requestID})
}

type approveRecoveryRequest struct {
	Guardian string `json:"guardian"`
}

// HandleApproveRecovery records one guardian's approval of a pending
// request.
func (h *Handler) HandleApproveRecovery(w http.ResponseWriter, r *http.Request) {
	requestID := interfaces.RequestID(chi.URLParam(r, "request_id"))
	var req approveRecoveryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if !ethcommon.IsHexAddress(req.Guardian) {
		http.Error(w, "Invalid guardian address format", http.StatusBadRequest)
		return
	}
	if err := h.recovery.ApproveRecovery(r.Context(), requestID, ethcommon.HexToAddress(req.Guardian)); err != nil {
		h.writeError(w, err)
		return
	}
	request, err := h.recovery.GetRequest(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

type cancelRecoveryRequest struct {
	WalletID string `json:"wallet_id"`
}

// HandleCancelRecovery cancels an active request on behalf of the wallet
// owner.
func (h *Handler) HandleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	requestID := interfaces.RequestID(chi.URLParam(r, "request_id"))
	var req cancelRecoveryRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	walletID, err := interfaces.NewWalletIDFromHex(req.WalletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.recovery.CancelRecovery(r.Context(), requestID, walletID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeRecoveryResponse struct {
	TxRef interfaces.TxRef `json:"tx_ref"`
}

// HandleExecuteRecovery executes an approved request once its delay has
// elapsed.
func (h *Handler) HandleExecuteRecovery(w http.ResponseWriter, r *http.Request) {
	requestID := interfaces.RequestID(chi.URLParam(r, "request_id"))
	txRef, err := h.recovery.ExecuteRecovery(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecoveriesExecuted.Inc()
	}
	h.writeJSON(w, http.StatusOK, executeRecoveryResponse{TxRef: txRef})
}

// HandleGetRequest returns the current state of a recovery request.
func (h *Handler) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	requestID := interfaces.RequestID(chi.URLParam(r, "request_id"))
	request, err := h.recovery.GetRequest(r.Context(), requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, request)
}

// HandleListRequests returns all recovery requests for a wallet.
func (h *Handler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	requests, err := h.recovery.RequestsForWallet(r.Context(), walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, requests)
}

type storeBackupRequest struct {
	Principal string `json:"principal"`
	Payload   string `json:"payload"`
}

type backupResponse struct {
	Payload string `json:"payload"`
}

// HandleStoreBackup seals and stores a wallet backup blob for a principal.
func (h *Handler) HandleStoreBackup(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req storeBackupRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		http.Error(w, "Payload must be hex encoded", http.StatusBadRequest)
		return
	}
	if err := h.backups.Store(r.Context(), interfaces.Principal(req.Principal), walletID, payload); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleFetchBackup retrieves and opens a stored wallet backup blob.
func (h *Handler) HandleFetchBackup(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	principal := interfaces.Principal(r.URL.Query().Get("principal"))
	payload, err := h.backups.Fetch(r.Context(), principal, walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, backupResponse{Payload: hex.EncodeToString(payload)})
}

// --- Threshold signer ---

type generateKeyRequest struct {
	Threshold   int `json:"threshold"`
	TotalShares int `json:"total_shares"`
}

type identityResponse struct {
	PublicIdentity string `json:"public_identity"`
}

// HandleGenerateKey generates and shards a signing key for a wallet.
func (h *Handler) HandleGenerateKey(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req generateKeyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	pub, err := h.signer.GenerateDistributedKey(r.Context(), walletID, req.Threshold, req.TotalShares)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, identityResponse{PublicIdentity: hex.EncodeToString(pub)})
}

// HandleGetIdentity returns a wallet's public signing identity.
func (h *Handler) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	pub, err := h.signer.GetPublicIdentity(r.Context(), walletID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, identityResponse{PublicIdentity: hex.EncodeToString(pub)})
}

type signRequest struct {
	Payload      string `json:"payload"`
	ShareIndexes []int  `json:"share_indexes"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// HandleSign produces a signature over the payload using a quorum of
// shares.
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	walletID, err := walletIDParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req signRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		http.Error(w, "Payload must be hex encoded", http.StatusBadRequest)
		return
	}
	sig, err := h.signer.Sign(r.Context(), walletID, payload, req.ShareIndexes)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SignaturesProduced.Inc()
	}
	h.writeJSON(w, http.StatusOK, signResponse{Signature: hex.EncodeToString(sig)})
}

// --- MFA ---

type enrollTOTPRequest struct {
	Principal interfaces.Principal `json:"principal"`
}

type enrollTOTPResponse struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// HandleEnrollTOTP enrolls a time-based one-time-password factor.
func (h *Handler) HandleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	var req enrollTOTPRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	secret, url, err := h.mfa.EnrollTOTP(r.Context(), req.Principal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, enrollTOTPResponse{Secret: secret, URL: url})
}

type enrollHardwareKeyRequest struct {
	Principal interfaces.Principal `json:"principal"`
	PublicKey string               `json:"public_key"`
}

// HandleEnrollHardwareKey enrolls a hardware-key factor from a PEM public
// key.
func (h *Handler) HandleEnrollHardwareKey(w http.ResponseWriter, r *http.Request) {
	var req enrollHardwareKeyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.mfa.EnrollHardwareKey(r.Context(), req.Principal, []byte(req.PublicKey)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type enrollBiometricRequest struct {
	Principal interfaces.Principal `json:"principal"`
	Template  string               `json:"template"`
}

// HandleEnrollBiometric enrolls a biometric factor. Only a digest of the
// template is retained.
func (h *Handler) HandleEnrollBiometric(w http.ResponseWriter, r *http.Request) {
	var req enrollBiometricRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	template, err := hex.DecodeString(req.Template)
	if err != nil {
		http.Error(w, "Template must be hex encoded", http.StatusBadRequest)
		return
	}
	if err := h.mfa.EnrollBiometric(r.Context(), req.Principal, template); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type startSessionRequest struct {
	Principal interfaces.Principal     `json:"principal"`
	Operation interfaces.OperationType `json:"operation"`
}

type startSessionResponse struct {
	Token           string       `json:"token"`
	RequiredFactors []mfa.Factor `json:"required_factors"`
}

// HandleStartSession opens a verification session for a sensitive
// operation.
func (h *Handler) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	token, err := h.mfa.StartSession(r.Context(), req.Principal, req.Operation, sourceIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.MFASessionsStarted.Inc()
	}
	h.writeJSON(w, http.StatusCreated, startSessionResponse{
		Token:           token,
		RequiredFactors: mfa.RequiredFactors(req.Operation),
	})
}

type verifyFactorRequest struct {
	Factor mfa.Factor `json:"factor"`
	Proof  string     `json:"proof"`
}

type verifyFactorResponse struct {
	Verified bool `json:"verified"`
	Complete bool `json:"complete"`
}

// HandleVerifyFactor submits one factor proof against a session.
func (h *Handler) HandleVerifyFactor(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	var req verifyFactorRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	var proof []byte
	if req.Factor == mfa.FactorTOTP {
		proof = []byte(req.Proof)
	} else {
		decoded, err := hex.DecodeString(req.Proof)
		if err != nil {
			http.Error(w, "Proof must be hex encoded", http.StatusBadRequest)
			return
		}
		proof = decoded
	}
	verified, err := h.mfa.VerifyFactor(r.Context(), token, req.Factor, proof)
	if err != nil {
		h.writeError(w, err)
		return
	}
	complete := false
	if verified {
		complete, err = h.mfa.IsComplete(token)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}
	h.writeJSON(w, http.StatusOK, verifyFactorResponse{Verified: verified, Complete: complete})
}

type sessionStatusResponse struct {
	Principal interfaces.Principal     `json:"principal"`
	Operation interfaces.OperationType `json:"operation"`
	Complete  bool                     `json:"complete"`
}

// HandleSessionStatus reports a session's principal, operation and
// completeness.
func (h *Handler) HandleSessionStatus(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	principal, op, err := h.mfa.SessionPrincipal(token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	complete, err := h.mfa.IsComplete(token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sessionStatusResponse{Principal: principal, Operation: op, Complete: complete})
}

// HandleFinalizeSession consumes a fully verified session.
func (h *Handler) HandleFinalizeSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if err := h.mfa.Finalize(r.Context(), token); err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.MFASessionsFinished.Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Anomaly ---

type scoreResponse struct {
	Principal   interfaces.Principal `json:"principal"`
	Score       float64              `json:"score"`
	LockedUntil *time.Time           `json:"locked_until,omitempty"`
}

// HandleScore returns a principal's current risk score and lockout state.
func (h *Handler) HandleScore(w http.ResponseWriter, r *http.Request) {
	principal := interfaces.Principal(chi.URLParam(r, "principal"))
	score, err := h.anomaly.Score(r.Context(), principal)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := scoreResponse{Principal: principal, Score: score}
	if until, locked := h.anomaly.LockedUntil(principal); locked {
		resp.LockedUntil = &until
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type unlockRequest struct {
	AdminOverride bool `json:"admin_override"`
}

// HandleUnlock clears a principal's lockout. Override requires the admin
// flag so accidental unlocks fail loudly.
func (h *Handler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	principal := interfaces.Principal(chi.URLParam(r, "principal"))
	var req unlockRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.anomaly.Unlock(r.Context(), principal, req.AdminOverride); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleResetScore zeroes a principal's combined risk score.
func (h *Handler) HandleResetScore(w http.ResponseWriter, r *http.Request) {
	principal := interfaces.Principal(chi.URLParam(r, "principal"))
	h.anomaly.ResetScore(r.Context(), principal)
	w.WriteHeader(http.StatusNoContent)
}

type denylistResponse struct {
	IPs []string `json:"ips"`
}

// HandleDenylist returns the currently denylisted source addresses.
func (h *Handler) HandleDenylist(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, denylistResponse{IPs: h.anomaly.DenylistedIPs()})
}

// --- Events ---

type recordEventRequest struct {
	Principal interfaces.Principal `json:"principal"`
	Type      interfaces.EventType `json:"type"`
	Payload   json.RawMessage      `json:"payload"`
}

// HandleRecordEvent ingests one security event and returns the resulting
// verdict.
func (h *Handler) HandleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	payload, err := decodeEventPayload(req.Type, req.Payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	verdict, err := h.anomaly.RecordEvent(r.Context(), req.Principal, payload, sourceIP(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.EventsRecorded.WithLabelValues(string(req.Type)).Inc()
		h.metrics.Verdicts.WithLabelValues(string(verdict.Action)).Inc()
	}
	h.writeJSON(w, http.StatusOK, verdict)
}

// decodeEventPayload unmarshals the variant matching the declared event
// type. Unknown types are rejected rather than stored as opaque blobs.
func decodeEventPayload(eventType interfaces.EventType, raw json.RawMessage) (interfaces.EventPayload, error) {
	unmarshal := func(v interfaces.EventPayload) (interfaces.EventPayload, error) {
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, v); err != nil {
				return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
			}
		}
		return v, nil
	}
	switch eventType {
	case interfaces.EventAuthSuccess:
		p := &interfaces.AuthPayload{}
		payload, err := unmarshal(p)
		if err != nil {
			return nil, err
		}
		p.Success = true
		return payload, nil
	case interfaces.EventAuthFailure:
		p := &interfaces.AuthPayload{}
		payload, err := unmarshal(p)
		if err != nil {
			return nil, err
		}
		p.Success = false
		return payload, nil
	case interfaces.EventTransaction:
		return unmarshal(&interfaces.TransactionPayload{})
	case interfaces.EventKeyExport:
		return unmarshal(&interfaces.KeyExportPayload{})
	case interfaces.EventSettingsChange:
		return unmarshal(&interfaces.SettingsPayload{})
	case interfaces.EventRecoveryAttempt:
		return unmarshal(&interfaces.RecoveryPayload{})
	case interfaces.EventOperationCheck:
		return unmarshal(&interfaces.OperationCheckPayload{})
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", interfaces.ErrValidation, eventType)
	}
}
