// Package mfa implements the multi-factor authorization session manager.
// Every sensitive operation opens a short-lived session that tracks which
// authentication factors have been satisfied; the operation is authorized
// only once all factors required for its type have independently verified.
package mfa

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/custodia/wallet-recovery-backend/cryptoutils"
	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// SecurityGate is the anomaly-engine surface the session manager consults
// before opening a session and notifies about verification outcomes.
type SecurityGate interface {
	IsOperationAllowed(ctx context.Context, principal interfaces.Principal, op interfaces.OperationType, sourceIP string) (interfaces.Verdict, error)
	RecordEvent(ctx context.Context, principal interfaces.Principal, payload interfaces.EventPayload, sourceIP string) (interfaces.Verdict, error)
}

// Config holds the session policy.
type Config struct {
	// SessionTTL is the fixed session validity window, independent of
	// factor progress.
	SessionTTL time.Duration

	// MaxFailedAttempts deletes the session once reached.
	MaxFailedAttempts int

	// Issuer names this service in enrollment otpauth:// URLs.
	Issuer string
}

// DefaultConfig returns the standard session policy.
func DefaultConfig() Config {
	return Config{
		SessionTTL:        5 * time.Minute,
		MaxFailedAttempts: 3,
		Issuer:            "wallet-recovery",
	}
}

// Session is one in-flight authorization for a sensitive operation.
type Session struct {
	Token          string
	Principal      interfaces.Principal
	Operation      interfaces.OperationType
	Required       []Factor
	Completed      map[Factor]struct{}
	FailedAttempts int
	CreatedAt      time.Time
	ExpiresAt      time.Time
	SourceIP       string
}

// complete reports whether every required factor has verified.
func (s *Session) complete() bool {
	for _, f := range s.Required {
		if _, ok := s.Completed[f]; !ok {
			return false
		}
	}
	return true
}

// SessionManager owns factor enrollments and authorization sessions.
// Construct one per process with New and inject it into callers.
type SessionManager struct {
	enrollments interfaces.EnrollmentStore
	gate        SecurityGate
	cipher      interfaces.Cipher
	clk         clock.Clock
	log         *slog.Logger
	cfg         Config

	// mu guards the session and lock maps only; storage and gate calls
	// never run under it. Verification for one principal is serialized
	// through that principal's lock so unrelated principals proceed in
	// parallel.
	mu         sync.Mutex
	sessions   map[string]*Session
	principals map[interfaces.Principal]*sync.Mutex
}

// New creates a session manager.
func New(enrollments interfaces.EnrollmentStore, gate SecurityGate, cipher interfaces.Cipher, clk clock.Clock, log *slog.Logger, cfg Config) *SessionManager {
	return &SessionManager{
		enrollments: enrollments,
		gate:        gate,
		cipher:      cipher,
		clk:         clk,
		log:         log,
		cfg:         cfg,
		sessions:    make(map[string]*Session),
		principals:  make(map[interfaces.Principal]*sync.Mutex),
	}
}

// lockPrincipal acquires the principal's serialization lock and returns its
// release.
func (m *SessionManager) lockPrincipal(principal interfaces.Principal) func() {
	m.mu.Lock()
	lock, ok := m.principals[principal]
	if !ok {
		lock = &sync.Mutex{}
		m.principals[principal] = lock
	}
	m.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// EnrollTOTP generates a time-based secret for the principal and stores it
// encrypted. Returns the secret and the otpauth:// provisioning URL.
func (m *SessionManager) EnrollTOTP(ctx context.Context, principal interfaces.Principal) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: principal.String(),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}

	sealed, err := m.cipher.Encrypt([]byte(key.Secret()), totpContext(principal))
	if err != nil {
		return "", "", fmt.Errorf("failed to seal TOTP secret: %w", err)
	}

	enrollment, err := m.enrollmentOrNew(ctx, principal)
	if err != nil {
		return "", "", err
	}
	enrollment.TOTPSecretEncrypted = sealed
	if err := m.enrollments.PutEnrollment(ctx, enrollment); err != nil {
		return "", "", fmt.Errorf("failed to store enrollment: %w", err)
	}

	m.log.Info("Enrolled TOTP factor", slog.String("principal", principal.String()))
	return key.Secret(), key.URL(), nil
}

// EnrollHardwareKey registers the principal's hardware key by its PEM-encoded
// ECDSA public key.
func (m *SessionManager) EnrollHardwareKey(ctx context.Context, principal interfaces.Principal, pubKeyPEM []byte) error {
	if _, err := parseECDSAPublicKey(pubKeyPEM); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}

	enrollment, err := m.enrollmentOrNew(ctx, principal)
	if err != nil {
		return err
	}
	enrollment.HardwareKeyPEM = pubKeyPEM
	if err := m.enrollments.PutEnrollment(ctx, enrollment); err != nil {
		return fmt.Errorf("failed to store enrollment: %w", err)
	}

	m.log.Info("Enrolled hardware key factor", slog.String("principal", principal.String()))
	return nil
}

// EnrollBiometric registers the principal's biometric template hash.
func (m *SessionManager) EnrollBiometric(ctx context.Context, principal interfaces.Principal, template []byte) error {
	if len(template) == 0 {
		return fmt.Errorf("%w: biometric template must not be empty", interfaces.ErrValidation)
	}
	hash := sha256.Sum256(template)

	enrollment, err := m.enrollmentOrNew(ctx, principal)
	if err != nil {
		return err
	}
	enrollment.BiometricHash = hash[:]
	if err := m.enrollments.PutEnrollment(ctx, enrollment); err != nil {
		return fmt.Errorf("failed to store enrollment: %w", err)
	}

	m.log.Info("Enrolled biometric factor", slog.String("principal", principal.String()))
	return nil
}

// StartSession opens an authorization session for the operation after the
// anomaly engine allows the attempt. Fails when the principal has no
// enrollment covering every factor the operation requires.
func (m *SessionManager) StartSession(ctx context.Context, principal interfaces.Principal, op interfaces.OperationType, sourceIP string) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	verdict, err := m.gate.IsOperationAllowed(ctx, principal, op, sourceIP)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate operation: %w", err)
	}
	if !verdict.Allowed {
		return "", fmt.Errorf("%w: %s", interfaces.ErrLockedOut, verdict.Reason)
	}

	enrollment, err := m.enrollments.GetEnrollment(ctx, principal)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", fmt.Errorf("%w: principal has no enrolled authentication factor", interfaces.ErrValidation)
		}
		return "", fmt.Errorf("failed to load enrollment: %w", err)
	}

	required := RequiredFactors(op)
	for _, f := range required {
		if !enrolled(enrollment, f) {
			return "", fmt.Errorf("%w: operation %s requires factor %s which is not enrolled", interfaces.ErrValidation, op, f)
		}
	}

	now := m.clk.Now()
	session := &Session{
		Token:     uuid.NewString(),
		Principal: principal,
		Operation: op,
		Required:  required,
		Completed: make(map[Factor]struct{}, len(required)),
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.SessionTTL),
		SourceIP:  sourceIP,
	}

	m.mu.Lock()
	m.sessions[session.Token] = session
	m.mu.Unlock()

	m.log.Debug("Opened MFA session",
		slog.String("principal", principal.String()),
		slog.String("operation", string(op)),
		slog.Time("expires_at", session.ExpiresAt))
	return session.Token, nil
}

// VerifyFactor checks a factor proof against the session. Returns true on a
// successful verification. A mismatch increments the failure counter and
// deletes the session once the maximum is reached.
func (m *SessionManager) VerifyFactor(ctx context.Context, token string, factor Factor, proof []byte) (bool, error) {
	if err := factor.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	session, err := m.sessionLocked(token)
	if err != nil {
		m.mu.Unlock()
		return false, err
	}
	principal := session.Principal
	m.mu.Unlock()

	unlock := m.lockPrincipal(principal)
	defer unlock()

	// Re-resolve under the principal lock; the session may have expired or
	// been consumed meanwhile.
	m.mu.Lock()
	session, err = m.sessionLocked(token)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	if !factorRequired(session, factor) {
		return false, fmt.Errorf("%w: factor %s not required for operation %s", interfaces.ErrValidation, factor, session.Operation)
	}

	enrollment, err := m.enrollments.GetEnrollment(ctx, principal)
	if err != nil {
		return false, fmt.Errorf("failed to load enrollment: %w", err)
	}

	ok, err := m.checkProof(session, enrollment, factor, proof)
	if err != nil {
		return false, err
	}
	if ok {
		m.mu.Lock()
		session.Completed[factor] = struct{}{}
		m.mu.Unlock()
		return true, nil
	}

	m.mu.Lock()
	session.FailedAttempts++
	discarded := session.FailedAttempts >= m.cfg.MaxFailedAttempts
	if discarded {
		delete(m.sessions, token)
	}
	m.mu.Unlock()

	if _, gateErr := m.gate.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: false, Method: string(factor)}, session.SourceIP); gateErr != nil {
		m.log.Warn("Failed to record factor failure", "err", gateErr)
	}
	if discarded {
		m.log.Warn("MFA session discarded after repeated failures",
			slog.String("principal", principal.String()),
			slog.String("operation", string(session.Operation)))
	}
	return false, nil
}

// IsComplete reports whether every required factor has verified.
func (m *SessionManager) IsComplete(token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.sessionLocked(token)
	if err != nil {
		return false, err
	}
	return session.complete(), nil
}

// Finalize consumes a complete session. Fails with a state conflict while
// required factors are outstanding.
func (m *SessionManager) Finalize(ctx context.Context, token string) error {
	m.mu.Lock()
	session, err := m.sessionLocked(token)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	principal := session.Principal
	m.mu.Unlock()

	unlock := m.lockPrincipal(principal)
	defer unlock()

	m.mu.Lock()
	session, err = m.sessionLocked(token)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !session.complete() {
		m.mu.Unlock()
		return fmt.Errorf("%w: required factors not yet satisfied", interfaces.ErrStateConflict)
	}
	delete(m.sessions, token)
	m.mu.Unlock()

	if _, gateErr := m.gate.RecordEvent(ctx, principal, interfaces.AuthPayload{Success: true, Method: "mfa"}, session.SourceIP); gateErr != nil {
		m.log.Warn("Failed to record session completion", "err", gateErr)
	}
	m.log.Info("MFA session finalized",
		slog.String("principal", principal.String()),
		slog.String("operation", string(session.Operation)))
	return nil
}

// SessionPrincipal returns the principal and operation bound to a live
// session without consuming it.
func (m *SessionManager) SessionPrincipal(token string) (interfaces.Principal, interfaces.OperationType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.sessionLocked(token)
	if err != nil {
		return "", "", err
	}
	return session.Principal, session.Operation, nil
}

// Sweep discards expired sessions.
func (m *SessionManager) Sweep(_ context.Context) {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, session := range m.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(m.sessions, token)
		}
	}
}

// RunSweeper runs the expiry sweep on a timer until the context ends.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := m.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// sessionLocked resolves a token to a live session. An expired session is
// removed and reported exactly like an unknown token. Caller holds m.mu.
func (m *SessionManager) sessionLocked(token string) (*Session, error) {
	session, ok := m.sessions[token]
	if !ok {
		return nil, fmt.Errorf("%w: session", interfaces.ErrNotFound)
	}
	if !m.clk.Now().Before(session.ExpiresAt) {
		delete(m.sessions, token)
		return nil, fmt.Errorf("%w: session", interfaces.ErrNotFound)
	}
	return session, nil
}

// checkProof dispatches the proof to the factor-specific verifier.
func (m *SessionManager) checkProof(session *Session, enrollment *interfaces.FactorEnrollment, factor Factor, proof []byte) (bool, error) {
	switch factor {
	case FactorTOTP:
		secret, err := m.cipher.Decrypt(enrollment.TOTPSecretEncrypted, totpContext(session.Principal))
		if err != nil {
			return false, fmt.Errorf("failed to open TOTP secret: %w", err)
		}
		defer cryptoutils.WipeBytes(secret)
		return verifyTOTP(string(secret), proof, m.clk.Now()), nil
	case FactorHardwareKey:
		return verifyHardwareKey(enrollment.HardwareKeyPEM, session.Token, proof)
	case FactorBiometric:
		hash := sha256.Sum256(proof)
		return verifyBiometric(enrollment.BiometricHash, hash[:]), nil
	default:
		return false, fmt.Errorf("%w: unknown factor %q", interfaces.ErrValidation, factor)
	}
}

// enrollmentOrNew loads the principal's enrollment or starts an empty one.
func (m *SessionManager) enrollmentOrNew(ctx context.Context, principal interfaces.Principal) (*interfaces.FactorEnrollment, error) {
	enrollment, err := m.enrollments.GetEnrollment(ctx, principal)
	if err == nil {
		return enrollment, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to load enrollment: %w", err)
	}
	return &interfaces.FactorEnrollment{Principal: principal, EnrolledAt: m.clk.Now()}, nil
}

func factorRequired(session *Session, factor Factor) bool {
	for _, f := range session.Required {
		if f == factor {
			return true
		}
	}
	return false
}

func enrolled(enrollment *interfaces.FactorEnrollment, factor Factor) bool {
	switch factor {
	case FactorTOTP:
		return len(enrollment.TOTPSecretEncrypted) > 0
	case FactorHardwareKey:
		return len(enrollment.HardwareKeyPEM) > 0
	case FactorBiometric:
		return len(enrollment.BiometricHash) > 0
	default:
		return false
	}
}

// totpContext is the authenticated-encryption context for a principal's
// stored TOTP secret.
func totpContext(principal interfaces.Principal) string {
	return "totp:" + principal.String()
}
