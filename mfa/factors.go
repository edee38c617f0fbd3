package mfa

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/custodia/wallet-recovery-backend/interfaces"
)

// Factor is an authentication factor kind.
type Factor string

// Supported authentication factors.
const (
	FactorTOTP        Factor = "totp"
	FactorHardwareKey Factor = "hardware_key"
	FactorBiometric   Factor = "biometric"
)

// Validate checks that the factor is one of the supported kinds.
func (f Factor) Validate() error {
	switch f {
	case FactorTOTP, FactorHardwareKey, FactorBiometric:
		return nil
	default:
		return fmt.Errorf("%w: unknown factor %q", interfaces.ErrValidation, f)
	}
}

// RequiredFactors returns the minimum factor set for an operation type.
// Every operation requires at least the time-based factor.
func RequiredFactors(op interfaces.OperationType) []Factor {
	switch op {
	case interfaces.OpKeyExport, interfaces.OpAccountRecovery:
		return []Factor{FactorTOTP, FactorHardwareKey, FactorBiometric}
	case interfaces.OpHighValueTransfer, interfaces.OpSettingsChange:
		return []Factor{FactorTOTP, FactorHardwareKey}
	default:
		return []Factor{FactorTOTP}
	}
}

// verifyTOTP checks a time-based one-time code against the shared secret at
// the given instant. Time comes from the manager's injected clock, never the
// wall clock.
func verifyTOTP(secret string, proof []byte, at time.Time) bool {
	ok, err := totp.ValidateCustom(string(proof), secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// verifyHardwareKey checks an ASN.1 ECDSA signature over the SHA-256 of the
// session token, proving possession of the enrolled hardware key.
func verifyHardwareKey(pubKeyPEM []byte, token string, proof []byte) (bool, error) {
	pubKey, err := parseECDSAPublicKey(pubKeyPEM)
	if err != nil {
		return false, err
	}
	challenge := sha256.Sum256([]byte(token))
	return ecdsa.VerifyASN1(pubKey, challenge[:], proof), nil
}

// verifyBiometric compares the presented template hash against the enrolled
// one in constant time.
func verifyBiometric(enrolledHash, proof []byte) bool {
	if len(enrolledHash) == 0 || len(enrolledHash) != len(proof) {
		return false
	}
	return subtle.ConstantTimeCompare(enrolledHash, proof) == 1
}

// parseECDSAPublicKey decodes a PEM-encoded PKIX ECDSA public key.
func parseECDSAPublicKey(pubKeyPEM []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}
	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ecdsaKey, ok := pubKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an ECDSA key")
	}
	return ecdsaKey, nil
}
