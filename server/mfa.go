package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/mfa"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

// Second factor methods, as recorded in metrics and audit events
const (
	MFAMethodTOTP          = "totp"
	MFAMethodBackupCode    = "backup_code"
	MFAMethodTrustedDevice = "trusted_device"
)

// qrCodeSize is the edge length of enrollment QR codes in pixels
const qrCodeSize = 256

var (
	// ErrMFACodeInvalid is returned when neither a TOTP nor a backup code matches
	ErrMFACodeInvalid = errors.New("invalid second factor code")

	// ErrMFAAlreadyEnabled is returned when enrolling a user whose enrollment is confirmed
	ErrMFAAlreadyEnabled = errors.New("mfa already enabled")
)

// MFASetup is returned when a user starts TOTP enrollment
type MFASetup struct {
	Secret string
	URL    string
	QRCode []byte // PNG
}

// MFAService manages enrollments and verifies second factors
type MFAService struct {
	store        storage.MFAStore
	verifier     *mfa.Verifier
	encryptor    *security.Encryptor
	clock        security.Clock
	timeout      time.Duration
	challengeTTL time.Duration
	deviceTTL    time.Duration
	logger       *slog.Logger
}

// NewMFAService creates an MFAService. A nil or disabled encryptor stores
// TOTP secrets in plaintext.
func NewMFAService(store storage.MFAStore, verifier *mfa.Verifier, encryptor *security.Encryptor, clock security.Clock, config *Config, logger *slog.Logger) *MFAService {
	return &MFAService{
		store:        store,
		verifier:     verifier,
		encryptor:    encryptor,
		clock:        clock,
		timeout:      config.StorageTimeout,
		challengeTTL: config.MFAChallengeTTL,
		deviceTTL:    config.TrustedDeviceTTL,
		logger:       logger,
	}
}

func secretContext(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// IsEnabled reports whether the user has a confirmed enrollment
func (m *MFAService) IsEnabled(ctx context.Context, tenantID, userID string) (bool, error) {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	e, err := m.store.GetMFAEnrollment(ctx, tenantID, userID)
	if errors.Is(err, storage.ErrMFANotEnrolled) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.Enabled, nil
}

// Enroll generates a new secret for the user. The enrollment stays disabled
// until Confirm accepts a code produced with it.
func (m *MFAService) Enroll(ctx context.Context, tenantID, userID, accountName string) (*MFASetup, error) {
	enabled, err := m.IsEnabled(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if enabled {
		return nil, ErrMFAAlreadyEnabled
	}

	enrollment, err := m.verifier.GenerateSecret(accountName)
	if err != nil {
		return nil, err
	}
	sealed, err := m.encryptor.Seal(enrollment.Secret, secretContext(tenantID, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to seal TOTP secret: %w", err)
	}
	qr, err := mfa.QRCode(enrollment.URL, qrCodeSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()

	// Discard any earlier unconfirmed enrollment with its step and devices
	if err := m.store.DeleteMFAEnrollment(ctx, tenantID, userID); err != nil {
		return nil, fmt.Errorf("failed to reset MFA enrollment: %w", err)
	}
	if err := m.store.SaveMFAEnrollment(ctx, &storage.MFAEnrollment{
		TenantID:  tenantID,
		UserID:    userID,
		Secret:    sealed,
		CreatedAt: m.clock.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to save MFA enrollment: %w", err)
	}

	return &MFASetup{Secret: enrollment.Secret, URL: enrollment.URL, QRCode: qr}, nil
}

// Confirm enables an enrollment once code verifies and returns fresh backup codes
func (m *MFAService) Confirm(ctx context.Context, tenantID, userID, code string) ([]string, error) {
	e, err := m.enrollment(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if e.Enabled {
		return nil, ErrMFAAlreadyEnabled
	}
	if err := m.verifyTOTP(ctx, e, code); err != nil {
		return nil, err
	}

	e.Enabled = true
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.SaveMFAEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to enable MFA: %w", err)
	}

	return m.replaceBackupCodes(ctx, tenantID, userID)
}

// Disable discards the user's secret, backup codes and trusted devices
func (m *MFAService) Disable(ctx context.Context, tenantID, userID string) error {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.DeleteMFAEnrollment(ctx, tenantID, userID)
}

// RegenerateBackupCodes replaces every backup code of an enabled enrollment
func (m *MFAService) RegenerateBackupCodes(ctx context.Context, tenantID, userID string) ([]string, error) {
	e, err := m.enrollment(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !e.Enabled {
		return nil, storage.ErrMFANotEnrolled
	}

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.replaceBackupCodes(ctx, tenantID, userID)
}

func (m *MFAService) replaceBackupCodes(ctx context.Context, tenantID, userID string) ([]string, error) {
	codes, err := mfa.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := m.store.ReplaceBackupCodes(ctx, tenantID, userID, mfa.HashBackupCodes(codes)); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}
	return codes, nil
}

// Verify accepts a TOTP code or an unconsumed backup code and returns which
// one matched. Returns ErrMFACodeInvalid otherwise.
func (m *MFAService) Verify(ctx context.Context, tenantID, userID, code string) (string, error) {
	e, err := m.enrollment(ctx, tenantID, userID)
	if err != nil {
		return "", err
	}
	if !e.Enabled {
		return "", storage.ErrMFANotEnrolled
	}

	if codeMethod(code) == MFAMethodTOTP {
		if err := m.verifyTOTP(ctx, e, code); err != nil {
			return "", err
		}
		return MFAMethodTOTP, nil
	}

	// Consumed atomically by the store so concurrent attempts cannot both succeed
	sctx, cancel := detached(ctx, m.timeout)
	defer cancel()
	remaining, err := m.store.ConsumeBackupCode(sctx, tenantID, userID, mfa.HashBackupCode(code))
	if errors.Is(err, storage.ErrBackupCodeNotFound) {
		return "", ErrMFACodeInvalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to consume backup code: %w", err)
	}

	m.logger.Info("Backup code consumed",
		"tenant_id", tenantID,
		"remaining", remaining)
	return MFAMethodBackupCode, nil
}

// codeMethod tells TOTP codes from backup codes by length
func codeMethod(code string) string {
	if len(code) == mfa.Digits.Length() {
		return MFAMethodTOTP
	}
	return MFAMethodBackupCode
}

// verifyTOTP matches code and records its step so it cannot be replayed
func (m *MFAService) verifyTOTP(ctx context.Context, e *storage.MFAEnrollment, code string) error {
	secret, err := m.encryptor.Open(e.Secret, secretContext(e.TenantID, e.UserID))
	if err != nil {
		return fmt.Errorf("failed to open TOTP secret: %w", err)
	}

	step, ok := m.verifier.MatchStep(secret, code, m.clock.Now())
	if !ok {
		return ErrMFACodeInvalid
	}

	ctx, cancel := detached(ctx, m.timeout)
	defer cancel()
	err = m.store.MarkTOTPStepUsed(ctx, e.TenantID, e.UserID, step)
	if errors.Is(err, storage.ErrTOTPStepReplayed) {
		return ErrMFACodeInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to record TOTP step: %w", err)
	}
	return nil
}

func (m *MFAService) enrollment(ctx context.Context, tenantID, userID string) (*storage.MFAEnrollment, error) {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.GetMFAEnrollment(ctx, tenantID, userID)
}

// NewChallenge records a pending second-factor step after a password check
func (m *MFAService) NewChallenge(ctx context.Context, tenantID, userID, clientID, scope string) (*storage.MFAChallenge, error) {
	now := m.clock.Now()
	c := &storage.MFAChallenge{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
		ExpiresAt: now.Add(m.challengeTTL),
	}

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.SaveMFAChallenge(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save MFA challenge: %w", err)
	}
	return c, nil
}

// ConsumeChallenge fetches and deletes a pending challenge
func (m *MFAService) ConsumeChallenge(ctx context.Context, tenantID, challengeID string) (*storage.MFAChallenge, error) {
	ctx, cancel := detached(ctx, m.timeout)
	defer cancel()
	return m.store.ConsumeMFAChallenge(ctx, tenantID, challengeID, m.clock.Now())
}

func hashDeviceToken(deviceToken string) string {
	sum := sha256.Sum256([]byte(deviceToken))
	return hex.EncodeToString(sum[:])
}

// TrustDevice remembers a device for the user and returns its opaque token
func (m *MFAService) TrustDevice(ctx context.Context, tenantID, userID string) (string, error) {
	deviceToken := oauth2.GenerateVerifier()
	now := m.clock.Now()

	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.store.SaveTrustedDevice(ctx, &storage.TrustedDevice{
		TenantID:  tenantID,
		UserID:    userID,
		TokenHash: hashDeviceToken(deviceToken),
		CreatedAt: now,
		ExpiresAt: now.Add(m.deviceTTL),
	}); err != nil {
		return "", fmt.Errorf("failed to save trusted device: %w", err)
	}
	return deviceToken, nil
}

// IsTrustedDevice reports whether deviceToken was remembered for the user
func (m *MFAService) IsTrustedDevice(ctx context.Context, tenantID, userID, deviceToken string) (bool, error) {
	if deviceToken == "" {
		return false, nil
	}
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.IsTrustedDevice(ctx, tenantID, userID, hashDeviceToken(deviceToken), m.clock.Now())
}

// SweepExpired purges expired challenges and trusted devices
func (m *MFAService) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, m.timeout)
	defer cancel()
	return m.store.DeleteExpiredMFAState(ctx, m.clock.Now())
}
