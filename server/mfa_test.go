package server

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/mfa"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct horse battery staple"
)

type mfaEnv struct {
	*testEnv
	secret      string
	backupCodes []string
	verifier    *mfa.Verifier
}

func newPasswordEnv(t *testing.T, deps ...func(*Dependencies)) *testEnv {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	deps = append(deps, func(d *Dependencies) { d.Encryptor = enc })
	env := newTestEnv(t, nil, deps...)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret, GrantTypePassword, GrantTypeRefreshToken))
	env.users.AddUser(testTenant, "user-1", testEmail, testPassword)
	return env
}

// newMFAEnv enrolls user-1 and leaves the clock one step after confirmation
func newMFAEnv(t *testing.T, deps ...func(*Dependencies)) *mfaEnv {
	t.Helper()
	env := newPasswordEnv(t, deps...)
	ctx := context.Background()

	setup, err := env.srv.EnrollMFA(ctx, testTenant, "user-1", testEmail)
	if err != nil {
		t.Fatalf("EnrollMFA() error = %v", err)
	}
	verifier := mfa.NewVerifier("")
	code, err := verifier.CurrentCode(setup.Secret, env.clock.Now())
	if err != nil {
		t.Fatalf("CurrentCode() error = %v", err)
	}
	backup, err := env.srv.ConfirmMFA(ctx, testTenant, "user-1", code)
	if err != nil {
		t.Fatalf("ConfirmMFA() error = %v", err)
	}
	env.clock.Advance(mfa.Period * time.Second)

	return &mfaEnv{testEnv: env, secret: setup.Secret, backupCodes: backup, verifier: verifier}
}

func (e *mfaEnv) currentCode(t *testing.T) string {
	t.Helper()
	code, err := e.verifier.CurrentCode(e.secret, e.clock.Now())
	if err != nil {
		t.Fatalf("CurrentCode() error = %v", err)
	}
	return code
}

func passwordGrant(env *testEnv, password, deviceToken string) (*TokenResponse, error) {
	return env.srv.Token(context.Background(), &TokenRequest{
		TenantID:     testTenant,
		GrantType:    GrantTypePassword,
		ClientID:     "conf",
		ClientSecret: testSecret,
		Username:     testEmail,
		Password:     password,
		DeviceToken:  deviceToken,
		Scope:        "read",
	})
}

// challenge runs the password grant and returns the mfa_required token
func (e *mfaEnv) challenge(t *testing.T) string {
	t.Helper()
	_, err := passwordGrant(e.testEnv, testPassword, "")
	requireCode(t, err, ErrorCodeMFARequired)
	var pe *Error
	errors.As(err, &pe)
	if pe.MFAToken == "" {
		t.Fatal("mfa_required without an MFA token")
	}
	return pe.MFAToken
}

func (e *mfaEnv) verify(mfaToken, code string, remember bool) (*TokenResponse, error) {
	return e.srv.VerifyMFA(context.Background(), &MFAVerifyRequest{
		TenantID:       testTenant,
		MFAToken:       mfaToken,
		Code:           code,
		ClientID:       "conf",
		ClientSecret:   testSecret,
		RememberDevice: remember,
	})
}

func TestPasswordGrant_WithoutMFA(t *testing.T) {
	env := newPasswordEnv(t)

	resp, err := passwordGrant(env, testPassword, "")
	if err != nil {
		t.Fatalf("password grant error = %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("expected a token pair, got %+v", resp)
	}
	claims, err := env.srv.ValidateToken(context.Background(), testTenant, resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.GrantType != GrantTypePassword {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestPasswordGrant_Failures(t *testing.T) {
	env := newPasswordEnv(t)
	env.users.AddUser(testTenant, "user-2", "bob@example.com", testPassword)
	env.users.DisableUser(testTenant, "user-2")

	tests := []struct {
		name     string
		username string
		password string
		wantCode string
	}{
		{"wrong password", testEmail, "wrong", ErrorCodeInvalidGrant},
		{"unknown user", "nobody@example.com", testPassword, ErrorCodeInvalidGrant},
		{"disabled user", "bob@example.com", testPassword, ErrorCodeInvalidGrant},
		{"missing password", testEmail, "", ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.srv.Token(context.Background(), &TokenRequest{
				TenantID:     testTenant,
				GrantType:    GrantTypePassword,
				ClientID:     "conf",
				ClientSecret: testSecret,
				Username:     tt.username,
				Password:     tt.password,
			})
			requireCode(t, err, tt.wantCode)
		})
	}

	// Recorded before the error is returned
	if n := env.audit.count(security.EventUserAuthFailure); n != 3 {
		t.Errorf("user auth failures audited = %d, want 3", n)
	}
}

func TestPasswordGrant_UnsupportedWithoutUserStore(t *testing.T) {
	env := newTestEnv(t, nil, func(d *Dependencies) { d.Users = nil })
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret, GrantTypePassword))

	_, err := passwordGrant(env, testPassword, "")
	requireCode(t, err, ErrorCodeUnsupportedGrantType)
}

func TestVerifyMFA_TOTP(t *testing.T) {
	env := newMFAEnv(t)

	resp, err := env.verify(env.challenge(t), env.currentCode(t), false)
	if err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}
	if resp.AccessToken == "" || resp.Scope != "read" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.DeviceToken != "" {
		t.Error("device token issued without RememberDevice")
	}
	if env.audit.count(security.EventMFAVerified) != 1 {
		t.Error("MFA verification was not audited")
	}

	// The same code in the same step is a replay
	_, err = env.verify(env.challenge(t), env.currentCode(t), false)
	requireCode(t, err, ErrorCodeInvalidGrant)
	if env.audit.count(security.EventMFAFailure) != 1 {
		t.Error("MFA failure was not audited")
	}

	env.clock.Advance(mfa.Period * time.Second)
	if _, err := env.verify(env.challenge(t), env.currentCode(t), false); err != nil {
		t.Errorf("code of the next step rejected: %v", err)
	}
}

func TestVerifyMFA_ChallengeIsSingleUse(t *testing.T) {
	env := newMFAEnv(t)
	mfaToken := env.challenge(t)

	_, err := env.verify(mfaToken, "000000", false)
	requireCode(t, err, ErrorCodeInvalidGrant)

	_, err = env.verify(mfaToken, env.currentCode(t), false)
	requireCode(t, err, ErrorCodeInvalidGrant)
	if !errors.Is(err, storage.ErrMFAChallengeNotFound) {
		t.Errorf("cause = %v, want ErrMFAChallengeNotFound", err)
	}
}

func TestVerifyMFA_ChallengeExpires(t *testing.T) {
	env := newMFAEnv(t)
	mfaToken := env.challenge(t)

	env.clock.Advance(DefaultMFAChallengeTTL)
	_, err := env.verify(mfaToken, env.currentCode(t), false)
	requireCode(t, err, ErrorCodeInvalidGrant)
}

func TestVerifyMFA_BoundToClient(t *testing.T) {
	env := newMFAEnv(t)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "other", testSecret, GrantTypePassword))
	mfaToken := env.challenge(t)

	_, err := env.srv.VerifyMFA(context.Background(), &MFAVerifyRequest{
		TenantID:     testTenant,
		MFAToken:     mfaToken,
		Code:         env.currentCode(t),
		ClientID:     "other",
		ClientSecret: testSecret,
	})
	requireCode(t, err, ErrorCodeInvalidGrant)
}

func TestVerifyMFA_BackupCodes(t *testing.T) {
	env := newMFAEnv(t)
	if len(env.backupCodes) != mfa.BackupCodeCount {
		t.Fatalf("got %d backup codes, want %d", len(env.backupCodes), mfa.BackupCodeCount)
	}

	for i, code := range env.backupCodes {
		if _, err := env.verify(env.challenge(t), code, false); err != nil {
			t.Fatalf("backup code %d rejected: %v", i, err)
		}
	}

	// All consumed: an 11th attempt fails even with a previously valid code
	_, err := env.verify(env.challenge(t), env.backupCodes[0], false)
	requireCode(t, err, ErrorCodeInvalidGrant)
}

func TestVerifyMFA_RegeneratedBackupCodes(t *testing.T) {
	env := newMFAEnv(t)

	fresh, err := env.srv.RegenerateBackupCodes(context.Background(), testTenant, "user-1")
	if err != nil {
		t.Fatalf("RegenerateBackupCodes() error = %v", err)
	}

	_, err = env.verify(env.challenge(t), env.backupCodes[0], false)
	requireCode(t, err, ErrorCodeInvalidGrant)

	if _, err := env.verify(env.challenge(t), fresh[0], false); err != nil {
		t.Errorf("regenerated backup code rejected: %v", err)
	}
}

func TestVerifyMFA_RememberDevice(t *testing.T) {
	env := newMFAEnv(t)

	resp, err := env.verify(env.challenge(t), env.currentCode(t), true)
	if err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}
	if resp.DeviceToken == "" {
		t.Fatal("RememberDevice should return a device token")
	}

	if _, err := passwordGrant(env.testEnv, testPassword, resp.DeviceToken); err != nil {
		t.Errorf("trusted device still challenged: %v", err)
	}
	if env.audit.count(security.EventTrustedDeviceUsed) != 1 {
		t.Error("trusted device use was not audited")
	}

	_, err = passwordGrant(env.testEnv, testPassword, "forged-device-token")
	requireCode(t, err, ErrorCodeMFARequired)

	env.clock.Advance(DefaultTrustedDeviceTTL)
	_, err = passwordGrant(env.testEnv, testPassword, resp.DeviceToken)
	requireCode(t, err, ErrorCodeMFARequired)
}

func TestMFA_EnrollmentLifecycle(t *testing.T) {
	env := newPasswordEnv(t)
	ctx := context.Background()

	setup, err := env.srv.EnrollMFA(ctx, testTenant, "user-1", testEmail)
	if err != nil {
		t.Fatalf("EnrollMFA() error = %v", err)
	}
	if len(setup.QRCode) == 0 || setup.URL == "" {
		t.Error("enrollment should carry a QR code and otpauth URL")
	}

	// Unconfirmed enrollment does not gate the password grant
	if _, err := passwordGrant(env, testPassword, ""); err != nil {
		t.Fatalf("password grant with pending enrollment error = %v", err)
	}

	if _, err := env.srv.ConfirmMFA(ctx, testTenant, "user-1", "000000"); !errors.Is(err, ErrMFACodeInvalid) {
		t.Fatalf("ConfirmMFA(wrong code) error = %v, want ErrMFACodeInvalid", err)
	}

	code, err := mfa.NewVerifier("").CurrentCode(setup.Secret, env.clock.Now())
	if err != nil {
		t.Fatalf("CurrentCode() error = %v", err)
	}
	if _, err := env.srv.ConfirmMFA(ctx, testTenant, "user-1", code); err != nil {
		t.Fatalf("ConfirmMFA() error = %v", err)
	}
	if _, err := env.srv.EnrollMFA(ctx, testTenant, "user-1", testEmail); !errors.Is(err, ErrMFAAlreadyEnabled) {
		t.Errorf("EnrollMFA() on enabled user error = %v, want ErrMFAAlreadyEnabled", err)
	}

	_, err = passwordGrant(env, testPassword, "")
	requireCode(t, err, ErrorCodeMFARequired)

	if err := env.srv.DisableMFA(ctx, testTenant, "user-1", "admin"); err != nil {
		t.Fatalf("DisableMFA() error = %v", err)
	}
	if _, err := passwordGrant(env, testPassword, ""); err != nil {
		t.Errorf("password grant after DisableMFA error = %v", err)
	}
	for _, ev := range []string{security.EventMFAEnrolled, security.EventMFADisabled} {
		if env.audit.count(ev) != 1 {
			t.Errorf("%s audited %d times, want 1", ev, env.audit.count(ev))
		}
	}
}

func TestMFA_SecretEncryptedAtRest(t *testing.T) {
	env := newMFAEnv(t)

	e, err := env.store.GetMFAEnrollment(context.Background(), testTenant, "user-1")
	if err != nil {
		t.Fatalf("GetMFAEnrollment() error = %v", err)
	}
	if e.Secret == env.secret {
		t.Error("TOTP secret stored in plaintext")
	}
	for _, h := range e.BackupCodeHashes {
		for _, c := range env.backupCodes {
			if h == c {
				t.Fatal("backup code stored in plaintext")
			}
		}
	}
}

// mfaVerifications sums oauth.mfa.verifications points for method and outcome
func mfaVerifications(rm metricdata.ResourceMetrics, method string, success bool) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != "oauth.mfa.verifications" || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				gotMethod, _ := dp.Attributes.Value("method")
				gotSuccess, _ := dp.Attributes.Value("success")
				if gotMethod.AsString() == method && gotSuccess.AsBool() == success {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestVerifyMFA_FailureMetricsCarryMethod(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })
	env := newMFAEnv(t, func(d *Dependencies) { d.Instrumentation = inst })

	_, err = env.verify(env.challenge(t), "000000", false)
	requireCode(t, err, ErrorCodeInvalidGrant)
	_, err = env.verify(env.challenge(t), "ZZZZ-ZZZZ", false)
	requireCode(t, err, ErrorCodeInvalidGrant)
	if _, err := env.verify(env.challenge(t), env.backupCodes[0], false); err != nil {
		t.Fatalf("VerifyMFA() with backup code error = %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	tests := []struct {
		method  string
		success bool
		want    int64
	}{
		{MFAMethodTOTP, false, 1},
		{MFAMethodBackupCode, false, 1},
		{MFAMethodBackupCode, true, 1},
		{"unknown", false, 0},
	}
	for _, tt := range tests {
		if got := mfaVerifications(rm, tt.method, tt.success); got != tt.want {
			t.Errorf("verifications{method=%s, success=%v} = %d, want %d", tt.method, tt.success, got, tt.want)
		}
	}
}
