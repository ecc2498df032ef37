package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/storage"
)

const testIssuer = "https://idp.example.com"

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestIssuer(t *testing.T) (*Issuer, *testutil.MockClock) {
	t.Helper()
	clock := testutil.NewMockClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	iss, err := NewIssuer(Config{
		Issuer:     testIssuer,
		SigningKey: testKey,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	return iss, clock
}

func TestNewIssuer_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "short key", cfg: Config{Issuer: testIssuer, SigningKey: []byte("short")}},
		{name: "missing issuer", cfg: Config{SigningKey: testKey}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewIssuer(tt.cfg); err == nil {
				t.Error("NewIssuer() expected error")
			}
		})
	}
}

func TestIssueForAuthorizationCode(t *testing.T) {
	iss, clock := newTestIssuer(t)
	client := testutil.NewConfidentialClient("tenant-a", "c1", "")
	code := &storage.AuthorizationCode{
		TenantID: "tenant-a",
		ClientID: "c1",
		UserID:   "user-1",
		Scope:    "read",
	}

	pair, err := iss.IssueForAuthorizationCode(code, client)
	if err != nil {
		t.Fatalf("IssueForAuthorizationCode() error = %v", err)
	}

	if pair.RefreshToken == "" || pair.RefreshTokenID == "" {
		t.Fatal("expected a refresh token")
	}
	if pair.AccessTokenID == pair.RefreshTokenID {
		t.Error("access and refresh tokens share an identifier")
	}
	if got := pair.ExpiresIn(); got != 3600 {
		t.Errorf("ExpiresIn() = %d, want 3600", got)
	}
	if want := clock.Now().Add(30 * 24 * time.Hour); !pair.RefreshExpiresAt.Equal(want) {
		t.Errorf("RefreshExpiresAt = %v, want %v", pair.RefreshExpiresAt, want)
	}

	access, err := iss.Parse(pair.AccessToken)
	if err != nil {
		t.Fatalf("Parse(access) error = %v", err)
	}
	if access.TokenUse != UseAccess {
		t.Errorf("TokenUse = %q, want %q", access.TokenUse, UseAccess)
	}
	if access.ID != pair.AccessTokenID {
		t.Errorf("jti = %q, want %q", access.ID, pair.AccessTokenID)
	}
	if access.Subject != "user-1" || access.TenantID != "tenant-a" || access.ClientID != "c1" {
		t.Errorf("unexpected claims: sub=%q tid=%q client_id=%q", access.Subject, access.TenantID, access.ClientID)
	}
	if access.Scope != "read" || access.GrantType != "authorization_code" {
		t.Errorf("scope=%q gty=%q", access.Scope, access.GrantType)
	}

	refresh, err := iss.Parse(pair.RefreshToken)
	if err != nil {
		t.Fatalf("Parse(refresh) error = %v", err)
	}
	if refresh.TokenUse != UseRefresh || refresh.ID != pair.RefreshTokenID {
		t.Errorf("refresh claims: use=%q jti=%q", refresh.TokenUse, refresh.ID)
	}

	rec := pair.Record()
	if rec.AccessTokenID != pair.AccessTokenID || rec.RefreshTokenID != pair.RefreshTokenID || rec.UserID != "user-1" {
		t.Errorf("Record() = %+v", rec)
	}
}

func TestIssueForClientCredentials_NoRefreshToken(t *testing.T) {
	iss, _ := newTestIssuer(t)
	client := testutil.NewConfidentialClient("tenant-a", "svc", "", "client_credentials")

	pair, err := iss.IssueForClientCredentials(client, "read")
	if err != nil {
		t.Fatalf("IssueForClientCredentials() error = %v", err)
	}
	if pair.RefreshToken != "" || pair.RefreshTokenID != "" {
		t.Error("client_credentials must not produce a refresh token")
	}
	if pair.UserID != "" {
		t.Errorf("UserID = %q, want empty", pair.UserID)
	}

	claims, err := iss.Parse(pair.AccessToken)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Subject != "svc" {
		t.Errorf("sub = %q, want client ID", claims.Subject)
	}
}

func TestIssue_ClientTTLOverride(t *testing.T) {
	iss, _ := newTestIssuer(t)
	client := testutil.NewConfidentialClient("tenant-a", "c1", "")
	client.AccessTokenTTL = 5 * time.Minute
	client.RefreshTokenTTL = 24 * time.Hour

	pair, err := iss.IssueForUser(client, "user-1", "read", "password")
	if err != nil {
		t.Fatalf("IssueForUser() error = %v", err)
	}
	if got := pair.ExpiresIn(); got != 300 {
		t.Errorf("ExpiresIn() = %d, want 300", got)
	}
	if got := pair.RefreshExpiresAt.Sub(pair.IssuedAt); got != 24*time.Hour {
		t.Errorf("refresh lifetime = %v, want 24h", got)
	}
}

func TestParse_ExpiryIsCallersConcern(t *testing.T) {
	iss, clock := newTestIssuer(t)
	client := testutil.NewConfidentialClient("tenant-a", "c1", "")

	pair, err := iss.IssueForUser(client, "user-1", "", "password")
	if err != nil {
		t.Fatalf("IssueForUser() error = %v", err)
	}

	clock.Advance(2 * time.Hour)
	claims, err := iss.Parse(pair.AccessToken)
	if err != nil {
		t.Fatalf("Parse() of an expired token error = %v", err)
	}
	if !claims.Expired(clock.Now()) {
		t.Error("Expired() = false after the access TTL elapsed")
	}
	if claims.Expired(pair.IssuedAt) {
		t.Error("Expired() = true at issuance")
	}
}

func TestParse_Rejects(t *testing.T) {
	iss, _ := newTestIssuer(t)
	client := testutil.NewConfidentialClient("tenant-a", "c1", "")
	pair, err := iss.IssueForUser(client, "user-1", "read", "password")
	if err != nil {
		t.Fatalf("IssueForUser() error = %v", err)
	}

	other, err := NewIssuer(Config{Issuer: "https://other.example.com", SigningKey: testKey})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	foreign, err := other.IssueForUser(client, "user-1", "read", "password")
	if err != nil {
		t.Fatalf("IssueForUser() error = %v", err)
	}

	claims := &Claims{
		TenantID: "tenant-a",
		ClientID: "c1",
		TokenUse: UseAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ID:        "jti",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("sign HS512: %v", err)
	}

	parts := strings.Split(pair.AccessToken, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name string
		raw  string
	}{
		{name: "garbage", raw: "not-a-token"},
		{name: "empty", raw: ""},
		{name: "tampered payload", raw: tampered},
		{name: "foreign issuer", raw: foreign.AccessToken},
		{name: "alg none", raw: unsigned},
		{name: "unexpected algorithm", raw: hs512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Parse(tt.raw)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestParse_WrongKey(t *testing.T) {
	iss, _ := newTestIssuer(t)
	other, err := NewIssuer(Config{Issuer: testIssuer, SigningKey: []byte("ffffffffffffffffffffffffffffffff")})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	client := testutil.NewConfidentialClient("tenant-a", "c1", "")
	pair, err := other.IssueForUser(client, "user-1", "read", "password")
	if err != nil {
		t.Fatalf("IssueForUser() error = %v", err)
	}

	if _, err := iss.Parse(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Parse() error = %v, want ErrInvalidToken", err)
	}
}
