package server

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/storage"
)

func TestClientRegistry_Authenticate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))
	env.addClient(t, testutil.NewPublicClient(testTenant, "pub"))

	inactive := testutil.NewConfidentialClient(testTenant, "inactive", testSecret)
	inactive.Active = false
	env.addClient(t, inactive)

	tests := []struct {
		name     string
		tenantID string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"valid secret", testTenant, "conf", testSecret, false},
		{"wrong secret", testTenant, "conf", "wrong", true},
		{"empty secret", testTenant, "conf", "", true},
		{"unknown client", testTenant, "missing", testSecret, true},
		{"inactive client", testTenant, "inactive", testSecret, true},
		{"public client has no secret", testTenant, "pub", testSecret, true},
		{"other tenant", "tenant-b", "conf", testSecret, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := env.srv.Clients.Authenticate(context.Background(), tt.tenantID, tt.clientID, tt.secret)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Authenticate() error = %v", err)
				}
				if client.ClientID != tt.clientID {
					t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
				}
				return
			}
			requireCode(t, err, ErrorCodeInvalidClient)
		})
	}
}

func TestClientRegistry_Validate(t *testing.T) {
	env := newTestEnv(t, nil)
	inactive := testutil.NewPublicClient(testTenant, "inactive")
	inactive.Active = false
	env.addClient(t, inactive)

	if _, err := env.srv.Clients.Validate(context.Background(), testTenant, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("Validate(missing) error = %v, want ErrClientNotFound", err)
	}
	if _, err := env.srv.Clients.Validate(context.Background(), testTenant, "inactive"); !errors.Is(err, ErrClientInactive) {
		t.Errorf("Validate(inactive) error = %v, want ErrClientInactive", err)
	}
}

func TestClientRegistry_Checks(t *testing.T) {
	env := newTestEnv(t, nil)
	client := testutil.NewConfidentialClient(testTenant, "conf", testSecret)
	r := env.srv.Clients

	if !r.IsValidRedirectURI(client, testRedir) {
		t.Error("registered redirect URI rejected")
	}
	for _, uri := range []string{"", testRedir + "/", "https://app.example.com/callback?x=1", "https://evil.example.com/callback"} {
		if r.IsValidRedirectURI(client, uri) {
			t.Errorf("IsValidRedirectURI(%q) = true, want exact match only", uri)
		}
	}

	if !r.HasScope(client, "read write") {
		t.Error("HasScope(read write) = false")
	}
	if r.HasScope(client, "read admin") {
		t.Error("HasScope(read admin) = true")
	}

	if !r.SupportsGrant(client, GrantTypeRefreshToken) {
		t.Error("SupportsGrant(refresh_token) = false")
	}
	if r.SupportsGrant(client, GrantTypeClientCredentials) {
		t.Error("SupportsGrant(client_credentials) = true")
	}
}

func TestClientRegistry_RegisterAndRotateSecret(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "svc",
		TenantID:     testTenant,
		ClientType:   ClientTypeConfidential,
		RedirectURIs: []string{testRedir},
		Scopes:       []string{"read"},
		GrantTypes:   []string{GrantTypeAuthorizationCode},
		Active:       true,
	}
	secret, err := env.srv.Clients.Register(ctx, client, "")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if secret == "" {
		t.Fatal("Register() should generate a secret for confidential clients")
	}
	if _, err := env.srv.Clients.Authenticate(ctx, testTenant, "svc", secret); err != nil {
		t.Fatalf("Authenticate() with generated secret error = %v", err)
	}

	rotated, err := env.srv.Clients.RotateSecret(ctx, testTenant, "svc")
	if err != nil {
		t.Fatalf("RotateSecret() error = %v", err)
	}
	if rotated == secret {
		t.Error("RotateSecret() returned the old secret")
	}
	if _, err := env.srv.Clients.Authenticate(ctx, testTenant, "svc", secret); err == nil {
		t.Error("old secret still authenticates after rotation")
	}
	if _, err := env.srv.Clients.Authenticate(ctx, testTenant, "svc", rotated); err != nil {
		t.Errorf("new secret rejected: %v", err)
	}
}

func TestClientRegistry_RegisterRejectsBadRedirect(t *testing.T) {
	env := newTestEnv(t, nil)
	client := testutil.NewPublicClient(testTenant, "pub")
	client.RedirectURIs = []string{"http://app.example.com/callback"}

	if _, err := env.srv.Clients.Register(context.Background(), client, ""); err == nil {
		t.Error("Register() accepted plain HTTP on a non-loopback host")
	}
}

func TestValidateRedirectURIForRegistration(t *testing.T) {
	tests := []struct {
		uri     string
		wantErr bool
	}{
		{"https://app.example.com/callback", false},
		{"http://127.0.0.1:8765/callback", false},
		{"http://localhost/callback", false},
		{"http://[::1]:9000/cb", false},
		{"http://app.example.com/callback", true},
		{"https://app.example.com/callback#frag", true},
		{"/relative/path", true},
		{"javascript:alert(1)", true},
		{"ftp://files.example.com/", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			err := ValidateRedirectURIForRegistration(tt.uri)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRedirectURIForRegistration(%q) error = %v, wantErr %v", tt.uri, err, tt.wantErr)
			}
		})
	}
}
