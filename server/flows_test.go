package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/idp-oauth/internal/testutil"
	"github.com/giantswarm/idp-oauth/security"
	"github.com/giantswarm/idp-oauth/storage"
	"github.com/giantswarm/idp-oauth/token"
)

const publicRedir = "http://127.0.0.1:8765/callback"

// authorizeCode runs the authorize step for an auto-approved client
func authorizeCode(t *testing.T, env *testEnv, req *AuthorizeRequest) string {
	t.Helper()
	if req.TenantID == "" {
		req.TenantID = testTenant
	}
	if req.ResponseType == "" {
		req.ResponseType = ResponseTypeCode
	}
	if req.UserID == "" {
		req.UserID = "user-1"
	}
	res, err := env.srv.Authorize(context.Background(), req)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := queryParam(t, res.RedirectURL, "code"); got != res.Code {
		t.Fatalf("redirect code = %q, want %q", got, res.Code)
	}
	return res.Code
}

func TestAuthorize_PublicClientWithPKCE(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewPublicClient(testTenant, "pub"))
	challenge, verifier := testutil.GeneratePKCEPair()

	res, err := env.srv.Authorize(context.Background(), &AuthorizeRequest{
		TenantID:            testTenant,
		ClientID:            "pub",
		RedirectURI:         publicRedir,
		ResponseType:        ResponseTypeCode,
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		UserID:              "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if got := queryParam(t, res.RedirectURL, "state"); got != "xyz" {
		t.Errorf("state = %q, want xyz", got)
	}
	if env.audit.count(security.EventAuthorizationCodeIssued) != 1 {
		t.Error("code issuance was not audited")
	}

	resp, err := env.srv.Token(context.Background(), &TokenRequest{
		TenantID:     testTenant,
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "pub",
		Code:         res.Code,
		RedirectURI:  publicRedir,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.TokenType != token.TypeBearer {
		t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
	}
	if resp.RefreshToken == "" {
		t.Error("authorization_code grant should return a refresh token")
	}
	if resp.ExpiresIn != int64(DefaultAccessTokenTTL/time.Second) {
		t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, int64(DefaultAccessTokenTTL/time.Second))
	}
	if resp.Scope != "read" {
		t.Errorf("Scope = %q, want read (all client scopes)", resp.Scope)
	}

	claims, err := env.srv.ValidateToken(context.Background(), testTenant, resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.ClientID != "pub" || claims.TenantID != testTenant {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestAuthorize_DirectErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))

	tests := []struct {
		name     string
		req      AuthorizeRequest
		wantCode string
	}{
		{
			name:     "unknown client",
			req:      AuthorizeRequest{ClientID: "missing", RedirectURI: testRedir, UserID: "u"},
			wantCode: ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect",
			req:      AuthorizeRequest{ClientID: "conf", RedirectURI: "https://evil.example.com/cb", UserID: "u"},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "no authenticated user",
			req:      AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.TenantID = testTenant
			tt.req.ResponseType = ResponseTypeCode
			res, err := env.srv.Authorize(context.Background(), &tt.req)
			requireCode(t, err, tt.wantCode)
			if res != nil {
				t.Errorf("error must not be redirected to an unvalidated URI, got %+v", res)
			}
		})
	}
}

func TestAuthorize_RedirectedErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))
	env.addClient(t, testutil.NewPublicClient(testTenant, "pub"))

	noCodeGrant := testutil.NewConfidentialClient(testTenant, "svc", testSecret, GrantTypeClientCredentials)
	env.addClient(t, noCodeGrant)

	manual := testutil.NewConfidentialClient(testTenant, "manual", testSecret)
	manual.AutoApprove = false
	env.addClient(t, manual)

	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name     string
		req      AuthorizeRequest
		wantCode string
	}{
		{
			name:     "unsupported response type",
			req:      AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir, ResponseType: "token"},
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "client without authorization_code grant",
			req:      AuthorizeRequest{ClientID: "svc", RedirectURI: testRedir},
			wantCode: ErrorCodeUnauthorizedClient,
		},
		{
			name:     "scope outside client set",
			req:      AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir, Scope: "read admin"},
			wantCode: ErrorCodeInvalidScope,
		},
		{
			name:     "public client without PKCE",
			req:      AuthorizeRequest{ClientID: "pub", RedirectURI: publicRedir},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain PKCE not allowed",
			req:      AuthorizeRequest{ClientID: "pub", RedirectURI: publicRedir, CodeChallenge: challenge, CodeChallengeMethod: PKCEMethodPlain},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "method without challenge",
			req:      AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir, CodeChallengeMethod: PKCEMethodS256},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "no consent",
			req:      AuthorizeRequest{ClientID: "manual", RedirectURI: testRedir},
			wantCode: ErrorCodeAccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.TenantID = testTenant
			tt.req.UserID = "user-1"
			tt.req.State = "st"
			if tt.req.ResponseType == "" {
				tt.req.ResponseType = ResponseTypeCode
			}

			res, err := env.srv.Authorize(context.Background(), &tt.req)
			requireCode(t, err, tt.wantCode)
			if res == nil {
				t.Fatal("error should be redirected once the redirect URI is validated")
			}
			if got := queryParam(t, res.RedirectURL, "error"); got != tt.wantCode {
				t.Errorf("redirect error = %q, want %q", got, tt.wantCode)
			}
			if got := queryParam(t, res.RedirectURL, "state"); got != "st" {
				t.Errorf("redirect state = %q, want st", got)
			}
			if res.Code != "" {
				t.Error("no code may be issued on a denied request")
			}
		})
	}

	if n := env.audit.count(security.EventAuthorizationDenied); n != len(tests) {
		t.Errorf("audited %d denials, want %d", n, len(tests))
	}
}

func TestAuthorize_ConsentGranted(t *testing.T) {
	env := newTestEnv(t, nil)
	manual := testutil.NewConfidentialClient(testTenant, "manual", testSecret)
	manual.AutoApprove = false
	env.addClient(t, manual)

	code := authorizeCode(t, env, &AuthorizeRequest{ClientID: "manual", RedirectURI: testRedir, Consent: true})
	if code == "" {
		t.Fatal("expected a code after consent")
	}
}

func TestAuthorize_RequirePKCEDisabled(t *testing.T) {
	env := newTestEnv(t, &Config{AllowRefreshTokenRotation: true, RequirePKCE: false})
	env.addClient(t, testutil.NewPublicClient(testTenant, "pub"))

	authorizeCode(t, env, &AuthorizeRequest{ClientID: "pub", RedirectURI: publicRedir})
}

// Client c1 may only use authorization_code with scope read. A code bound
// to https://app/cb cannot be exchanged for https://app/other.
func TestToken_RedirectURIMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	c1 := testutil.NewConfidentialClient(testTenant, "c1", testSecret, GrantTypeAuthorizationCode)
	c1.RedirectURIs = []string{"https://app/cb"}
	c1.Scopes = []string{"read"}
	env.addClient(t, c1)

	code := authorizeCode(t, env, &AuthorizeRequest{ClientID: "c1", RedirectURI: "https://app/cb", Scope: "read"})

	exchange := func(redirectURI string) (*TokenResponse, error) {
		return env.srv.Token(context.Background(), &TokenRequest{
			TenantID:     testTenant,
			GrantType:    GrantTypeAuthorizationCode,
			ClientID:     "c1",
			ClientSecret: testSecret,
			Code:         code,
			RedirectURI:  redirectURI,
		})
	}

	_, err := exchange("https://app/other")
	requireCode(t, err, ErrorCodeInvalidGrant)

	resp, err := exchange("https://app/cb")
	if err != nil {
		t.Fatalf("exchange with original redirect error = %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("no access token returned")
	}
	if resp.Scope != "read" {
		t.Errorf("Scope = %q, want read", resp.Scope)
	}

	claims, err := env.srv.ValidateToken(context.Background(), testTenant, resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Scope != "read" {
		t.Errorf("token scope = %q, want read", claims.Scope)
	}
}

func TestToken_CodeSecondRedemptionFails(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))
	code := authorizeCode(t, env, &AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir})

	req := &TokenRequest{
		TenantID:     testTenant,
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "conf",
		ClientSecret: testSecret,
		Code:         code,
		RedirectURI:  testRedir,
	}
	if _, err := env.srv.Token(context.Background(), req); err != nil {
		t.Fatalf("first redemption error = %v", err)
	}

	// Also after the code would have expired
	for _, advance := range []time.Duration{0, time.Second, DefaultAuthorizationCodeTTL} {
		env.clock.Advance(advance)
		_, err := env.srv.Token(context.Background(), req)
		requireCode(t, err, ErrorCodeInvalidGrant)
	}
	if env.audit.count(security.EventAuthorizationCodeReplay) == 0 {
		t.Error("code replay was not audited")
	}
}

func TestToken_ConcurrentRedemptionHasOneWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))
	code := authorizeCode(t, env, &AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir})

	const attempts = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.srv.Token(context.Background(), &TokenRequest{
				TenantID:     testTenant,
				GrantType:    GrantTypeAuthorizationCode,
				ClientID:     "conf",
				ClientSecret: testSecret,
				Code:         code,
				RedirectURI:  testRedir,
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if ErrorCode(err) != ErrorCodeInvalidGrant {
				t.Errorf("losing redemption error = %v, want invalid_grant", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("%d concurrent redemptions succeeded, want exactly 1", success)
	}
}

func TestToken_ExpiredCode(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))
	code := authorizeCode(t, env, &AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir})

	env.clock.Advance(DefaultAuthorizationCodeTTL)
	_, err := env.srv.Token(context.Background(), &TokenRequest{
		TenantID:     testTenant,
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "conf",
		ClientSecret: testSecret,
		Code:         code,
		RedirectURI:  testRedir,
	})
	requireCode(t, err, ErrorCodeInvalidGrant)
	if !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("cause = %v, want ErrAuthorizationCodeExpired", err)
	}
}

func TestToken_PKCEVerification(t *testing.T) {
	tests := []struct {
		name     string
		verifier func(correct string) string
		wantCode string
	}{
		{"correct verifier", func(v string) string { return v }, ""},
		{"wrong verifier", func(string) string { _, other := testutil.GeneratePKCEPair(); return other }, ErrorCodeInvalidGrant},
		{"missing verifier", func(string) string { return "" }, ErrorCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.addClient(t, testutil.NewPublicClient(testTenant, "pub"))
			challenge, verifier := testutil.GeneratePKCEPair()
			code := authorizeCode(t, env, &AuthorizeRequest{
				ClientID:            "pub",
				RedirectURI:         publicRedir,
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
			})

			_, err := env.srv.Token(context.Background(), &TokenRequest{
				TenantID:     testTenant,
				GrantType:    GrantTypeAuthorizationCode,
				ClientID:     "pub",
				Code:         code,
				RedirectURI:  publicRedir,
				CodeVerifier: tt.verifier(verifier),
			})
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Token() error = %v", err)
				}
				return
			}
			requireCode(t, err, tt.wantCode)
			if env.audit.count(security.EventInvalidPKCE) != 1 {
				t.Error("PKCE failure was not audited")
			}
		})
	}
}

// A client lacking client_credentials is refused; with it enabled the same
// client gets an access token and no refresh token.
func TestToken_ClientCredentialsEligibility(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := testutil.NewConfidentialClient(testTenant, "svc", testSecret, GrantTypeAuthorizationCode)
	env.addClient(t, svc)

	req := &TokenRequest{
		TenantID:     testTenant,
		GrantType:    GrantTypeClientCredentials,
		ClientID:     "svc",
		ClientSecret: testSecret,
		Scope:        "read",
	}
	_, err := env.srv.Token(context.Background(), req)
	requireCode(t, err, ErrorCodeUnauthorizedClient)

	svc.GrantTypes = append(svc.GrantTypes, GrantTypeClientCredentials)
	env.addClient(t, svc)

	resp, err := env.srv.Token(context.Background(), req)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("no access token")
	}
	if resp.RefreshToken != "" {
		t.Error("client_credentials must not return a refresh token")
	}

	claims, err := env.srv.ValidateToken(context.Background(), testTenant, resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if claims.Subject != "svc" {
		t.Errorf("sub = %q, want the client ID", claims.Subject)
	}
}

func TestToken_ClientCredentialsRequiresConfidentialClient(t *testing.T) {
	env := newTestEnv(t, nil)
	pub := testutil.NewPublicClient(testTenant, "pub")
	pub.GrantTypes = []string{GrantTypeClientCredentials}
	env.addClient(t, pub)

	_, err := env.srv.Token(context.Background(), &TokenRequest{
		TenantID:  testTenant,
		GrantType: GrantTypeClientCredentials,
		ClientID:  "pub",
	})
	requireCode(t, err, ErrorCodeUnauthorizedClient)
}

func TestToken_GrantDispatchErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))

	tests := []struct {
		name     string
		req      TokenRequest
		wantCode string
	}{
		{"unknown grant", TokenRequest{GrantType: "urn:custom", ClientID: "conf", ClientSecret: testSecret}, ErrorCodeUnsupportedGrantType},
		{"unknown grant before client auth", TokenRequest{GrantType: "implicit", ClientID: "missing"}, ErrorCodeUnsupportedGrantType},
		{"missing grant", TokenRequest{ClientID: "conf", ClientSecret: testSecret}, ErrorCodeInvalidRequest},
		{"bad secret", TokenRequest{GrantType: GrantTypeAuthorizationCode, ClientID: "conf", ClientSecret: "nope", Code: "x"}, ErrorCodeInvalidClient},
		{"confidential client without secret", TokenRequest{GrantType: GrantTypeAuthorizationCode, ClientID: "conf", Code: "x"}, ErrorCodeInvalidClient},
		{"missing code", TokenRequest{GrantType: GrantTypeAuthorizationCode, ClientID: "conf", ClientSecret: testSecret}, ErrorCodeInvalidRequest},
		{"unknown code", TokenRequest{GrantType: GrantTypeAuthorizationCode, ClientID: "conf", ClientSecret: testSecret, Code: "nope", RedirectURI: testRedir}, ErrorCodeInvalidGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.TenantID = testTenant
			_, err := env.srv.Token(context.Background(), &tt.req)
			requireCode(t, err, tt.wantCode)
		})
	}

	if env.audit.count(security.EventClientAuthFailure) != 2 {
		t.Errorf("client auth failures audited = %d, want 2", env.audit.count(security.EventClientAuthFailure))
	}
}

func TestToken_TenantIsolation(t *testing.T) {
	env := newTestEnv(t, nil)
	env.addClient(t, testutil.NewConfidentialClient(testTenant, "conf", testSecret))
	code := authorizeCode(t, env, &AuthorizeRequest{ClientID: "conf", RedirectURI: testRedir})

	env.addClient(t, testutil.NewConfidentialClient("tenant-b", "conf", testSecret))
	_, err := env.srv.Token(context.Background(), &TokenRequest{
		TenantID:     "tenant-b",
		GrantType:    GrantTypeAuthorizationCode,
		ClientID:     "conf",
		ClientSecret: testSecret,
		Code:         code,
		RedirectURI:  testRedir,
	})
	requireCode(t, err, ErrorCodeInvalidGrant)
}

func TestRateLimit(t *testing.T) {
	tests := []struct {
		operation string
		call      func(*Server) error
	}{
		{security.OperationAuthorize, func(s *Server) error {
			_, err := s.Authorize(context.Background(), &AuthorizeRequest{TenantID: testTenant, ClientID: "conf"})
			return err
		}},
		{security.OperationToken, func(s *Server) error {
			_, err := s.Token(context.Background(), &TokenRequest{TenantID: testTenant, GrantType: GrantTypeClientCredentials})
			return err
		}},
		{security.OperationRevoke, func(s *Server) error {
			return s.Revoke(context.Background(), &RevokeRequest{TenantID: testTenant, Token: "x"})
		}},
		{security.OperationIntrospect, func(s *Server) error {
			_, err := s.Introspect(context.Background(), &IntrospectRequest{TenantID: testTenant, Token: "x"})
			return err
		}},
		{security.OperationMFAVerify, func(s *Server) error {
			_, err := s.VerifyMFA(context.Background(), &MFAVerifyRequest{TenantID: testTenant, MFAToken: "x", Code: "123456"})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.operation, func(t *testing.T) {
			env := newTestEnv(t, nil, func(d *Dependencies) {
				d.Limiter = denyLimiter{operation: tt.operation}
			})
			requireCode(t, tt.call(env.srv), ErrorCodeRateLimitExceeded)
			if env.audit.count(security.EventRateLimitExceeded) != 1 {
				t.Error("rate limit denial was not audited")
			}
		})
	}
}

// keyLimiter denies everything and remembers the keys it was asked about
type keyLimiter struct {
	mu   sync.Mutex
	keys []string
}

func (k *keyLimiter) Allow(_ context.Context, identifier, _ string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, identifier)
	return false
}

func TestRateLimit_DenialAuditsIPAndClientSeparately(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		wantKey string
	}{
		{name: "with client IP", ip: "203.0.113.7", wantKey: testTenant + "/203.0.113.7"},
		{name: "without client IP", ip: "", wantKey: testTenant + "/conf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := &keyLimiter{}
			env := newTestEnv(t, nil, func(d *Dependencies) { d.Limiter = limiter })

			_, err := env.srv.Token(context.Background(), &TokenRequest{
				TenantID:  testTenant,
				GrantType: GrantTypeClientCredentials,
				ClientID:  "conf",
				ClientIP:  tt.ip,
			})
			requireCode(t, err, ErrorCodeRateLimitExceeded)

			if len(limiter.keys) != 1 || limiter.keys[0] != tt.wantKey {
				t.Errorf("limiter keys = %v, want [%s]", limiter.keys, tt.wantKey)
			}
			event, ok := env.audit.last(security.EventRateLimitExceeded)
			if !ok {
				t.Fatal("rate limit denial was not audited")
			}
			if event.IPAddress != tt.ip || event.ClientID != "conf" || event.TenantID != testTenant {
				t.Errorf("audit event = ip %q client %q tenant %q, want ip %q client conf tenant %s",
					event.IPAddress, event.ClientID, event.TenantID, tt.ip, testTenant)
			}
		})
	}
}
