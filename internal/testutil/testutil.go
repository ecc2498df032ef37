package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/idp-oauth/storage"
)

// MockClock provides a controllable, concurrency-safe time source
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a mock clock starting at t
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by d
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to t
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString returns a URL-safe random string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair returns an S256 challenge and its verifier
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// HashSecret bcrypt-hashes a client secret with the minimum cost to keep tests fast
func HashSecret(secret string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}

// NewConfidentialClient returns an active confidential client in tenantID.
// An empty secret leaves the hash unset.
func NewConfidentialClient(tenantID, clientID, secret string, grantTypes ...string) *storage.Client {
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	c := &storage.Client{
		ClientID:     clientID,
		TenantID:     tenantID,
		ClientType:   "confidential",
		ClientName:   "Test Client " + clientID,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read", "write"},
		GrantTypes:   grantTypes,
		AutoApprove:  true,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if secret != "" {
		c.ClientSecretHash = HashSecret(secret)
	}
	return c
}

// NewPublicClient returns an active public client in tenantID
func NewPublicClient(tenantID, clientID string) *storage.Client {
	return &storage.Client{
		ClientID:     clientID,
		TenantID:     tenantID,
		ClientType:   "public",
		ClientName:   "Test Public Client " + clientID,
		RedirectURIs: []string{"http://127.0.0.1:8765/callback"},
		Scopes:       []string{"read"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		AutoApprove:  true,
		Active:       true,
		CreatedAt:    time.Now(),
	}
}

type testUser struct {
	user         storage.User
	passwordHash []byte
}

// UserStore is an in-memory storage.UserStore for tests
type UserStore struct {
	mu    sync.RWMutex
	users map[string]*testUser // tenant/user ID
	calls int
}

var _ storage.UserStore = (*UserStore)(nil)

// NewUserStore creates an empty user store
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*testUser)}
}

// AddUser registers a user with a bcrypt-hashed password
func (s *UserStore) AddUser(tenantID, userID, email, password string) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[tenantID+"/"+userID] = &testUser{
		user:         storage.User{ID: userID, TenantID: tenantID, Email: email},
		passwordHash: h,
	}
}

// DisableUser marks a user disabled
func (s *UserStore) DisableUser(tenantID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[tenantID+"/"+userID]; ok {
		u.user.Disabled = true
	}
}

// Calls returns the number of VerifyPassword calls
func (s *UserStore) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// FindByID implements storage.UserStore
func (s *UserStore) FindByID(_ context.Context, tenantID, userID string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[tenantID+"/"+userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	user := u.user
	return &user, nil
}

// FindByEmail implements storage.UserStore
func (s *UserStore) FindByEmail(_ context.Context, tenantID, email string) (*storage.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.user.TenantID == tenantID && strings.EqualFold(u.user.Email, email) {
			user := u.user
			return &user, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

// VerifyPassword implements storage.UserStore
func (s *UserStore) VerifyPassword(_ context.Context, tenantID, userID, password string) (bool, error) {
	s.mu.Lock()
	s.calls++
	u, ok := s.users[tenantID+"/"+userID]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) == nil, nil
}
