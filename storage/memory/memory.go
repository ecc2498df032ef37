// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
// Every atomic operation of the storage contracts runs under one write lock.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/idp-oauth/instrumentation"
	"github.com/giantswarm/idp-oauth/internal/util"
	"github.com/giantswarm/idp-oauth/storage"
)

// tokenIDLogLength is the number of characters of an identifier included in logs
const tokenIDLogLength = 8

// Store is an in-memory implementation of storage.Store.
// Maps are keyed by tenant plus identifier, see key.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client
	codes   map[string]*storage.AuthorizationCode

	// both indexes point at the same record
	tokensByAccess  map[string]*storage.TokenRecord
	tokensByRefresh map[string]*storage.TokenRecord

	revocations map[string]*storage.BlacklistEntry

	enrollments map[string]*storage.MFAEnrollment
	challenges  map[string]*storage.MFAChallenge
	devices     map[string]*storage.TrustedDevice

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	logger *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore     = (*Store)(nil)
	_ storage.CodeStore       = (*Store)(nil)
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RevocationStore = (*Store)(nil)
	_ storage.MFAStore        = (*Store)(nil)
	_ storage.Store           = (*Store)(nil)
)

// New creates a new empty in-memory store.
// Expired entries are removed by the server's sweeper through the DeleteExpired methods.
func New() *Store {
	return &Store{
		clients:         make(map[string]*storage.Client),
		codes:           make(map[string]*storage.AuthorizationCode),
		tokensByAccess:  make(map[string]*storage.TokenRecord),
		tokensByRefresh: make(map[string]*storage.TokenRecord),
		revocations:     make(map[string]*storage.BlacklistEntry),
		enrollments:     make(map[string]*storage.MFAEnrollment),
		challenges:      make(map[string]*storage.MFAChallenge),
		devices:         make(map[string]*storage.TrustedDevice),
		logger:          slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation enables spans, operation metrics and size gauges
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst == nil {
		return nil
	}

	size := func(n func() int) instrumentation.StorageSizeCallback {
		return func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(n())
		}
	}
	err := inst.RegisterStorageSizeCallbacks(
		size(func() int { return len(s.clients) }),
		size(func() int { return len(s.codes) }),
		size(func() int { return len(s.tokensByAccess) }),
		size(func() int { return len(s.revocations) }),
	)
	if err != nil {
		return fmt.Errorf("failed to register storage metrics: %w", err)
	}
	return nil
}

// key joins tenant and identifier parts. NUL cannot appear in identifiers
// received over HTTP forms, so keys of different tenants never collide.
func key(parts ...string) string {
	n := len(parts) - 1
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			b = append(b, 0)
		}
		b = append(b, p...)
	}
	return string(b)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient creates or replaces a client registration
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, startTime) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[key(client.TenantID, client.ClientID)] = cloneClient(client)
	return nil
}

// GetClient retrieves a client by tenant and ID
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[key(tenantID, clientID)]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return cloneClient(c), nil
}

// UpdateClientSecret replaces a client's secret hash
func (s *Store) UpdateClientSecret(ctx context.Context, tenantID, clientID, secretHash string, rotatedAt time.Time) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client_secret")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_client_secret", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[key(tenantID, clientID)]
	if !ok {
		return storage.ErrClientNotFound
	}
	c.ClientSecretHash = secretHash
	c.SecretRotatedAt = rotatedAt
	return nil
}

func cloneClient(c *storage.Client) *storage.Client {
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.Scopes = slices.Clone(c.Scopes)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	return &out
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(code.TenantID, code.Code)
	if _, exists := s.codes[k]; exists {
		return fmt.Errorf("authorization code already exists")
	}
	c := *code
	s.codes[k] = &c
	return nil
}

// ConsumeAuthorizationCode validates and marks a code used under one write lock.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, tenantID, code, clientID, redirectURI string, now time.Time) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[key(tenantID, code)]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if c.Used {
		s.logger.Warn("Authorization code replay",
			"code_prefix", util.SafeTruncate(code, tokenIDLogLength),
			"client_id", c.ClientID,
			"used_at", c.UsedAt)
		return nil, storage.ErrAuthorizationCodeUsed
	}
	if !now.Before(c.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}
	if c.ClientID != clientID || c.RedirectURI != redirectURI {
		return nil, storage.ErrAuthorizationCodeMismatch
	}

	c.Used = true
	c.UsedAt = now
	out := *c
	return &out, nil
}

// DeleteExpiredAuthorizationCodes purges codes past their expiry
func (s *Store) DeleteExpiredAuthorizationCodes(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, c := range s.codes {
		if now.After(c.ExpiresAt) {
			delete(s.codes, k)
			removed++
		}
	}
	return removed, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenRecord persists a newly issued token pair
func (s *Store) SaveTokenRecord(ctx context.Context, record *storage.TokenRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_token_record")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_token_record", err, startTime) }()

	if record == nil || record.AccessTokenID == "" {
		return fmt.Errorf("access token ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRecord(record)
	return nil
}

// putRecord indexes a copy of record. Must be called with mutex locked.
func (s *Store) putRecord(record *storage.TokenRecord) {
	r := *record
	s.tokensByAccess[key(r.TenantID, r.AccessTokenID)] = &r
	if r.RefreshTokenID != "" {
		s.tokensByRefresh[key(r.TenantID, r.RefreshTokenID)] = &r
	}
}

// dropRecord removes both indexes of r. Must be called with mutex locked.
func (s *Store) dropRecord(r *storage.TokenRecord) {
	delete(s.tokensByAccess, key(r.TenantID, r.AccessTokenID))
	if r.RefreshTokenID != "" {
		delete(s.tokensByRefresh, key(r.TenantID, r.RefreshTokenID))
	}
}

// GetTokenByAccessID looks up a record by access token ID
func (s *Store) GetTokenByAccessID(ctx context.Context, tenantID, accessID string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.tokensByAccess[key(tenantID, accessID)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	out := *r
	return &out, nil
}

// GetTokenByRefreshID looks up a record by refresh token ID
func (s *Store) GetTokenByRefreshID(ctx context.Context, tenantID, refreshID string) (*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.tokensByRefresh[key(tenantID, refreshID)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	out := *r
	return &out, nil
}

// checkRefreshable applies the shared rotation preconditions.
// Must be called with mutex locked.
func (s *Store) checkRefreshable(tenantID, refreshID, clientID string, now time.Time) (*storage.TokenRecord, error) {
	r, ok := s.tokensByRefresh[key(tenantID, refreshID)]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if r.ClientID != clientID {
		return nil, storage.ErrTokenClientMismatch
	}
	if r.Revoked {
		return nil, storage.ErrTokenRevoked
	}
	if !now.Before(r.RefreshExpiresAt) {
		return nil, storage.ErrTokenExpired
	}
	return r, nil
}

// RotateRefreshToken supersedes a record and blacklists its refresh token
// under one write lock.
func (s *Store) RotateRefreshToken(ctx context.Context, req storage.RotationRequest) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "rotate_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "rotate_refresh_token", err, startTime) }()

	if req.Next == nil || req.Revocation == nil {
		return nil, fmt.Errorf("next record and revocation entry are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.checkRefreshable(req.TenantID, req.OldRefreshID, req.ClientID, req.Now)
	if err != nil {
		return nil, err
	}

	next := *req.Next
	next.SupersededAccess = old.Supersede(req.Now)

	s.dropRecord(old)
	s.putRecord(&next)
	s.addRevocationLocked(req.Revocation)

	s.logger.Debug("Rotated refresh token",
		"client_id", old.ClientID,
		"old_refresh_prefix", util.SafeTruncate(old.RefreshTokenID, tokenIDLogLength),
		"new_refresh_prefix", util.SafeTruncate(req.Next.RefreshTokenID, tokenIDLogLength))

	out := *old
	return &out, nil
}

// TouchRefreshToken swaps the access token of a record, keeping its refresh token
func (s *Store) TouchRefreshToken(ctx context.Context, req storage.TouchRequest) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "touch_refresh_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "touch_refresh_token", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.checkRefreshable(req.TenantID, req.RefreshID, req.ClientID, req.Now)
	if err != nil {
		return nil, err
	}

	delete(s.tokensByAccess, key(r.TenantID, r.AccessTokenID))
	r.SupersededAccess = r.Supersede(req.Now)
	r.AccessTokenID = req.AccessID
	r.AccessExpiresAt = req.AccessExpiresAt
	r.LastUsedAt = req.Now
	s.tokensByAccess[key(r.TenantID, r.AccessTokenID)] = r

	out := *r
	return &out, nil
}

// RevokeTokenRecord marks the record holding tokenID as revoked
func (s *Store) RevokeTokenRecord(ctx context.Context, tenantID, tokenID string, now time.Time) (_ *storage.TokenRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_token_record")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_token_record", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tokensByAccess[key(tenantID, tokenID)]
	if !ok {
		r, ok = s.tokensByRefresh[key(tenantID, tokenID)]
	}
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	if !r.Revoked {
		r.Revoked = true
		r.RevokedAt = now
	}
	out := *r
	return &out, nil
}

// ListTokensByClient returns every unrevoked record issued to a client
func (s *Store) ListTokensByClient(ctx context.Context, tenantID, clientID string) ([]*storage.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.TokenRecord
	for _, r := range s.tokensByAccess {
		if r.TenantID == tenantID && r.ClientID == clientID && !r.Revoked {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

// DeleteExpiredTokens purges expired records, keeping revoked ones for retention
func (s *Store) DeleteExpiredTokens(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, r := range s.tokensByAccess {
		deadline := r.FinalExpiry()
		if r.Revoked {
			deadline = deadline.Add(retention)
		}
		if now.After(deadline) {
			s.dropRecord(r)
			removed++
		}
	}
	return removed, nil
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// AddRevocation inserts a blacklist entry; existing entries are kept
func (s *Store) AddRevocation(ctx context.Context, entry *storage.BlacklistEntry) (err error) {
	ctx, span := s.startStorageSpan(ctx, "add_revocation")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "add_revocation", err, startTime) }()

	if entry == nil || entry.TokenID == "" {
		return fmt.Errorf("token ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addRevocationLocked(entry)
	return nil
}

// Must be called with mutex locked
func (s *Store) addRevocationLocked(entry *storage.BlacklistEntry) {
	k := key(entry.TenantID, entry.TokenID)
	if _, exists := s.revocations[k]; exists {
		return
	}
	e := *entry
	s.revocations[k] = &e
}

// IsRevoked is a point lookup in the blacklist
func (s *Store) IsRevoked(ctx context.Context, tenantID, tokenID string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.revocations[key(tenantID, tokenID)]
	if !ok {
		return false, nil
	}
	return now.Before(e.ExpiresAt), nil
}

// DeleteExpiredRevocations removes entries past their natural expiry
func (s *Store) DeleteExpiredRevocations(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.revocations {
		if !now.Before(e.ExpiresAt) {
			delete(s.revocations, k)
			removed++
		}
	}
	return removed, nil
}

// ============================================================
// MFAStore Implementation
// ============================================================

// SaveMFAEnrollment creates or replaces the secret and enabled flag of an enrollment
func (s *Store) SaveMFAEnrollment(ctx context.Context, enrollment *storage.MFAEnrollment) error {
	if enrollment == nil || enrollment.UserID == "" {
		return fmt.Errorf("user ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(enrollment.TenantID, enrollment.UserID)
	e := &storage.MFAEnrollment{
		TenantID:  enrollment.TenantID,
		UserID:    enrollment.UserID,
		Secret:    enrollment.Secret,
		Enabled:   enrollment.Enabled,
		CreatedAt: enrollment.CreatedAt,
	}
	if existing, ok := s.enrollments[k]; ok {
		e.BackupCodeHashes = existing.BackupCodeHashes
		e.LastTOTPStep = existing.LastTOTPStep
	}
	s.enrollments[k] = e
	return nil
}

// GetMFAEnrollment returns a copy of a user's enrollment
func (s *Store) GetMFAEnrollment(ctx context.Context, tenantID, userID string) (*storage.MFAEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.enrollments[key(tenantID, userID)]
	if !ok {
		return nil, storage.ErrMFANotEnrolled
	}
	out := *e
	out.BackupCodeHashes = slices.Clone(e.BackupCodeHashes)
	return &out, nil
}

// DeleteMFAEnrollment removes a user's enrollment and trusted devices
func (s *Store) DeleteMFAEnrollment(ctx context.Context, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.enrollments, key(tenantID, userID))
	for k, d := range s.devices {
		if d.TenantID == tenantID && d.UserID == userID {
			delete(s.devices, k)
		}
	}
	return nil
}

// ReplaceBackupCodes swaps the backup code set of an enrollment
func (s *Store) ReplaceBackupCodes(ctx context.Context, tenantID, userID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[key(tenantID, userID)]
	if !ok {
		return storage.ErrMFANotEnrolled
	}
	e.BackupCodeHashes = slices.Clone(hashes)
	return nil
}

// ConsumeBackupCode removes hash from the unconsumed set under the write lock
func (s *Store) ConsumeBackupCode(ctx context.Context, tenantID, userID, hash string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_backup_code")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "consume_backup_code", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[key(tenantID, userID)]
	if !ok {
		return 0, storage.ErrMFANotEnrolled
	}
	idx := slices.Index(e.BackupCodeHashes, hash)
	if idx < 0 {
		return len(e.BackupCodeHashes), storage.ErrBackupCodeNotFound
	}
	e.BackupCodeHashes = slices.Delete(e.BackupCodeHashes, idx, idx+1)
	return len(e.BackupCodeHashes), nil
}

// MarkTOTPStepUsed advances the last accepted step if step is newer
func (s *Store) MarkTOTPStepUsed(ctx context.Context, tenantID, userID string, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.enrollments[key(tenantID, userID)]
	if !ok {
		return storage.ErrMFANotEnrolled
	}
	if step <= e.LastTOTPStep {
		return storage.ErrTOTPStepReplayed
	}
	e.LastTOTPStep = step
	return nil
}

// SaveMFAChallenge stores a pending challenge
func (s *Store) SaveMFAChallenge(ctx context.Context, challenge *storage.MFAChallenge) error {
	if challenge == nil || challenge.ID == "" {
		return fmt.Errorf("challenge ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := *challenge
	s.challenges[key(c.TenantID, c.ID)] = &c
	return nil
}

// ConsumeMFAChallenge fetches and deletes a challenge in one step
func (s *Store) ConsumeMFAChallenge(ctx context.Context, tenantID, challengeID string, now time.Time) (*storage.MFAChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(tenantID, challengeID)
	c, ok := s.challenges[k]
	if !ok {
		return nil, storage.ErrMFAChallengeNotFound
	}
	delete(s.challenges, k)
	if !now.Before(c.ExpiresAt) {
		return nil, storage.ErrMFAChallengeNotFound
	}
	return c, nil
}

// SaveTrustedDevice remembers a device for a user
func (s *Store) SaveTrustedDevice(ctx context.Context, device *storage.TrustedDevice) error {
	if device == nil || device.TokenHash == "" {
		return fmt.Errorf("device token hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := *device
	s.devices[key(d.TenantID, d.UserID, d.TokenHash)] = &d
	return nil
}

// IsTrustedDevice reports whether tokenHash is an unexpired device of the user
func (s *Store) IsTrustedDevice(ctx context.Context, tenantID, userID, tokenHash string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[key(tenantID, userID, tokenHash)]
	return ok && now.Before(d.ExpiresAt), nil
}

// DeleteExpiredMFAState purges expired challenges and devices
func (s *Store) DeleteExpiredMFAState(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, c := range s.challenges {
		if !now.Before(c.ExpiresAt) {
			delete(s.challenges, k)
			removed++
		}
	}
	for k, d := range s.devices {
		if !now.Before(d.ExpiresAt) {
			delete(s.devices, k)
			removed++
		}
	}
	return removed, nil
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// a non-recording span; ending it must not end the caller's span
		return ctx, trace.SpanFromContext(context.Background())
	}

	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
