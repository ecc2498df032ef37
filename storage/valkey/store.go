package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/idp-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "idp:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers (tenant, client, user, token IDs)
	MaxIDLength = 256

	// DefaultRevokedRetention is how long revoked token records outlive their expiry
	DefaultRevokedRetention = 30 * 24 * time.Hour
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "idp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedRetention keeps revoked token records for auditing past their
	// natural expiry. Default: 30 days
	RevokedRetention time.Duration
	// DisableClientCache turns off client-side caching, for servers that do
	// not implement CLIENT TRACKING.
	DisableClientCache bool
}

// Store is a Valkey-backed implementation of storage.Store.
// Expiry is delegated to key TTLs, so the DeleteExpired methods only prune
// secondary indexes.
type Store struct {
	client           valkeygo.Client
	prefix           string
	logger           *slog.Logger
	revokedRetention time.Duration
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

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.RevokedRetention
	if retention <= 0 {
		retention = DefaultRevokedRetention
	}

	// The atomic scripts touch several keys of one tenant, which a cluster
	// would spread over slots. The single client keeps that a MOVED error
	// rather than a panic in the cluster client.
	opts := valkeygo.ClientOption{
		InitAddress:       []string{cfg.Address},
		SelectDB:          cfg.DB,
		ForceSingleClient: true,
		DisableCache:      cfg.DisableClientCache,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		logger:           logger,
		revokedRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// validateIDs rejects oversized identifiers before they become part of a key
func validateIDs(ids ...string) error {
	for _, id := range ids {
		if len(id) > MaxIDLength {
			return errInputTooLarge
		}
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================
//
// Every key embeds the tenant so no lookup can cross tenants:
//
//	{prefix}client:{tenant}:{clientID}             -> JSON(Client)
//	{prefix}code:{tenant}:{code}                   -> JSON(AuthorizationCode)
//	{prefix}token:{tenant}:{accessID}              -> JSON(TokenRecord)
//	{prefix}refresh:{tenant}:{refreshID}           -> accessID
//	{prefix}clienttokens:{tenant}:{clientID}       -> SET of token keys
//	{prefix}revoked:{tenant}:{tokenID}             -> JSON(BlacklistEntry)
//	{prefix}mfa:enrollment:{tenant}:{userID}       -> JSON(MFAEnrollment)
//	{prefix}mfa:backup:{tenant}:{userID}           -> SET of backup code hashes
//	{prefix}mfa:step:{tenant}:{userID}             -> last accepted TOTP step
//	{prefix}mfa:challenge:{tenant}:{challengeID}   -> JSON(MFAChallenge)
//	{prefix}mfa:device:{tenant}:{userID}:{hash}    -> JSON(TrustedDevice)
//	{prefix}mfa:devices:{tenant}:{userID}          -> SET of device hashes

func (s *Store) clientKey(tenantID, clientID string) string {
	return fmt.Sprintf("%sclient:%s:%s", s.prefix, tenantID, clientID)
}

func (s *Store) codeKey(tenantID, code string) string {
	return fmt.Sprintf("%scode:%s:%s", s.prefix, tenantID, code)
}

// tokenKeyPrefix is completed inside Lua scripts with an access ID read from the refresh index
func (s *Store) tokenKeyPrefix(tenantID string) string {
	return fmt.Sprintf("%stoken:%s:", s.prefix, tenantID)
}

func (s *Store) tokenKey(tenantID, accessID string) string {
	return s.tokenKeyPrefix(tenantID) + accessID
}

func (s *Store) refreshKeyPrefix(tenantID string) string {
	return fmt.Sprintf("%srefresh:%s:", s.prefix, tenantID)
}

func (s *Store) refreshKey(tenantID, refreshID string) string {
	return s.refreshKeyPrefix(tenantID) + refreshID
}

func (s *Store) clientTokensKey(tenantID, clientID string) string {
	return fmt.Sprintf("%sclienttokens:%s:%s", s.prefix, tenantID, clientID)
}

func (s *Store) revokedKey(tenantID, tokenID string) string {
	return fmt.Sprintf("%srevoked:%s:%s", s.prefix, tenantID, tokenID)
}

func (s *Store) mfaKey(tenantID, userID string) string {
	return fmt.Sprintf("%smfa:enrollment:%s:%s", s.prefix, tenantID, userID)
}

func (s *Store) backupCodesKey(tenantID, userID string) string {
	return fmt.Sprintf("%smfa:backup:%s:%s", s.prefix, tenantID, userID)
}

func (s *Store) totpStepKey(tenantID, userID string) string {
	return fmt.Sprintf("%smfa:step:%s:%s", s.prefix, tenantID, userID)
}

func (s *Store) challengeKey(tenantID, challengeID string) string {
	return fmt.Sprintf("%smfa:challenge:%s:%s", s.prefix, tenantID, challengeID)
}

func (s *Store) deviceKey(tenantID, userID, tokenHash string) string {
	return fmt.Sprintf("%smfa:device:%s:%s:%s", s.prefix, tenantID, userID, tokenHash)
}

func (s *Store) devicesKey(tenantID, userID string) string {
	return fmt.Sprintf("%smfa:devices:%s:%s", s.prefix, tenantID, userID)
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches a key and decodes its JSON value
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// scanKeys calls fn for every key matching pattern.
// SCAN may return a key twice; fn must tolerate that.
func (s *Store) scanKeys(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, key := range result.Elements {
			if err := fn(key); err != nil {
				return err
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// ttlBetween returns the TTL for a value valid from until to, or 0 if already expired
func ttlBetween(from, to time.Time) time.Duration {
	ttl := to.Sub(from)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// toMillis encodes t as Unix milliseconds; the zero time encodes as 0
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func millisArg(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func durationArg(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

// keyTTL rounds a positive TTL up to whole seconds for SET EX
func keyTTL(ttl time.Duration) time.Duration {
	return ttl.Truncate(time.Second) + time.Second
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
