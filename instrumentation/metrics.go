package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the identity provider
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	CodesIssued         metric.Int64Counter
	CodesRedeemed       metric.Int64Counter
	TokensIssued        metric.Int64Counter
	TokensRefreshed     metric.Int64Counter
	TokensRevoked       metric.Int64Counter
	TokensIntrospected  metric.Int64Counter
	MFAVerifications    metric.Int64Counter
	ClientSecretRotated metric.Int64Counter

	// Security Metrics
	RateLimitExceeded     metric.Int64Counter
	PKCEValidationFailed  metric.Int64Counter
	CodeReplayDetected    metric.Int64Counter
	RefreshReplayDetected metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSweepRemoved      metric.Int64Counter
	StorageClientsCount      metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageTokensCount       metric.Int64ObservableGauge
	StorageRevocationsCount  metric.Int64ObservableGauge
}

type counterSpec struct {
	dst         *metric.Int64Counter
	name        string
	description string
	unit        string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	serverCounters := []counterSpec{
		{&m.CodesIssued, "oauth.code.issued", "Number of authorization codes issued", "{code}"},
		{&m.CodesRedeemed, "oauth.code.redeemed", "Number of authorization codes redeemed", "{code}"},
		{&m.TokensIssued, "oauth.token.issued", "Number of token responses issued by grant type", "{token}"},
		{&m.TokensRefreshed, "oauth.token.refreshed", "Number of refresh token exchanges", "{token}"},
		{&m.TokensRevoked, "oauth.token.revoked", "Number of tokens revoked", "{token}"},
		{&m.TokensIntrospected, "oauth.token.introspected", "Number of introspection requests", "{request}"},
		{&m.MFAVerifications, "oauth.mfa.verifications", "Number of second-factor verifications", "{attempt}"},
		{&m.ClientSecretRotated, "oauth.client.secret_rotated", "Number of client secret rotations", "{rotation}"},
	}
	if err := createCounters(serverMeter, serverCounters); err != nil {
		return nil, err
	}

	securityCounters := []counterSpec{
		{&m.RateLimitExceeded, "oauth.rate_limit.exceeded", "Number of requests denied by the rate limiter", "{request}"},
		{&m.PKCEValidationFailed, "oauth.pkce.validation_failed", "Number of failed PKCE verifications", "{attempt}"},
		{&m.CodeReplayDetected, "oauth.code.replay_detected", "Number of redemptions of an already used code", "{event}"},
		{&m.RefreshReplayDetected, "oauth.refresh.replay_detected", "Number of refresh attempts with a revoked or rotated token", "{event}"},
	}
	if err := createCounters(securityMeter, securityCounters); err != nil {
		return nil, err
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSweepRemoved, err = storageMeter.Int64Counter(
		"storage.sweep.removed",
		metric.WithDescription("Number of expired entries removed by the sweeper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sweep.removed counter: %w", err)
	}

	gauges := []struct {
		dst         *metric.Int64ObservableGauge
		name        string
		description string
	}{
		{&m.StorageClientsCount, "storage.clients.count", "Number of registered clients"},
		{&m.StorageCodesCount, "storage.codes.count", "Number of stored authorization codes"},
		{&m.StorageTokensCount, "storage.tokens.count", "Number of stored token records"},
		{&m.StorageRevocationsCount, "storage.revocations.count", "Number of blacklist entries"},
	}
	for _, g := range gauges {
		*g.dst, err = storageMeter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{item}"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
	}

	return m, nil
}

func createCounters(meter metric.Meter, specs []counterSpec) error {
	for _, spec := range specs {
		c, err := meter.Int64Counter(spec.name,
			metric.WithDescription(spec.description),
			metric.WithUnit(spec.unit),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", spec.name, err)
		}
		*spec.dst = c
	}
	return nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeRedeemed records an authorization code exchange
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, clientID, pkceMethod string) {
	if pkceMethod == "" {
		pkceMethod = "none"
	}
	m.CodesRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenIssued records a successful token response
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRefresh records a refresh exchange and whether the refresh token rotated
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRevocation records a revoked token
func (m *Metrics) RecordTokenRevocation(ctx context.Context, kind string) {
	m.TokensRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordIntrospection records an introspection result
func (m *Metrics) RecordIntrospection(ctx context.Context, active bool) {
	m.TokensIntrospected.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("active", active),
	))
}

// RecordMFAVerification records a second-factor attempt.
// method is "totp", "backup_code" or "trusted_device".
func (m *Metrics) RecordMFAVerification(ctx context.Context, method string, success bool) {
	m.MFAVerifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	))
}

// RecordClientSecretRotation records a client secret rotation
func (m *Metrics) RecordClientSecretRotation(ctx context.Context, clientID string) {
	m.ClientSecretRotated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordRateLimitExceeded records a rate limit denial
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, operation string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReplayDetected records a redemption attempt for a used code
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordRefreshReplayDetected records a refresh attempt with a revoked token
func (m *Metrics) RecordRefreshReplayDetected(ctx context.Context) {
	m.RefreshReplayDetected.Add(ctx, 1)
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordSweep records entries removed by one sweep of a store category
func (m *Metrics) RecordSweep(ctx context.Context, kind string, removed int) {
	if removed <= 0 {
		return
	}
	m.StorageSweepRemoved.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.String("kind", kind),
	))
}
