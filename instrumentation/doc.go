// Package instrumentation provides OpenTelemetry instrumentation for the identity provider.
//
// When Config.Enabled is false every provider is a no-op. When enabled, SDK tracer and
// meter providers are created and fed to the configured MetricReader and SpanExporter:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "idp",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MetricReader:   sdkmetric.NewPeriodicReader(exporter),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// OAuth Flows:
//   - oauth.code.issued{client_id}
//   - oauth.code.redeemed{client_id, pkce_method}
//   - oauth.token.issued{client_id, grant_type}
//   - oauth.token.refreshed{client_id, rotated}
//   - oauth.token.revoked{kind}
//   - oauth.token.introspected{active}
//   - oauth.mfa.verifications{method, success}
//   - oauth.client.secret_rotated{client_id}
//
// Security:
//   - oauth.rate_limit.exceeded{operation}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.replay_detected
//   - oauth.refresh.replay_detected
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.sweep.removed{kind}
//   - storage.clients.count, storage.codes.count, storage.tokens.count, storage.revocations.count
package instrumentation
