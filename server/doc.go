// Package server implements the OAuth 2.0 authorization and token lifecycle
// of a multi-tenant identity provider.
//
// The Server type coordinates specialized components:
//   - ClientRegistry: client lookup, secret verification, redirect URI and scope checks
//   - AuthorizationCodes: single-use codes bound to client, redirect URI and PKCE challenge
//   - RotationEngine: refresh token exchange with atomic rotation
//   - RevocationRegistry: blacklist of token identifiers until their natural expiry
//   - Introspector: RFC 7662 introspection and bearer validation
//   - MFAService: TOTP and backup code second factor, trusted devices
//
// Every operation is scoped to a tenant. Storage goes through a single
// storage.Store so that refresh rotation and blacklisting commit together.
//
// Key Features:
//   - PKCE (S256, plain only when enabled) and mandatory PKCE for public clients
//   - authorization_code, client_credentials, refresh_token and password grants
//   - Refresh token rotation with replay detection, switchable per deployment
//   - Second factor on the password grant with "remember this device"
//   - Synchronous security auditing of authentication failures
//   - Rate limiting before every sensitive operation
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(server.Dependencies{Store: store, Users: users}, &server.Config{
//	    Issuer:     "https://id.example.com",
//	    SigningKey: key,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sweeper := srv.NewSweeper()
//	sweeper.Start()
//	defer sweeper.Stop()
package server
