// Package storage defines the persistence contracts of the identity provider.
//
// Every record is scoped by tenant. The interfaces are split by concern:
//   - ClientStore: registered OAuth clients
//   - CodeStore: single-use authorization codes
//   - TokenStore: issued access and refresh token pairs
//   - RevocationStore: the token blacklist
//   - MFAStore: TOTP enrollments, backup codes, challenges and trusted devices
//
// Operations documented as atomic must behave as a single indivisible step
// when several server instances share the backend.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
