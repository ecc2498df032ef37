// Package valkey provides a Valkey storage backend for the identity provider.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements every interface of the storage package, which makes
// it suitable for deployments that run several server instances against one
// shared backend.
//
// # Key Schema
//
// All keys use a configurable prefix (default "idp:") and embed the tenant ID,
// see the key helpers in store.go for the full layout.
//
// # Atomic Operations
//
// The operations the storage contracts require to be atomic run as Lua scripts:
//
//   - ConsumeAuthorizationCode: single-use codes, mismatches leave the code intact
//   - RotateRefreshToken: record swap plus blacklist insert
//   - TouchRefreshToken: access token swap without rotation
//   - RevokeTokenRecord: revoked flag plus retention
//   - ConsumeBackupCode and MarkTOTPStepUsed: second factor replay protection
//
// MFA challenges are consumed with GETDEL.
//
// # Expiry
//
// Every record carries a TTL derived from its own timestamps, so expired state
// disappears without a sweeper. The DeleteExpired methods only prune the
// secondary SET indexes.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "idp:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Topology
//
// The store always uses a single-node client. Scripts resolve token keys
// through the refresh index, so all keys of a tenant must be served by one
// node. Cluster endpoints are not supported: commands for keys owned by other
// nodes fail with a MOVED error. Primary/replica setups behind one address work.
package valkey
