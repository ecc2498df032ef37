// Package mfa implements the second factor: RFC 6238 TOTP codes and
// single-use backup codes.
//
// Codes are six digits over a 30 second step and are accepted for exactly
// one step of clock skew either side. MatchStep reports the accepted step so
// the caller can record it and reject a replay within the window.
//
// Backup codes are eight decimal digits, stored only as SHA-256 hashes.
package mfa
