// Package util provides helpers shared across the identity provider packages:
// log-safe truncation of credentials, OAuth scope string handling and
// loopback host detection for redirect URI validation.
package util
