// Package testutil provides fixtures shared by package tests: a controllable
// clock, PKCE pairs, client registrations and an in-memory user store.
package testutil
