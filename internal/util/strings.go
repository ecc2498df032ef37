package util

import "strings"

// SafeTruncate truncates s to maxLen bytes without panicking.
// Used to log only a prefix of tokens and codes. A negative maxLen yields "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("short", 10)                  // "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScope splits a space-delimited scope string (RFC 6749 section 3.3)
// into its distinct tokens, preserving first-seen order.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScope is the inverse of ParseScope
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopeSubset reports whether every scope in requested appears in allowed.
// An empty request is a subset of anything.
func ScopeSubset(requested, allowed []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
