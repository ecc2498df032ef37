package util

import (
	"net"
	"strings"
)

// IsLoopbackHostname reports whether hostname (without port, as returned by
// url.URL.Hostname) is "localhost" or a loopback IP in 127.0.0.0/8 or ::1.
// 0.0.0.0 is unspecified, not loopback.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	hostname = strings.TrimSuffix(strings.TrimPrefix(hostname, "["), "]")
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
