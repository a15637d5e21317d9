package ingress

import (
	"strconv"
	"strings"
)

// IsLocalHostname reports hostnames that can never get a public certificate:
// localhost, *.localhost, *.local and private or loopback IPv4 addresses.
func IsLocalHostname(hostname string) bool {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if normalized == "" {
		return false
	}
	if normalized == "localhost" {
		return true
	}
	if strings.HasSuffix(normalized, ".localhost") || strings.HasSuffix(normalized, ".local") {
		return true
	}
	return isPrivateIPv4(normalized)
}

// AllLocal reports whether every hostname is local
func AllLocal(hostnames []string) bool {
	if len(hostnames) == 0 {
		return false
	}
	for _, hostname := range hostnames {
		if !IsLocalHostname(hostname) {
			return false
		}
	}
	return true
}

func isPrivateIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}

	octets := make([]int, 4)
	for i, part := range parts {
		if part == "" || len(part) > 3 {
			return false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return false
		}
		octets[i] = n
	}

	a, b := octets[0], octets[1]
	switch {
	case a == 10, a == 127:
		return true
	case a == 192 && b == 168:
		return true
	case a == 169 && b == 254:
		return true
	case a == 172 && b >= 16 && b <= 31:
		return true
	}
	return false
}
