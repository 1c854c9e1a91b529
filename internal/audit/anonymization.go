package audit

import (
	"net"
	"time"
)

// IPRetention is how long full client IPs are kept in exports.
const IPRetention = 90 * 24 * time.Hour

// AnonymizeIP zeroes the host part of an address: the last octet for IPv4,
// the last 80 bits for IPv6. Invalid input yields "".
func AnonymizeIP(ipStr string) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	ip16 := ip.To16()
	masked := make(net.IP, net.IPv6len)
	copy(masked, ip16[:6])
	return masked.String()
}

// IPAnonymizationCutoff returns the time before which IPs are anonymized.
func IPAnonymizationCutoff(now time.Time) time.Time {
	return now.UTC().Add(-IPRetention)
}
