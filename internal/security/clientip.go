package security

import (
	"net"
	"strings"
)

// TrustedClientIP resolves the client IP of a request.
//
// Without trusted proxies only RemoteAddr is used. Otherwise, when the
// direct peer is a trusted proxy, the rightmost X-Forwarded-For hop that is
// not itself trusted is the client.
func TrustedClientIP(remoteAddr string, xForwardedFor string, trustedProxies []string) string {
	remoteIP := stripPort(remoteAddr)

	if len(trustedProxies) == 0 || xForwardedFor == "" {
		return remoteIP
	}

	trustedNets := parseCIDRs(trustedProxies)

	// A peer outside the trusted set could have written any header.
	if peer := net.ParseIP(remoteIP); peer == nil || !isIPTrusted(peer, trustedNets) {
		return remoteIP
	}

	parts := strings.Split(xForwardedFor, ",")
	ips := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			ips = append(ips, trimmed)
		}
	}

	for i := len(ips) - 1; i >= 0; i-- {
		ip := net.ParseIP(ips[i])
		if ip == nil {
			continue
		}
		if !isIPTrusted(ip, trustedNets) {
			return ips[i]
		}
	}

	return remoteIP
}

// stripPort removes the port from addr (handles both IPv4 and IPv6).
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.Trim(addr, "[]")
	}
	return host
}

// parseCIDRs parses a slice of CIDR strings or plain IPs into []*net.IPNet.
func parseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(c)
		if ip != nil {
			mask := net.CIDRMask(128, 128)
			if ip.To4() != nil {
				mask = net.CIDRMask(32, 32)
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

// isIPTrusted checks if an IP falls within any of the trusted CIDR ranges.
func isIPTrusted(ip net.IP, trustedNets []*net.IPNet) bool {
	for _, n := range trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
