// Package zone classifies requests as inside or outside the configured API zone.
//
// A zone is an ordered list of rules. Each rule compiles to a Matcher over the
// request path, host, method and client IP; a request is in the zone when any
// matcher accepts it. Classification stops at the first accepting matcher, so
// rule order only changes how much work is done, never the outcome.
package zone

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// Rule is one zone entry. Empty fields match everything.
type Rule struct {
	Path    string   // regular expression searched in the request path
	Host    string   // case-insensitive regular expression searched in the host
	Methods []string // HTTP methods, compared case-insensitively
	IPs     []string // literal addresses or CIDR blocks
}

// RequestInfo carries the request fields a Matcher looks at.
type RequestInfo struct {
	Path     string
	Host     string
	Method   string
	ClientIP string
}

// Matcher decides whether a request belongs to the zone.
// Implementations must be stateless and safe for concurrent use.
type Matcher interface {
	Matches(info RequestInfo) bool
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(info RequestInfo) bool

// Matches calls f(info).
func (f MatcherFunc) Matches(info RequestInfo) bool {
	return f(info)
}

// RuleMatcher is the Matcher compiled from a Rule.
// All four conditions must hold for a request to match.
type RuleMatcher struct {
	rule    Rule
	path    *regexp.Regexp
	host    *regexp.Regexp
	methods map[string]struct{}
	nets    []*net.IPNet
}

// NewMatcher compiles rule. An invalid pattern or IP entry is a configuration error.
func NewMatcher(rule Rule) (*RuleMatcher, error) {
	m := &RuleMatcher{rule: rule}

	if rule.Path != "" {
		re, err := regexp.Compile(rule.Path)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", rule.Path, err)
		}
		m.path = re
	}

	if rule.Host != "" {
		re, err := regexp.Compile("(?i)" + rule.Host)
		if err != nil {
			return nil, fmt.Errorf("host %q: %w", rule.Host, err)
		}
		m.host = re
	}

	if len(rule.Methods) > 0 {
		m.methods = make(map[string]struct{}, len(rule.Methods))
		for _, method := range rule.Methods {
			method = strings.ToUpper(strings.TrimSpace(method))
			if method == "" {
				return nil, fmt.Errorf("methods: empty method")
			}
			m.methods[method] = struct{}{}
		}
	}

	for _, entry := range rule.IPs {
		n, err := ParseIPEntry(entry)
		if err != nil {
			return nil, fmt.Errorf("ips: %w", err)
		}
		m.nets = append(m.nets, n)
	}

	return m, nil
}

// NewMatchers compiles rules in order. The first invalid rule aborts compilation.
func NewMatchers(rules []Rule) ([]Matcher, error) {
	matchers := make([]Matcher, 0, len(rules))
	for i, r := range rules {
		m, err := NewMatcher(r)
		if err != nil {
			return nil, fmt.Errorf("zone[%d]: %w", i, err)
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// Rule returns the rule m was compiled from.
func (m *RuleMatcher) Rule() Rule {
	return m.rule
}

// Matches implements Matcher.
func (m *RuleMatcher) Matches(info RequestInfo) bool {
	if m.methods != nil {
		if _, ok := m.methods[strings.ToUpper(info.Method)]; !ok {
			return false
		}
	}
	if m.path != nil && !m.path.MatchString(info.Path) {
		return false
	}
	if m.host != nil && !m.host.MatchString(info.Host) {
		return false
	}
	if len(m.nets) > 0 && !m.matchIP(info.ClientIP) {
		return false
	}
	return true
}

// matchIP returns true if ip falls within any configured address or block.
func (m *RuleMatcher) matchIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		// Try stripping port
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return false
		}
		parsed = net.ParseIP(host)
		if parsed == nil {
			return false
		}
	}
	for _, n := range m.nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ParseIPEntry parses a CIDR block or a literal address (as a /32 or /128).
func ParseIPEntry(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q", entry)
		}
		return n, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", entry)
	}
	mask := net.CIDRMask(128, 128)
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		mask = net.CIDRMask(32, 32)
	}
	return &net.IPNet{IP: ip, Mask: mask}, nil
}
