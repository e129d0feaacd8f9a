package zone

import (
	"net"
	"net/http"
	"strings"

	"github.com/visualcraft/restbase/internal/config"
	"github.com/visualcraft/restbase/internal/security"
)

// Classifier holds the ordered matcher list of a zone.
//
// Register is meant for startup; a Classifier that serves requests is never
// mutated (reloads build a new one). Classify is safe for concurrent use.
type Classifier struct {
	matchers []Matcher
}

// NewClassifier creates a Classifier with the given matchers in order.
// Nil matchers are ignored.
func NewClassifier(matchers ...Matcher) *Classifier {
	c := &Classifier{}
	for _, m := range matchers {
		c.Register(m)
	}
	return c
}

// FromRules compiles rules into a Classifier.
func FromRules(rules []Rule) (*Classifier, error) {
	matchers, err := NewMatchers(rules)
	if err != nil {
		return nil, err
	}
	return NewClassifier(matchers...), nil
}

// Register appends a matcher. Registration order is evaluation order.
func (c *Classifier) Register(m Matcher) {
	if m == nil {
		return
	}
	c.matchers = append(c.matchers, m)
}

// Len returns the number of registered matchers.
func (c *Classifier) Len() int {
	return len(c.matchers)
}

// Classify reports whether any matcher accepts info. It stops at the first
// accepting matcher and returns false for an empty classifier.
// Panics from matchers are not recovered.
func (c *Classifier) Classify(info RequestInfo) bool {
	for _, m := range c.matchers {
		if m.Matches(info) {
			return true
		}
	}
	return false
}

// RequestInfoFrom extracts the classified fields from r. The client IP is
// resolved through trustedProxies the same way the rate limiter does it.
func RequestInfoFrom(r *http.Request, trustedProxies []string) RequestInfo {
	return RequestInfo{
		Path:     r.URL.Path,
		Host:     requestHost(r),
		Method:   r.Method,
		ClientIP: security.TrustedClientIP(r.RemoteAddr, r.Header.Get("X-Forwarded-For"), trustedProxies),
	}
}

// requestHost returns the lower-cased request host without port.
func requestHost(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(host)
}

// RulesFromConfig converts config.ZoneConfig entries to zone rules.
func RulesFromConfig(cfgs []config.ZoneConfig) []Rule {
	rules := make([]Rule, len(cfgs))
	for i, c := range cfgs {
		rules[i] = Rule{
			Path:    c.Path,
			Host:    c.Host,
			Methods: append([]string(nil), c.Methods...),
			IPs:     append([]string(nil), c.IPs...),
		}
	}
	return rules
}
