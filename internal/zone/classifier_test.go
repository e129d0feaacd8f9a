package zone

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/visualcraft/restbase/internal/config"
)

func mustClassifier(t *testing.T, rules ...Rule) *Classifier {
	t.Helper()
	c, err := FromRules(rules)
	if err != nil {
		t.Fatalf("FromRules: %v", err)
	}
	return c
}

func TestClassify_Scenarios(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		info  RequestInfo
		want  bool
	}{
		{
			name:  "api zone with methods",
			rules: []Rule{{Path: "/api", Methods: []string{"GET", "POST"}}},
			info:  RequestInfo{Path: "/api/users", Method: "GET"},
			want:  true,
		},
		{
			name:  "admin zone does not cover api",
			rules: []Rule{{Path: "/admin"}},
			info:  RequestInfo{Path: "/api/users", Method: "GET"},
			want:  false,
		},
		{
			name:  "empty zone list",
			rules: nil,
			info:  RequestInfo{Path: "/api/users", Method: "GET"},
			want:  false,
		},
		{
			name:  "second rule matches",
			rules: []Rule{{Path: "^/admin"}, {Path: "^/api", IPs: []string{"10.0.0.0/8"}}},
			info:  RequestInfo{Path: "/api/users", Method: "GET", ClientIP: "10.2.3.4"},
			want:  true,
		},
		{
			name:  "method outside set",
			rules: []Rule{{Path: "/api", Methods: []string{"GET", "POST"}}},
			info:  RequestInfo{Path: "/api/users", Method: "DELETE"},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := mustClassifier(t, tt.rules...)
			if got := c.Classify(tt.info); got != tt.want {
				t.Errorf("Classify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify_StopsAtFirstMatch(t *testing.T) {
	var calls []string
	record := func(name string, result bool) Matcher {
		return MatcherFunc(func(RequestInfo) bool {
			calls = append(calls, name)
			return result
		})
	}
	c := NewClassifier(record("a", false), record("b", true), record("c", true))

	if !c.Classify(RequestInfo{}) {
		t.Fatal("expected match")
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Errorf("calls = %v, want [a b]", calls)
	}
}

func TestClassify_OrderOfNonMatchesIrrelevant(t *testing.T) {
	rules := []Rule{
		{Path: "^/admin"},
		{Host: "^internal\\."},
		{Path: "^/api", Methods: []string{"GET"}},
		{IPs: []string{"192.168.0.0/16"}},
	}
	requests := []RequestInfo{
		{Path: "/api/users", Method: "GET", Host: "example.com", ClientIP: "8.8.8.8"},
		{Path: "/api/users", Method: "PUT", Host: "example.com", ClientIP: "8.8.8.8"},
		{Path: "/static", Method: "GET", Host: "internal.example.com", ClientIP: "8.8.8.8"},
		{Path: "/static", Method: "GET", Host: "example.com", ClientIP: "192.168.4.4"},
	}

	forward := mustClassifier(t, rules...)
	reversed := make([]Rule, len(rules))
	for i, r := range rules {
		reversed[len(rules)-1-i] = r
	}
	backward := mustClassifier(t, reversed...)

	for _, req := range requests {
		if forward.Classify(req) != backward.Classify(req) {
			t.Errorf("outcome depends on rule order for %+v", req)
		}
	}
}

func TestClassify_MatcherPanicPropagates(t *testing.T) {
	c := NewClassifier(MatcherFunc(func(RequestInfo) bool { panic("broken matcher") }))
	defer func() {
		if recover() == nil {
			t.Error("matcher panic was swallowed")
		}
	}()
	c.Classify(RequestInfo{})
}

func TestClassifier_RegisterIgnoresNil(t *testing.T) {
	c := NewClassifier(nil)
	c.Register(nil)
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	c.Register(MatcherFunc(func(RequestInfo) bool { return true }))
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestRequestInfoFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "http://API.Example.com:8443/api/a%20b?x=1", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.2")

	info := RequestInfoFrom(r, []string{"10.0.0.0/8"})
	if info.Path != "/api/a b" {
		t.Errorf("Path = %q, want decoded path", info.Path)
	}
	if info.Host != "api.example.com" {
		t.Errorf("Host = %q, want lower-cased host without port", info.Host)
	}
	if info.Method != http.MethodPost {
		t.Errorf("Method = %q", info.Method)
	}
	if info.ClientIP != "203.0.113.9" {
		t.Errorf("ClientIP = %q, want 203.0.113.9", info.ClientIP)
	}

	noProxies := RequestInfoFrom(r, nil)
	if noProxies.ClientIP != "10.0.0.1" {
		t.Errorf("ClientIP without trusted proxies = %q, want RemoteAddr", noProxies.ClientIP)
	}
}

func TestRequestInfoFrom_IPv6Host(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "[::1]:8080"
	if got := RequestInfoFrom(r, nil).Host; got != "::1" {
		t.Errorf("Host = %q, want ::1", got)
	}
}

func TestRulesFromConfig(t *testing.T) {
	cfgs := []config.ZoneConfig{
		{Path: "^/api", Methods: config.CommaList{"GET", "POST"}, IPs: config.StringList{"10.0.0.0/8"}},
		{Host: "admin\\."},
	}
	rules := RulesFromConfig(cfgs)
	if len(rules) != 2 {
		t.Fatalf("len = %d, want 2", len(rules))
	}
	if rules[0].Path != "^/api" || len(rules[0].Methods) != 2 || rules[0].IPs[0] != "10.0.0.0/8" {
		t.Errorf("rules[0] = %+v", rules[0])
	}
	if rules[1].Host != "admin\\." || rules[1].Methods != nil {
		t.Errorf("rules[1] = %+v", rules[1])
	}

	cfgs[0].Methods[0] = "PATCH"
	if rules[0].Methods[0] != "GET" {
		t.Error("rules must not alias config slices")
	}
}
