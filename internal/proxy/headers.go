package proxy

import (
	"net/http"
	"strings"
)

// hopByHopHeaders lists headers that must be removed when proxying.
// These are connection-specific headers that should not be forwarded
// between hops per HTTP/1.1 specification (RFC 7230 Section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// CopyHeadersFiltered copies headers from src to dst, excluding hop-by-hop
// headers and any header src lists in its Connection header.
func CopyHeadersFiltered(dst, src http.Header) {
	connTokens := connectionTokens(src)
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		if _, listed := connTokens[http.CanonicalHeaderKey(key)]; listed {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(header string) bool {
	canonical := http.CanonicalHeaderKey(header)
	for _, h := range hopByHopHeaders {
		if canonical == h {
			return true
		}
	}
	return false
}

// connectionTokens returns the header names named by the Connection header.
func connectionTokens(h http.Header) map[string]struct{} {
	var tokens map[string]struct{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			if tokens == nil {
				tokens = make(map[string]struct{})
			}
			tokens[http.CanonicalHeaderKey(tok)] = struct{}{}
		}
	}
	return tokens
}
