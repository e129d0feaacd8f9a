package proxy

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPTransport creates the http.Transport used to reach the upstream.
// headerTimeout bounds the wait for response headers; zero disables it.
func NewHTTPTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
	}
}
