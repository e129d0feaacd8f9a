// Package proxy forwards requests that passed the pipeline to the upstream
// application.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apierrors "github.com/visualcraft/restbase/internal/errors"
)

// LatencyObserver receives the time until upstream response headers arrived.
type LatencyObserver interface {
	RecordUpstreamLatency(d time.Duration)
}

// HTTPProxy forwards HTTP requests to a single upstream.
// It uses http.Client directly instead of httputil.ReverseProxy
// to keep failures as returned errors rather than written responses.
type HTTPProxy struct {
	client   *http.Client
	target   *url.URL
	logger   *slog.Logger
	observer LatencyObserver
}

// NewHTTPProxy creates a proxy for the upstream base URL. The transport may
// be nil, in which case NewHTTPTransport(0) is used.
func NewHTTPProxy(target string, transport http.RoundTripper, logger *slog.Logger) (*HTTPProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be an absolute http(s) URL", target)
	}
	if transport == nil {
		transport = NewHTTPTransport(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProxy{
		client: &http.Client{
			Transport: transport,
			// Redirects are the client's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		target: u,
		logger: logger,
	}, nil
}

// WithObserver sets the upstream latency observer.
func (p *HTTPProxy) WithObserver(o LatencyObserver) *HTTPProxy {
	p.observer = o
	return p
}

// Target returns the upstream base URL.
func (p *HTTPProxy) Target() string {
	return p.target.String()
}

// Forward proxies r to the upstream and copies the response to w.
//
// Nothing is written to w when an error is returned. A transport failure is
// wrapped with ErrUpstreamUnavailable; a timeout wraps context.DeadlineExceeded.
func (p *HTTPProxy) Forward(w http.ResponseWriter, r *http.Request) error {
	backendReq, err := http.NewRequestWithContext(r.Context(), r.Method, p.backendURL(r.URL), r.Body)
	if err != nil {
		return fmt.Errorf("creating backend request: %w: %w", apierrors.ErrUpstreamUnavailable, err)
	}
	backendReq.ContentLength = r.ContentLength

	CopyHeadersFiltered(backendReq.Header, r.Header)

	clientIP := remoteIP(r.RemoteAddr)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		backendReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		backendReq.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	backendReq.Header.Set("X-Forwarded-Proto", proto)
	if r.Host != "" {
		backendReq.Header.Set("X-Forwarded-Host", r.Host)
	}

	start := time.Now()
	resp, err := p.client.Do(backendReq)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("upstream request: %w: %w", context.DeadlineExceeded, err)
		}
		return fmt.Errorf("upstream request: %w: %w", apierrors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	if p.observer != nil {
		p.observer.RecordUpstreamLatency(time.Since(start))
	}

	CopyHeadersFiltered(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := copyBody(w, resp); err != nil {
		// Headers are gone; all that is left is to log.
		p.logger.Warn("upstream body copy failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	return nil
}

// backendURL joins the upstream base path with the request path and keeps the query.
func (p *HTTPProxy) backendURL(in *url.URL) string {
	u := *p.target
	u.Path = joinPath(p.target.Path, in.Path)
	u.RawPath = ""
	u.RawQuery = in.RawQuery
	return u.String()
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		if path == "" {
			return "/"
		}
		return path
	case path == "" || path == "/":
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// copyBody streams the response body, flushing after each chunk for
// event streams so clients see events as they arrive.
func copyBody(w http.ResponseWriter, resp *http.Response) error {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
