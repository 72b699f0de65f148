package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// ClientOptions configures the HTTP clients built by this package.
type ClientOptions struct {
	// TLS is the client TLS configuration (certificates, etc). May be nil.
	TLS *tls.Config
	// MaxConnections caps the connections per upstream host. Zero means
	// the transport default.
	MaxConnections int
	// Timeout is the overall per-request timeout. Zero means no client
	// timeout; callers bound requests with contexts.
	Timeout time.Duration
}

// NewHTTP2Client builds a client that speaks HTTP/2 exclusively, with ALPN
// "h2", dialling through d. This is the shape APNs requires.
func NewHTTP2Client(d *Dialer, opts ClientOptions) *http.Client {
	transport := &http2.Transport{
		TLSClientConfig: opts.TLS,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			return d.DialTLSContext(ctx, network, addr, cfg)
		},
		// APNs holds connections open for long idle periods; pinging keeps
		// NAT mappings and the server's interest alive.
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: opts.Timeout}
}

// NewHTTPClient builds a general HTTPS client dialling through d. ALPN offers
// h2 and falls back to HTTP/1.1, which suits FCM and arbitrary WebPush
// endpoints.
func NewHTTPClient(d *Dialer, opts ClientOptions) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2:   true,
		MaxConnsPerHost:     opts.MaxConnections,
		MaxIdleConnsPerHost: opts.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			cfg := opts.TLS.Clone()
			if cfg == nil {
				cfg = &tls.Config{}
			}
			cfg.NextProtos = []string{"h2", "http/1.1"}
			return d.DialTLSContext(ctx, network, addr, cfg)
		},
	}
	return &http.Client{Transport: transport, Timeout: opts.Timeout}
}
