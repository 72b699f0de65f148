// Package proxy establishes outbound TLS connections, optionally tunnelled
// through an HTTP proxy with the CONNECT method. Both the APNs HTTP/2 client
// and the plain HTTPS clients for FCM and WebPush dial through it.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Resolve picks the proxy URL for one pushkin: the per-app option wins, then
// the global option, then the HTTPS_PROXY environment variable, else direct
// (nil). Only http:// proxies are supported since the tunnel is plain
// CONNECT.
func Resolve(perApp, global string) (*url.URL, error) {
	raw := perApp
	if raw == "" {
		raw = global
	}
	if raw == "" {
		raw = os.Getenv("HTTPS_PROXY")
	}
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported proxy scheme %q (only http CONNECT proxies are supported)", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", raw)
	}
	return u, nil
}

// Dialer dials TLS connections, tunnelling through ProxyURL when set.
type Dialer struct {
	// ProxyURL is the http:// proxy to CONNECT through, or nil for a
	// direct connection. Credentials are taken from its userinfo.
	ProxyURL *url.URL

	// Timeout bounds the TCP connect and CONNECT handshake together.
	Timeout time.Duration
}

const defaultDialTimeout = 30 * time.Second

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return defaultDialTimeout
}

// proxyAddr returns the host:port of the proxy, defaulting the port to 80.
func (d *Dialer) proxyAddr() string {
	port := d.ProxyURL.Port()
	if port == "" {
		port = "80"
	}
	return net.JoinHostPort(d.ProxyURL.Hostname(), port)
}

// DialTLSContext opens a TLS connection to addr (host:port), tunnelling
// through the proxy when one is configured. cfg may be nil; the ServerName
// is always filled in from addr so SNI names the target, not the proxy.
func (d *Dialer) DialTLSContext(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
	}
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = host
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	if d.ProxyURL == nil {
		dialer := &tls.Dialer{Config: cfg}
		return dialer.DialContext(ctx, network, addr)
	}

	var nd net.Dialer
	rawConn, err := nd.DialContext(ctx, network, d.proxyAddr())
	if err != nil {
		return nil, fmt.Errorf("connecting to proxy %s: %w", d.proxyAddr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = rawConn.SetDeadline(deadline)
	}
	if err := d.connect(rawConn, addr); err != nil {
		rawConn.Close()
		return nil, err
	}
	_ = rawConn.SetDeadline(time.Time{})

	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("TLS handshake with %s via proxy: %w", addr, err)
	}
	return tlsConn, nil
}

// connect performs the CONNECT handshake for target (host:port) on an open
// proxy connection. Any non-2xx status from the proxy is a transport failure.
func (d *Dialer) connect(conn net.Conn, target string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if user := d.ProxyURL.User; user != nil {
		password, _ := user.Password()
		credentials := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + password))
		req += "Proxy-Authorization: Basic " + credentials + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return fmt.Errorf("writing CONNECT to proxy: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return fmt.Errorf("reading CONNECT response from proxy: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("proxy refused CONNECT to %s: %s", target, resp.Status)
	}
	if br.Buffered() > 0 {
		// The proxy must not speak before the tunnel is handed to TLS.
		return fmt.Errorf("proxy sent %d unexpected bytes after CONNECT", br.Buffered())
	}
	return nil
}
