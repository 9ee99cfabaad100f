package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// HTTPProxyDialer reaches destinations through an HTTP or HTTPS proxy using
// the CONNECT method.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   Dialer
}

// NewHTTPProxyDialer returns a CONNECT dialer for proxyURL. A non-empty
// username adds Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil || proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: missing proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	direct, err := NewDirectDialer(cfg)
	if err != nil {
		return nil, err
	}

	var auth string
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{cfg: cfg, proxyURL: proxyURL, auth: auth, direct: direct}, nil
}

// ProxyAddr returns the proxy's host:port.
func (d *HTTPProxyDialer) ProxyAddr() string {
	return d.proxyURL.Host
}

// DialContext connects to the proxy, negotiates TLS for https proxies, and
// issues CONNECT for address. The tunnel is ready when it returns.
func (d *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	if err := d.connect(ctx, &c, address); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (d *HTTPProxyDialer) connect(ctx context.Context, cp *net.Conn, address string) error {
	done := negotiate(ctx, *cp, d.cfg.NegotiationTimeout)

	if d.proxyURL.Scheme == "https" {
		tc := tls.Client(*cp, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: d.proxyURL.Hostname()})
		*cp = tc
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = done()
			return fmt.Errorf("http proxy tls handshake: %w", err)
		}
	}
	c := *cp

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if d.auth != "" {
		req.Header.Set("Proxy-Authorization", d.auth)
	}

	if err := req.Write(c); err != nil {
		_ = done()
		return fmt.Errorf("http proxy connect write: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = done()
		return fmt.Errorf("http proxy connect read: %w", err)
	}
	_ = resp.Body.Close()

	if err := done(); err != nil {
		return fmt.Errorf("http proxy connect: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("http proxy connect failed: %s", resp.Status)
	}

	// Server-first protocols may already have bytes behind the reply.
	if br.Buffered() > 0 {
		*cp = &bufferedConn{Conn: c, r: br}
	}
	return nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// CloseWrite forwards half-close to the underlying connection when it
// supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
