package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/die-net/fwdproxy/internal/socks5"
)

// SOCKS5ProxyDialer reaches destinations through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    Dialer
}

// NewSOCKS5ProxyDialer returns a dialer for the SOCKS5 proxy at proxyAddr.
// A non-empty username enables username/password authentication.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) (*SOCKS5ProxyDialer, error) {
	direct, err := NewDirectDialer(cfg)
	if err != nil {
		return nil, err
	}
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    direct,
	}, nil
}

// DialContext connects to the proxy and requests a CONNECT to address. The
// destination host is sent as given, so the proxy resolves names.
func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	done := negotiate(ctx, c, d.cfg.NegotiationTimeout)
	err = socks5.ClientDial(c, d.auth, address)
	if derr := done(); err == nil {
		err = derr
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}
	return c, nil
}
