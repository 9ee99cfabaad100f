package proxy

import (
	"net"
	"net/http/httputil"
	"time"

	"github.com/die-net/fwdproxy/internal/dialer"
	"github.com/die-net/fwdproxy/internal/resolver"
)

const (
	DefaultRequestBufferSize = 8192
	DefaultRelayBufferSize   = 32768
)

// Config controls how sessions are served.
type Config struct {
	// NegotiationTimeout bounds the client's initial read, the error page
	// write, and the forward of the initial bytes. Zero means no limit.
	NegotiationTimeout time.Duration
	// DialTimeout bounds name resolution. Connect timeouts belong to Dialer.
	DialTimeout time.Duration
	// IdleTimeout closes a relay after this long with no traffic in either
	// direction. Zero means no limit.
	IdleTimeout time.Duration

	// RequestBufferSize caps the client's first read; longer requests are
	// truncated for target parsing but the rest still flows through the relay.
	RequestBufferSize int
	RelayBufferSize   int

	KeepAlive net.KeepAliveConfig
	ReusePort bool

	Dialer   dialer.Dialer
	Resolver resolver.Resolver

	// Verbose logs every session that ends in failure.
	Verbose bool

	buffers httputil.BufferPool
}

func (c Config) withDefaults() Config {
	if c.RequestBufferSize <= 0 {
		c.RequestBufferSize = DefaultRequestBufferSize
	}
	if c.RelayBufferSize <= 0 {
		c.RelayBufferSize = DefaultRelayBufferSize
	}
	if c.Resolver == nil {
		c.Resolver = resolver.NewNet(nil)
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{KeepAliveConfig: c.KeepAlive}
	}
	if c.buffers == nil {
		c.buffers = NewBufferPool(c.RelayBufferSize)
	}
	return c
}
