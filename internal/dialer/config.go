package dialer

import (
	"net"
	"time"
)

// Config holds the settings shared by every outbound dialer.
type Config struct {
	// DialTimeout bounds the TCP connect to the destination or upstream proxy.
	DialTimeout time.Duration
	// NegotiationTimeout bounds any proxy handshake (TLS, CONNECT, SOCKS5,
	// SSH) performed after the TCP connect.
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	// SSHKeyPath is "agent", a private key file, or empty for password-only.
	SSHKeyPath string
	// SSHKnownHostsPath enables trust-on-first-use host key checking when set.
	SSHKnownHostsPath string
}
