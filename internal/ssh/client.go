package ssh

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig configures the SSH handshake.
type ClientConfig struct {
	Username string
	// Password is optional when Signers is non-empty.
	Password string
	// Signers are offered before the password.
	Signers         []ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Timeout         time.Duration
}

// AuthMethods returns public key auth (if any signers) followed by password
// auth (if a password is set).
func (c *ClientConfig) AuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// NewClient runs the SSH handshake over conn and returns a client. addr is
// the name the host key is verified against. conn is closed on failure.
// Bounding the handshake is up to the caller.
func NewClient(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Caller opted out of host key checking.
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.AuthMethods(),
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	return ssh.NewClient(cc, chans, reqs), nil
}
