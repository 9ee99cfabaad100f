package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/fwdproxy/internal/metrics"
	internalssh "github.com/die-net/fwdproxy/internal/ssh"
)

// SSHProxyDialer reaches destinations through "direct-tcpip" channels of a
// single shared SSH connection, like ssh -D.
//
// The transport is dialed on first use and watched: when the server hangs up,
// it is forgotten at once so the next dial starts a fresh one. A channel open
// that fails for any reason other than the server refusing the destination
// is retried once on a fresh transport.
type SSHProxyDialer struct {
	addr               string
	cfg                internalssh.ClientConfig
	keys               *internalssh.Keys
	negotiationTimeout time.Duration
	direct             Dialer

	mu     sync.Mutex
	client *ssh.Client
	closed bool
	sf     singleflight.Group
}

// NewSSHProxyDialer returns a dialer for the SSH server at addr.
//
// Password and key authentication may both be configured; the server picks.
// Host keys are checked against cfg.SSHKnownHostsPath (trust on first use)
// when it is set.
func NewSSHProxyDialer(cfg Config, addr, username, password string) (*SSHProxyDialer, error) {
	if addr == "" {
		return nil, errors.New("ssh dialer: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh dialer: missing username")
	}

	ctx := context.Background()
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	keys, err := internalssh.LoadKeys(ctx, cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}
	if password == "" && len(keys.Signers) == 0 {
		return nil, errors.New("ssh dialer: missing password or key")
	}

	hostKeyCallback, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		_ = keys.Close()
		return nil, fmt.Errorf("ssh dialer: %w", err)
	}

	direct, err := NewDirectDialer(cfg)
	if err != nil {
		_ = keys.Close()
		return nil, err
	}

	return &SSHProxyDialer{
		addr: addr,
		cfg: internalssh.ClientConfig{
			Username:        username,
			Password:        password,
			Signers:         keys.Signers,
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
		keys:               keys,
		negotiationTimeout: cfg.NegotiationTimeout,
		direct:             direct,
	}, nil
}

// DialContext opens a channel to address. Canceling ctx closes the returned
// channel.
func (d *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.openChannel(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("ssh proxy dial %s: %w", address, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	return &channelConn{Conn: c, stop: stop}, nil
}

func (d *SSHProxyDialer) openChannel(ctx context.Context, address string) (net.Conn, error) {
	for attempt := 0; ; attempt++ {
		client, err := d.transport(ctx)
		if err != nil {
			return nil, err
		}

		c, err := client.DialContext(ctx, "tcp", address)
		if err == nil {
			return c, nil
		}

		var refused *ssh.OpenChannelError
		if errors.As(err, &refused) || ctx.Err() != nil || attempt > 0 {
			return nil, err
		}
		d.drop(client)
	}
}

// Close tears down the shared transport and releases the SSH agent. Dials
// after Close fail.
func (d *SSHProxyDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.closed = true
	d.mu.Unlock()

	err := d.keys.Close()
	if client != nil {
		err = errors.Join(client.Close(), err)
	}
	return err
}

// transport returns the shared client, dialing it if needed. Concurrent
// callers share one dial, which runs to completion even if the caller that
// started it gives up.
func (d *SSHProxyDialer) transport(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client, closed := d.client, d.closed
	d.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("transport", func() (any, error) {
		d.mu.Lock()
		if d.client != nil {
			c := d.client
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		c, err := d.dialTransport(context.WithoutCancel(ctx))
		if err != nil {
			metrics.SSHTransports.WithLabelValues(metrics.SSHFailed).Inc()
			return nil, err
		}
		metrics.SSHTransports.WithLabelValues(metrics.SSHEstablished).Inc()

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			_ = c.Close()
			return nil, net.ErrClosed
		}
		d.client = c
		d.mu.Unlock()

		go func() {
			_ = c.Wait()
			d.drop(c)
		}()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

// dialTransport connects to the SSH server and runs the handshake, bounded
// by the negotiation timeout like every other upstream handshake.
func (d *SSHProxyDialer) dialTransport(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.direct.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport dial: %w", err)
	}

	done := negotiate(ctx, conn, d.negotiationTimeout)
	client, err := internalssh.NewClient(conn, d.cfg, d.addr)
	if derr := done(); err == nil && derr != nil {
		_ = client.Close()
		err = derr
	}
	if err != nil {
		return nil, fmt.Errorf("ssh transport %s: %w", d.addr, err)
	}
	return client, nil
}

// drop forgets client if it is still the shared one, and closes it.
func (d *SSHProxyDialer) drop(client *ssh.Client) {
	d.mu.Lock()
	current := d.client == client
	if current {
		d.client = nil
	}
	d.mu.Unlock()

	if current {
		metrics.SSHTransports.WithLabelValues(metrics.SSHDropped).Inc()
	}
	_ = client.Close()
}

// channelConn is one direct-tcpip channel. Close detaches the context hook.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	c.stop()
	return c.Conn.Close()
}

// CloseWrite sends EOF on the channel while leaving it readable.
func (c *channelConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
