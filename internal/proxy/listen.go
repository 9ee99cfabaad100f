package proxy

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// ListenTCP listens on the given network/address. Accepted TCP connections
// get keepAliveConfig. With reusePort, SO_REUSEPORT is set so several
// processes can share the address.
func ListenTCP(ctx context.Context, network, addr string, keepAliveConfig net.KeepAliveConfig, reusePort bool) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAliveConfig}
	if reusePort {
		lc.Control = func(_, _ string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = setReusePort(fd)
			}); err != nil {
				return err
			}
			return serr
		}
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &keepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// keepAliveListener applies KeepAliveConfig to every accepted *net.TCPConn.
type keepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
