// Package ssh holds the SSH client pieces behind the ssh:// upstream:
// handshake over an existing connection, key loading (file or agent), and a
// known_hosts callback with trust on first use.
//
// Channel multiplexing and reconnects live in dialer.SSHProxyDialer.
package ssh
