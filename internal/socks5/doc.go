// Package socks5 is the small SOCKS5 handshake used by the socks5://
// upstream dialer, built on the wire types in github.com/txthinking/socks5.
//
// The server half exists so the dialer can be exercised against a local
// SOCKS5 peer; it is not a full server.
package socks5
