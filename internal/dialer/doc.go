// Package dialer opens the outbound leg of a forwarding session.
//
// A Dialer connects either directly to the resolved endpoint or through an
// upstream proxy (HTTP/HTTPS CONNECT, SOCKS5, or SSH direct-tcpip), selected
// by the --upstream URL.
package dialer
