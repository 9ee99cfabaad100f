package target

import (
	"bytes"
	"net"
)

// DefaultPort is used when the authority carries no explicit port.
const DefaultPort = "80"

var (
	schemeSep = []byte("://")
	pathSep   = []byte("/")
	portSep   = []byte(":")
)

// Target is the destination named by a client's initial request.
type Target struct {
	Host string
	Port string
}

// Address returns the target as host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// IsZero reports whether either half of the target is missing.
func (t Target) IsZero() bool {
	return t.Host == "" || t.Port == ""
}

// Parse extracts the destination from the first bytes a client sent.
//
// It looks for "scheme://host[:port]/" anywhere in b and returns the host and
// port between the scheme separator and the next slash. The port defaults to
// DefaultPort when no colon precedes that slash.
//
// This is a single-pass scan, not a request-line parser: the scheme and method
// are not validated, a Host header is never consulted, and bracketed IPv6
// literals are not understood. A result with an empty host or port is
// reported as no target.
func Parse(b []byte) (Target, bool) {
	i := bytes.Index(b, schemeSep)
	if i < 0 {
		return Target{}, false
	}
	rest := b[i+len(schemeSep):]

	end := bytes.Index(rest, pathSep)
	if end < 0 {
		return Target{}, false
	}
	authority := rest[:end]

	t := Target{Host: string(authority), Port: DefaultPort}
	if c := bytes.Index(authority, portSep); c >= 0 {
		t.Host = string(authority[:c])
		t.Port = string(authority[c+1:])
	}

	if t.IsZero() {
		return Target{}, false
	}
	return t, true
}
