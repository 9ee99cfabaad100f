package resolver

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// Static overrides selected host names before falling through to another
// Resolver, much like an /etc/hosts file.
type Static struct {
	hosts map[string]string
	next  Resolver
}

// ParseStatic builds a Static resolver from a comma-separated mapping.
//
// Format: "name=address,..."
// Example: "example.com=127.0.0.1,db.internal=10.0.0.5"
//
// An address that is not an IP literal is itself resolved through next.
func ParseStatic(mapping string, next Resolver) (*Static, error) {
	hosts := make(map[string]string)
	if mapping == "" {
		return &Static{hosts: hosts, next: next}, nil
	}

	for _, pair := range strings.Split(mapping, ",") {
		name, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name = strings.ToLower(strings.TrimSpace(name))
		addr = strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid host mapping: %q", pair)
		}
		hosts[name] = addr
	}

	return &Static{hosts: hosts, next: next}, nil
}

// Resolve applies any override for host, then resolves the result.
func (s *Static) Resolve(ctx context.Context, host, port string) ([]Endpoint, error) {
	if addr, ok := s.hosts[strings.ToLower(host)]; ok {
		if ip, err := netip.ParseAddr(addr); err == nil && s.next == nil {
			return []Endpoint{{Address: ip.String(), Port: port}}, nil
		}
		host = addr
	}
	if s.next == nil {
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNoEndpoints)
	}
	return s.next.Resolve(ctx, host, port)
}

// Len returns the number of overrides.
func (s *Static) Len() int {
	return len(s.hosts)
}
