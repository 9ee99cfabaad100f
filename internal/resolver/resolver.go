package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

// ErrNoEndpoints is returned when a lookup succeeds but yields no addresses.
var ErrNoEndpoints = errors.New("no endpoints")

// Endpoint is a resolved destination, consumed once by a connect attempt.
type Endpoint struct {
	Address string
	Port    string
}

// String returns the endpoint in host:port form.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, e.Port)
}

// Resolver turns a target host and port into an ordered list of candidate
// endpoints. Callers try them in order; the first reachable one wins.
type Resolver interface {
	Resolve(ctx context.Context, host, port string) ([]Endpoint, error)
}

// Net resolves names with a net.Resolver.
//
// Concurrent lookups of the same host share a single query.
type Net struct {
	r  *net.Resolver
	sf singleflight.Group
}

// NewNet returns a resolver backed by r, or by net.DefaultResolver if r is nil.
func NewNet(r *net.Resolver) *Net {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Net{r: r}
}

// Resolve looks up host and port. IP literals are returned without a query.
func (n *Net) Resolve(ctx context.Context, host, port string) ([]Endpoint, error) {
	p, err := n.r.LookupPort(ctx, "tcp", port)
	if err != nil {
		return nil, fmt.Errorf("resolve port %q: %w", port, err)
	}
	ps := strconv.Itoa(p)

	if ip, err := netip.ParseAddr(host); err == nil {
		return []Endpoint{{Address: ip.Unmap().String(), Port: ps}}, nil
	}

	// The shared lookup outlives any single caller so that other waiters
	// still get an answer if this one gives up.
	lookupCtx := context.WithoutCancel(ctx)
	ch := n.sf.DoChan(strings.ToLower(host), func() (any, error) {
		return n.r.LookupNetIP(lookupCtx, "ip", host)
	})

	var ips []netip.Addr
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, res.Err)
		}
		ips = res.Val.([]netip.Addr)
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNoEndpoints)
	}

	eps := make([]Endpoint, 0, len(ips))
	for _, ip := range ips {
		eps = append(eps, Endpoint{Address: ip.Unmap().String(), Port: ps})
	}
	return eps, nil
}

// Passthrough performs no lookup and hands the target to the dialer
// unchanged. It is used when an upstream proxy resolves names remotely.
type Passthrough struct{}

// Resolve returns host and port as a single endpoint.
func (Passthrough) Resolve(_ context.Context, host, port string) ([]Endpoint, error) {
	if host == "" || port == "" {
		return nil, ErrNoEndpoints
	}
	return []Endpoint{{Address: host, Port: port}}, nil
}
