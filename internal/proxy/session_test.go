package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/die-net/fwdproxy/internal/resolver"
	"github.com/die-net/fwdproxy/internal/testutil"
)

type resolverFunc func(ctx context.Context, host, port string) ([]resolver.Endpoint, error)

func (f resolverFunc) Resolve(ctx context.Context, host, port string) ([]resolver.Endpoint, error) {
	return f(ctx, host, port)
}

type countingRegistry struct {
	mu    sync.Mutex
	count map[*Session]int
}

func (r *countingRegistry) Deregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == nil {
		r.count = make(map[*Session]int)
	}
	r.count[s]++
}

func (r *countingRegistry) calls(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[s]
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session stuck in state %v", s.State())
	}
}

// loopbackResolver maps every host to 127.0.0.1.
func loopbackResolver(t *testing.T) resolver.Resolver {
	t.Helper()
	r, err := resolver.ParseStatic("example.com=127.0.0.1,www.example.com=127.0.0.1", nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	_ = ln.Close()
	return port
}

func TestSessionFailureOutcomes(t *testing.T) {
	t.Parallel()

	failing := resolverFunc(func(context.Context, string, string) ([]resolver.Endpoint, error) {
		return nil, errors.New("no such host")
	})
	empty := resolverFunc(func(context.Context, string, string) ([]resolver.Endpoint, error) {
		return nil, nil
	})

	tests := []struct {
		name      string
		request   string
		resolver  resolver.Resolver
		want      Outcome
		wantReply string
	}{
		{
			name:      "no target",
			request:   "garbage\r\n\r\n",
			want:      OutcomeRejected,
			wantReply: BadRequestReply,
		},
		{
			name:      "origin form request",
			request:   "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n",
			want:      OutcomeRejected,
			wantReply: BadRequestReply,
		},
		{
			name:     "client sends nothing",
			request:  "",
			want:     OutcomeClientReadFailed,
			resolver: failing,
		},
		{
			name:     "resolve failure",
			request:  "GET http://nonexistent.invalid/ HTTP/1.0\r\n\r\n",
			resolver: failing,
			want:     OutcomeResolveFailed,
		},
		{
			name:     "resolve yields nothing",
			request:  "GET http://example.com/ HTTP/1.0\r\n\r\n",
			resolver: empty,
			want:     OutcomeResolveFailed,
		},
		{
			name:    "connect refused",
			request: fmt.Sprintf("GET http://example.com:%s/ HTTP/1.0\r\n\r\n", closedPort(t)),
			want:    OutcomeConnectFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{
				NegotiationTimeout: 5 * time.Second,
				DialTimeout:        5 * time.Second,
				Resolver:           tt.resolver,
			}
			if cfg.Resolver == nil {
				cfg.Resolver = loopbackResolver(t)
			}

			client, server := tcpPair(t)
			reg := &countingRegistry{}
			s := NewSession(context.Background(), cfg, server, reg)
			s.Start()

			if tt.request != "" {
				if _, err := io.WriteString(client, tt.request); err != nil {
					t.Fatal(err)
				}
			}
			_ = client.(*net.TCPConn).CloseWrite()

			_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
			got, _ := io.ReadAll(client)
			if string(got) != tt.wantReply {
				t.Fatalf("reply: got %q want %q", got, tt.wantReply)
			}

			waitDone(t, s)
			if s.Outcome() != tt.want {
				t.Fatalf("outcome: got %v want %v (err %v)", s.Outcome(), tt.want, s.Err())
			}
			if s.State() != StateClosed {
				t.Fatalf("state: got %v want %v", s.State(), StateClosed)
			}
			if n := reg.calls(s); n != 1 {
				t.Fatalf("deregistered %d times", n)
			}
		})
	}
}

func TestSessionRejectSetsNoTargetError(t *testing.T) {
	t.Parallel()

	client, server := tcpPair(t)
	s := NewSession(context.Background(), Config{}, server, nil)
	s.Start()

	if _, err := io.WriteString(client, "hello"); err != nil {
		t.Fatal(err)
	}
	_ = client.(*net.TCPConn).CloseWrite()
	_, _ = io.ReadAll(client)

	waitDone(t, s)
	if !errors.Is(s.Err(), ErrNoTarget) {
		t.Fatalf("err: got %v want %v", s.Err(), ErrNoTarget)
	}
	if !s.Target().IsZero() {
		t.Fatalf("target: got %+v want zero", s.Target())
	}
}

func TestSessionForwardsInitialBytesFirst(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reply := []byte("HTTP/1.0 200 OK\r\n\r\nhello")
	upLn, received := testutil.StartRecordingServer(t, ctx, reply)
	_, port, _ := net.SplitHostPort(upLn.Addr().String())

	request := fmt.Sprintf("GET http://example.com:%s/path HTTP/1.0\r\nHost: example.com\r\n\r\n", port)
	body := "and some more bytes"

	client, server := tcpPair(t)
	reg := &countingRegistry{}
	s := NewSession(ctx, Config{Resolver: loopbackResolver(t)}, server, reg)
	s.Start()

	if _, err := io.WriteString(client, request); err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(client, body); err != nil {
		t.Fatal(err)
	}
	_ = client.(*net.TCPConn).CloseWrite()

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("client got %q want %q", got, reply)
	}

	select {
	case up := <-received:
		if string(up) != request+body {
			t.Fatalf("upstream got %q want %q", up, request+body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never finished reading")
	}

	waitDone(t, s)
	if s.Outcome() != OutcomeRelayed {
		t.Fatalf("outcome: got %v want %v (err %v)", s.Outcome(), OutcomeRelayed, s.Err())
	}
	if want := "example.com"; s.Target().Host != want || s.Target().Port != port {
		t.Fatalf("target: got %+v", s.Target())
	}
	if s.Stats().Downstream != int64(len(reply)) {
		t.Fatalf("downstream bytes: got %d want %d", s.Stats().Downstream, len(reply))
	}
	if n := reg.calls(s); n != 1 {
		t.Fatalf("deregistered %d times", n)
	}
}

func TestSessionLongRequestIsForwardedWhole(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upLn, received := testutil.StartRecordingServer(t, ctx, nil)
	_, port, _ := net.SplitHostPort(upLn.Addr().String())

	request := fmt.Sprintf("GET http://example.com:%s/%s HTTP/1.0\r\n\r\n", port, strings.Repeat("a", 500))

	client, server := tcpPair(t)
	s := NewSession(ctx, Config{RequestBufferSize: 64, Resolver: loopbackResolver(t)}, server, nil)
	s.Start()

	if _, err := io.WriteString(client, request); err != nil {
		t.Fatal(err)
	}
	_ = client.(*net.TCPConn).CloseWrite()
	_, _ = io.ReadAll(client)

	select {
	case up := <-received:
		if string(up) != request {
			t.Fatalf("upstream got %d bytes want %d", len(up), len(request))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never finished reading")
	}
	waitDone(t, s)
}

func TestSessionRelaysBinaryData(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	_, port, _ := net.SplitHostPort(echoLn.Addr().String())

	client, server := tcpPair(t)
	s := NewSession(ctx, Config{Resolver: loopbackResolver(t)}, server, nil)
	s.Start()

	// The echo server returns the request line too.
	testutil.AssertEcho(t, client, client, []byte(fmt.Sprintf("CONNECT http://www.example.com:%s/ HTTP/1.0\r\n\r\n", port)))

	binary := make([]byte, 64*1024)
	for i := range binary {
		binary[i] = byte(i)
	}
	testutil.AssertEcho(t, client, client, binary)

	if st := s.State(); st != StateRelaying {
		t.Fatalf("state: got %v want %v", st, StateRelaying)
	}

	_ = client.(*net.TCPConn).CloseWrite()
	waitDone(t, s)
	if s.Outcome() != OutcomeRelayed {
		t.Fatalf("outcome: got %v want %v (err %v)", s.Outcome(), OutcomeRelayed, s.Err())
	}
}

func TestSessionStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	t.Cleanup(func() { _ = echoLn.Close() })
	_, port, _ := net.SplitHostPort(echoLn.Addr().String())

	tests := []struct {
		name    string
		request string
	}{
		{name: "awaiting request"},
		{name: "relaying", request: fmt.Sprintf("GET http://example.com:%s/ HTTP/1.0\r\n\r\n", port)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, server := tcpPair(t)
			reg := &countingRegistry{}
			s := NewSession(ctx, Config{Resolver: loopbackResolver(t)}, server, reg)
			s.Start()

			if tt.request != "" {
				testutil.AssertEcho(t, client, client, []byte(tt.request))
			}

			s.Stop()
			s.Stop()
			waitDone(t, s)

			if s.Outcome() != OutcomeAborted {
				t.Fatalf("outcome: got %v want %v (err %v)", s.Outcome(), OutcomeAborted, s.Err())
			}
			if n := reg.calls(s); n != 1 {
				t.Fatalf("deregistered %d times", n)
			}

			_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := client.Read(make([]byte, 1)); err == nil {
				t.Fatal("client connection still open")
			}
		})
	}
}

func TestSessionStartTwice(t *testing.T) {
	t.Parallel()

	client, server := tcpPair(t)
	reg := &countingRegistry{}
	s := NewSession(context.Background(), Config{}, server, reg)
	s.Start()
	s.Start()

	_ = client.Close()
	waitDone(t, s)
	if n := reg.calls(s); n != 1 {
		t.Fatalf("deregistered %d times", n)
	}
}

func TestSessionConnectTriesEndpointsInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upLn, received := testutil.StartRecordingServer(t, ctx, nil)
	_, livePort, _ := net.SplitHostPort(upLn.Addr().String())
	deadPort := closedPort(t)
	dead := net.JoinHostPort("127.0.0.1", deadPort)
	live := net.JoinHostPort("127.0.0.1", livePort)

	endpoints := resolverFunc(func(context.Context, string, string) ([]resolver.Endpoint, error) {
		return []resolver.Endpoint{
			{Address: "127.0.0.1", Port: deadPort},
			{Address: "127.0.0.1", Port: livePort},
		}, nil
	})

	var (
		mu     sync.Mutex
		dialed []string
	)
	var d net.Dialer
	dial := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		mu.Lock()
		dialed = append(dialed, address)
		mu.Unlock()
		return d.DialContext(ctx, network, address)
	})

	request := "GET http://example.com/ HTTP/1.0\r\n\r\n"

	client, server := tcpPair(t)
	reg := &countingRegistry{}
	s := NewSession(ctx, Config{Resolver: endpoints, Dialer: dial}, server, reg)
	s.Start()

	if _, err := io.WriteString(client, request); err != nil {
		t.Fatal(err)
	}
	_ = client.(*net.TCPConn).CloseWrite()
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _ = io.ReadAll(client)

	select {
	case up := <-received:
		if string(up) != request {
			t.Fatalf("upstream got %q want %q", up, request)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never finished reading")
	}

	waitDone(t, s)
	if s.Outcome() != OutcomeRelayed {
		t.Fatalf("outcome: got %v want %v (err %v)", s.Outcome(), OutcomeRelayed, s.Err())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(dialed) != 2 || dialed[0] != dead || dialed[1] != live {
		t.Fatalf("dialed %v want [%s %s]", dialed, dead, live)
	}
	if n := reg.calls(s); n != 1 {
		t.Fatalf("deregistered %d times", n)
	}
}

func TestSessionUpstreamResetFailsRelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		// Swallow the request, then abort the connection with a reset.
		var got []byte
		buf := make([]byte, 256)
		for !bytes.HasSuffix(got, []byte("\r\n\r\n")) {
			n, err := c.Read(buf)
			got = append(got, buf[:n]...)
			if err != nil {
				return
			}
		}
		_ = c.(*net.TCPConn).SetLinger(0)
	})
	defer waitUp()
	_, port, _ := net.SplitHostPort(upLn.Addr().String())
	request := fmt.Sprintf("GET http://example.com:%s/ HTTP/1.0\r\n\r\n", port)

	client, server := tcpPair(t)
	reg := &countingRegistry{}
	s := NewSession(ctx, Config{Resolver: loopbackResolver(t)}, server, reg)
	s.Start()

	if _, err := io.WriteString(client, request); err != nil {
		t.Fatal(err)
	}

	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadAll(client)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("client connection still open after upstream reset")
	}

	waitDone(t, s)
	if s.Outcome() != OutcomeRelayFailed {
		t.Fatalf("outcome: got %v want %v (err %v)", s.Outcome(), OutcomeRelayFailed, s.Err())
	}
	if s.State() != StateClosed {
		t.Fatalf("state: got %v want %v", s.State(), StateClosed)
	}
	for name, c := range map[string]net.Conn{"client": s.client, "upstream": s.upstream} {
		if _, err := c.Write([]byte{0}); !errors.Is(err, net.ErrClosed) {
			t.Fatalf("%s connection: write got %v want %v", name, err, net.ErrClosed)
		}
	}
	if n := reg.calls(s); n != 1 {
		t.Fatalf("deregistered %d times", n)
	}
}

func TestSessionInitialWriteFailure(t *testing.T) {
	t.Parallel()

	broken := dialerFunc(func(context.Context, string, string) (net.Conn, error) {
		c, peer := net.Pipe()
		_ = peer.Close()
		return c, nil
	})

	client, server := tcpPair(t)
	reg := &countingRegistry{}
	s := NewSession(context.Background(), Config{Resolver: loopbackResolver(t), Dialer: broken}, server, reg)
	s.Start()

	if _, err := io.WriteString(client, "GET http://example.com:1/ HTTP/1.0\r\n\r\n"); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if got, _ := io.ReadAll(client); len(got) != 0 {
		t.Fatalf("client got %q want nothing", got)
	}

	waitDone(t, s)
	if s.Outcome() != OutcomeUpstreamWriteFailed {
		t.Fatalf("outcome: got %v want %v (err %v)", s.Outcome(), OutcomeUpstreamWriteFailed, s.Err())
	}
	if !errors.Is(s.Err(), io.ErrClosedPipe) {
		t.Fatalf("err: got %v want %v", s.Err(), io.ErrClosedPipe)
	}
	if n := reg.calls(s); n != 1 {
		t.Fatalf("deregistered %d times", n)
	}
}

func TestReportable(t *testing.T) {
	t.Parallel()

	reset := fmt.Errorf("relay: %w", &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)})
	pipe := fmt.Errorf("relay: %w", &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.EPIPE)})
	idle := fmt.Errorf("relay: %w", os.ErrDeadlineExceeded)

	tests := []struct {
		outcome Outcome
		err     error
		want    bool
	}{
		{outcome: OutcomeRelayed, want: false},
		{outcome: OutcomeAborted, err: net.ErrClosed, want: false},
		{outcome: OutcomeRelayFailed, err: reset, want: false},
		{outcome: OutcomeRelayFailed, err: pipe, want: false},
		{outcome: OutcomeRelayFailed, err: idle, want: true},
		{outcome: OutcomeRejected, err: ErrNoTarget, want: true},
		{outcome: OutcomeConnectFailed, err: reset, want: true},
	}

	for _, tt := range tests {
		if got := reportable(tt.outcome, tt.err); got != tt.want {
			t.Errorf("reportable(%v, %v) = %v want %v", tt.outcome, tt.err, got, tt.want)
		}
	}
}
