package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/die-net/fwdproxy/internal/metrics"
	"github.com/die-net/fwdproxy/internal/resolver"
	"github.com/die-net/fwdproxy/internal/target"
)

// rejectLinger is how long a rejected client may keep sending after the bad
// request page before its connection is closed. Closing with unread input
// makes the kernel reset the connection, which can discard the page.
const rejectLinger = time.Second

var (
	// ErrNoTarget is recorded when the client's first bytes name no target.
	ErrNoTarget = errors.New("no target in request")

	nextSessionID atomic.Uint64
)

// SessionRegistry is told when a session has finished.
type SessionRegistry interface {
	Deregister(*Session)
}

// Session forwards one client connection to the target named in its first
// bytes.
//
// A Session owns both of its connections. Its state is written only by the
// goroutine started by Start; other goroutines may read State, and may call
// Stop at any time. Outcome, Err and Stats are valid once Done is closed.
type Session struct {
	id       uint64
	cfg      Config
	registry SessionRegistry

	client   net.Conn
	upstream net.Conn

	target target.Target
	// initial holds the bytes read before the target was known. They are
	// written upstream before anything else.
	initial []byte

	state   atomic.Int32
	outcome Outcome
	err     error
	stats   RelayStats
	started time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	stopClient func() bool
	stopUp     func() bool

	startOnce sync.Once
	done      chan struct{}
}

// NewSession prepares a session for client. Canceling ctx stops it.
// registry, if non-nil, is called exactly once when the session finishes.
func NewSession(ctx context.Context, cfg Config, client net.Conn, registry SessionRegistry) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       nextSessionID.Add(1),
		cfg:      cfg.withDefaults(),
		registry: registry,
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.stopClient = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s
}

// ID returns a process-unique session number.
func (s *Session) ID() uint64 { return s.id }

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Target returns the parsed target; it is zero until parsing succeeds.
// Valid once Done is closed.
func (s *Session) Target() target.Target { return s.target }

// Outcome reports how the session ended. Valid once Done is closed.
func (s *Session) Outcome() Outcome { return s.outcome }

// Err returns the failure that ended the session, if any. Valid once Done
// is closed.
func (s *Session) Err() error { return s.err }

// Stats returns relayed byte counts. Valid once Done is closed.
func (s *Session) Stats() RelayStats { return s.stats }

// Done is closed after the session has closed both connections and
// deregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start begins serving the client in a new goroutine. Later calls do nothing.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.started = time.Now()
		s.setState(StateAwaitingClientRequest)
		go s.run()
	})
}

// Stop forcibly closes both connections. Pending I/O fails and the session
// finishes as OutcomeAborted unless it had already finished. Safe to call
// more than once and from any goroutine.
func (s *Session) Stop() {
	s.cancel()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) run() {
	defer s.finish()

	if !s.readRequest() {
		return
	}
	endpoints, ok := s.resolve()
	if !ok {
		return
	}
	if !s.connect(endpoints) {
		return
	}
	if !s.forwardInitialBytes() {
		return
	}
	s.relay()
}

// fail records why the session is ending. A failure caused by Stop is
// recorded as OutcomeAborted instead.
func (s *Session) fail(o Outcome, err error) {
	if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		o = OutcomeAborted
	}
	s.outcome = o
	s.err = err
}

func (s *Session) readRequest() bool {
	buf := make([]byte, s.cfg.RequestBufferSize)

	if t := s.cfg.NegotiationTimeout; t > 0 {
		_ = s.client.SetReadDeadline(time.Now().Add(t))
	}
	n, err := s.client.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		s.fail(OutcomeClientReadFailed, fmt.Errorf("read request: %w", err))
		return false
	}
	_ = s.client.SetReadDeadline(time.Time{})

	t, ok := target.Parse(buf[:n])
	if !ok {
		s.reject()
		return false
	}

	s.target = t
	s.initial = buf[:n]
	s.setState(StateResolving)
	return true
}

// reject sends the bad request page and shuts the client down.
func (s *Session) reject() {
	s.setState(StateRejectedNoTarget)
	s.outcome = OutcomeRejected
	s.err = ErrNoTarget

	if t := s.cfg.NegotiationTimeout; t > 0 {
		_ = s.client.SetWriteDeadline(time.Now().Add(t))
	}
	if _, err := io.WriteString(s.client, BadRequestReply); err != nil {
		s.fail(OutcomeRejected, fmt.Errorf("write bad request reply: %w", err))
		return
	}

	closeWrite(s.client)
	_ = s.client.SetReadDeadline(time.Now().Add(rejectLinger))
	_, _ = io.Copy(io.Discard, io.LimitReader(s.client, int64(s.cfg.RequestBufferSize)*16))
}

func (s *Session) resolve() ([]resolver.Endpoint, bool) {
	ctx := s.ctx
	if t := s.cfg.DialTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	endpoints, err := s.cfg.Resolver.Resolve(ctx, s.target.Host, s.target.Port)
	if err == nil && len(endpoints) == 0 {
		err = resolver.ErrNoEndpoints
	}
	if err != nil {
		s.fail(OutcomeResolveFailed, fmt.Errorf("resolve %s: %w", s.target.Address(), err))
		return nil, false
	}

	s.setState(StateConnecting)
	return endpoints, true
}

// connect tries endpoints in order, one at a time, and keeps the first that
// answers.
func (s *Session) connect(endpoints []resolver.Endpoint) bool {
	var errs []error
	for _, ep := range endpoints {
		c, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", ep.String())
		if err == nil {
			s.upstream = c
			s.stopUp = context.AfterFunc(s.ctx, func() {
				_ = c.Close()
			})
			s.setState(StateForwardingInitialBytes)
			return true
		}
		errs = append(errs, err)
		if s.ctx.Err() != nil {
			break
		}
	}

	s.fail(OutcomeConnectFailed, fmt.Errorf("connect %s: %w", s.target.Address(), errors.Join(errs...)))
	return false
}

func (s *Session) forwardInitialBytes() bool {
	if t := s.cfg.NegotiationTimeout; t > 0 {
		_ = s.upstream.SetWriteDeadline(time.Now().Add(t))
	}
	_, err := s.upstream.Write(s.initial)
	s.initial = nil
	if err != nil {
		s.fail(OutcomeUpstreamWriteFailed, fmt.Errorf("forward initial bytes: %w", err))
		return false
	}
	_ = s.upstream.SetWriteDeadline(time.Time{})

	s.setState(StateRelaying)
	return true
}

func (s *Session) relay() {
	stats, err := Relay(s.ctx, s.client, s.upstream, RelayOptions{
		IdleTimeout: s.cfg.IdleTimeout,
		Buffers:     s.cfg.buffers,
	})
	s.stats = stats
	metrics.RelayedBytes.WithLabelValues(metrics.DirectionUpstream).Add(float64(stats.Upstream))
	metrics.RelayedBytes.WithLabelValues(metrics.DirectionDownstream).Add(float64(stats.Downstream))

	if err != nil {
		s.fail(OutcomeRelayFailed, fmt.Errorf("relay: %w", err))
		return
	}
	s.outcome = OutcomeRelayed
}

// finish closes both connections, reports the session, and deregisters it.
// It runs exactly once, as the last thing the session goroutine does.
func (s *Session) finish() {
	if s.State() == StateRelaying {
		s.setState(StateClosing)
	}

	if s.stopUp != nil {
		s.stopUp()
		_ = s.upstream.Close()
	}
	s.stopClient()
	_ = s.client.Close()
	s.cancel()

	if s.outcome == OutcomeNone {
		s.outcome = OutcomeAborted
	}
	s.setState(StateClosed)

	metrics.SessionsTotal.WithLabelValues(s.outcome.String()).Inc()
	metrics.SessionDuration.Observe(time.Since(s.started).Seconds())

	if s.cfg.Verbose && reportable(s.outcome, s.err) {
		log.Printf("session %d from %s to %s: %s: %v", s.id, s.client.RemoteAddr(), s.target.Address(), s.outcome, s.err)
	}

	if s.registry != nil {
		s.registry.Deregister(s)
	}
	close(s.done)
}

// reportable reports whether a finished session is worth a log line. Peers
// resetting or abandoning a relayed connection is ordinary termination.
func reportable(o Outcome, err error) bool {
	switch o {
	case OutcomeRelayed, OutcomeAborted:
		return false
	case OutcomeRelayFailed:
		return !errors.Is(err, syscall.ECONNRESET) &&
			!errors.Is(err, syscall.EPIPE) &&
			!errors.Is(err, syscall.ECONNABORTED) &&
			!errors.Is(err, io.ErrUnexpectedEOF)
	}
	return true
}
