package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/die-net/fwdproxy/internal/metrics"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts client connections and runs a Session for each.
type Server struct {
	ctx      context.Context
	cfg      Config
	registry *Registry
}

// NewServer returns a Server whose sessions are stopped when ctx is done.
// Canceling ctx is a hard stop; use Shutdown to let sessions drain.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, cfg: cfg.withDefaults(), registry: NewRegistry()}
}

// Registry returns the registry holding the server's live sessions.
func (s *Server) Registry() *Registry { return s.registry }

// Serve accepts connections on ln until ln is closed or the server's context
// is done, in which case it returns nil. Transient accept errors, such as
// running out of file descriptors, are retried with backoff.
func (s *Server) Serve(ln net.Listener) error {
	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return nil
			}
			if !isTemporary(err) {
				return fmt.Errorf("accept: %w", err)
			}

			metrics.AcceptErrors.Inc()
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			if s.cfg.Verbose {
				log.Printf("accept: %v; retrying in %v", err, backoff)
			}
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		sess := NewSession(s.ctx, s.cfg, c, s.registry)
		if err := s.registry.Register(sess); err != nil {
			sess.Stop()
			_ = c.Close()
			continue
		}
		sess.Start()
	}
}

// Shutdown refuses new sessions and waits for live ones to finish on their
// own. If ctx is done first, the rest are stopped, and Shutdown returns ctx's
// error once they have closed. The caller closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.registry.Close()
	err := s.registry.Wait(ctx)
	if err == nil {
		return nil
	}

	s.registry.StopAll()
	_ = s.registry.Wait(context.Background())
	return err
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}
