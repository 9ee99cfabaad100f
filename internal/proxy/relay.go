package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RelayStats counts the bytes a Relay delivered in each direction.
type RelayStats struct {
	// Upstream is client to upstream.
	Upstream int64
	// Downstream is upstream to client.
	Downstream int64
}

// RelayOptions tunes a Relay. The zero value is usable.
type RelayOptions struct {
	// IdleTimeout ends the relay when neither direction has read anything
	// for this long. Zero disables it.
	IdleTimeout time.Duration
	// Buffers supplies copy buffers. Nil allocates per relay.
	Buffers httputil.BufferPool
}

// Relay copies bytes between client and upstream in both directions until
// both directions have finished, then closes both connections.
//
// A direction that reads end of stream half-closes its destination (when the
// connection supports CloseWrite) and finishes; the other direction keeps
// draining. An error in either direction, or ctx being done, closes both
// connections at once and ends the relay with that error.
func Relay(ctx context.Context, client, upstream net.Conn, opts RelayOptions) (RelayStats, error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	// Fires on the first pump error, or when ctx is done.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	r := &relay{idle: opts.IdleTimeout, buffers: opts.Buffers}
	r.touch()

	var stats RelayStats
	g.Go(func() error {
		return r.pump(upstream, client, &stats.Upstream)
	})
	g.Go(func() error {
		return r.pump(client, upstream, &stats.Downstream)
	})

	err := g.Wait()
	return stats, err
}

type relay struct {
	idle    time.Duration
	buffers httputil.BufferPool
	// lastRead is shared so that a quiet direction stays open while the
	// other one is busy.
	lastRead atomic.Int64
}

func (r *relay) touch() {
	r.lastRead.Store(time.Now().UnixNano())
}

func (r *relay) deadline() time.Time {
	return time.Unix(0, r.lastRead.Load()).Add(r.idle)
}

func (r *relay) getBuffer() []byte {
	if r.buffers == nil {
		return make([]byte, DefaultRelayBufferSize)
	}
	return r.buffers.Get()
}

func (r *relay) putBuffer(b []byte) {
	if r.buffers != nil {
		r.buffers.Put(b)
	}
}

// pump copies src to dst until src reports end of stream or an error.
func (r *relay) pump(dst, src net.Conn, n *int64) error {
	buf := r.getBuffer()
	defer r.putBuffer(buf)

	for {
		if r.idle > 0 {
			_ = src.SetReadDeadline(r.deadline())
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			r.touch()
			if r.idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(r.idle))
			}
			nw, werr := dst.Write(buf[:nr])
			*n += int64(nw)
			if werr != nil {
				return fmt.Errorf("write %s: %w", dst.RemoteAddr(), werr)
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF):
			closeWrite(dst)
			return nil
		case r.idle > 0 && errors.Is(rerr, os.ErrDeadlineExceeded) && time.Now().Before(r.deadline()):
			// The other direction moved since this read started.
		default:
			return fmt.Errorf("read %s: %w", src.RemoteAddr(), rerr)
		}
	}
}

// closeWrite half-closes c if it supports it.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
