package testutil

import (
	"context"
	"net"
	"sync"
	"testing"
)

// StartSingleAcceptServer accepts one connection and hands it to handler,
// closing it when handler returns. The returned func closes the listener
// and waits for handler to finish.
func StartSingleAcceptServer(t *testing.T, ctx context.Context, handler func(net.Conn)) (net.Listener, func()) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		handler(c)
	}()

	wait := func() {
		_ = ln.Close()
		wg.Wait()
	}

	return ln, wait
}

// StartRecordingServer accepts one connection, reads until the peer
// half-closes, then writes reply and closes. The bytes it received are
// delivered on the returned channel.
func StartRecordingServer(t *testing.T, ctx context.Context, reply []byte) (net.Listener, <-chan []byte) {
	t.Helper()

	got := make(chan []byte, 1)
	ln, _ := StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		var buf []byte
		tmp := make([]byte, 4096)
		for {
			n, err := c.Read(tmp)
			buf = append(buf, tmp[:n]...)
			if err != nil {
				break
			}
		}
		got <- buf
		_, _ = c.Write(reply)
	})
	return ln, got
}
