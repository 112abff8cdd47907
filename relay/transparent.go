// Package relay implements the two pipe shapes a connection can run: a
// transparent byte-for-byte pipe for dynamic forwarders, and a
// GIOP-frame-aware inspecting pipe for the gateway's root connections.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// chunkSize is the buffer size used by the transparent pipe's raw copy
// loop; large enough to be efficient, small enough not to stall a
// cooperative scheduler.
const chunkSize = 4096

type halfCloser interface {
	CloseWrite() error
}

// Transparent relays raw bytes between a and b in both directions until
// one side reaches EOF or either side errors, at which point both
// directions end and both connections are closed. It returns the first
// error observed from either direction, or nil if both sides ended in a
// clean EOF.
//
// A blocking Read does not observe ctx cancellation or the sibling
// direction ending on its own, so both conns are closed, via a sync.Once
// shared by the two copyHalf goroutines and the context watcher, as soon
// as any of the three fires; the closed socket then unblocks whichever
// Read is still in flight rather than leaving its goroutine parked until
// the process exits.
func Transparent(ctx context.Context, a, b net.Conn) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
	}()

	g := new(errgroup.Group)
	g.Go(func() error { defer closeBoth(); return copyHalf(b, a) })
	g.Go(func() error { defer closeBoth(); return copyHalf(a, b) })

	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// copyHalf copies from src to dst until src reports EOF, then half-closes
// dst's write side if it supports it.
func copyHalf(dst io.Writer, src net.Conn) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if hc, ok := dst.(halfCloser); ok {
					_ = hc.CloseWrite()
				}
				return nil
			}
			return err
		}
	}
}
