package gateway_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/maxiv-kitscontrols/tango-gateway/gateway"
	"github.com/maxiv-kitscontrols/tango-gateway/giop"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTangoDB starts a listener that echoes whole GIOP frames back
// unchanged, standing in for a Tango database in tests that only exercise
// transparent forwarding.
func fakeTangoDB(t *testing.T) (host string, port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					frame, err := giop.ReadFrame(conn)
					if err != nil || frame == nil {
						return
					}
					if _, err := conn.Write(frame); err != nil {
						return
					}
				}
			}()
		}
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	portNum, _ := strconv.Atoi(p)
	return h, portNum, func() { ln.Close() }
}

func startGateway(t *testing.T, cfg gateway.Config) (addr string, srv *gateway.Server, stop func()) {
	t.Helper()
	srv = gateway.New(cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		close(ready)
		errCh <- srv.ListenAndServe(ctx)
	}()
	<-ready
	// Give the listener a moment to bind before callers dial it.
	time.Sleep(50 * time.Millisecond)

	return net.JoinHostPort(cfg.BindAddress, strconv.Itoa(cfg.ServerPort)), srv, func() {
		cancel()
		srv.Shutdown()
		<-errCh
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, p, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(p)
	return port
}

func TestTransparentRequestRoundTrip(t *testing.T) {
	tangoHost, tangoPort, closeDB := fakeTangoDB(t)
	defer closeDB()

	cfg := gateway.Config{
		BindAddress: "127.0.0.1",
		ServerPort:  freePort(t),
		TangoHost:   tangoHost,
		TangoPort:   tangoPort,
	}
	addr, _, stop := startGateway(t, cfg)
	defer stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()

	header := giop.NewMessageHeader(giop.MsgRequest, 0)
	frame := giop.PackGIOP(header, nil)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := giop.ReadFrame(conn)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("got %x, want %x", got, frame)
	}
}

func TestMalformedHeaderClosesOnlyThatConnection(t *testing.T) {
	tangoHost, tangoPort, closeDB := fakeTangoDB(t)
	defer closeDB()

	cfg := gateway.Config{
		BindAddress: "127.0.0.1",
		ServerPort:  freePort(t),
		TangoHost:   tangoHost,
		TangoPort:   tangoPort,
	}
	addr, _, stop := startGateway(t, cfg)
	defer stop()

	bad, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	bad.Write([]byte("XXXX\x01\x02\x00\x00\x00\x00\x00\x00"))
	buf := make([]byte, 1)
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Read(buf); err == nil {
		t.Fatalf("expected malformed connection to be closed")
	}
	bad.Close()

	// The gateway must still accept new connections after a malformed one.
	good, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial gateway after malformed connection: %v", err)
	}
	defer good.Close()

	header := giop.NewMessageHeader(giop.MsgRequest, 0)
	frame := giop.PackGIOP(header, nil)
	good.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := good.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := giop.ReadFrame(good); err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
}

func TestShutdownDrainsInFlightConnections(t *testing.T) {
	tangoHost, tangoPort, closeDB := fakeTangoDB(t)
	defer closeDB()

	cfg := gateway.Config{
		BindAddress: "127.0.0.1",
		ServerPort:  freePort(t),
		TangoHost:   tangoHost,
		TangoPort:   tangoPort,
	}
	addr, _, stop := startGateway(t, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Shutdown did not return")
	}
}
