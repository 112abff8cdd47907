package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maxiv-kitscontrols/tango-gateway/giop"
	"github.com/maxiv-kitscontrols/tango-gateway/gwerr"
)

// Ensurer is the subset of registry.Registry the inspecting pipe needs, so
// that relay does not import registry (registry imports relay, for its
// accept loop's transparent pipes).
type Ensurer interface {
	Ensure(backendHost string, backendPort uint16) (LocalEndpoint, error)
}

// LocalEndpoint is the piece of a registry entry the inspecting pipe
// needs to rewrite an IOR.
type LocalEndpoint struct {
	LocalHost []byte
	LocalPort uint16
}

// Inspecting relays GIOP frames between client and db in both directions,
// rewriting the first IIOP profile of the first IOR found in any
// NoException Reply body. Each frame is examined on its own; every other
// frame passes through unchanged. connID labels log lines for this
// connection's pair of directions.
//
// A blocking ReadFrame does not observe ctx cancellation or the sibling
// direction ending on its own, so both conns are closed, via a sync.Once
// shared by the two inspectHalf goroutines and the context watcher, as
// soon as any of the three fires; the closed socket then unblocks
// whichever read is still in flight instead of leaking its goroutine and
// the upstream connection until shutdown.
func Inspecting(ctx context.Context, client, db net.Conn, reg Ensurer, logger *slog.Logger, connID uuid.UUID) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			db.Close()
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

	log := logger.With("conn_id", connID.String())

	g := new(errgroup.Group)
	g.Go(func() error {
		defer closeBoth()
		return inspectHalf(client, db, reg, log.With("direction", "db->client"))
	})
	g.Go(func() error {
		defer closeBoth()
		return inspectHalf(db, client, reg, log.With("direction", "client->db"))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// inspectHalf reads whole GIOP frames from src and writes them, possibly
// rewritten, to dst, until src reaches EOF or either side errors.
func inspectHalf(dst io.Writer, src net.Conn, reg Ensurer, log *slog.Logger) error {
	for {
		frame, err := giop.ReadFrame(src)
		if err != nil {
			if !isMalformed(err) {
				// Plain IoError (connection reset, or the other direction
				// closing src out from under us): nothing to warn about,
				// the connection is simply ending.
				return err
			}
			protoErr := gwerr.NewProtocolError("reading frame", err)
			log.Warn("malformed frame, closing connection", "error", protoErr)
			return protoErr
		}
		if frame == nil {
			return nil
		}

		out, err := rewriteFrame(frame, reg, log)
		if err != nil {
			return err
		}
		if _, err := dst.Write(out); err != nil {
			return err
		}
	}
}

// isMalformed reports whether err is one of giop's protocol-level sentinel
// errors, as opposed to a plain I/O failure (connection reset, or a close
// forced by the sibling direction ending or by shutdown).
func isMalformed(err error) bool {
	return errors.Is(err, giop.ErrMalformedHeader) ||
		errors.Is(err, giop.ErrMalformedReply) ||
		errors.Is(err, giop.ErrTruncatedFrame)
}

// rewriteFrame applies the six-step algorithm against a single frame,
// returning it unchanged whenever any step opts out of rewriting.
func rewriteFrame(frame []byte, reg Ensurer, log *slog.Logger) ([]byte, error) {
	header, err := giop.UnpackGIOPHeader(frame)
	if err != nil {
		return nil, gwerr.NewProtocolError("unpacking GIOP header", err)
	}
	if header.MsgType != giop.MsgReply {
		return frame, nil
	}

	body := frame[giop.HeaderSize:]
	replyHeader, bodyOffset, err := giop.UnpackReplyHeader(body, header.Flags)
	if err != nil {
		return nil, gwerr.NewProtocolError("unpacking reply header", err)
	}
	if replyHeader.ReplyStatus != giop.ReplyStatusNoException {
		return frame, nil
	}

	ior, start, stop, ok := giop.FindIOR(body, bodyOffset, header.Flags)
	if !ok {
		return frame, nil
	}

	entry, err := reg.Ensure(string(trimHostNUL(ior.Host)), ior.Port)
	if err != nil {
		log.Warn("dynamic listener bind failed, forwarding Reply unrewritten",
			"backend_host", string(trimHostNUL(ior.Host)), "backend_port", ior.Port, "error", err)
		return frame, nil
	}

	rewritten := ior
	rewritten.Host = entry.LocalHost
	rewritten.Port = entry.LocalPort

	newBody, err := giop.RepackIOR(body, rewritten, start, stop, header.Flags)
	if err != nil {
		return nil, gwerr.NewProtocolError("repacking IOR", err)
	}

	header.MsgSize = uint32(len(newBody))
	log.Info("rewrote IOR",
		"backend_host", string(trimHostNUL(ior.Host)), "backend_port", ior.Port,
		"local_port", entry.LocalPort, "request_id", replyHeader.RequestID)
	return giop.PackGIOP(header, newBody), nil
}

func trimHostNUL(host []byte) []byte {
	if n := len(host); n > 0 && host[n-1] == 0 {
		return host[:n-1]
	}
	return host
}
