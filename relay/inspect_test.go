package relay_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/maxiv-kitscontrols/tango-gateway/giop"
	"github.com/maxiv-kitscontrols/tango-gateway/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEnsurer struct {
	local relay.LocalEndpoint
}

func (f fakeEnsurer) Ensure(host string, port uint16) (relay.LocalEndpoint, error) {
	return f.local, nil
}

// cdrBuf is a minimal CDR-aligned byte-buffer builder, mirroring the
// alignment rules giop's own cdrWriter applies (kept separate since that
// type is unexported).
type cdrBuf struct{ b []byte }

func (w *cdrBuf) align(n int) {
	if n > 1 {
		if pad := (n - (len(w.b) % n)) % n; pad > 0 {
			w.b = append(w.b, make([]byte, pad)...)
		}
	}
}

func (w *cdrBuf) octet(v byte) { w.b = append(w.b, v) }

func (w *cdrBuf) ulong(v uint32) {
	w.align(4)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.b = append(w.b, b[:]...)
}

func (w *cdrBuf) ushort(v uint16) {
	w.align(2)
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.b = append(w.b, b[:]...)
}

func (w *cdrBuf) raw(b []byte) { w.b = append(w.b, b...) }

// buildReplyFrame hand-assembles a GIOP Reply frame with real IIOP
// ProfileBody_1_1 alignment: flag(0), major(1), minor(2), pad(3), host
// length(4..7).
func buildReplyFrame(host string, port uint16) []byte {
	body := &cdrBuf{}
	body.ulong(0) // service contexts
	body.ulong(1) // request id
	body.ulong(giop.ReplyStatusNoException)

	body.ulong(0) // type_id
	body.ulong(1) // profile count
	body.ulong(giop.TagInternetIOP)

	profile := &cdrBuf{}
	profile.octet(0)
	profile.octet(1)
	profile.octet(0)
	hostBytes := append([]byte(host), 0)
	profile.ulong(uint32(len(hostBytes))) // aligns to offset 4, padding the minor octet
	profile.raw(hostBytes)
	profile.ushort(port)
	profile.ulong(0) // empty object key

	body.ulong(uint32(len(profile.b)))
	body.raw(profile.b)

	header := giop.NewMessageHeader(giop.MsgReply, uint32(len(body.b)))
	return giop.PackGIOP(header, body.b)
}

func TestInspectingRewritesIOR(t *testing.T) {
	client, clientPeer := net.Pipe()
	db, dbPeer := net.Pipe()

	ensurer := fakeEnsurer{local: relay.LocalEndpoint{LocalHost: append([]byte("192.168.1.10"), 0), LocalPort: 54321}}

	done := make(chan error, 1)
	go func() {
		done <- relay.Inspecting(context.Background(), client, db, ensurer, discardLogger(), uuid.New())
	}()

	frame := buildReplyFrame("10.0.0.5", 45678)
	writeDone := make(chan struct{})
	go func() {
		dbPeer.Write(frame)
		dbPeer.Close()
		close(writeDone)
	}()

	got, err := giop.ReadFrame(clientPeer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a rewritten frame, got clean EOF")
	}

	body := got[giop.HeaderSize:]
	_, bodyOffset, err := giop.UnpackReplyHeader(body, 0)
	if err != nil {
		t.Fatalf("UnpackReplyHeader: %v", err)
	}
	ior, _, _, ok := giop.FindIOR(body, bodyOffset, 0)
	if !ok {
		t.Fatalf("rewritten frame has no IOR")
	}
	if string(ior.Host) != "192.168.1.10\x00" {
		t.Fatalf("host = %q", ior.Host)
	}
	if ior.Port != 54321 {
		t.Fatalf("port = %d", ior.Port)
	}

	clientPeer.Close()
	<-writeDone

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Inspecting did not return")
	}
}

func TestInspectingForwardsNonReplyUnchanged(t *testing.T) {
	client, clientPeer := net.Pipe()
	db, dbPeer := net.Pipe()
	defer clientPeer.Close()
	defer dbPeer.Close()

	ensurer := fakeEnsurer{}
	go relay.Inspecting(context.Background(), client, db, ensurer, discardLogger(), uuid.New())

	header := giop.NewMessageHeader(giop.MsgRequest, 0)
	frame := giop.PackGIOP(header, nil)

	go func() { clientPeer.Write(frame) }()

	got, err := giop.ReadFrame(dbPeer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("got %x, want %x", got, frame)
	}
}

// TestInspectingClosingClientEndsDbDirectionToo guards against a pipe
// leak: the client disconnecting must unblock the still-pending ReadFrame
// on the db side too, rather than leaving that goroutine and the upstream
// connection to the database parked until process shutdown.
func TestInspectingClosingClientEndsDbDirectionToo(t *testing.T) {
	client, clientPeer := net.Pipe()
	db, dbPeer := net.Pipe()
	defer dbPeer.Close()

	done := make(chan error, 1)
	go func() {
		done <- relay.Inspecting(context.Background(), client, db, fakeEnsurer{}, discardLogger(), uuid.New())
	}()

	clientPeer.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Inspecting left the db direction blocked after the client closed")
	}
}
