// Package registry tracks the dynamic TCP listeners the gateway spawns
// on demand, one per distinct backend endpoint discovered inside a
// rewritten IOR. It is the gateway's only piece of shared mutable state.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/maxiv-kitscontrols/tango-gateway/gwerr"
	"github.com/maxiv-kitscontrols/tango-gateway/relay"
)

// key identifies a backend endpoint a dynamic listener forwards to.
type key struct {
	host string
	port uint16
}

// Entry describes a bound dynamic listener and the address it advertises
// to clients in rewritten IORs.
type Entry struct {
	BackendHost string
	BackendPort uint16

	// LocalHost is bind_address encoded as an IIOP host string, including
	// its trailing NUL, ready to splice directly into a rewritten IOR.
	LocalHost []byte
	LocalPort uint16

	listener net.Listener
}

// Registry is the concurrency-safe map from backend endpoint to dynamic
// forwarder. A single mutex covers the lookup and the reservation of a
// key; the listener bind runs outside it, and concurrent Ensure calls for
// the same key wait on the reservation, so exactly one listener is bound.
type Registry struct {
	ctx         context.Context
	bindAddress string
	logger      *slog.Logger
	dial        func(network, address string) (net.Conn, error)

	mu      sync.Mutex
	entries map[key]*entryState
}

// entryState tracks an in-flight or completed reservation for a key, so
// that concurrent Ensure calls racing on the same key block on the same
// bind rather than each attempting their own.
type entryState struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// New creates a Registry whose dynamic listeners bind on bindAddress and
// whose accept loops dial backends via net.Dial. ctx bounds every
// transparent pipe spawned by an accept loop; cancelling it drains
// in-flight relay tasks at shutdown.
func New(ctx context.Context, bindAddress string, logger *slog.Logger) *Registry {
	return &Registry{
		ctx:         ctx,
		bindAddress: bindAddress,
		logger:      logger,
		dial:        net.Dial,
		entries:     make(map[key]*entryState),
	}
}

// Ensure returns the dynamic forwarder for (backendHost, backendPort),
// binding a new listener and starting its accept loop if none exists yet.
// Concurrent calls for the same key observe exactly one bind: the first
// caller reserves the key and binds; every other caller waits for that
// bind to finish and shares its result.
func (r *Registry) Ensure(backendHost string, backendPort uint16) (*Entry, error) {
	k := key{host: backendHost, port: backendPort}

	r.mu.Lock()
	if st, ok := r.entries[k]; ok {
		r.mu.Unlock()
		<-st.done
		return st.entry, st.err
	}

	st := &entryState{done: make(chan struct{})}
	r.entries[k] = st
	r.mu.Unlock()

	entry, err := r.bind(backendHost, backendPort)
	st.entry, st.err = entry, err
	close(st.done)

	if err != nil {
		r.mu.Lock()
		delete(r.entries, k)
		r.mu.Unlock()
	}
	return entry, err
}

func (r *Registry) bind(backendHost string, backendPort uint16) (*Entry, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(r.bindAddress, "0"))
	if err != nil {
		return nil, gwerr.NewBindFailure(r.bindAddress, false, err)
	}

	localPort := uint16(listener.Addr().(*net.TCPAddr).Port)
	entry := &Entry{
		BackendHost: backendHost,
		BackendPort: backendPort,
		LocalHost:   append([]byte(r.bindAddress), 0),
		LocalPort:   localPort,
		listener:    listener,
	}

	r.logger.Info("dynamic forwarder created",
		"backend_host", backendHost, "backend_port", backendPort,
		"local_host", r.bindAddress, "local_port", localPort)

	go r.acceptLoop(entry)
	return entry, nil
}

// acceptLoop accepts client connections on entry's listener and relays
// each, transparently, to (entry.BackendHost, entry.BackendPort). A
// failure to connect to the backend closes only that client connection;
// the listener keeps accepting.
func (r *Registry) acceptLoop(entry *Entry) {
	backendAddr := net.JoinHostPort(entry.BackendHost, fmt.Sprintf("%d", entry.BackendPort))
	for {
		client, err := entry.listener.Accept()
		if err != nil {
			return
		}
		go r.serveClient(client, backendAddr, entry)
	}
}

func (r *Registry) serveClient(client net.Conn, backendAddr string, entry *Entry) {
	defer client.Close()

	backend, err := r.dial("tcp", backendAddr)
	if err != nil {
		r.logger.Warn("backend unreachable, closing client",
			"backend", backendAddr, "local_port", entry.LocalPort, "error", err)
		return
	}
	defer backend.Close()

	if err := relay.Transparent(r.ctx, client, backend); err != nil {
		r.logger.Debug("transparent pipe ended", "backend", backendAddr, "error", err)
	}
}

// Snapshot returns every currently bound entry, for the gateway to close
// at shutdown.
func (r *Registry) Snapshot() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, st := range r.entries {
		select {
		case <-st.done:
			if st.err == nil {
				entries = append(entries, st.entry)
			}
		default:
		}
	}
	return entries
}

// Close closes entry's listener, stopping its accept loop.
func (e *Entry) Close() error {
	return e.listener.Close()
}

// Adapter narrows a Registry to relay.Ensurer, translating *Entry to
// relay.LocalEndpoint so that relay (imported by registry for its accept
// loop's transparent pipes) need not import registry back.
type Adapter struct {
	*Registry
}

func (a Adapter) Ensure(backendHost string, backendPort uint16) (relay.LocalEndpoint, error) {
	entry, err := a.Registry.Ensure(backendHost, backendPort)
	if err != nil {
		return relay.LocalEndpoint{}, err
	}
	return relay.LocalEndpoint{LocalHost: entry.LocalHost, LocalPort: entry.LocalPort}, nil
}
