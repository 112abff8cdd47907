// Package gateway owns the root listener, the per-connection state
// machine, and the registry of dynamic forwarders.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/maxiv-kitscontrols/tango-gateway/gwerr"
	"github.com/maxiv-kitscontrols/tango-gateway/registry"
	"github.com/maxiv-kitscontrols/tango-gateway/relay"
)

// Server is the gateway's root listener together with the registry it
// owns and hands to every inspecting pipe it spawns.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	registry *registry.Registry

	connWG sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Server. It does not bind any socket until ListenAndServe
// is called.
func New(cfg Config, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// ListenAndServe binds the root listener and serves client connections
// until ctx is cancelled or Shutdown is called. A root bind failure is
// returned immediately and is fatal: the caller is expected to exit
// non-zero.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	addr := net.JoinHostPort(s.cfg.BindAddress, fmt.Sprintf("%d", s.cfg.ServerPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return gwerr.NewBindFailure(addr, true, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.registry = registry.New(ctx, s.cfg.BindAddress, s.logger)
	s.mu.Unlock()

	s.logger.Info("gateway listening", "address", addr, "tango_host", s.cfg.TangoHost, "tango_port", s.cfg.TangoPort)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.connWG.Wait()
				return nil
			default:
				return err
			}
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleClient(ctx, conn)
		}()
	}
}

// handleClient implements the per-connection state machine: Accepted ->
// DbConnecting -> {DbConnected -> Piping -> Closing -> Closed} | DbFailed
// -> Closed.
func (s *Server) handleClient(ctx context.Context, client net.Conn) {
	connID := uuid.New()
	log := s.logger.With("conn_id", connID.String())

	dbAddr := net.JoinHostPort(s.cfg.TangoHost, fmt.Sprintf("%d", s.cfg.TangoPort))
	db, err := net.Dial("tcp", dbAddr)
	if err != nil {
		connectErr := gwerr.NewUpstreamConnectFailure(s.cfg.TangoHost, uint16(s.cfg.TangoPort), err)
		log.Warn("database unreachable, closing client", "db_address", dbAddr, "error", connectErr)
		client.Close()
		return
	}

	log.Info("connection accepted", "remote", client.RemoteAddr().String())
	if err := relay.Inspecting(ctx, client, db, registry.Adapter{Registry: s.registry}, s.logger, connID); err != nil {
		log.Debug("inspecting pipe ended", "error", err)
	}
}

// Shutdown closes the root listener, snapshots and closes every dynamic
// listener, and waits for the inspecting pipes of root connections to end.
// The transparent pipes of dynamic forwarders are ended through the
// cancelled context but are not waited for.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()

	if reg != nil {
		group := new(errgroup.Group)
		for _, entry := range reg.Snapshot() {
			entry := entry
			group.Go(func() error { return entry.Close() })
		}
		_ = group.Wait()
	}

	s.connWG.Wait()
}
