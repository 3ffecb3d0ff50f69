package bridge

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sibylgw/sibyl/internal/events"
	"github.com/sibylgw/sibyl/internal/tools"
)

// DefaultCallTimeout bounds how long a remote tool call may stay
// unanswered.
const DefaultCallTimeout = 30 * time.Second

// Server accepts peer connections and owns their lifecycles.
type Server struct {
	registry *tools.Registry
	timeout  time.Duration
	logger   *slog.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[string]*Peer

	httpSrv *http.Server
}

// Config configures the bridge server.
type Config struct {
	Registry    *tools.Registry
	CallTimeout time.Duration
	Logger      *slog.Logger
	Bus         *events.Bus
}

// NewServer creates a bridge server backed by cfg.Registry.
func NewServer(cfg Config) *Server {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		registry: cfg.Registry,
		timeout:  cfg.CallTimeout,
		logger:   cfg.Logger.With("component", "bridge"),
		bus:      cfg.Bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		peers: make(map[string]*Peer),
	}
}

// ServeHTTP upgrades an incoming request to a peer channel.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	peer := newPeer(conn, s.registry, s.timeout, s.logger, s.bus, s.dropPeer)
	s.mu.Lock()
	s.peers[peer.ID()] = peer
	s.mu.Unlock()

	s.logger.Info("peer connected", "peer", peer.ID(), "remote", r.RemoteAddr)
	go peer.readLoop()
}

func (s *Server) dropPeer(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p.ID())
	s.mu.Unlock()
}

// PeerCount reports the number of live peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// ListenAndServe binds addr and serves the bridge endpoint until
// Close.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/bridge", s)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind bridge listener: %w", err)
	}
	s.httpSrv = &http.Server{Handler: mux}
	s.logger.Info("bridge listening", "addr", ln.Addr().String())
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close disconnects every peer and stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Close()
	}
	return nil
}
