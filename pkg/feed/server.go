// Package feed serves the machine model over HTTP and WebSocket.
//
// Clients receive every machine event as a JSON-RPC notification and a
// snapshot of the machine a few times a second while it changes. They can
// send commands, G-code lines and drive the configuration editor through
// JSON-RPC methods on the same socket or on POST /jsonrpc.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"controlncenter/pkg/grbl"
	"controlncenter/pkg/host"
	"controlncenter/pkg/log"
)

// Machine is the host as seen by the feed.
type Machine interface {
	Snapshot() *grbl.Snapshot
	Subscribe(buffer int) (<-chan host.Update, func())
	Do(ctx context.Context, fn func(m *grbl.Machine, s *grbl.Sequencer) error) error
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8080".
	Addr    string
	Machine Machine
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// PingInterval keeps idle sockets alive. Default 30s.
	PingInterval time.Duration
	// SnapshotInterval is the minimum time between snapshot
	// notifications. Default 250ms.
	SnapshotInterval time.Duration
	// CallTimeout bounds a method call on the machine. Default 5s.
	CallTimeout time.Duration
	Logger      *log.Logger
}

// Server is the HTTP and WebSocket feed.
type Server struct {
	cfg        Config
	log        *log.Logger
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time

	wsUpgrader websocket.Upgrader
	clients    map[int64]*client
	clientMu   sync.RWMutex
	nextID     int64

	running     atomic.Bool
	unsubscribe func()
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a feed server. Nothing listens until Start.
func New(cfg Config) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 250 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("feed")
	}
	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger,
		clients:   make(map[int64]*client),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the feed's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/machine/state", s.handleState)
	mux.HandleFunc("/machine/config", s.handleConfig)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/health", s.handleHealth)
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics)
	}
	return corsMiddleware(mux)
}

// Start begins broadcasting and, when Addr is set, listening. It returns
// once the listener is bound.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("feed: already started")
	}
	updates, unsubscribe := s.cfg.Machine.Subscribe(256)
	s.unsubscribe = unsubscribe
	s.wg.Add(1)
	go s.broadcastLoop(updates)

	if s.cfg.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.Stop(context.Background())
		return fmt.Errorf("feed: listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("feed listening on %s", ln.Addr())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("feed server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every client and the listener.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.done)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = make(map[int64]*client)
	s.clientMu.Unlock()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// ClientCount returns the number of connected sockets.
func (s *Server) ClientCount() int {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return len(s.clients)
}

// eventJSON is the wire form of a machine event.
type eventJSON struct {
	Kind  grbl.EventKind `json:"kind"`
	Code  int            `json:"code,omitempty"`
	Text  string         `json:"text,omitempty"`
	Error string         `json:"error,omitempty"`
}

func newEventJSON(ev grbl.Event) eventJSON {
	out := eventJSON{Kind: ev.Kind, Code: ev.Code, Text: ev.Text}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

func notification(method string, params ...any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
}

// broadcastLoop forwards events as they come and the latest snapshot at
// most once per SnapshotInterval.
func (s *Server) broadcastLoop(updates <-chan host.Update) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	var latest, sent *grbl.Snapshot
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			latest = u.Snapshot
			s.broadcast(notification("notify_event", newEventJSON(u.Event)))
		case <-ticker.C:
			if latest != nil && latest != sent {
				s.broadcast(notification("notify_snapshot", latest))
				sent = latest
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) broadcast(msg any) {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		c.Send(msg)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := s.newClient(conn)

	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.log.Info("client %d connected from %s", c.id, r.RemoteAddr)

	go c.writePump()
	c.Send(notification("notify_snapshot", s.cfg.Machine.Snapshot()))
	c.readPump()
}

func (s *Server) removeClient(c *client) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.log.Info("client %d disconnected", c.id)
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error"}})
		return
	}
	writeJSON(w, s.call(r.Context(), req))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.cfg.Machine.Snapshot())
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.cfg.Machine.Snapshot().Config)
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.serverInfo())
}

func (s *Server) serverInfo() map[string]any {
	snap := s.cfg.Machine.Snapshot()
	return map[string]any{
		"clients":  s.ClientCount(),
		"uptime":   time.Since(s.startTime).Seconds(),
		"device":   snap.Name,
		"version":  snap.Version,
		"state":    snap.State,
		"features": snap.Features,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !s.running.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("stopped\n"))
		return
	}
	w.Write([]byte("ok\n"))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
