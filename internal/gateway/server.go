// Package gateway is the WebSocket control surface: a small RPC protocol for
// managing scheduled jobs, triggering wakes, and observing engine health,
// plus event broadcast to connected clients.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adjutant-ai/adjutant/internal/bus"
	"github.com/adjutant-ai/adjutant/pkg/protocol"
)

// Options configures the gateway server.
type Options struct {
	Addr  string // listen address, e.g. "127.0.0.1:8787"
	Token string // empty disables auth

	// RateRPM/RateBurst bound per-client request rates; rpm <= 0 disables.
	RateRPM   int
	RateBurst int
}

// Server accepts WebSocket connections and routes their requests.
type Server struct {
	opts    Options
	router  *MethodRouter
	limiter *RateLimiter
	events  *bus.MessageBus

	mu      sync.Mutex
	clients map[string]*Client
	httpSrv *http.Server
	seq     int64

	upgrader websocket.Upgrader
}

// NewServer wires the server to the shared message bus; engine method
// handlers register themselves on Router afterwards.
func NewServer(opts Options, events *bus.MessageBus) *Server {
	s := &Server{
		opts:    opts,
		limiter: NewRateLimiter(opts.RateRPM, opts.RateBurst),
		events:  events,
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gateway binds to loopback by default; origin checks are the
			// reverse proxy's job when it is exposed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = NewMethodRouter(s)
	return s
}

// Router exposes the method router for handler registration.
func (s *Server) Router() *MethodRouter { return s.router }

// Start listens and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Fan engine events out to every connected client.
	s.events.Subscribe("gateway", s.broadcast)

	slog.Info("gateway: listening", "addr", s.opts.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes client connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Unsubscribe("gateway")

	s.mu.Lock()
	for _, c := range s.clients {
		c.SendEvent(protocol.EventFrame{Type: protocol.FrameTypeEvent, Event: protocol.EventShutdown})
		c.Close()
	}
	s.clients = make(map[string]*Client)
	srv := s.httpSrv
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s)
	s.mu.Lock()
	s.clients[client.ID()] = client
	s.mu.Unlock()

	slog.Info("gateway: client connected", "client", client.ID(), "remote", r.RemoteAddr)

	client.Run(r.Context())

	s.mu.Lock()
	delete(s.clients, client.ID())
	s.mu.Unlock()
	slog.Info("gateway: client disconnected", "client", client.ID())
}

// broadcast pushes a bus event to every connected client.
func (s *Server) broadcast(ev bus.Event) {
	s.mu.Lock()
	s.seq++
	frame := protocol.EventFrame{
		Type:    protocol.FrameTypeEvent,
		Event:   ev.Type,
		Payload: ev.Payload,
		Seq:     s.seq,
	}
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.SendEvent(frame)
	}
}

// ClientCount reports connected clients for the status method.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
