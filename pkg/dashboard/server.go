// Package dashboard broadcasts the application's typed event stream to any
// number of locally connected dashboard clients over WebSocket.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
)

// DefaultAddr is where the dashboard listens; loopback only.
const DefaultAddr = "127.0.0.1:3001"

// Per-client outbound queue depth. Overflow drops the oldest event: the
// stream is best-effort.
const clientQueueDepth = 256

// Message is the wire envelope: one JSON object per WebSocket frame.
type Message struct {
	Type    string `json:"type"`
	TsMs    int64  `json:"ts_ms"`
	Payload any    `json:"payload"`
}

type client struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Server is the fan-out hub. Publish never blocks the caller.
type Server struct {
	log    *log.Logger
	addr   string
	health func() any

	mu      sync.Mutex
	clients map[*client]struct{}

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a hub bound to addr (DefaultAddr when empty). healthFn,
// if non-nil, is served as JSON on GET /healthz.
func NewServer(addr string, logger *log.Logger, healthFn func() any) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		log:     logger,
		addr:    addr,
		health:  healthFn,
		clients: make(map[*client]struct{}),
	}
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Start begins accepting dashboard connections. Failure to bind is not
// fatal to the caller's process; the error is returned for logging.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	if s.health != nil {
		mux.HandleFunc("/healthz", s.handleHealth)
	}
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("dashboard server stopped", "err", err)
		}
	}()
	s.log.Info("dashboard listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown closes the listener and all client connections.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
	if s.srv != nil {
		_ = s.srv.Shutdown(ctx)
	}
}

// Publish fans an event out to every connected client. Full client queues
// drop their oldest event; a wedged dashboard can never stall the core.
func (s *Server) Publish(typ string, payload any) {
	msg := Message{Type: typ, TsMs: time.Now().UnixMilli(), Payload: payload}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("dashboard event unserialisable", "type", typ, "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		for {
			select {
			case c.queue <- data:
			default:
				select {
				case <-c.queue: // drop oldest
				default:
				}
				continue
			}
			break
		}
	}
}

// ClientCount reports connected dashboards.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // loopback-only listener
	})
	if err != nil {
		return
	}

	c := &client{
		queue: make(chan []byte, clientQueueDepth),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// Discard anything the client sends; this is a one-way stream.
	readCtx := conn.CloseRead(r.Context())

	for {
		select {
		case <-readCtx.Done():
			return
		case <-c.done:
			return
		case data := <-c.queue:
			writeCtx, cancel := context.WithTimeout(readCtx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.health())
}
