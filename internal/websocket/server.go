// internal/websocket/server.go
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AuthHeader carries the shared key when the server requires one.
const AuthHeader = "X-Auth-Key"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local use only
	},
}

// Server exposes a bindings value over websocket RPC and pushes hub events
// to every client.
type Server struct {
	authKey    string
	router     *Router
	logger     *slog.Logger
	clients    map[string]*Client
	clientsMu  sync.RWMutex
	httpServer *http.Server
	addr       net.Addr
	calls      sync.WaitGroup
}

// NewServer creates a server for app. An empty authKey disables
// authentication.
func NewServer(app interface{}, authKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		authKey: authKey,
		router:  NewRouter(app),
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in the
// background.
func (s *Server) Start(ctx context.Context, addr string) (net.Addr, error) {
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.addr = listener.Addr()
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", "error", err)
		}
	}()
	s.logger.Info("websocket server listening", "addr", s.addr.String())
	return s.addr, nil
}

// Addr returns the listening address after Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop disconnects every client, waits for running calls and shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.clientsMu.Lock()
	for _, client := range s.clients {
		client.Close()
	}
	s.clientsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown with calls still running")
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authKey != "" && r.Header.Get(AuthHeader) != s.authKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(uuid.New().String(), conn)
	s.clientsMu.Lock()
	s.clients[client.ID] = client
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "client", client.ID)

	go client.WritePump()
	s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		client.Close()
		s.logger.Debug("client disconnected", "client", client.ID)
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read failed", "client", client.ID, "error", err)
			}
			return
		}
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("dropping malformed message", "client", client.ID, "error", err)
		return
	}
	if msg.Kind != KindRPCRequest || msg.Request == nil {
		return
	}

	// Calls run concurrently so a long turn does not block CancelTurn.
	s.calls.Add(1)
	go func(req *RPCRequest) {
		defer s.calls.Done()
		s.handleRPCRequest(client, req)
	}(msg.Request)
}

func (s *Server) handleRPCRequest(client *Client, req *RPCRequest) {
	result, err := s.router.Call(client.Context(), req.Method, req.Params)

	var errMsg string
	if err != nil {
		errMsg = err.Error()
		s.logger.Debug("rpc call failed", "method", req.Method, "error", err)
	}
	if err := client.SendResponse(req.ID, result, errMsg); err != nil {
		s.logger.Warn("failed to send response", "client", client.ID, "method", req.Method, "error", err)
	}
}

// BroadcastEvent implements eventhub.Broadcaster.
func (s *Server) BroadcastEvent(eventType string, payload interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for _, client := range s.clients {
		if err := client.SendEvent(eventType, payload); err != nil {
			s.logger.Debug("event dropped", "client", client.ID, "event", eventType, "error", err)
		}
	}
}
