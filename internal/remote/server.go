package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// APIKeyHeader carries the shared API key when one is configured.
const APIKeyHeader = "X-API-Key"

// MaxSnapshotBytes bounds request bodies and websocket frames.
const MaxSnapshotBytes = 32 << 20

// Frame types on the realtime websocket.
const (
	FrameSubscribed = "subscribed"
	FrameChange     = "change"
	FrameError      = "error"
)

// Frame is one realtime websocket message.
type Frame struct {
	Type   string    `json:"type"`
	Event  string    `json:"event,omitempty"`
	Record *Snapshot `json:"record,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default ":8787")
	Addr string

	// APIKey, when set, must be sent in the X-API-Key header.
	APIKey string

	// PingInterval keeps realtime connections alive (default 30s)
	PingInterval time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         ":8787",
		PingInterval: 30 * time.Second,
	}
}

// Server exposes a Store and a Subscriber over HTTP and WebSocket.
type Server struct {
	store  Store
	subs   Subscriber
	config *ServerConfig
	logger *log.Logger

	listener net.Listener
	server   *http.Server

	connsMu sync.Mutex
	conns   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Call Start to listen, or mount Handler.
func NewServer(store Store, subs Subscriber, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8787"
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		store:  store,
		subs:   subs,
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Get("/snapshots/{userID}", s.handleGetSnapshot)
		r.Put("/snapshots/{userID}", s.handlePutSnapshot)
		r.Get("/realtime/{userID}", s.handleRealtime)
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes realtime connections and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")
	s.cancel()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return nil
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ConnectionCount returns the number of open realtime connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.conns
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" && r.Header.Get(APIKeyHeader) != s.config.APIKey {
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": s.ConnectionCount(),
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	snap, err := s.store.Fetch(r.Context(), userID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Printf("Fetch %s failed: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var snap Snapshot
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxSnapshotBytes))
	if err := dec.Decode(&snap); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid snapshot: %v", err))
		return
	}
	if snap.UserID != "" && snap.UserID != userID {
		writeError(w, http.StatusBadRequest, "user_id does not match path")
		return
	}
	snap.UserID = userID

	stored, err := s.store.Upsert(r.Context(), &snap)
	if err != nil {
		s.logger.Printf("Upsert %s failed: %v", userID, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Printf("Stored snapshot for %s from %s (%d collections)", userID, stored.DeviceID, len(stored.Data))
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.CloseNow()

	sub, err := s.subs.Subscribe(r.Context(), userID)
	if err != nil {
		s.logger.Printf("Subscribe %s failed: %v", userID, err)
		_ = writeFrame(r.Context(), conn, Frame{Type: FrameError, Error: err.Error()})
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	s.trackConn(1)
	defer s.trackConn(-1)

	// Clients never send data frames; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := writeFrame(ctx, conn, Frame{Type: FrameSubscribed}); err != nil {
		return
	}

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return

		case <-ctx.Done():
			return

		case <-sub.Done():
			_ = conn.Close(websocket.StatusTryAgainLater, "subscription ended")
			return

		case n := <-sub.Notifications():
			record := n.Record
			if err := writeFrame(ctx, conn, Frame{Type: FrameChange, Event: n.Type, Record: &record}); err != nil {
				s.logger.Printf("Failed to send change to %s: %v", userID, err)
				return
			}

		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) trackConn(delta int) {
	s.connsMu.Lock()
	s.conns += delta
	count := s.conns
	s.connsMu.Unlock()

	if delta > 0 {
		s.logger.Printf("Realtime client connected (total: %d)", count)
	} else {
		s.logger.Printf("Realtime client disconnected (total: %d)", count)
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
