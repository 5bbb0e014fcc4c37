package httpremote

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rapportapp/rapport/internal/remote"
)

const maxBatch = 500

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Addr to listen on (default ":8787").
	Addr string
	// Token, when set, is required as a bearer token on every /v1 route.
	Token  string
	Logger *zap.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Addr: ":8787"}
}

// Server serves a backend over HTTP and forwards its change signals to
// websocket subscribers.
type Server struct {
	backend remote.Backend
	cfg     ServerConfig
	logger  *zap.Logger
	router  chi.Router

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	listenMu sync.Mutex
	listener net.Listener
}

// NewServer creates a server for backend.
func NewServer(backend remote.Backend, cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerConfig().Addr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		backend: backend,
		cfg:     cfg,
		logger:  logger.Named("httpremote"),
		clients: make(map[*websocket.Conn]bool),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/account", s.handleAccount)
		r.Get("/changes", s.handleChanges)
		r.Post("/records", s.handleUpsert)
		r.Delete("/records/{id}", s.handleDelete)
		r.Get("/subscribe", s.handleSubscribe)
	})
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenMu.Unlock()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := s.Watch(watchCtx); err != nil {
			s.logger.Warn("change watch ended", zap.Error(err))
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		cancel()
		<-watchDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.closeClients()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	<-watchDone
	return nil
}

// Addr returns the listening address once ListenAndServe has started.
func (s *Server) Addr() string {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Watch subscribes to the backend and notifies websocket clients of every
// change until ctx ends.
func (s *Server) Watch(ctx context.Context) error {
	ch, err := s.backend.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to backend: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			s.broadcast()
		}
	}
}

func (s *Server) broadcast() {
	s.clientsMu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		clients = append(clients, conn)
	}
	s.clientsMu.RUnlock()

	for _, conn := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.Write(ctx, websocket.MessageText, []byte(changeMessage))
		cancel()
		if err != nil {
			s.logger.Debug("failed to notify subscriber", zap.Error(err))
			s.removeClient(conn)
		}
	}
}

// ClientCount returns the number of websocket subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	n := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("subscriber disconnected", zap.Int("total", n))
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{ErrorCode: remote.CodeUnauthorized, Error: "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.AccountStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Status: status})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := remote.FetchRequest{
		Cursor:    q.Get("cursor"),
		PageToken: q.Get("page_token"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: remote.CodeInternal, Error: "invalid limit"})
			return
		}
		req.Limit = n
	}

	page, err := s.backend.FetchChanges(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changesResponse{
		Changed:       page.Changed,
		Deleted:       page.Deleted,
		NextPageToken: page.NextPageToken,
		MoreComing:    page.MoreComing,
		Cursor:        page.Cursor,
	})
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{ErrorCode: remote.CodeInternal, Error: "invalid body: " + err.Error()})
		return
	}
	if len(req.Records) > maxBatch {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{
			ErrorCode: remote.CodeInternal,
			Error:     fmt.Sprintf("at most %d records per request", maxBatch),
		})
		return
	}

	results, err := s.backend.Upsert(r.Context(), req.Records)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := upsertResponse{Results: make([]recordResult, len(results))}
	for i, res := range results {
		resp.Results[i] = recordResult{ID: res.ID}
		if res.Err != nil {
			resp.Results[i].ErrorCode = remote.ErrorCode(res.Err)
			resp.Results[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("subscriber connected", zap.Int("total", n))

	// The ready frame tells the client it is registered and will not miss
	// changes from here on.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, []byte(readyMessage))
	cancel()
	if err != nil {
		s.removeClient(conn)
		return
	}

	// Keep reading so control frames are processed and disconnects noticed.
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := remote.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case remote.CodeCursorExpired:
		status = http.StatusGone
	case remote.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case remote.CodeNotFound:
		status = http.StatusNotFound
	case remote.CodeStale, remote.CodeDeleted:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, errorResponse{ErrorCode: code, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
