// Package rpc exposes the daemon service over local JSON-RPC so a
// presentation layer can drive it. The endpoint is loopback-oriented and
// token-guarded outside development environments.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ember-chat/go-node/internal/app"
	"ember-chat/go-node/internal/exchange"
	"ember-chat/go-node/internal/identity"
	"ember-chat/go-node/internal/platform/ratelimiter"
	"ember-chat/go-node/internal/session"
	"ember-chat/go-node/internal/storage"
	"ember-chat/go-node/internal/transport"
)

const (
	DefaultAddr     = "127.0.0.1:8791"
	maxRPCBodyBytes = 1 << 20
)

type Options struct {
	Addr     string
	Service  *app.Service
	Log      *slog.Logger
	Gatherer prometheus.Gatherer
}

type Server struct {
	httpServer *http.Server
	service    *app.Service
	log        *slog.Logger
	token      string
	requireTok bool
	initErr    error
	limiter    *ratelimiter.PeerLimiter
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}

	requireTok := requiresToken()
	token := strings.TrimSpace(os.Getenv("EMBER_RPC_TOKEN"))
	if requireTok && token == "" {
		return &Server{initErr: errors.New("EMBER_RPC_TOKEN is required unless EMBER_REQUIRE_RPC_TOKEN=false or EMBER_ENV is test/development/local")}
	}

	s := &Server{
		service:    opts.Service,
		log:        log,
		token:      token,
		requireTok: requireTok,
		limiter:    ratelimiter.New(20, 40, 10*time.Minute),
	}
	if token == "" {
		log.Warn("EMBER_RPC_TOKEN is not set; RPC auth disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	if opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down cleanly.
func (s *Server) Run(ctx context.Context) error {
	if s.initErr != nil {
		return s.initErr
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	s.handleRPC(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if !s.limiter.Allow(host, time.Now()) {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32600, Message: "invalid request"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -32600, Message: "invalid request"}})
		return
	}

	started := time.Now()
	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.log.Warn("rpc failed", "method", req.Method, "rpc_code", rpcErr.Code, "latency_ms", time.Since(started).Milliseconds())
	} else {
		s.log.Info("rpc handled", "method", req.Method, "latency_ms", time.Since(started).Milliseconds())
	}
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return !s.requireTok
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(header, "Bearer ") && strings.TrimSpace(header[len("Bearer "):]) == s.token {
		return true
	}
	return strings.TrimSpace(r.Header.Get("X-RPC-Token")) == s.token
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func requiresToken() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("EMBER_REQUIRE_RPC_TOKEN"))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("EMBER_ENV"))) {
	case "test", "testing", "dev", "development", "local":
		return false
	default:
		return true
	}
}

func mapServiceError(err error) *rpcError {
	switch {
	case errors.Is(err, session.ErrIdentityNotReady):
		return &rpcError{Code: -32001, Message: "peer identity not ready"}
	case errors.Is(err, transport.ErrConnectTimeout):
		return &rpcError{Code: -32002, Message: "connection timed out"}
	case errors.Is(err, identity.ErrDecryptionFailed):
		return &rpcError{Code: -32003, Message: "decryption failed"}
	case errors.Is(err, identity.ErrInvalidMnemonic):
		return &rpcError{Code: -32004, Message: "invalid recovery phrase"}
	case errors.Is(err, exchange.ErrInvalidTTL):
		return &rpcError{Code: -32602, Message: "invalid params"}
	case errors.Is(err, storage.ErrUnavailable):
		return &rpcError{Code: -32010, Message: "store unavailable"}
	default:
		return &rpcError{Code: -32000, Message: err.Error()}
	}
}
