// Package rpc provides a JSON-RPC 2.0 server for the satsend daemon.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Klingon-tech/satsend/internal/payments"
	"github.com/Klingon-tech/satsend/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	payments *payments.Service
	log      *logging.Logger
	wsHub    *WSHub
	opts     Options
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server. hub may be nil, in which case
// the server creates and runs its own.
func NewServer(svc *payments.Service, hub *WSHub, opts Options) *Server {
	if hub == nil {
		hub = NewWSHub()
		go hub.Run(context.Background())
	}

	s := &Server{
		payments: svc,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    hub,
		opts:     opts,
		handlers: make(map[string]Handler),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Wallet methods
	s.handlers["wallet_address"] = s.walletAddress
	s.handlers["wallet_feeTiers"] = s.walletFeeTiers

	// Transaction methods
	s.handlers["tx_prepare"] = s.txPrepare
	s.handlers["tx_confirm"] = s.txConfirm
	s.handlers["tx_cancel"] = s.txCancel
	s.handlers["tx_pending"] = s.txPending
	s.handlers["tx_history"] = s.txHistory
	s.handlers["tx_get"] = s.txGet

	// Message methods
	s.handlers["message_sign"] = s.messageSign
	s.handlers["message_verify"] = s.messageVerify
}

// Handler returns the HTTP handler serving JSON-RPC, WebSocket and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.guard(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// maxRequestBytes bounds a request body, batches included.
const maxRequestBytes = 1 << 20

// handleRPC handles a single request or a batch. Notifications (requests
// without an id) are executed but get no response.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		s.writeJSON(w, errorResponse(nil, &Error{Code: InvalidRequest, Message: "Request too large"}))
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		resp := s.dispatch(r.Context(), body)
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeJSON(w, resp)
		return
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		s.writeJSON(w, errorResponse(nil, &Error{Code: ParseError, Message: "Parse error"}))
		return
	}
	if len(batch) == 0 {
		s.writeJSON(w, errorResponse(nil, &Error{Code: InvalidRequest, Message: "Invalid Request"}))
		return
	}

	// Calls run in order; tx_prepare then tx_confirm in one batch is valid.
	responses := make([]*Response, 0, len(batch))
	for _, raw := range batch {
		if resp := s.dispatch(r.Context(), raw); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, responses)
}

// dispatch runs one request. It returns nil for a well-formed notification.
func (s *Server) dispatch(ctx context.Context, raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, &Error{Code: ParseError, Message: "Parse error"})
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request"})
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		if req.ID == nil {
			return nil
		}
		return errorResponse(req.ID, &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method})
	}

	result, err := handler(ctx, req.Params)
	if req.ID == nil {
		if err != nil {
			s.log.Debug("RPC notification failed", "method", req.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		s.log.Debug("RPC call failed", "method", req.Method, "error", err)
		return errorResponse(req.ID, toRPCError(err))
	}

	return &Response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func errorResponse(id interface{}, rpcErr *Error) *Response {
	return &Response{JSONRPC: "2.0", Error: rpcErr, ID: id}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}
