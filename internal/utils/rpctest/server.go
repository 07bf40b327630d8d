// Package rpctest provides an in-process JSON-RPC 2.0 server for exercising chain, bundler and paymaster clients.
package rpctest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/scroll-tech/aa-orchestrator/internal/types"
)

// Handler serves one JSON-RPC method. Returning a non-nil error sends it as the JSON-RPC error object.
type Handler func(params json.RawMessage) (interface{}, *types.RPCError)

// Server is a JSON-RPC server backed by per-method handlers.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]Handler
	calls    map[string]int
	order    []string
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *types.RPCError `json:"error,omitempty"`
}

// NewServer starts a server that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Result registers a handler that always returns result.
func (s *Server) Result(method string, result interface{}) {
	s.Handle(method, func(json.RawMessage) (interface{}, *types.RPCError) {
		return result, nil
	})
}

// Calls returns how many times method was requested.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Methods returns the requested methods in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	s.order = append(s.order, req.Method)
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	resp := response{JSONRPC: "2.0", ID: req.ID}
	if !ok {
		resp.Error = &types.RPCError{Code: types.MethodNotFoundCode, Message: "the method " + req.Method + " does not exist/is not available"}
	} else {
		result, rpcErr := h(req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else if result == nil {
			resp.Result = json.RawMessage("null")
		} else {
			resp.Result = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
