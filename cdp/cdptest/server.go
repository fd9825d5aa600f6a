// Package cdptest provides a fake browser speaking the Chrome DevTools
// Protocol over WebSocket, for testing CDP clients without a browser.
package cdptest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// Request is a command received by the Server.
type Request struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// HandlerFunc replies to a command. The result is JSON encoded, a nil result
// is an empty object. Returning an error replies with a CDP error. ctx is
// done once the connection is closed.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

type response struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Server is a fake CDP endpoint.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	requests []Request
	conns    map[*websocket.Conn]context.CancelFunc

	wg sync.WaitGroup
}

// NewServer starts a Server that is closed when the test ends. Commands
// without a handler get an empty result.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		t:        t,
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*websocket.Conn]context.CancelFunc),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)

	return s
}

// URL returns the WebSocket URL of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/devtools/browser/cdptest"
}

// Handle sets the handler of method.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[method] = fn
}

// Requests returns the commands received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.requests...)
}

// Methods returns the methods of the commands received so far.
func (s *Server) Methods() []string {
	reqs := s.Requests()
	methods := make([]string, 0, len(reqs))
	for _, r := range reqs {
		methods = append(methods, r.Method)
	}
	return methods
}

// Drop closes the open connections as a crashing browser would.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn, cancel := range s.conns {
		cancel()
		_ = conn.Close()
		delete(s.conns, conn)
	}
}

// Close drops the connections, stops the server and waits for the pending
// handlers to return.
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
	s.wg.Wait()
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	var upgrader websocket.Upgrader
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Logf("upgrading to websocket: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conns[conn] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	write := func(resp response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(resp)
	}

	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(buf, &req); err != nil {
			s.t.Logf("unmarshalling CDP request %q: %v", buf, err)
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		h := s.handlers[req.Method]
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			write(reply(ctx, h, req))
		}()
	}
}

func reply(ctx context.Context, h HandlerFunc, req Request) response {
	resp := response{ID: req.ID, SessionID: req.SessionID, Result: json.RawMessage("{}")}
	if h == nil {
		return resp
	}

	res, err := h(ctx, req)
	if err != nil {
		resp.Result = nil
		resp.Error = &responseError{Code: -32000, Message: err.Error()}
		return resp
	}
	if res == nil {
		return resp
	}
	buf, err := json.Marshal(res)
	if err != nil {
		resp.Result = nil
		resp.Error = &responseError{Code: -32603, Message: err.Error()}
		return resp
	}
	resp.Result = buf

	return resp
}

// ErrContextNotFound is the error the browser returns when evaluating in an
// execution context that a navigation destroyed.
var ErrContextNotFound = errors.New("Cannot find context with specified id") //nolint:stylecheck
