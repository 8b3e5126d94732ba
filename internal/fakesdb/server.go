// Package fakesdb provides a fake SurrealDB websocket server for tests.
//
// It speaks the SurrealDB RPC protocol with CBOR frames. use, signin, let and
// unset have built-in session handling; every other method is answered by
// the first stub response whose matcher accepts the request.
package fakesdb

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/surrealdb/docsync/pkg/connection"
	"github.com/surrealdb/docsync/pkg/models"
)

// RequestMatcher selects the requests a stub answers.
type RequestMatcher struct {
	Method string
	// Matcher optionally inspects the params. Nil matches any params.
	Matcher func(params []any) bool
}

// StubResponse is a canned answer to matching requests.
type StubResponse struct {
	Matcher RequestMatcher
	Result  any
	Error   *connection.RPCError
	// Respond computes the answer from the request and takes precedence
	// over Result and Error.
	Respond func(params []any) (any, *connection.RPCError)
	// Delay postpones the answer.
	Delay time.Duration
}

// Session is the per-socket state set by use and signin.
type Session struct {
	Namespace string
	Database  string
	Username  string
	Vars      map[string]any
}

// Server is a fake SurrealDB websocket server.
type Server struct {
	mu       sync.Mutex
	stubs    []StubResponse
	requests []connection.RPCRequest
	sessions map[*gorilla.Conn]*Session

	codec    models.CborCodec
	upgrader gorilla.Upgrader
	http     *httptest.Server

	// TokenSignIn is returned by every successful signin.
	TokenSignIn string
	// RequireAuth rejects stubbed methods until use and signin were called.
	RequireAuth bool
}

func NewServer() *Server {
	return &Server{
		sessions:    make(map[*gorilla.Conn]*Session),
		upgrader:    gorilla.Upgrader{Subprotocols: []string{"cbor"}},
		TokenSignIn: "fake-token",
	}
}

// Start listens on a random local port.
func (s *Server) Start() {
	s.http = httptest.NewServer(http.HandlerFunc(s.serveWS))
}

// URL returns the websocket RPC endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/rpc"
}

// Stop closes the listener and every open socket.
func (s *Server) Stop() {
	s.mu.Lock()
	for conn := range s.sessions {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.http.Close()
}

// AddStubResponse adds a stub. Stubs are matched in the order they were added.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, stub)
}

// Requests returns every request received so far.
func (s *Server) Requests() []connection.RPCRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]connection.RPCRequest(nil), s.requests...)
}

// RequestsOf returns the received requests of one method.
func (s *Server) RequestsOf(method string) []connection.RPCRequest {
	var out []connection.RPCRequest
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sessions[conn] = &Session{Vars: map[string]any{}}
	s.mu.Unlock()

	// writes come from request goroutines
	var writeLock sync.Mutex
	write := func(resp connection.RPCResponse[any]) {
		data, err := s.codec.Marshal(resp)
		if err != nil {
			return
		}
		writeLock.Lock()
		defer writeLock.Unlock()
		_ = conn.WriteMessage(gorilla.BinaryMessage, data)
	}

	defer func() {
		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req connection.RPCRequest
		if err := s.codec.Unmarshal(data, &req); err != nil {
			write(errorResponse(nil, -32700, "Parse error"))
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()
		go func() { write(s.handle(conn, req)) }()
	}
}

func (s *Server) handle(conn *gorilla.Conn, req connection.RPCRequest) connection.RPCResponse[any] {
	s.mu.Lock()
	session := s.sessions[conn]
	if session == nil {
		s.mu.Unlock()
		return errorResponse(req.ID, -32000, "Session not found")
	}
	switch req.Method {
	case "use":
		defer s.mu.Unlock()
		if len(req.Params) < 2 {
			return errorResponse(req.ID, -32602, "use requires namespace and database parameters")
		}
		session.Namespace, _ = req.Params[0].(string)
		session.Database, _ = req.Params[1].(string)
		return result(req.ID, nil)
	case "signin":
		defer s.mu.Unlock()
		auth, _ := firstParam(req).(map[string]any)
		user, _ := auth["user"].(string)
		if user == "" {
			return errorResponse(req.ID, -32602, "signin requires a user")
		}
		session.Username = user
		return result(req.ID, s.TokenSignIn)
	case "let":
		defer s.mu.Unlock()
		if len(req.Params) < 2 {
			return errorResponse(req.ID, -32602, "let requires a key and a value")
		}
		key, _ := req.Params[0].(string)
		session.Vars[key] = req.Params[1]
		return result(req.ID, nil)
	case "unset":
		defer s.mu.Unlock()
		key, _ := firstParam(req).(string)
		delete(session.Vars, key)
		return result(req.ID, nil)
	}

	if s.RequireAuth {
		if session.Namespace == "" || session.Database == "" {
			s.mu.Unlock()
			return errorResponse(req.ID, -32000, "Specify a namespace and database")
		}
		if session.Username == "" {
			s.mu.Unlock()
			return errorResponse(req.ID, -32000, "Not signed in")
		}
	}
	var stub *StubResponse
	for i := range s.stubs {
		m := s.stubs[i].Matcher
		if m.Method == req.Method && (m.Matcher == nil || m.Matcher(req.Params)) {
			stub = &s.stubs[i]
			break
		}
	}
	s.mu.Unlock()

	if stub == nil {
		return errorResponse(req.ID, -32601, fmt.Sprintf("Method not found: %s", req.Method))
	}
	if stub.Delay > 0 {
		time.Sleep(stub.Delay)
	}
	if stub.Respond != nil {
		res, rpcErr := stub.Respond(req.Params)
		if rpcErr != nil {
			return errorResponse(req.ID, rpcErr.Code, rpcErr.Message)
		}
		return result(req.ID, res)
	}
	if stub.Error != nil {
		return errorResponse(req.ID, stub.Error.Code, stub.Error.Message)
	}
	return result(req.ID, stub.Result)
}

func firstParam(req connection.RPCRequest) any {
	if len(req.Params) == 0 {
		return nil
	}
	return req.Params[0]
}

func result(id, v any) connection.RPCResponse[any] {
	return connection.RPCResponse[any]{ID: id, Result: &v}
}

func errorResponse(id any, code int, message string) connection.RPCResponse[any] {
	return connection.RPCResponse[any]{ID: id, Error: &connection.RPCError{Code: code, Message: message}}
}

// MatchMethod creates a RequestMatcher that matches only by method name
func MatchMethod(method string) RequestMatcher {
	return RequestMatcher{Method: method}
}

// MatchMethodWithParams creates a RequestMatcher that matches by method name
// and parameter values using a custom matcher function
func MatchMethodWithParams(method string, matcher func(params []any) bool) RequestMatcher {
	return RequestMatcher{Method: method, Matcher: matcher}
}

// SimpleStubResponse creates a basic stub response for a method
func SimpleStubResponse(method string, response any) StubResponse {
	return StubResponse{Matcher: MatchMethod(method), Result: response}
}

// ErrorStubResponse creates a stub response that returns an RPC error
func ErrorStubResponse(method string, code int, message string) StubResponse {
	return StubResponse{
		Matcher: MatchMethod(method),
		Error:   &connection.RPCError{Code: code, Message: message},
	}
}

// QueryOK builds the result of one successful query statement.
func QueryOK(v any) map[string]any {
	return map[string]any{"status": "OK", "time": "1µs", "result": v}
}

// QueryErr builds the result of one failed query statement.
func QueryErr(message string) map[string]any {
	return map[string]any{"status": "ERR", "time": "1µs", "result": message}
}
