// Package drivertest provides an in-process fake driver speaking the wire
// protocol. Tests use it to stand in for real driver executables, both
// dialed directly and spawned as a child through the test-binary re-exec
// trick.
package drivertest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sebastianm/runix/internal/driver"
	"github.com/sebastianm/runix/internal/driver/rpc"
)

// ActionFunc handles one execute action.
type ActionFunc func(args []any) (any, *rpc.ErrorInfo)

// Server is a fake driver listening on a loopback port.
type Server struct {
	Caps  driver.Capabilities
	Steps []driver.StepDefinition

	mu      sync.Mutex
	actions map[string]ActionFunc
	ln      net.Listener
	httpSrv *http.Server
	conns   map[*websocket.Conn]struct{}
}

// New builds a server with the given identity.
func New(caps driver.Capabilities) *Server {
	return &Server{
		Caps:    caps,
		actions: map[string]ActionFunc{},
		conns:   map[*websocket.Conn]struct{}{},
	}
}

// Handle registers an execute action.
func (s *Server) Handle(action string, fn ActionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action] = fn
}

// Start listens on 127.0.0.1:port; port 0 picks an ephemeral one.
func (s *Server) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return 0, err
	}
	s.ln = ln
	s.httpSrv = &http.Server{Handler: http.HandlerFunc(s.serveWS)}
	go s.httpSrv.Serve(ln)
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = map[*websocket.Conn]struct{}{}
	s.mu.Unlock()
}

// DropConnections severs every live socket without stopping the listener,
// simulating a transient transport loss.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = map[*websocket.Conn]struct{}{}
}

var upgrader = websocket.Upgrader{}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpc.Message
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		resp := s.handle(req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req rpc.Message) rpc.Message {
	ok := func(v any) rpc.Message {
		raw, _ := json.Marshal(v)
		return rpc.Message{ID: req.ID, Type: rpc.TypeResponse, Result: raw}
	}
	fail := func(code int, msg string) rpc.Message {
		return rpc.Message{ID: req.ID, Type: rpc.TypeResponse, Error: &rpc.ErrorInfo{Code: code, Message: msg}}
	}

	switch req.Method {
	case "capabilities":
		return ok(s.Caps)
	case "initialize":
		return ok(map[string]any{"initialized": true})
	case "introspect":
		var params struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if params.Type == "steps" {
			return ok(map[string]any{"type": "steps", "steps": s.Steps})
		}
		return ok(map[string]any{"type": "capabilities", "capabilities": s.Caps})
	case "health":
		return ok(map[string]string{"status": "ok"})
	case "shutdown":
		return ok(map[string]bool{"shutdown": true})
	case "execute":
		var params struct {
			Action string `json:"action"`
			Args   []any  `json:"args"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(rpc.CodeBadRequest, "bad execute params")
		}
		s.mu.Lock()
		fn := s.actions[params.Action]
		s.mu.Unlock()
		if fn == nil {
			return fail(rpc.CodeUnknownMethod, fmt.Sprintf("unknown action %q", params.Action))
		}
		data, derr := fn(params.Args)
		if derr != nil {
			return ok(driver.ExecuteResult{Success: false, Error: derr})
		}
		raw, _ := json.Marshal(data)
		return ok(driver.ExecuteResult{Success: true, Data: raw})
	default:
		return fail(rpc.CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}
