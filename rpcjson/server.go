// Package rpcjson implements a line-framed JSON-RPC TCP server:
// connection accept loop, one goroutine per connection with
// bufio.Scanner framing, a per-client notifier for server-initiated
// pushes, and the generic Protocol contract a session dispatcher
// plugs into. It knows nothing about mining semantics.
package rpcjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Request is the wire form of one incoming line: {id, method, params}.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response is the wire form of one reply or notification: {id, result,
// error}, where error is [code, message, null] on failure.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// ErrorTuple renders a Stratum-style [code, message, null] error value.
func ErrorTuple(code int, message string) []interface{} {
	return []interface{}{code, message, nil}
}

// Notifier pushes server-initiated notifications to one connected
// client. It is safe for concurrent use by the broadcast loop and by
// the client's own request handler.
type Notifier struct {
	mu   sync.Mutex
	enc  *json.Encoder
}

func newNotifier(w *bufio.Writer) *Notifier {
	return &Notifier{enc: json.NewEncoder(w)}
}

// Notify writes one newline-terminated JSON notification ({id: null}).
func (n *Notifier) Notify(method string, params interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enc.Encode(map[string]interface{}{
		"id":     nil,
		"method": method,
		"params": params,
	})
}

func (n *Notifier) reply(id interface{}, result interface{}, errTuple interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enc.Encode(Response{ID: id, Result: result, Error: errTuple})
}

// Protocol is the session dispatcher contract a concrete wire protocol
// (Stratum V1, in this repo) implements.
type Protocol interface {
	// CreateClient is invoked once per accepted connection.
	CreateClient(addr net.Addr, notifier *Notifier) interface{}
	// HandleRequest dispatches one parsed request for the given
	// client context, returning the JSON result or a [code,message,nil]
	// error tuple.
	HandleRequest(req Request, clientCtx interface{}) (result interface{}, errTuple interface{})
	// DeleteClient is invoked once on disconnect.
	DeleteClient(clientCtx interface{})
}

// Server is the generic line-framed JSON-RPC TCP server.
type Server struct {
	listener net.Listener
	protocol Protocol
	log      *logrus.Entry

	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, protocol Protocol, log *logrus.Entry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpcjson: listen %s: %w", addr, err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{listener: ln, protocol: protocol, log: log, clients: make(map[net.Conn]struct{})}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until the listener is closed, spawning one
// goroutine per connection.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.listener.Close()
}

// ClientCount returns the number of currently connected sessions.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	writer := bufio.NewWriter(conn)
	notifier := newNotifier(writer)
	clientCtx := s.protocol.CreateClient(conn.RemoteAddr(), notifier)
	defer s.protocol.DeleteClient(clientCtx)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.log.WithError(err).Warn("rpcjson: malformed request line")
			// Code 20 mirrors stratum.ErrUnknown; rpcjson can't import
			// stratum (stratum imports rpcjson), so the parse-error class
			// is inlined here rather than shared as a constant.
			errTuple := ErrorTuple(20, fmt.Sprintf("Failed to parse stratum request: %v", err))
			if err := notifier.reply(nil, nil, errTuple); err != nil {
				s.log.WithError(err).Warn("rpcjson: failed to write error response")
				return
			}
			writer.Flush()
			continue
		}

		result, errTuple := s.protocol.HandleRequest(req, clientCtx)
		if err := notifier.reply(req.ID, result, errTuple); err != nil {
			s.log.WithError(err).Warn("rpcjson: failed to write response")
			return
		}
		writer.Flush()
	}
}
