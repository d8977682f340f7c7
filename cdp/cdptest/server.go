// Package cdptest provides an in-process fake of a browser's remote debugging endpoint.
//
// A Server serves the target directory (/json/list, /json/version) over HTTP and speaks the
// command/response/event protocol over WebSocket at /devtools/page/:id. Tests script it by
// registering responders per method, emitting events, and dropping or refusing connections.
package cdptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Command is a command received by the server.
type Command struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID string          `json:"sessionId,omitempty"`

	// Conn is the sequence number of the connection the command arrived on, starting at 1.
	Conn int `json:"-"`
}

// Error is an error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Data is encoded as is, so it may be a string or any structured value.
	Data any `json:"data,omitempty"`
}

// Reply is how a Responder answers a command.
type Reply struct {
	Result any
	Error  *Error
	// NoReply suppresses the response entirely.
	NoReply bool
	// Delay postpones the response without blocking other commands.
	Delay time.Duration
}

type Responder func(cmd Command) Reply

// Result is a Responder that always succeeds with v.
func Result(v any) Responder {
	return func(Command) Reply { return Reply{Result: v} }
}

// Fail is a Responder that always fails with the given code and message.
func Fail(code int, message string) Responder {
	return func(Command) Reply { return Reply{Error: &Error{Code: code, Message: message}} }
}

// FailWithData is like Fail but also attaches data to the error.
func FailWithData(code int, message string, data any) Responder {
	return func(Command) Reply { return Reply{Error: &Error{Code: code, Message: message, Data: data}} }
}

// NoReply is a Responder that never answers.
func NoReply() Responder {
	return func(Command) Reply { return Reply{NoReply: true} }
}

type Target struct {
	ID    string
	Type  string
	Title string
	URL   string
}

type Server struct {
	log *zap.SugaredLogger
	srv *httptest.Server

	mu         sync.Mutex
	targets    []Target
	responders map[string]Responder
	peers      map[*peer]struct{}
	connCount  int
	refused    int
	refuse     bool
	received   []Command
	onConnect  func(connSeq int)
	listenAddr string
}

type peer struct {
	seq    int
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("cdptest")
	}
}

// WithListenAddr serves on addr instead of a random loopback port.
func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithTargets(targets ...Target) Option {
	return func(s *Server) {
		s.targets = targets
	}
}

// NewServer starts a Server with one page target "page-1" unless WithTargets is given.
// It is closed when the test finishes if t is non-nil.
func NewServer(t interface{ Cleanup(func()) }, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		targets:    []Target{{ID: "page-1", Type: "page", Title: "Blank", URL: "about:blank"}},
		responders: map[string]Responder{},
		peers:      map[*peer]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	router.GET("/json/list", s.list)
	router.GET("/json", s.list)
	router.GET("/json/version", s.version)
	router.GET("/devtools/page/:id", s.page)
	s.srv = httptest.NewUnstartedServer(router)
	if s.listenAddr != "" {
		l, err := net.Listen("tcp", s.listenAddr)
		if err != nil {
			panic(fmt.Sprintf("cdptest: listening on %s: %v", s.listenAddr, err))
		}
		s.srv.Listener.Close()
		s.srv.Listener = l
	}
	s.srv.Start()

	if t != nil {
		t.Cleanup(s.Close)
	}
	return s
}

// Endpoint is the directory endpoint, e.g. http://127.0.0.1:41234.
func (s *Server) Endpoint() string { return s.srv.URL }

// HostPort is the endpoint without its scheme.
func (s *Server) HostPort() string { return strings.TrimPrefix(s.srv.URL, "http://") }

// PageURL is the WebSocket URL of the target with the given id.
func (s *Server) PageURL(id string) string {
	return fmt.Sprintf("ws://%s/devtools/page/%s", s.HostPort(), id)
}

// Handle sets the responder for method, replacing any previous one.
func (s *Server) Handle(method string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[method] = r
}

// OnConnect sets a function called with the connection's sequence number after each WebSocket is accepted.
func (s *Server) OnConnect(f func(connSeq int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = f
}

func (s *Server) SetTargets(targets ...Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
}

// Refuse makes the page endpoint reject WebSocket upgrades while b is true.
func (s *Server) Refuse(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refuse = b
}

// Refused returns how many upgrades have been rejected.
func (s *Server) Refused() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refused
}

// Connections returns how many WebSockets have been accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connCount
}

// Received returns the commands received so far, in arrival order.
func (s *Server) Received() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.received...)
}

// ReceivedMethods returns the methods received on connection connSeq, or on all connections if connSeq is 0.
func (s *Server) ReceivedMethods(connSeq int) []string {
	var methods []string
	for _, c := range s.Received() {
		if connSeq == 0 || c.Conn == connSeq {
			methods = append(methods, c.Method)
		}
	}
	return methods
}

// Emit sends an event to every open connection.
func (s *Server) Emit(method string, params any) {
	b, err := json.Marshal(struct {
		Method string `json:"method"`
		Params any    `json:"params"`
	}{Method: method, Params: params})
	if err != nil {
		panic(err)
	}
	for _, p := range s.livePeers() {
		if err := p.conn.Write(p.ctx, websocket.MessageText, b); err != nil {
			s.log.Debugw("emitting event", "Method", method, "Error", err)
		}
	}
}

// SendRaw writes b verbatim to every open connection.
func (s *Server) SendRaw(b []byte) {
	for _, p := range s.livePeers() {
		p.conn.Write(p.ctx, websocket.MessageText, b)
	}
}

// DropConnections abruptly tears down every open WebSocket.
func (s *Server) DropConnections() {
	for _, p := range s.livePeers() {
		p.cancel()
	}
}

// WaitForConnections blocks until at least n WebSockets have been accepted.
func (s *Server) WaitForConnections(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.Connections() >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d connections: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) livePeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

type targetJSON struct {
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.mu.Lock()
	targets := append([]Target(nil), s.targets...)
	s.mu.Unlock()

	out := make([]targetJSON, 0, len(targets))
	for _, t := range targets {
		typ := t.Type
		if typ == "" {
			typ = "page"
		}
		out = append(out, targetJSON{
			ID:                   t.ID,
			Title:                t.Title,
			Type:                 typ,
			URL:                  t.URL,
			DevtoolsFrontendURL:  "/devtools/inspector.html?ws=" + strings.TrimPrefix(s.PageURL(t.ID), "ws://"),
			WebSocketDebuggerURL: s.PageURL(t.ID),
		})
	}
	writeJSON(w, out)
}

func (s *Server) version(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, map[string]string{
		"Browser":              "HeadlessChrome/120.0.0.0",
		"Protocol-Version":     "1.3",
		"User-Agent":           "cdptest",
		"V8-Version":           "12.0.267.8",
		"WebKit-Version":       "537.36",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://%s/devtools/browser/cdptest", s.HostPort()),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) page(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	s.mu.Lock()
	found := false
	for _, t := range s.targets {
		if t.ID == id {
			found = true
		}
	}
	if s.refuse {
		s.refused++
		s.mu.Unlock()
		http.Error(w, "refusing connections", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()
	if !found {
		http.Error(w, fmt.Sprintf("no target with id %q", id), http.StatusNotFound)
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(64 << 20)

	// canceling a read context tears the socket down without a close handshake
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.mu.Lock()
	s.connCount++
	p := &peer{seq: s.connCount, conn: wsConn, ctx: ctx, cancel: cancel}
	s.peers[p] = struct{}{}
	onConnect := s.onConnect
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	s.log.Debugw("accepted WebSocket conn", "Target", id, "Conn", p.seq)
	if onConnect != nil {
		onConnect(p.seq)
	}
	s.serve(p)
}

func (s *Server) serve(p *peer) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		_, b, err := p.conn.Read(p.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Debugw("conn reader got error", "Conn", p.seq, "Error", err)
			}
			p.cancel()
			return
		}
		var cmd Command
		if err := json.Unmarshal(b, &cmd); err != nil {
			s.log.Debugw("skipping undecodable command", "Error", err)
			continue
		}
		cmd.Conn = p.seq

		s.mu.Lock()
		s.received = append(s.received, cmd)
		responder, ok := s.responders[cmd.Method]
		s.mu.Unlock()

		if !ok {
			responder = defaultResponder
		}
		reply := responder(cmd)
		if reply.NoReply {
			continue
		}
		resp, err := encodeReply(cmd.ID, reply)
		if err != nil {
			s.log.Errorw("encoding reply", "Method", cmd.Method, "Error", err)
			continue
		}
		if reply.Delay > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t := time.NewTimer(reply.Delay)
				defer t.Stop()
				select {
				case <-t.C:
					p.conn.Write(p.ctx, websocket.MessageText, resp)
				case <-p.ctx.Done():
				}
			}()
			continue
		}
		if err := p.conn.Write(p.ctx, websocket.MessageText, resp); err != nil {
			s.log.Debugw("writing reply", "Error", err)
		}
	}
}

func defaultResponder(cmd Command) Reply {
	if strings.HasSuffix(cmd.Method, ".enable") || strings.HasSuffix(cmd.Method, ".disable") {
		return Reply{Result: struct{}{}}
	}
	return Reply{Error: &Error{Code: -32601, Message: fmt.Sprintf("'%s' wasn't found", cmd.Method)}}
}

func encodeReply(id int64, reply Reply) ([]byte, error) {
	if reply.Error != nil {
		return json.Marshal(struct {
			ID    int64  `json:"id"`
			Error *Error `json:"error"`
		}{ID: id, Error: reply.Error})
	}
	result := reply.Result
	if result == nil {
		result = struct{}{}
	}
	return json.Marshal(struct {
		ID     int64 `json:"id"`
		Result any   `json:"result"`
	}{ID: id, Result: result})
}
