// Package pushtest provides an in-process change notification server for
// tests.
//
// It speaks the same frames as the real endpoint: clients subscribe and
// unsubscribe to bug IDs, and the server pushes {"command":"update"} frames
// for the bugs each connection is subscribed to.
package pushtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// frame mirrors the wire format.
type frame struct {
	Command string     `json:"command"`
	Bugs    []int      `json:"bugs,omitempty"`
	Bug     int        `json:"bug,omitempty"`
	When    *time.Time `json:"when,omitempty"`
	Result  string     `json:"result,omitempty"`
}

type session struct {
	conn *websocket.Conn
	subs map[int]bool
}

// Server is a notification server listening on a loopback port.
type Server struct {
	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	sessions map[*websocket.Conn]*session
	accepted int
	received []frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a server. A nil logger discards output.
func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessions: make(map[*websocket.Conn]*session),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// Start listens on a random loopback port.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     http.HandlerFunc(s.handleWebSocket),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// URL returns the ws:// address clients dial.
func (s *Server) URL() string {
	return "ws://" + s.listener.Addr().String() + "/"
}

// Stop closes every connection with StatusGoingAway and shuts down.
func (s *Server) Stop() error {
	s.Disconnect(websocket.StatusGoingAway)
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Disconnect closes every open connection with status.
func (s *Server) Disconnect(status websocket.StatusCode) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	for conn := range s.sessions {
		conns = append(conns, conn)
	}
	s.sessions = make(map[*websocket.Conn]*session)
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(status, "test disconnect")
	}
}

// Notify pushes an update for bugID to every connection subscribed to it
// and returns how many received it.
func (s *Server) Notify(bugID int) int {
	now := time.Now().UTC()
	data, _ := json.Marshal(frame{Command: "update", Bug: bugID, When: &now})

	var n int
	for _, conn := range s.subscribers(bugID) {
		if s.write(conn, data) == nil {
			n++
		}
	}
	return n
}

// SendRaw writes data to every connection as is.
func (s *Server) SendRaw(data []byte) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sessions))
	for conn := range s.sessions {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		_ = s.write(conn, data)
	}
}

// Subscriptions returns the union of bug IDs subscribed on open
// connections, ascending.
func (s *Server) Subscriptions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[int]bool)
	for _, sess := range s.sessions {
		for id := range sess.subs {
			set[id] = true
		}
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ClientCount returns the number of open connections.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Received returns the commands received so far, in order.
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	for i, f := range s.received {
		out[i] = f.Command
	}
	return out
}

func (s *Server) subscribers(bugID int) []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*websocket.Conn
	for conn, sess := range s.sessions {
		if sess.subs[bugID] {
			out = append(out, conn)
		}
	}
	return out
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.sessions[conn] = &session{conn: conn, subs: make(map[int]bool)}
	s.accepted++
	s.mu.Unlock()

	s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Printf("Bad frame: %v", err)
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, f)
		sess, ok := s.sessions[conn]
		if ok {
			for _, id := range f.Bugs {
				switch f.Command {
				case "subscribe":
					sess.subs[id] = true
				case "unsubscribe":
					delete(sess.subs, id)
				}
			}
		}
		s.mu.Unlock()

		ack, _ := json.Marshal(frame{Command: f.Command, Bugs: f.Bugs, Result: "ok"})
		_ = s.write(conn, ack)
	}
}
