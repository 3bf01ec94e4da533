// Package testws provides an in-process upstream feed server for exercising
// the streaming connection manager and session in tests.
package testws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errNoConnections = errors.New("no live connections")

// Server is a websocket test server that records every frame clients send
// and can push frames back to them or drop connections on demand
type Server struct {
	HTTP *httptest.Server

	upgrader  websocket.Upgrader
	mu        sync.Mutex
	conns     []*websocket.Conn
	received  chan []byte
	connected chan struct{}
}

// New starts a test feed server; it is shut down via Close
func New() *Server {
	s := &Server{
		received:  make(chan []byte, 128),
		connected: make(chan struct{}, 16),
	}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	select {
	case s.connected <- struct{}{}:
	default:
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.received <- raw:
		default:
		}
	}
}

// URL returns the ws:// address of the server
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http")
}

// NextMessage waits for the next frame received from a client
func (s *Server) NextMessage(timeout time.Duration) ([]byte, error) {
	select {
	case raw := <-s.received:
		return raw, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for client frame")
	}
}

// WaitConnected waits for a new inbound connection
func (s *Server) WaitConnected(timeout time.Duration) error {
	select {
	case <-s.connected:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for connection")
	}
}

// Push writes a JSON frame to the most recent connection
func (s *Server) Push(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return errNoConnections
	}
	return s.conns[len(s.conns)-1].WriteJSON(v)
}

// PushRaw writes a raw text frame to the most recent connection
func (s *Server) PushRaw(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return errNoConnections
	}
	return s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, raw)
}

// DropConnections closes every live connection, simulating upstream failure
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close drops all connections and stops the server
func (s *Server) Close() {
	s.DropConnections()
	s.HTTP.Close()
}
