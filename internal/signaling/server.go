package signaling

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/veska-im/callkit/internal/util"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the user-id-keyed WebSocket relay. It forwards envelopes to their
// target and takes no part in call semantics: no replay on reconnect, no
// buffering for offline peers.
type Server struct {
	listener net.Listener

	mu    sync.RWMutex
	peers map[string]*relayConn
}

// relayConn is one registered peer connection with serialized writes.
type relayConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (rc *relayConn) write(env Envelope) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteJSON(env)
}

// NewServer creates an empty relay.
func NewServer() *Server {
	return &Server{peers: make(map[string]*relayConn)}
}

// Start begins listening on addr (":0" for a random port).
// Returns the assigned port number.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("start signaling relay: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

// Close shuts down the listener and disconnects all peers.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, rc := range s.peers {
		rc.conn.Close()
	}
	s.peers = make(map[string]*relayConn)
	s.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("user")
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		http.Error(w, "user id already registered", http.StatusConflict)
		return
	}
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	rc := &relayConn{id: id, conn: conn}

	confirm, err := NewEnvelope(MsgRegistered, id, "", RegisteredPayload{ID: id})
	if err != nil {
		conn.Close()
		return
	}

	// Re-check and register under one lock: a concurrent dial with the same
	// id raced the pre-upgrade check and must lose here, not silently
	// replace an established peer. The confirm is written inside the lock so
	// no forwarded envelope can precede it.
	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if err := rc.write(confirm); err != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.peers[id] = rc
	s.mu.Unlock()
	util.LogInfo("peer registered: %s", id)

	s.readLoop(rc)
}

// readLoop forwards envelopes from one peer until its connection drops.
func (s *Server) readLoop(rc *relayConn) {
	defer func() {
		s.mu.Lock()
		// Only unregister our own registration, never a successor's.
		if s.peers[rc.id] == rc {
			delete(s.peers, rc.id)
		}
		s.mu.Unlock()
		rc.conn.Close()
		util.LogInfo("peer disconnected: %s", rc.id)
	}()

	for {
		var env Envelope
		if err := rc.conn.ReadJSON(&env); err != nil {
			return
		}

		// The sender identity is authoritative from the connection, never
		// from the client-supplied field.
		env.From = rc.id

		if env.To == "" || env.To == rc.id {
			s.replyError(rc, "missing or self-addressed target")
			continue
		}

		s.mu.RLock()
		target, ok := s.peers[env.To]
		s.mu.RUnlock()
		if !ok {
			s.replyError(rc, fmt.Sprintf("peer %s not connected", env.To))
			continue
		}

		if err := target.write(env); err != nil {
			util.LogWarning("forward %s %s → %s failed: %v", env.Type, rc.id, env.To, err)
		}
	}
}

func (s *Server) replyError(rc *relayConn, reason string) {
	env, err := NewEnvelope(MsgError, rc.id, "", ErrorPayload{Reason: reason})
	if err != nil {
		return
	}
	if err := rc.write(env); err != nil {
		util.LogDebug("error reply to %s failed: %v", rc.id, err)
	}
}
