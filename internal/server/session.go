// Package server accepts producer connections over TCP (optionally TLS)
// and WebSocket, authenticates them, and feeds their envelopes into the
// ingestion pipeline. Durable acks flow back over the same connection.
//
// Sessions are not resumable. Each connection authenticates fresh and
// receives the durable watermarks for its producer in the hello ack, so
// a reconnecting producer resumes publishing from the right sequence
// without any server-side session state surviving the disconnect.
package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fortyfive/telemetry/config"
	"github.com/fortyfive/telemetry/internal/logging"
	"github.com/fortyfive/telemetry/internal/wire"
)

var log = logging.Component("server")

// MessageConn abstracts a producer connection. The TCP transport frames
// wire messages with a length prefix; the WebSocket transport carries
// one message per binary frame.
type MessageConn interface {
	ReadMessage() (*wire.Message, error)
	WriteMessage(msg *wire.Message) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// =============================================================================
// Session
// =============================================================================

// Session is one authenticated producer connection. It is destroyed on
// disconnect; producers resume via the watermarks in the next hello ack.
//
// Session is safe for concurrent use.
type Session struct {
	ID         string
	TokenID    string
	ProducerID string
	CreatedAt  time.Time

	conn MessageConn

	sendMu sync.RWMutex
	sendCh chan *wire.Message

	closed    atomic.Bool
	closeOnce sync.Once
	onClose   func(sessionID string)

	sendTimeout time.Duration
}

// Send queues a message for the writer goroutine. Returns false if the
// session is closed or the send buffer stays full past the timeout.
func (s *Session) Send(msg *wire.Message) bool {
	if s.closed.Load() {
		return false
	}

	s.sendMu.RLock()
	ch := s.sendCh
	s.sendMu.RUnlock()

	if ch == nil {
		return false
	}

	select {
	case ch <- msg:
		return true
	default:
		select {
		case ch <- msg:
			return true
		case <-time.After(s.sendTimeout):
			log.Warn("send buffer full, dropping message",
				"session_id", s.ID,
				"kind", msg.Kind.String())
			return false
		}
	}
}

// SendChan returns the send channel for the writer goroutine.
func (s *Session) SendChan() <-chan *wire.Message {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.sendCh
}

// Close closes the session permanently. Idempotent.
func (s *Session) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.sendMu.Lock()
		if s.sendCh != nil {
			close(s.sendCh)
			s.sendCh = nil
		}
		s.sendMu.Unlock()

		closeErr = s.conn.Close()

		if s.onClose != nil {
			s.onClose(s.ID)
		}

		log.Debug("session closed", "session_id", s.ID)
	})

	return closeErr
}

// IsClosed returns true if the session is closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// =============================================================================
// Session Manager
// =============================================================================

// TokenConfig holds one authentication token.
type TokenConfig struct {
	ID    string
	Token string

	// Producers restricts this token to specific producer IDs.
	// Empty means any producer.
	Producers []string
}

// Allows reports whether the token may publish as the given producer.
func (t *TokenConfig) Allows(producerID string) bool {
	if len(t.Producers) == 0 {
		return true
	}
	for _, p := range t.Producers {
		if p == producerID {
			return true
		}
	}
	return false
}

// SessionManagerConfig holds session manager configuration.
type SessionManagerConfig struct {
	AuthTimeout    time.Duration
	SendBufferSize int
	SendTimeout    time.Duration
	Tokens         []TokenConfig
}

// SessionManager tracks live sessions and validates tokens.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// byProducer indexes sessions for ack delivery.
	byProducer map[string]map[string]*Session

	tokens map[string]*TokenConfig

	authTimeout    time.Duration
	sendBufferSize int
	sendTimeout    time.Duration
}

// NewSessionManager creates a session manager.
func NewSessionManager(cfg *SessionManagerConfig) *SessionManager {
	if cfg == nil {
		cfg = &SessionManagerConfig{}
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = config.DefaultAuthTimeoutSec * time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = config.DefaultSessionSendBufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = config.DefaultSessionSendTimeoutMs * time.Millisecond
	}

	sm := &SessionManager{
		sessions:       make(map[string]*Session),
		byProducer:     make(map[string]map[string]*Session),
		tokens:         make(map[string]*TokenConfig),
		authTimeout:    cfg.AuthTimeout,
		sendBufferSize: cfg.SendBufferSize,
		sendTimeout:    cfg.SendTimeout,
	}
	for i := range cfg.Tokens {
		t := cfg.Tokens[i]
		sm.tokens[t.ID] = &t
	}
	return sm
}

// AuthTimeout returns the configured authentication timeout.
func (sm *SessionManager) AuthTimeout() time.Duration {
	return sm.authTimeout
}

// ValidateToken checks a presented token value against the registered
// tokens. Comparison is by value; the returned config carries the ID
// used for logging.
func (sm *SessionManager) ValidateToken(token string) (*TokenConfig, bool) {
	if token == "" {
		return nil, false
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, t := range sm.tokens {
		if t.Token == token {
			return t, true
		}
	}
	return nil, false
}

// CreateSession registers a new session for an authenticated producer.
func (sm *SessionManager) CreateSession(tokenID, producerID string, conn MessageConn) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		TokenID:     tokenID,
		ProducerID:  producerID,
		CreatedAt:   time.Now(),
		conn:        conn,
		sendCh:      make(chan *wire.Message, sm.sendBufferSize),
		sendTimeout: sm.sendTimeout,
	}
	s.onClose = sm.removeSession

	sm.mu.Lock()
	sm.sessions[s.ID] = s
	byID, ok := sm.byProducer[producerID]
	if !ok {
		byID = make(map[string]*Session)
		sm.byProducer[producerID] = byID
	}
	byID[s.ID] = s
	sm.mu.Unlock()

	return s
}

// GetSession returns a session by ID, or nil.
func (sm *SessionManager) GetSession(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// ByProducer returns the live sessions publishing as a producer.
func (sm *SessionManager) ByProducer(producerID string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	byID := sm.byProducer[producerID]
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of registered sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every session. Used during shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (sm *SessionManager) removeSession(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[id]
	if !ok {
		return
	}
	delete(sm.sessions, id)

	if byID, ok := sm.byProducer[s.ProducerID]; ok {
		delete(byID, id)
		if len(byID) == 0 {
			delete(sm.byProducer, s.ProducerID)
		}
	}
}

// =============================================================================
// Transports
// =============================================================================

// tcpConn adapts a length-prefixed net.Conn to MessageConn.
type tcpConn struct {
	conn net.Conn
	wire *wire.Conn
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn, wire: wire.NewConn(conn)}
}

func (c *tcpConn) ReadMessage() (*wire.Message, error)  { return c.wire.Read() }
func (c *tcpConn) WriteMessage(msg *wire.Message) error { return c.wire.Write(msg) }
func (c *tcpConn) SetReadDeadline(t time.Time) error    { return c.conn.SetReadDeadline(t) }
func (c *tcpConn) RemoteAddr() string                   { return c.conn.RemoteAddr().String() }
func (c *tcpConn) Close() error                         { return c.conn.Close() }
