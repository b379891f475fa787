package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fortyfive/telemetry/config"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/validation"
	"github.com/fortyfive/telemetry/internal/wire"
)

// =============================================================================
// Rate Limiter for Failed Authentication Attempts
// =============================================================================

// RateLimiter limits FAILED authentication attempts per IP address per
// time window. Successful authentications are not counted and reset the
// failure counter.
type RateLimiter struct {
	mu       sync.RWMutex
	failures map[string]*rateLimitEntry
	limit    int
	window   time.Duration

	stop chan struct{}
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

// NewRateLimiter creates a rate limiter allowing limit failures per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		failures: make(map[string]*rateLimitEntry),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// IsBlocked returns true if the IP exceeded the failure limit. Call
// before attempting authentication.
func (rl *RateLimiter) IsBlocked(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok {
		return false
	}
	if time.Now().After(entry.resetTime) {
		return false
	}
	return entry.count >= rl.limit
}

// RecordFailure records a failed authentication attempt.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	entry, ok := rl.failures[ip]
	if !ok || now.After(entry.resetTime) {
		rl.failures[ip] = &rateLimitEntry{
			count:     1,
			resetTime: now.Add(rl.window),
		}
		return
	}
	entry.count++
}

// Reset clears the failure count for an IP after successful auth.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
}

// FailureCount returns the current failure count for an IP.
func (rl *RateLimiter) FailureCount(ip string) int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	entry, ok := rl.failures[ip]
	if !ok || time.Now().After(entry.resetTime) {
		return 0
	}
	return entry.count
}

// Stop halts the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, entry := range rl.failures {
		if now.After(entry.resetTime) {
			delete(rl.failures, ip)
		}
	}
}

// =============================================================================
// Server Configuration
// =============================================================================

// Ingestor is the pipeline surface the server publishes into.
type Ingestor interface {
	Submit(ctx context.Context, e *envelope.Envelope) error
	CloseStream(ctx context.Context, key envelope.StreamKey) (uint64, error)
	SeedWatermark(key envelope.StreamKey, seq uint64)
}

// WatermarkSource reports durable watermarks for resuming producers.
type WatermarkSource interface {
	LastAckedByProducer(ctx context.Context, producerID string) (map[string]uint64, error)
}

// BatchReader serves stored batches by logical key. Optional; when set,
// the HTTP listener exposes GET /batches/{logicalKey}.
type BatchReader interface {
	ReadRaw(ctx context.Context, logicalKey string) ([]byte, error)
}

// Config holds server configuration.
type Config struct {
	// Listen is the TCP listen address, e.g. "0.0.0.0:9245".
	Listen string

	// WebSocketListen is the HTTP listen address for the WebSocket
	// endpoint. Empty disables the WebSocket transport.
	WebSocketListen string

	// TLS configuration for the TCP listener (optional).
	TLSCertFile string
	TLSKeyFile  string

	// Authentication tokens.
	Tokens []TokenConfig

	// Session settings.
	AuthTimeoutSec int
	SendBufferSize int
	SendTimeoutMs  int

	// RateLimitPerMinute is the max failed auth attempts per IP per minute.
	RateLimitPerMinute int
}

// =============================================================================
// Server
// =============================================================================

// Server accepts producer connections and feeds the ingestion pipeline.
type Server struct {
	cfg        *Config
	pipeline   Ingestor
	watermarks WatermarkSource
	reader     BatchReader
	sessions   *SessionManager

	lnMu     sync.Mutex
	listener net.Listener
	wsServer *http.Server

	authRateLimiter *RateLimiter

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a server publishing into the given pipeline.
func New(cfg *Config, pipeline Ingestor, watermarks WatermarkSource) *Server {
	if cfg.Listen == "" {
		cfg.Listen = config.DefaultListenAddress
	}
	if cfg.AuthTimeoutSec == 0 {
		cfg.AuthTimeoutSec = config.DefaultAuthTimeoutSec
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = config.DefaultAuthRateLimitPerMinute
	}

	sessions := NewSessionManager(&SessionManagerConfig{
		AuthTimeout:    time.Duration(cfg.AuthTimeoutSec) * time.Second,
		SendBufferSize: cfg.SendBufferSize,
		SendTimeout:    time.Duration(cfg.SendTimeoutMs) * time.Millisecond,
		Tokens:         cfg.Tokens,
	})

	return &Server{
		cfg:             cfg,
		pipeline:        pipeline,
		watermarks:      watermarks,
		sessions:        sessions,
		shutdown:        make(chan struct{}),
		authRateLimiter: NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
	}
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// DeliverAck forwards a durable watermark to every live session of the
// producer. Wired as the pipeline's ack callback.
// SetReader exposes stored batches on the HTTP listener. Must be called
// before Run.
func (s *Server) SetReader(r BatchReader) {
	s.reader = r
}

func (s *Server) DeliverAck(key envelope.StreamKey, upTo uint64, durable bool) {
	for _, sess := range s.sessions.ByProducer(key.ProducerID) {
		sess.Send(wire.NewAck(key.StreamID, upTo, durable))
	}
}

// Run starts the listeners and blocks until shutdown.
func (s *Server) Run() error {
	if s.cfg.WebSocketListen != "" {
		if err := s.startWebSocket(); err != nil {
			return err
		}
	}

	var ln net.Listener
	var err error

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		ln, err = tls.Listen("tcp", s.cfg.Listen, tlsCfg)
		if err != nil {
			return fmt.Errorf("TLS listen: %w", err)
		}
		log.Info("listening with TLS", "address", s.cfg.Listen)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Info("listening without TLS", "address", s.cfg.Listen)
	}

	s.lnMu.Lock()
	s.listener = ln
	s.lnMu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(newTCPConn(conn))
		}()
	}
}

// Addr returns the bound TCP listen address, or "" before Run has
// created the listener. Useful when Listen was ":0".
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() {
	log.Info("shutting down")
	close(s.shutdown)

	s.lnMu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.lnMu.Unlock()
	if s.wsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.wsServer.Shutdown(ctx)
		cancel()
	}

	s.sessions.CloseAll()
	s.wg.Wait()
	s.authRateLimiter.Stop()

	log.Info("shutdown complete")
}

// =============================================================================
// Connection Handling
// =============================================================================

// handleConn authenticates one connection and runs its read loop.
func (s *Server) handleConn(conn MessageConn) {
	remote := conn.RemoteAddr()
	remoteIP := extractIP(remote)

	log.Info("connection from", "remote", remote)

	if s.authRateLimiter.IsBlocked(remoteIP) {
		log.Warn("blocked due to too many failed auth attempts", "remote", remote)
		conn.Close()
		return
	}

	session, ok := s.authenticate(conn, remote, remoteIP)
	if !ok {
		conn.Close()
		return
	}

	// Writer goroutine. Close() is idempotent, safe from both sides.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range session.SendChan() {
			if err := conn.WriteMessage(msg); err != nil {
				log.Debug("write failed, closing session",
					"session_id", session.ID,
					"error", err)
				session.Close()
				return
			}
		}
	}()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleMessage(session, msg)
	}

	session.Close()
	log.Info("session disconnected", "session_id", session.ID)
	<-done
}

// authenticate runs the hello exchange. The first message must be a
// hello with a valid token; the ack carries the producer's durable
// watermarks so it can resume publishing.
func (s *Server) authenticate(conn MessageConn, remote, remoteIP string) (*Session, bool) {
	conn.SetReadDeadline(time.Now().Add(s.sessions.AuthTimeout()))

	msg, err := conn.ReadMessage()
	if err != nil {
		log.Error("auth read error", "remote", remote, "error", err)
		return nil, false
	}

	if msg.Kind != wire.KindHello || msg.Hello == nil {
		s.authRateLimiter.RecordFailure(remoteIP)
		conn.WriteMessage(wire.NewErrorFromErr(msg.ID, errors.ErrInvalidToken))
		return nil, false
	}
	hello := msg.Hello

	tokenCfg, ok := s.sessions.ValidateToken(hello.Token)
	if !ok || hello.ProducerID == "" || !tokenCfg.Allows(hello.ProducerID) {
		s.authRateLimiter.RecordFailure(remoteIP)
		conn.WriteMessage(wire.NewErrorFromErr(msg.ID, errors.ErrInvalidToken))
		log.Warn("auth failed", "remote", remote,
			"failure_count", s.authRateLimiter.FailureCount(remoteIP))
		return nil, false
	}

	s.authRateLimiter.Reset(remoteIP)
	conn.SetReadDeadline(time.Time{})

	lastAcked, err := s.watermarks.LastAckedByProducer(context.Background(), hello.ProducerID)
	if err != nil {
		log.Error("watermark lookup failed", "producer", hello.ProducerID, "error", err)
		conn.WriteMessage(wire.NewErrorFromErr(msg.ID, errors.ErrUnavailable))
		return nil, false
	}
	for streamID, seq := range lastAcked {
		s.pipeline.SeedWatermark(envelope.StreamKey{
			ProducerID: hello.ProducerID,
			StreamID:   streamID,
		}, seq)
	}

	session := s.sessions.CreateSession(tokenCfg.ID, hello.ProducerID, conn)
	log.Info("new session",
		"session_id", session.ID,
		"remote", remote,
		"producer", hello.ProducerID,
		"token_id", tokenCfg.ID)

	err = conn.WriteMessage(&wire.Message{
		Kind: wire.KindHelloAck,
		ID:   msg.ID,
		HelloAck: &wire.HelloAck{
			SessionID: session.ID,
			LastAcked: lastAcked,
		},
	})
	if err != nil {
		log.Error("failed to send hello ack", "remote", remote, "error", err)
		session.Close()
		return nil, false
	}

	return session, true
}

// handleMessage dispatches one message from an authenticated session.
func (s *Server) handleMessage(session *Session, msg *wire.Message) {
	switch msg.Kind {
	case wire.KindPublish:
		s.handlePublish(session, msg)

	case wire.KindCloseStream:
		s.handleCloseStream(session, msg)

	case wire.KindPing:
		session.Send(&wire.Message{Kind: wire.KindPong, ID: msg.ID})

	default:
		session.Send(wire.NewErrorf(msg.ID, errors.CodeMalformed,
			"unexpected message kind %s", msg.Kind))
	}
}

func (s *Server) handlePublish(session *Session, msg *wire.Message) {
	e := msg.Envelope
	if e == nil {
		session.Send(wire.NewErrorf(msg.ID, errors.CodeMalformed, "publish without envelope"))
		return
	}

	// A session only publishes as its authenticated producer.
	if e.ProducerID != session.ProducerID {
		session.Send(wire.NewErrorf(msg.ID, errors.CodeAuthFailed,
			"producer %q does not match session producer %q",
			e.ProducerID, session.ProducerID))
		return
	}

	if err := s.pipeline.Submit(context.Background(), e); err != nil {
		// Rejections are per-envelope; the session stays up and the
		// producer decides whether to retry or resync.
		session.Send(wire.NewErrorFromErr(msg.ID, err))
	}
}

func (s *Server) handleCloseStream(session *Session, msg *wire.Message) {
	if msg.Close == nil || msg.Close.StreamID == "" {
		session.Send(wire.NewErrorf(msg.ID, errors.CodeMalformed, "close without stream id"))
		return
	}

	key := envelope.StreamKey{
		ProducerID: session.ProducerID,
		StreamID:   msg.Close.StreamID,
	}
	watermark, err := s.pipeline.CloseStream(context.Background(), key)
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		session.Send(wire.NewErrorFromErr(msg.ID, err))
		return
	}
	ack := wire.NewAck(msg.Close.StreamID, watermark, true)
	ack.ID = msg.ID
	session.Send(ack)
}

// extractIP extracts the IP address from a remote address string.
func extractIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// =============================================================================
// WebSocket Transport
// =============================================================================

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// Producers are authenticated by token, not origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to MessageConn. One wire message
// per binary frame.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ReadMessage() (*wire.Message, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return wire.Unmarshal(data)
	}
}

func (c *wsConn) WriteMessage(msg *wire.Message) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }
func (c *wsConn) RemoteAddr() string                { return c.conn.RemoteAddr().String() }
func (c *wsConn) Close() error                      { return c.conn.Close() }

func (s *Server) startWebSocket() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/batches/", s.handleReadBatch)

	ln, err := net.Listen("tcp", s.cfg.WebSocketListen)
	if err != nil {
		return fmt.Errorf("websocket listen: %w", err)
	}

	s.wsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("websocket listening", "address", s.cfg.WebSocketListen)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error("websocket server error", "error", err)
		}
	}()
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(&wsConn{conn: conn})
	}()
}

// handleReadBatch serves one stored batch by logical key. The key
// contains slashes (producer/stream/firstSeq-lastSeq), so everything
// after the prefix is the key.
func (s *Server) handleReadBatch(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		http.Error(w, "read path not configured", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logicalKey := strings.TrimPrefix(r.URL.Path, "/batches/")
	if logicalKey == "" {
		http.Error(w, "missing logical key", http.StatusBadRequest)
		return
	}
	if _, err := validation.ParseKeyRef(logicalKey); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := s.reader.ReadRaw(r.Context(), logicalKey)
	if err != nil {
		switch {
		case errors.Is(err, errors.ErrNotFound):
			http.Error(w, "batch not found", http.StatusNotFound)
		case errors.Is(err, errors.ErrTimeout):
			http.Error(w, "backend timeout", http.StatusGatewayTimeout)
		default:
			log.Error("read batch failed", "logical_key", logicalKey, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}
