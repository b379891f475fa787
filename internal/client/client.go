// Package client implements the producer side of the telemetry ingest
// protocol: connect and authenticate, publish envelopes, track durable
// acknowledgement watermarks, and resume after reconnects from the
// server-reported resume points.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fortyfive/telemetry/internal/envelope"
	telsync "github.com/fortyfive/telemetry/internal/sync"
	"github.com/fortyfive/telemetry/internal/wire"
)

// =============================================================================
// State Machine
// =============================================================================

// ClientState represents the connection state of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

// String returns the human-readable name of the state.
func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// stateTransition represents a state transition.
type stateTransition struct {
	from ClientState
	to   ClientState
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	// From Disconnected
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	// From Connecting
	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	// From Connected
	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosing}:      true,

	// From Closing
	{StateClosing, StateClosed}: true,
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrClientClosed      = errors.New("client is closed")
	ErrClientClosing     = errors.New("client is closing")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrTimeout           = errors.New("request timeout")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// RemoteError is a failure the server reported for a specific request.
type RemoteError struct {
	Code    int32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// =============================================================================
// Client
// =============================================================================

// Client connects a single producer to a telemetry ingest server.
type Client struct {
	addr           string
	token          string
	producerID     string
	tlsConfig      *tls.Config
	requestTimeout time.Duration

	// Connection - protected by mu
	mu        sync.Mutex
	conn      net.Conn
	wire      *wire.Conn
	sessionID string

	state atomic.Int32

	// Resettable once for safe reconnection
	closeOnce telsync.ResettableOnce

	// Durable watermarks per stream, seeded from HelloAck and advanced
	// by server acks. Protected by ackMu.
	ackMu     sync.RWMutex
	lastAcked map[string]uint64

	// Pending requests
	pendingMu sync.RWMutex
	pending   map[uint64]chan *wire.Message
	requestID atomic.Uint64

	// Callbacks
	onAck        func(streamID string, upTo uint64, durable bool)
	onError      func(id uint64, code int32, message string)
	onDisconnect func(error)

	// Channels
	shutdown chan struct{}
}

// Config holds client configuration.
type Config struct {
	Addr           string
	Token          string
	ProducerID     string
	TLS            bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "localhost:9245",
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	c := &Client{
		addr:           cfg.Addr,
		token:          cfg.Token,
		producerID:     cfg.ProducerID,
		requestTimeout: cfg.RequestTimeout,
		lastAcked:      make(map[string]uint64),
		pending:        make(map[uint64]chan *wire.Message),
		shutdown:       make(chan struct{}),
	}

	if cfg.TLS {
		c.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		}
	}

	return c
}

// =============================================================================
// State Transition Methods
// =============================================================================

// getState returns the current state.
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// transitionTo attempts to transition to a new state.
func (c *Client) transitionTo(newState ClientState) error {
	for {
		oldState := c.getState()
		transition := stateTransition{from: oldState, to: newState}

		if !validTransitions[transition] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldState, newState)
		}

		if c.state.CompareAndSwap(int32(oldState), int32(newState)) {
			return nil
		}
	}
}

// transitionFrom attempts to transition from a specific state to a new state.
func (c *Client) transitionFrom(from, to ClientState) bool {
	transition := stateTransition{from: from, to: to}
	if !validTransitions[transition] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// =============================================================================
// Connection Management
// =============================================================================

// Connect connects and authenticates to the server.
func (c *Client) Connect() error {
	return c.ConnectWithContext(context.Background())
}

// ConnectWithContext connects with a context for timeout/cancellation.
func (c *Client) ConnectWithContext(ctx context.Context) error {
	currentState := c.getState()
	switch currentState {
	case StateClosed:
		return ErrClientClosed
	case StateClosing:
		return ErrClientClosing
	case StateConnected:
		return ErrAlreadyConnected
	case StateConnecting:
		return fmt.Errorf("connection already in progress")
	}

	if !c.transitionFrom(StateDisconnected, StateConnecting) {
		return fmt.Errorf("cannot connect: current state is %s", c.getState())
	}

	success := false
	defer func() {
		if !success {
			c.transitionFrom(StateConnecting, StateDisconnected)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	var conn net.Conn
	var err error

	dialer := &net.Dialer{}

	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, c.tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.conn = conn
	c.wire = wire.NewConn(conn)

	if err := c.authenticate(ctx); err != nil {
		conn.Close()
		c.conn = nil
		c.wire = nil
		return err
	}

	go c.readLoop()

	if err := c.transitionTo(StateConnected); err != nil {
		conn.Close()
		c.conn = nil
		c.wire = nil
		return err
	}

	success = true
	return nil
}

// authenticate performs the hello exchange. A successful HelloAck
// carries the session ID and per-stream resume points, which replace
// whatever watermarks the client tracked before.
func (c *Client) authenticate(ctx context.Context) error {
	if err := c.wire.Write(&wire.Message{
		Kind: wire.KindHello,
		ID:   1,
		Hello: &wire.Hello{
			Token:      c.token,
			ProducerID: c.producerID,
		},
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
	defer c.conn.SetReadDeadline(time.Time{})

	msg, err := c.wire.Read()
	if err != nil {
		return fmt.Errorf("read hello response: %w", err)
	}

	if msg.Kind == wire.KindError && msg.Error != nil {
		return fmt.Errorf("%s: %w", msg.Error.Message, ErrAuthFailed)
	}
	if msg.Kind != wire.KindHelloAck || msg.HelloAck == nil {
		return fmt.Errorf("unexpected %s response to hello: %w", msg.Kind, ErrAuthFailed)
	}

	c.sessionID = msg.HelloAck.SessionID

	c.ackMu.Lock()
	c.lastAcked = make(map[string]uint64, len(msg.HelloAck.LastAcked))
	for stream, seq := range msg.HelloAck.LastAcked {
		c.lastAcked[stream] = seq
	}
	c.ackMu.Unlock()

	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	var closeErr error

	c.closeOnce.Do(func() {
		currentState := c.getState()
		if currentState == StateClosed || currentState == StateClosing {
			return
		}

		if currentState == StateConnected {
			c.transitionFrom(StateConnected, StateClosing)
		} else if currentState == StateDisconnected {
			c.transitionFrom(StateDisconnected, StateClosed)
			return
		}

		close(c.shutdown)

		c.mu.Lock()
		if c.conn != nil {
			closeErr = c.conn.Close()
			c.conn = nil
			c.wire = nil
		}
		c.mu.Unlock()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.transitionFrom(StateClosing, StateClosed)
	})

	return closeErr
}

// Reconnect attempts to reconnect to the server.
func (c *Client) Reconnect() error {
	return c.ReconnectWithContext(context.Background())
}

// ReconnectWithContext attempts to reconnect with context. The hello
// exchange refreshes the resume points, so after a successful reconnect
// the producer continues each stream from LastAcked(stream)+1.
func (c *Client) ReconnectWithContext(ctx context.Context) error {
	currentState := c.getState()
	if currentState == StateClosed {
		return ErrClientClosed
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.wire = nil
	}
	c.mu.Unlock()

	c.state.Store(int32(StateDisconnected))

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pending = make(map[uint64]chan *wire.Message)
	c.pendingMu.Unlock()

	c.shutdown = make(chan struct{})

	c.closeOnce.Reset()

	return c.ConnectWithContext(ctx)
}

// =============================================================================
// State Queries
// =============================================================================

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.getState() == StateConnected
}

// IsClosed returns true if permanently closed.
func (c *Client) IsClosed() bool {
	return c.getState() == StateClosed
}

// State returns the current state as a string.
func (c *Client) State() string {
	return c.getState().String()
}

// LastAcked returns the highest durably acknowledged sequence for a
// stream, or 0 if nothing was acknowledged. Publishing resumes at
// LastAcked+1.
func (c *Client) LastAcked(streamID string) uint64 {
	c.ackMu.RLock()
	defer c.ackMu.RUnlock()
	return c.lastAcked[streamID]
}

// ResumePoints returns a copy of all per-stream watermarks.
func (c *Client) ResumePoints() map[string]uint64 {
	c.ackMu.RLock()
	defer c.ackMu.RUnlock()

	out := make(map[string]uint64, len(c.lastAcked))
	for stream, seq := range c.lastAcked {
		out[stream] = seq
	}
	return out
}

// =============================================================================
// Callbacks
// =============================================================================

// OnAck sets the handler invoked for every server acknowledgement.
func (c *Client) OnAck(fn func(streamID string, upTo uint64, durable bool)) {
	c.pendingMu.Lock()
	c.onAck = fn
	c.pendingMu.Unlock()
}

// OnError sets the handler for server errors that have no waiting
// request, such as a rejected publish.
func (c *Client) OnError(fn func(id uint64, code int32, message string)) {
	c.pendingMu.Lock()
	c.onError = fn
	c.pendingMu.Unlock()
}

// OnDisconnect sets the handler for disconnection.
func (c *Client) OnDisconnect(fn func(error)) {
	c.pendingMu.Lock()
	c.onDisconnect = fn
	c.pendingMu.Unlock()
}

// =============================================================================
// Publishing
// =============================================================================

// Publish sends one envelope. Publishing is streaming: the call returns
// once the envelope is written, and acceptance is confirmed later by an
// ack covering its sequence. Server-side rejections arrive through the
// OnError callback with the returned message ID.
func (c *Client) Publish(e *envelope.Envelope) (uint64, error) {
	if c.getState() != StateConnected {
		return 0, ErrNotConnected
	}
	if e.ProducerID == "" {
		e.ProducerID = c.producerID
	}

	id := c.requestID.Add(1)

	c.mu.Lock()
	w := c.wire
	c.mu.Unlock()
	if w == nil {
		return 0, ErrNotConnected
	}

	if err := w.Write(wire.NewPublish(id, e)); err != nil {
		return 0, fmt.Errorf("write publish: %w", err)
	}
	return id, nil
}

// CloseStream flushes the server-side partial batch for a stream and
// waits for the final durable watermark.
func (c *Client) CloseStream(ctx context.Context, streamID string) (uint64, error) {
	resp, err := c.request(ctx, &wire.Message{
		Kind:  wire.KindCloseStream,
		Close: &wire.CloseStream{StreamID: streamID},
	})
	if err != nil {
		return 0, err
	}
	if resp.Kind != wire.KindAck || resp.Ack == nil {
		return 0, fmt.Errorf("unexpected %s response to close_stream", resp.Kind)
	}
	return resp.Ack.UpToSequence, nil
}

// Ping checks connection liveness.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.request(ctx, &wire.Message{Kind: wire.KindPing})
	if err != nil {
		return err
	}
	if resp.Kind != wire.KindPong {
		return fmt.Errorf("unexpected %s response to ping", resp.Kind)
	}
	return nil
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop() {
	var disconnectErr error

	defer func() {
		c.pendingMu.RLock()
		fn := c.onDisconnect
		c.pendingMu.RUnlock()

		if fn != nil && disconnectErr != nil {
			fn(disconnectErr)
		}
	}()

	c.mu.Lock()
	w := c.wire
	c.mu.Unlock()
	if w == nil {
		return
	}

	for {
		msg, err := w.Read()
		if err != nil {
			if c.getState() != StateConnected {
				return
			}

			disconnectErr = err
			c.transitionFrom(StateConnected, StateDisconnected)
			return
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg *wire.Message) {
	if msg.Kind == wire.KindAck && msg.Ack != nil && msg.ID == 0 {
		c.recordAck(msg.Ack)
		return
	}

	c.pendingMu.RLock()
	ch, ok := c.pending[msg.ID]
	c.pendingMu.RUnlock()

	if ok {
		// Correlated acks still advance the watermark before waking
		// the waiter.
		if msg.Kind == wire.KindAck && msg.Ack != nil {
			c.recordAck(msg.Ack)
		}
		select {
		case ch <- msg:
		default:
		}
		return
	}

	if msg.Kind == wire.KindError && msg.Error != nil {
		c.pendingMu.RLock()
		fn := c.onError
		c.pendingMu.RUnlock()

		if fn != nil {
			fn(msg.ID, msg.Error.Code, msg.Error.Message)
		}
	}
}

// recordAck advances the stream watermark and fires the OnAck callback.
// Watermarks never move backwards.
func (c *Client) recordAck(ack *wire.Ack) {
	if ack.Durable {
		c.ackMu.Lock()
		if ack.UpToSequence > c.lastAcked[ack.StreamID] {
			c.lastAcked[ack.StreamID] = ack.UpToSequence
		}
		c.ackMu.Unlock()
	}

	c.pendingMu.RLock()
	fn := c.onAck
	c.pendingMu.RUnlock()

	if fn != nil {
		fn(ack.StreamID, ack.UpToSequence, ack.Durable)
	}
}

// =============================================================================
// Request/Response
// =============================================================================

func (c *Client) request(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if c.getState() != StateConnected {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	id := c.requestID.Add(1)
	msg.ID = id

	ch := make(chan *wire.Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	w := c.wire
	c.mu.Unlock()
	if w == nil {
		return nil, ErrNotConnected
	}

	if err := w.Write(msg); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClientClosed
		}
		if resp.Kind == wire.KindError && resp.Error != nil {
			return nil, &RemoteError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())

	case <-c.shutdown:
		return nil, ErrClientClosed
	}
}
