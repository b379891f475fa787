// Package wire provides message framing for the telemetry ingest protocol.
//
// Messages are length-delimited CBOR documents. The 4-byte big-endian
// length prefix allows streaming of variable-length messages over TCP;
// payload integrity is covered by the envelope codec checksums, so the
// wire layer only guards against oversized or truncated frames.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/fortyfive/telemetry/config"
	"github.com/fortyfive/telemetry/internal/envelope"
	"github.com/fortyfive/telemetry/internal/errors"
)

// Kind identifies the message type carried by a frame.
type Kind uint8

const (
	// KindHello opens a session. Sent by the producer once per connection.
	KindHello Kind = iota + 1

	// KindHelloAck accepts a session and reports resume points.
	KindHelloAck

	// KindPublish carries a single telemetry envelope.
	KindPublish

	// KindAck acknowledges envelopes up to a sequence number.
	KindAck

	// KindCloseStream flushes and closes a single stream.
	KindCloseStream

	// KindError reports a failure for a correlated request.
	KindError

	// KindPing and KindPong keep idle connections alive.
	KindPing
	KindPong
)

// String returns the string representation of the message kind.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello_ack"
	case KindPublish:
		return "publish"
	case KindAck:
		return "ack"
	case KindCloseStream:
		return "close_stream"
	case KindError:
		return "error"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Message is the unit of exchange on an ingest connection. Exactly one
// of the payload fields is set, selected by Kind.
type Message struct {
	Kind Kind   `cbor:"1,keyasint"`
	ID   uint64 `cbor:"2,keyasint,omitempty"`

	Hello    *Hello             `cbor:"3,keyasint,omitempty"`
	HelloAck *HelloAck          `cbor:"4,keyasint,omitempty"`
	Envelope *envelope.Envelope `cbor:"5,keyasint,omitempty"`
	Ack      *Ack               `cbor:"6,keyasint,omitempty"`
	Close    *CloseStream       `cbor:"7,keyasint,omitempty"`
	Error    *Error             `cbor:"8,keyasint,omitempty"`
}

// Hello opens a session for a producer.
type Hello struct {
	Token      string   `cbor:"1,keyasint"`
	ProducerID string   `cbor:"2,keyasint"`
	Streams    []string `cbor:"3,keyasint,omitempty"`
}

// HelloAck accepts a session. LastAcked maps stream IDs to the highest
// durably stored sequence, letting producers resume where they left off.
type HelloAck struct {
	SessionID string            `cbor:"1,keyasint"`
	LastAcked map[string]uint64 `cbor:"2,keyasint,omitempty"`
}

// Ack acknowledges all envelopes of a stream up to and including
// UpToSequence. Durable acks mean the data reached its storage backend;
// non-durable acks mean it was accepted into the pipeline.
type Ack struct {
	StreamID     string `cbor:"1,keyasint"`
	UpToSequence uint64 `cbor:"2,keyasint"`
	Durable      bool   `cbor:"3,keyasint,omitempty"`
}

// CloseStream asks the server to flush any partial batch for the stream
// and release its state.
type CloseStream struct {
	StreamID string `cbor:"1,keyasint"`
}

// Error reports a failure, with a wire code from the errors package.
type Error struct {
	Code    int32  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
}

const lengthPrefixSize = 4

// Marshal encodes a message without framing. Used by transports with
// their own message boundaries, such as WebSocket binary frames.
func Marshal(msg *Message) ([]byte, error) {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}

// Unmarshal decodes an unframed message.
func Unmarshal(data []byte) (*Message, error) {
	if uint64(len(data)) > uint64(config.DefaultMaxEnvelopeSize) {
		return nil, errors.Wrapf(errors.ErrEnvelopeTooLarge,
			"message is %d bytes, limit %d", len(data), config.DefaultMaxEnvelopeSize)
	}
	msg := &Message{}
	if err := cbor.Unmarshal(data, msg); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
	}
	return msg, nil
}

// Reader reads length-delimited messages from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r       *bufio.Reader
	maxSize uint32
	mu      sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       bufio.NewReader(r),
		maxSize: config.DefaultMaxEnvelopeSize,
	}
}

// Read reads and unmarshals the next message.
// Returns an error if the message exceeds the maximum envelope size.
func (r *Reader) Read() (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r.r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read message length: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > r.maxSize {
		return nil, errors.Wrapf(errors.ErrEnvelopeTooLarge,
			"message is %d bytes, limit %d", size, r.maxSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}

	msg := &Message{}
	if err := cbor.Unmarshal(body, msg); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
	}
	return msg, nil
}

// Writer writes length-delimited messages to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w       io.Writer
	maxSize uint32
	mu      sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w:       w,
		maxSize: config.DefaultMaxEnvelopeSize,
	}
}

// Write marshals and writes a message with length prefix.
func (w *Writer) Write(msg *Message) error {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if uint64(len(body)) > uint64(w.maxSize) {
		return errors.Wrapf(errors.ErrEnvelopeTooLarge,
			"message is %d bytes, limit %d", len(body), w.maxSize)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for bidirectional communication.
type Conn struct {
	*Reader
	*Writer
}

// NewConn creates a Conn from an io.ReadWriter (e.g., net.Conn).
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{
		Reader: NewReader(rw),
		Writer: NewWriter(rw),
	}
}

// =============================================================================
// Message Constructors
// =============================================================================

// NewPublish creates a publish message carrying one envelope.
func NewPublish(id uint64, e *envelope.Envelope) *Message {
	return &Message{Kind: KindPublish, ID: id, Envelope: e}
}

// NewAck creates an ack for a stream up to the given sequence.
func NewAck(streamID string, upTo uint64, durable bool) *Message {
	return &Message{
		Kind: KindAck,
		Ack:  &Ack{StreamID: streamID, UpToSequence: upTo, Durable: durable},
	}
}

// NewError creates an error message with the given request ID, error code,
// and message. Error codes should be from the errors package (errors.Code*).
func NewError(id uint64, code int32, msg string) *Message {
	return &Message{
		Kind:  KindError,
		ID:    id,
		Error: &Error{Code: code, Message: msg},
	}
}

// NewErrorFromErr creates an error message from a Go error.
// It maps the error to the appropriate wire code using errors.ErrorToCode.
func NewErrorFromErr(id uint64, err error) *Message {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error message with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *Message {
	return NewError(id, code, fmt.Sprintf(format, args...))
}
