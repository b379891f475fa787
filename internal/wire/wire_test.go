package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fortyfive/telemetry/internal/envelope"
	interrors "github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/registry"
)

func TestReadWriteRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	env := &envelope.Envelope{
		TimestampMs: 1735689600000,
		ProducerID:  "robot-7",
		StreamID:    "session-42",
		DataType:    registry.TypeTimeSeries,
		Sequence:    3,
		Payload:     []byte("sample"),
		Kind:        envelope.PayloadBinary,
	}

	messages := []*Message{
		{Kind: KindHello, Hello: &Hello{Token: "secret", ProducerID: "robot-7"}},
		NewPublish(1, env),
		NewAck("session-42", 3, true),
		NewError(2, interrors.CodeBackpressure, "pipeline throttled"),
		{Kind: KindPing},
	}

	for _, msg := range messages {
		if err := w.Write(msg); err != nil {
			t.Fatalf("Write(%s) failed: %v", msg.Kind, err)
		}
	}

	r := NewReader(&buf)
	for _, want := range messages {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got.Kind != want.Kind {
			t.Errorf("kind = %s, expected %s", got.Kind, want.Kind)
		}
	}

	if _, err := r.Read(); err == nil {
		t.Error("expected error reading past end of stream")
	}
}

func TestAckFields(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(NewAck("session-42", 99, true)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := NewReader(&buf).Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Ack == nil {
		t.Fatal("ack payload missing")
	}
	if got.Ack.StreamID != "session-42" || got.Ack.UpToSequence != 99 || !got.Ack.Durable {
		t.Errorf("ack = %+v, expected session-42/99/durable", got.Ack)
	}
}

func TestReadRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	if _, err := NewReader(&buf).Read(); !errors.Is(err, interrors.ErrEnvelopeTooLarge) {
		t.Errorf("expected ErrEnvelopeTooLarge, got %v", err)
	}
}

func TestErrorFromErr(t *testing.T) {
	msg := NewErrorFromErr(7, interrors.ErrOutOfOrder)
	if msg.Error == nil {
		t.Fatal("error payload missing")
	}
	if msg.Error.Code != interrors.CodeOutOfOrder {
		t.Errorf("code = %d, expected %d", msg.Error.Code, interrors.CodeOutOfOrder)
	}
	if msg.ID != 7 {
		t.Errorf("id = %d, expected 7", msg.ID)
	}
}
