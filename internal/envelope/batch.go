package envelope

import (
	"fmt"

	"github.com/fortyfive/telemetry/internal/errors"
)

// Batch is an ordered group of envelopes from a single stream. Batches are
// the unit of routing: a batch is written to storage as a whole and
// acknowledged as a whole.
type Batch struct {
	key       StreamKey
	envelopes []*Envelope
	bytes     uint64
}

// NewBatch creates an empty batch for a stream with the given capacity hint.
func NewBatch(key StreamKey, capacity int) *Batch {
	return &Batch{
		key:       key,
		envelopes: make([]*Envelope, 0, capacity),
	}
}

// Append adds an envelope to the batch. The envelope must belong to the
// batch's stream and extend its sequence range.
func (b *Batch) Append(e *Envelope) error {
	if e.Key() != b.key {
		return errors.Wrapf(errors.ErrMalformedEnvelope,
			"envelope stream %s does not match batch stream %s", e.Key(), b.key)
	}
	if n := len(b.envelopes); n > 0 && e.Sequence <= b.envelopes[n-1].Sequence {
		return errors.Wrapf(errors.ErrOutOfOrder,
			"sequence %d does not extend batch ending at %d", e.Sequence, b.envelopes[n-1].Sequence)
	}
	b.envelopes = append(b.envelopes, e)
	b.bytes += e.PayloadSize()
	return nil
}

// Key returns the stream the batch belongs to.
func (b *Batch) Key() StreamKey {
	return b.key
}

// Envelopes returns the envelopes in sequence order.
func (b *Batch) Envelopes() []*Envelope {
	return b.envelopes
}

// Count returns the number of envelopes in the batch.
func (b *Batch) Count() int {
	return len(b.envelopes)
}

// Bytes returns the accumulated payload bytes in the batch.
func (b *Batch) Bytes() uint64 {
	return b.bytes
}

// Empty returns true if the batch holds no envelopes.
func (b *Batch) Empty() bool {
	return len(b.envelopes) == 0
}

// FirstSeq returns the lowest sequence number in the batch.
// Returns 0 for an empty batch.
func (b *Batch) FirstSeq() uint64 {
	if len(b.envelopes) == 0 {
		return 0
	}
	return b.envelopes[0].Sequence
}

// LastSeq returns the highest sequence number in the batch.
// Returns 0 for an empty batch.
func (b *Batch) LastSeq() uint64 {
	if len(b.envelopes) == 0 {
		return 0
	}
	return b.envelopes[len(b.envelopes)-1].Sequence
}

// LogicalKey returns the deterministic identity of the batch. Two routing
// attempts for the same batch produce the same key, which is what makes
// storage writes idempotent under retry.
func (b *Batch) LogicalKey() string {
	return fmt.Sprintf("%s/%s/%d-%d", b.key.ProducerID, b.key.StreamID, b.FirstSeq(), b.LastSeq())
}
