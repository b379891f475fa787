package envelope

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/xxh3"

	"github.com/fortyfive/telemetry/internal/errors"
)

// Frame layout:
//
//	[4 bytes] magic "FTLM"
//	[1 byte]  codec version
//	[1 byte]  flags (reserved)
//	[2 bytes] reserved
//	[8 bytes] xxh3 checksum of the body
//	[4 bytes] body length
//	[N bytes] CBOR body
const (
	frameMagic   uint32 = 0x46544C4D // "FTLM"
	frameVersion byte   = 1

	// HeaderSize is the fixed size of the frame header in bytes.
	HeaderSize = 4 + 1 + 1 + 2 + 8 + 4
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("envelope: cbor decode mode: %v", err))
	}
}

// Codec encodes and decodes envelopes to the framed wire form.
type Codec struct {
	// MaxBodySize caps the body length accepted on decode and produced
	// on encode. Zero means unlimited.
	MaxBodySize uint64
}

// NewCodec creates a codec with the given body size ceiling.
func NewCodec(maxBodySize uint64) *Codec {
	return &Codec{MaxBodySize: maxBodySize}
}

// Encode serializes an envelope into a framed byte slice.
func (c *Codec) Encode(e *Envelope) ([]byte, error) {
	body, err := encMode.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encoding envelope body")
	}
	return c.frame(body)
}

// Decode parses a framed byte slice into an envelope. The entire frame
// must be present; trailing bytes are rejected.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	body, err := c.unframe(data)
	if err != nil {
		return nil, err
	}
	var e Envelope
	if err := decMode.Unmarshal(body, &e); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
	}
	return &e, nil
}

// EncodeBatch serializes a batch into a framed byte slice. The frame
// format is shared with single envelopes; the body type differs.
func (c *Codec) EncodeBatch(b *Batch) ([]byte, error) {
	rec := batchRecord{
		ProducerID: b.key.ProducerID,
		StreamID:   b.key.StreamID,
		Envelopes:  b.envelopes,
	}
	body, err := encMode.Marshal(&rec)
	if err != nil {
		return nil, errors.Wrap(err, "encoding batch body")
	}
	return c.frame(body)
}

// DecodeBatch parses a framed byte slice into a batch.
func (c *Codec) DecodeBatch(data []byte) (*Batch, error) {
	body, err := c.unframe(data)
	if err != nil {
		return nil, err
	}
	var rec batchRecord
	if err := decMode.Unmarshal(body, &rec); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
	}
	b := NewBatch(StreamKey{ProducerID: rec.ProducerID, StreamID: rec.StreamID}, len(rec.Envelopes))
	for _, e := range rec.Envelopes {
		if err := b.Append(e); err != nil {
			return nil, err
		}
	}
	return b, nil
}

type batchRecord struct {
	ProducerID string      `cbor:"1,keyasint"`
	StreamID   string      `cbor:"2,keyasint"`
	Envelopes  []*Envelope `cbor:"3,keyasint"`
}

func (c *Codec) frame(body []byte) ([]byte, error) {
	if c.MaxBodySize > 0 && uint64(len(body)) > c.MaxBodySize {
		return nil, errors.Wrapf(errors.ErrEnvelopeTooLarge,
			"body is %d bytes, limit %d", len(body), c.MaxBodySize)
	}

	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], frameMagic)
	buf[4] = frameVersion
	binary.BigEndian.PutUint64(buf[8:16], xxh3.Hash(body))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

func (c *Codec) unframe(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, errors.Wrapf(errors.ErrMalformedEnvelope,
			"frame is %d bytes, header needs %d", len(data), HeaderSize)
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != frameMagic {
		return nil, errors.Wrapf(errors.ErrMalformedEnvelope, "bad magic 0x%08x", magic)
	}
	if data[4] != frameVersion {
		return nil, errors.Wrapf(errors.ErrMalformedEnvelope, "unsupported codec version %d", data[4])
	}

	sum := binary.BigEndian.Uint64(data[8:16])
	size := binary.BigEndian.Uint32(data[16:20])
	if c.MaxBodySize > 0 && uint64(size) > c.MaxBodySize {
		return nil, errors.Wrapf(errors.ErrEnvelopeTooLarge,
			"body is %d bytes, limit %d", size, c.MaxBodySize)
	}
	if uint64(len(data)) != uint64(HeaderSize)+uint64(size) {
		return nil, errors.Wrapf(errors.ErrMalformedEnvelope,
			"frame is %d bytes, header declares %d", len(data), uint64(HeaderSize)+uint64(size))
	}

	body := data[HeaderSize:]
	if got := xxh3.Hash(body); got != sum {
		return nil, errors.Wrapf(errors.ErrChecksumMismatch,
			"expected 0x%016x, got 0x%016x", sum, got)
	}
	return body, nil
}

// ChecksumPayload computes the payload checksum stored in the envelope.
func ChecksumPayload(payload []byte) uint64 {
	return xxh3.Hash(payload)
}

// VerifyPayload checks the stored payload checksum, if one is set.
func VerifyPayload(e *Envelope) error {
	if e.Checksum == 0 || e.Kind != PayloadBinary {
		return nil
	}
	if got := xxh3.Hash(e.Payload); got != e.Checksum {
		return errors.Wrapf(errors.ErrChecksumMismatch,
			"payload checksum expected 0x%016x, got 0x%016x", e.Checksum, got)
	}
	return nil
}
