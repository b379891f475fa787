package envelope

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/fortyfive/telemetry/internal/errors"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("envelope: zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("envelope: zstd decoder: %v", err))
	}
}

// Compress compresses a payload with the given scheme and returns the
// compressed bytes. CompressionNone returns the input unchanged.
func Compress(payload []byte, scheme Compression) ([]byte, error) {
	switch scheme {
	case CompressionNone:
		return payload, nil

	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, errors.Wrap(err, "gzip compress")
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(err, "gzip compress")
		}
		return buf.Bytes(), nil

	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		var c lz4.Compressor
		n, err := c.CompressBlock(payload, dst)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		if n == 0 {
			// Incompressible block. Fall back to the raw payload with
			// a zero-length marker so Decompress can tell them apart.
			return append([]byte{0}, payload...), nil
		}
		return append([]byte{1}, dst[:n]...), nil

	case CompressionZstd:
		return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), nil

	default:
		return nil, fmt.Errorf("unknown compression: %d", scheme)
	}
}

// Decompress reverses Compress. originalSize is the expected size of the
// decompressed payload; it bounds allocation and is required for lz4.
func Decompress(data []byte, scheme Compression, originalSize uint64) ([]byte, error) {
	switch scheme {
	case CompressionNone:
		return data, nil

	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
		}
		defer r.Close()
		out, err := io.ReadAll(io.LimitReader(r, int64(originalSize)+1))
		if err != nil {
			return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
		}
		if uint64(len(out)) != originalSize {
			return nil, errors.Wrapf(errors.ErrMalformedEnvelope,
				"gzip payload is %d bytes, expected %d", len(out), originalSize)
		}
		return out, nil

	case CompressionLZ4:
		if len(data) == 0 {
			return nil, errors.Wrap(errors.ErrMalformedEnvelope, "empty lz4 payload")
		}
		if data[0] == 0 {
			return data[1:], nil
		}
		out := make([]byte, originalSize)
		n, err := lz4.UncompressBlock(data[1:], out)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
		}
		return out[:n], nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, originalSize))
		if err != nil {
			return nil, errors.Wrap(errors.ErrMalformedEnvelope, err.Error())
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown compression: %d", scheme)
	}
}

// CompressPayload compresses the envelope payload in place, recording the
// original size and refreshing the checksum. Envelopes already compressed
// or without binary payloads are left untouched.
func CompressPayload(e *Envelope, scheme Compression) error {
	if e.Kind != PayloadBinary || e.Compression != CompressionNone || scheme == CompressionNone {
		return nil
	}
	compressed, err := Compress(e.Payload, scheme)
	if err != nil {
		return err
	}
	e.OriginalSize = uint64(len(e.Payload))
	e.Payload = compressed
	e.Compression = scheme
	e.Checksum = ChecksumPayload(compressed)
	return nil
}

// DecompressPayload restores the original payload of a compressed envelope.
func DecompressPayload(e *Envelope) error {
	if e.Kind != PayloadBinary || e.Compression == CompressionNone {
		return nil
	}
	if err := VerifyPayload(e); err != nil {
		return err
	}
	raw, err := Decompress(e.Payload, e.Compression, e.OriginalSize)
	if err != nil {
		return err
	}
	e.Payload = raw
	e.Compression = CompressionNone
	e.OriginalSize = 0
	e.Checksum = ChecksumPayload(raw)
	return nil
}
