package metastore

import (
	"context"
	"database/sql"
	"time"

	"github.com/fortyfive/telemetry/internal/errors"
	"github.com/fortyfive/telemetry/internal/registry"
	"github.com/fortyfive/telemetry/internal/tier"
)

// Reference describes where a routed batch landed. It is the durable
// record of a storage write and the starting point of every read.
type Reference struct {
	LogicalKey string
	ProducerID string
	StreamID   string
	DataType   registry.TypeID
	Backend    registry.Backend
	Tier       tier.Tier

	// BlobKey locates the payload in the blob store. Empty for
	// metadata-only batches.
	BlobKey string

	FirstSeq uint64
	LastSeq  uint64
	Count    int
	Bytes    uint64
	StoredAt time.Time
}

// UpsertBatch records a routed batch. The logical key is the primary key,
// so retried routes of the same batch leave the first write in place.
// doc carries the encoded batch for metadata-backend data types; pass nil
// for blob-only batches.
func (s *Store) UpsertBatch(ctx context.Context, ref Reference, doc []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (
			logical_key, producer_id, stream_id, data_type, backend, tier,
			blob_key, first_seq, last_seq, record_count, byte_count, doc, stored_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (logical_key) DO NOTHING`,
		ref.LogicalKey, ref.ProducerID, ref.StreamID, string(ref.DataType),
		ref.Backend.String(), ref.Tier.String(), ref.BlobKey,
		ref.FirstSeq, ref.LastSeq, ref.Count, ref.Bytes, doc, ref.StoredAt,
	)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, err.Error())
	}
	return nil
}

// Resolve looks up the reference for a logical key.
func (s *Store) Resolve(ctx context.Context, logicalKey string) (Reference, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT logical_key, producer_id, stream_id, data_type, backend, tier,
		       blob_key, first_seq, last_seq, record_count, byte_count, stored_at
		FROM batches WHERE logical_key = ?`, logicalKey)
	return scanReference(row)
}

// GetDoc returns the stored document for a metadata-backend batch.
func (s *Store) GetDoc(ctx context.Context, logicalKey string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM batches WHERE logical_key = ?`, logicalKey).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "batch %s", logicalKey)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	if doc == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "batch %s has no document", logicalKey)
	}
	return doc, nil
}

// ListStream returns the references of a stream, ordered by sequence.
func (s *Store) ListStream(ctx context.Context, producerID, streamID string) ([]Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logical_key, producer_id, stream_id, data_type, backend, tier,
		       blob_key, first_seq, last_seq, record_count, byte_count, stored_at
		FROM batches
		WHERE producer_id = ? AND stream_id = ?
		ORDER BY first_seq`, producerID, streamID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	defer rows.Close()
	return scanReferences(rows)
}

// ListTierBefore returns batches in a tier stored before the cutoff.
// Used by the retention sweeper to find demotion and expiry candidates.
func (s *Store) ListTierBefore(ctx context.Context, t tier.Tier, cutoff time.Time, limit int) ([]Reference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logical_key, producer_id, stream_id, data_type, backend, tier,
		       blob_key, first_seq, last_seq, record_count, byte_count, stored_at
		FROM batches
		WHERE tier = ? AND stored_at < ?
		ORDER BY stored_at
		LIMIT ?`, t.String(), cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	defer rows.Close()
	return scanReferences(rows)
}

// UpdateTier moves a batch's reference to a new tier and blob key after
// demotion. Once the content lives in a blob the inline document is
// dropped to free hot storage.
func (s *Store) UpdateTier(ctx context.Context, logicalKey string, t tier.Tier, blobKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET tier = ?, blob_key = ?, doc = CASE WHEN ? = '' THEN doc ELSE NULL END
		WHERE logical_key = ?`,
		t.String(), blobKey, blobKey, logicalKey)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, err.Error())
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "batch %s", logicalKey)
	}
	return nil
}

// DeleteBatch removes a batch record after expiry.
func (s *Store) DeleteBatch(ctx context.Context, logicalKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM batches WHERE logical_key = ?`, logicalKey)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, err.Error())
	}
	return nil
}

// =============================================================================
// Acknowledgement Watermarks
// =============================================================================

// SetLastAcked records the highest durably stored sequence for a stream.
// The watermark never regresses.
func (s *Store) SetLastAcked(ctx context.Context, producerID, streamID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO streams (producer_id, stream_id, last_acked, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (producer_id, stream_id) DO UPDATE SET
			last_acked = GREATEST(streams.last_acked, excluded.last_acked),
			updated_at = excluded.updated_at`,
		producerID, streamID, seq, time.Now().UTC())
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, err.Error())
	}
	return nil
}

// LastAcked returns the acknowledgement watermark for a stream.
// Returns 0 for streams never seen.
func (s *Store) LastAcked(ctx context.Context, producerID, streamID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_acked FROM streams
		WHERE producer_id = ? AND stream_id = ?`, producerID, streamID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	return seq, nil
}

// LastAckedByProducer returns the watermark of every stream of a producer.
// Used to build resume points when a producer reconnects.
func (s *Store) LastAckedByProducer(ctx context.Context, producerID string) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, last_acked FROM streams
		WHERE producer_id = ?`, producerID)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	defer rows.Close()

	acked := make(map[string]uint64)
	for rows.Next() {
		var streamID string
		var seq uint64
		if err := rows.Scan(&streamID, &seq); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, err.Error())
		}
		acked[streamID] = seq
	}
	return acked, rows.Err()
}

// =============================================================================
// Row Scanning
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReference(row rowScanner) (Reference, error) {
	var ref Reference
	var dataType, backend, tierName string
	var blobKey sql.NullString

	err := row.Scan(&ref.LogicalKey, &ref.ProducerID, &ref.StreamID,
		&dataType, &backend, &tierName, &blobKey,
		&ref.FirstSeq, &ref.LastSeq, &ref.Count, &ref.Bytes, &ref.StoredAt)
	if err == sql.ErrNoRows {
		return Reference{}, errors.ErrNotFound
	}
	if err != nil {
		return Reference{}, errors.Wrap(errors.ErrDatabase, err.Error())
	}

	ref.DataType = registry.TypeID(dataType)
	ref.BlobKey = blobKey.String

	if ref.Backend, err = registry.ParseBackend(backend); err != nil {
		return Reference{}, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	if ref.Tier, err = tier.Parse(tierName); err != nil {
		return Reference{}, errors.Wrap(errors.ErrDatabase, err.Error())
	}
	return ref, nil
}

func scanReferences(rows *sql.Rows) ([]Reference, error) {
	var refs []Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
