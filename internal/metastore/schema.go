package metastore

import (
	"context"
	"database/sql"
	"fmt"
)

// =============================================================================
// Schema
// =============================================================================

// initSchema creates the metastore tables.
//
// This is idempotent - safe to run multiple times.
func initSchema(ctx context.Context, db *sql.DB) error {
	statements := []struct {
		name string
		sql  string
	}{
		{
			name: "batches",
			sql: `CREATE TABLE IF NOT EXISTS batches (
				logical_key  VARCHAR PRIMARY KEY,
				producer_id  VARCHAR NOT NULL,
				stream_id    VARCHAR NOT NULL,
				data_type    VARCHAR NOT NULL,
				backend      VARCHAR NOT NULL,
				tier         VARCHAR NOT NULL,
				blob_key     VARCHAR,
				first_seq    UBIGINT NOT NULL,
				last_seq     UBIGINT NOT NULL,
				record_count INTEGER NOT NULL,
				byte_count   UBIGINT NOT NULL,
				doc          BLOB,
				stored_at    TIMESTAMP NOT NULL
			)`,
		},
		{
			name: "batches.stream_index",
			sql: `CREATE INDEX IF NOT EXISTS idx_batches_stream
				ON batches (producer_id, stream_id, first_seq)`,
		},
		{
			name: "batches.tier_index",
			sql: `CREATE INDEX IF NOT EXISTS idx_batches_tier
				ON batches (tier, stored_at)`,
		},
		{
			name: "streams",
			sql: `CREATE TABLE IF NOT EXISTS streams (
				producer_id VARCHAR NOT NULL,
				stream_id   VARCHAR NOT NULL,
				last_acked  UBIGINT NOT NULL,
				updated_at  TIMESTAMP NOT NULL,
				PRIMARY KEY (producer_id, stream_id)
			)`,
		},
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("schema %s: %w", stmt.name, err)
		}
	}
	return nil
}
