package registry

import "fmt"

// Backend identifies which storage backend(s) a data type is routed to.
type Backend int

const (
	// BackendMetadata routes to the document/metadata store only.
	BackendMetadata Backend = iota

	// BackendBlob routes to the object/blob store only.
	BackendBlob

	// BackendBoth routes to both backends (document + object copy).
	BackendBoth
)

// String returns the string representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendMetadata:
		return "metadata"
	case BackendBlob:
		return "blob"
	case BackendBoth:
		return "both"
	default:
		return fmt.Sprintf("unknown(%d)", b)
	}
}

// ParseBackend parses a string into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "metadata":
		return BackendMetadata, nil
	case "blob":
		return BackendBlob, nil
	case "both":
		return BackendBoth, nil
	default:
		return BackendMetadata, fmt.Errorf("unknown backend: %s", s)
	}
}

// WritesMetadata returns true if the backend includes the metadata store.
func (b Backend) WritesMetadata() bool {
	return b == BackendMetadata || b == BackendBoth
}

// WritesBlob returns true if the backend includes the blob store.
func (b Backend) WritesBlob() bool {
	return b == BackendBlob || b == BackendBoth
}

// TypeID identifies a data type in the classification table.
type TypeID string

// Known data types. TypeFile is the generic fallback: suffix and MIME
// lookups that match nothing else resolve to it, so classification is
// total over all inputs.
const (
	TypeTimeSeries  TypeID = "time_series"
	TypeParameters  TypeID = "parameters"
	TypeImages      TypeID = "images"
	TypeVideo       TypeID = "video"
	TypeAudio       TypeID = "audio"
	TypeLog         TypeID = "log"
	TypeMarkdown    TypeID = "markdown"
	TypeCSV         TypeID = "csv"
	TypeSafetensors TypeID = "safetensors"
	TypeFile        TypeID = "file"
)

// DataTypeSpec is an immutable classification record for one data type.
// Exactly one spec exists per TypeID; the table is fixed at startup and
// safe for concurrent unsynchronized reads.
type DataTypeSpec struct {
	// ID is the data type identifier.
	ID TypeID

	// MimeTypes are the MIME candidates in preference order; the first
	// entry is the primary type used for outbound content negotiation.
	MimeTypes []string

	// FileSuffixes are the filename suffixes that classify to this type.
	// Matching is case-insensitive; the longest matching suffix across
	// all specs wins.
	FileSuffixes []string

	// Backend selects the storage destination(s).
	Backend Backend

	// Compressible indicates payloads benefit from transparent
	// compression before storage.
	Compressible bool

	// Streamable indicates the type may arrive as an open-ended stream
	// of envelopes rather than a single upload.
	Streamable bool

	// MaxSizeBytes is the per-envelope payload ceiling. Zero means no limit.
	MaxSizeBytes uint64
}

// PrimaryMime returns the preferred MIME type for the spec.
func (s *DataTypeSpec) PrimaryMime() string {
	if len(s.MimeTypes) == 0 {
		return "application/octet-stream"
	}
	return s.MimeTypes[0]
}
