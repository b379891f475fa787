// Package registry provides the static data-type classification table.
//
// Every unit of telemetry carries (or is assigned) a data type that
// determines its storage backend, compression and size policy. The table
// is immutable after construction; all lookups are pure functions.
package registry

import (
	"strings"
)

const mb = 1024 * 1024

// Registry is the immutable set of data-type specs plus derived lookup
// indexes. Construct once with New and share by reference.
type Registry struct {
	specs    map[TypeID]*DataTypeSpec
	bySuffix map[string]TypeID
	byMime   map[string]TypeID
	fallback *DataTypeSpec
}

// New builds the registry with the built-in classification table.
func New() *Registry {
	r := &Registry{
		specs:    make(map[TypeID]*DataTypeSpec),
		bySuffix: make(map[string]TypeID),
		byMime:   make(map[string]TypeID),
	}
	for _, spec := range builtinSpecs() {
		r.add(spec)
	}
	r.fallback = r.specs[TypeFile]
	return r
}

func (r *Registry) add(spec *DataTypeSpec) {
	r.specs[spec.ID] = spec
	if spec.ID == TypeFile {
		// The generic fallback is excluded from suffix/MIME search.
		return
	}
	for _, suffix := range spec.FileSuffixes {
		if _, ok := r.bySuffix[suffix]; !ok {
			r.bySuffix[suffix] = spec.ID
		}
	}
	for _, mime := range spec.MimeTypes {
		if _, ok := r.byMime[mime]; !ok {
			r.byMime[mime] = spec.ID
		}
	}
}

// Lookup returns the spec for an identifier, or nil if unknown.
func (r *Registry) Lookup(id TypeID) *DataTypeSpec {
	return r.specs[id]
}

// Fallback returns the generic file spec.
func (r *Registry) Fallback() *DataTypeSpec {
	return r.fallback
}

// All returns every spec in the table, fallback included.
func (r *Registry) All() []*DataTypeSpec {
	out := make([]*DataTypeSpec, 0, len(r.specs))
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	return out
}

// Classify resolves a data type for an input. Resolution order:
// explicit identifier if present and known, else the longest matching
// file suffix, else MIME type, else the generic fallback. Classify is
// total: it always returns exactly one spec.
func (r *Registry) Classify(explicitID TypeID, filename, mimeType string) *DataTypeSpec {
	if explicitID != "" {
		if spec, ok := r.specs[explicitID]; ok {
			return spec
		}
	}
	if filename != "" {
		if spec := r.classifySuffix(filename); spec != nil {
			return spec
		}
	}
	if mimeType != "" {
		if id, ok := r.byMime[strings.ToLower(mimeType)]; ok {
			return r.specs[id]
		}
	}
	return r.fallback
}

// classifySuffix matches the filename against every spec's suffix set.
// The longest (most specific) suffix wins on ties between types.
func (r *Registry) classifySuffix(filename string) *DataTypeSpec {
	name := strings.ToLower(filename)

	var best TypeID
	bestLen := 0
	for suffix, id := range r.bySuffix {
		if len(suffix) > bestLen && strings.HasSuffix(name, suffix) {
			best = id
			bestLen = len(suffix)
		}
	}
	if bestLen == 0 {
		return nil
	}
	return r.specs[best]
}

// ValidateSize reports whether originalSize is within the spec's
// per-envelope ceiling. A spec without a limit accepts any size.
func ValidateSize(spec *DataTypeSpec, originalSize uint64) bool {
	if spec.MaxSizeBytes == 0 {
		return true
	}
	return originalSize <= spec.MaxSizeBytes
}

// builtinSpecs returns the classification table for robot telemetry.
// Size ceilings and backend assignments follow the deployment profile:
// small structured records go to the document store, media and ML
// artifacts to the blob store, tabular data to both.
func builtinSpecs() []*DataTypeSpec {
	return []*DataTypeSpec{
		{
			ID:           TypeTimeSeries,
			MimeTypes:    []string{"application/json", "application/x-msgpack", "application/cbor"},
			FileSuffixes: []string{".timeseries", "_telemetry.json"},
			Backend:      BackendMetadata,
			Compressible: true,
			Streamable:   true,
			MaxSizeBytes: 100 * mb,
		},
		{
			ID:           TypeParameters,
			MimeTypes:    []string{"application/json", "application/yaml", "application/toml"},
			FileSuffixes: []string{".params", ".yaml", ".yml", ".toml", ".config.json"},
			Backend:      BackendMetadata,
			Compressible: true,
			Streamable:   false,
			MaxSizeBytes: 10 * mb,
		},
		{
			ID: TypeImages,
			MimeTypes: []string{
				"image/jpeg", "image/png", "image/webp", "image/tiff",
				"image/bmp", "image/gif", "image/svg+xml", "image/x-raw",
			},
			FileSuffixes: []string{
				".jpg", ".jpeg", ".png", ".webp", ".tiff", ".tif",
				".bmp", ".gif", ".svg", ".raw", ".nef", ".cr2", ".arw",
			},
			Backend:      BackendBlob,
			Compressible: true,
			Streamable:   false,
			MaxSizeBytes: 50 * mb,
		},
		{
			ID: TypeVideo,
			MimeTypes: []string{
				"video/mp4", "video/webm", "video/x-msvideo", "video/quicktime",
				"video/x-matroska", "video/H264", "video/H265",
			},
			FileSuffixes: []string{
				".mp4", ".webm", ".avi", ".mov", ".mkv",
				".h264", ".h265", ".hevc", ".m4v", ".wmv",
			},
			Backend:      BackendBlob,
			Compressible: true,
			Streamable:   true,
			MaxSizeBytes: 5000 * mb,
		},
		{
			ID: TypeAudio,
			MimeTypes: []string{
				"audio/mpeg", "audio/wav", "audio/ogg", "audio/webm",
				"audio/aac", "audio/flac", "audio/opus",
			},
			FileSuffixes: []string{
				".mp3", ".wav", ".ogg", ".aac", ".flac", ".opus", ".m4a", ".wma",
			},
			Backend:      BackendBlob,
			Compressible: true,
			Streamable:   true,
			MaxSizeBytes: 500 * mb,
		},
		{
			ID:           TypeLog,
			MimeTypes:    []string{"text/plain", "application/x-ndjson", "text/x-log"},
			FileSuffixes: []string{".log", ".ndjson", ".jsonl", ".stdout", ".stderr"},
			Backend:      BackendMetadata,
			Compressible: true,
			Streamable:   true,
			MaxSizeBytes: 100 * mb,
		},
		{
			ID:           TypeMarkdown,
			MimeTypes:    []string{"text/markdown", "text/x-markdown"},
			FileSuffixes: []string{".md", ".markdown", ".mdown", ".mkd"},
			Backend:      BackendMetadata,
			Compressible: true,
			Streamable:   false,
			MaxSizeBytes: 10 * mb,
		},
		{
			ID:           TypeCSV,
			MimeTypes:    []string{"text/csv", "application/csv", "text/tab-separated-values"},
			FileSuffixes: []string{".csv", ".tsv", ".tab"},
			Backend:      BackendBoth,
			Compressible: true,
			Streamable:   false,
			MaxSizeBytes: 500 * mb,
		},
		{
			ID:           TypeSafetensors,
			MimeTypes:    []string{"application/x-safetensors"},
			FileSuffixes: []string{".safetensors", ".st"},
			Backend:      BackendBlob,
			Compressible: false, // already densely packed
			Streamable:   false,
			MaxSizeBytes: 10000 * mb,
		},
		{
			ID:           TypeFile,
			MimeTypes:    []string{"application/octet-stream"},
			FileSuffixes: nil, // fallback matches everything by definition
			Backend:      BackendBlob,
			Compressible: true,
			Streamable:   false,
			MaxSizeBytes: 1000 * mb,
		},
	}
}
