// Package validation provides centralized input validation for identifiers
// that flow into storage keys.
//
// Producer and stream identifiers are embedded verbatim in logical keys and
// blob object keys, so characters that would alter key structure (path
// separators, control characters) are rejected at the edge.
package validation

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// =============================================================================
// Identifier Validation
// =============================================================================

// IDRules defines the validation rules for an identifier class.
type IDRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// ProducerIDRules returns rules for producer identifiers. Dots are allowed
// so serial-number style IDs ("unit.7f3a") and hostnames pass.
func ProducerIDRules() IDRules {
	return IDRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// StreamIDRules returns rules for stream identifiers.
func StreamIDRules() IDRules {
	return IDRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateID validates an identifier according to the given rules.
func ValidateID(id string, rules IDRules) error {
	if len(id) < rules.MinLength {
		return fmt.Errorf("identifier too short: minimum %d characters required", rules.MinLength)
	}
	if len(id) > rules.MaxLength {
		return fmt.Errorf("identifier too long: maximum %d characters allowed", rules.MaxLength)
	}

	if id == "." || id == ".." {
		return fmt.Errorf("identifier cannot be '.' or '..'")
	}
	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("identifier cannot start with '.'")
	}

	for i, r := range id {
		if r < 32 || r == 127 {
			return fmt.Errorf("identifier cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("identifier cannot contain path separators at position %d", i)
		}
		if !isAllowedIDChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedIDChar(r rune, rules IDRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateProducerID validates a producer identifier.
func ValidateProducerID(id string) error {
	return ValidateID(id, ProducerIDRules())
}

// ValidateStreamID validates a stream identifier.
func ValidateStreamID(id string) error {
	return ValidateID(id, StreamIDRules())
}

// =============================================================================
// Logical Key Parsing
// =============================================================================

// KeyRef is a parsed logical batch key.
type KeyRef struct {
	ProducerID string
	StreamID   string
	FirstSeq   uint64
	LastSeq    uint64
}

// ParseKeyRef parses a "producer/stream/first-last" logical key.
func ParseKeyRef(key string) (*KeyRef, error) {
	if key == "" {
		return nil, fmt.Errorf("empty logical key")
	}

	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid logical key format: expected 'producer/stream/first-last', got '%s'", key)
	}

	producer := strings.TrimSpace(parts[0])
	stream := strings.TrimSpace(parts[1])
	seqRange := strings.TrimSpace(parts[2])

	if producer == "" {
		return nil, fmt.Errorf("invalid logical key: empty producer in '%s'", key)
	}
	if stream == "" {
		return nil, fmt.Errorf("invalid logical key: empty stream in '%s'", key)
	}

	if err := ValidateProducerID(producer); err != nil {
		return nil, fmt.Errorf("invalid producer in logical key: %w", err)
	}
	if err := ValidateStreamID(stream); err != nil {
		return nil, fmt.Errorf("invalid stream in logical key: %w", err)
	}

	first, last, err := parseSeqRange(seqRange)
	if err != nil {
		return nil, fmt.Errorf("invalid sequence range in logical key '%s': %w", key, err)
	}

	return &KeyRef{
		ProducerID: producer,
		StreamID:   stream,
		FirstSeq:   first,
		LastSeq:    last,
	}, nil
}

func parseSeqRange(s string) (first, last uint64, err error) {
	dash := strings.IndexByte(s, '-')
	if dash <= 0 || dash == len(s)-1 {
		return 0, 0, fmt.Errorf("expected 'first-last', got '%s'", s)
	}

	first, err = strconv.ParseUint(s[:dash], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad first sequence: %w", err)
	}
	last, err = strconv.ParseUint(s[dash+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad last sequence: %w", err)
	}
	if first == 0 {
		return 0, 0, fmt.Errorf("sequences start at 1")
	}
	if last < first {
		return 0, 0, fmt.Errorf("last sequence %d before first %d", last, first)
	}
	return first, last, nil
}

// String returns the string representation of the key.
func (r *KeyRef) String() string {
	return fmt.Sprintf("%s/%s/%d-%d", r.ProducerID, r.StreamID, r.FirstSeq, r.LastSeq)
}
