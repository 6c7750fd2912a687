package collection

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityType indicates that an entity type is empty or exceeds storage bounds.
	ErrInvalidEntityType = errors.New("collection: invalid entity type")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("collection: invalid entity id")
)

// EntityType names one synchronized collection, such as reports or comments.
type EntityType string

// NewEntityType validates raw input and returns an EntityType.
func NewEntityType(rawInput string) (EntityType, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityType)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityType, maxIdentifierLength)
	}
	return EntityType(trimmed), nil
}

// String returns the underlying type name.
func (t EntityType) String() string {
	return string(t)
}

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// Record is one row of a synchronized collection. Fields holds the
// entity-specific attributes; UpdatedAt is an ordering hint in unix seconds.
type Record struct {
	ID        string
	UpdatedAt int64
	Fields    map[string]any
}

// Clone returns a copy whose field map does not alias the receiver's.
// Field values themselves are copied shallowly; list and object values are
// replaced wholesale on merge, never mutated in place.
func (r Record) Clone() Record {
	copied := Record{ID: r.ID, UpdatedAt: r.UpdatedAt}
	if r.Fields != nil {
		copied.Fields = make(map[string]any, len(r.Fields))
		for name, value := range r.Fields {
			copied.Fields[name] = value
		}
	}
	return copied
}

// Field returns the named attribute value, or nil when absent.
func (r Record) Field(name string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[name]
}

// BoolField returns the named attribute as a boolean, defaulting to false.
func (r Record) BoolField(name string) bool {
	value, ok := r.Field(name).(bool)
	if !ok {
		return false
	}
	return value
}

// NumberField returns the named attribute as an int64, defaulting to zero.
func (r Record) NumberField(name string) int64 {
	return coerceNumber(r.Field(name))
}

func coerceNumber(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case float64:
		return int64(typed)
	case float32:
		return int64(typed)
	default:
		return 0
	}
}
