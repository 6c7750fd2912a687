package collection

import (
	"errors"
	"fmt"
	"strings"
)

// Operation enumerates change feed operations.
type Operation string

const (
	// OperationInsert signals that a new row appeared.
	OperationInsert Operation = "INSERT"
	// OperationUpdate signals that an existing row changed.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete signals that a row was removed.
	OperationDelete Operation = "DELETE"
)

// ErrMalformedEvent indicates a pushed message that cannot be decoded. The
// event is dropped; the subscription stays open.
var ErrMalformedEvent = errors.New("collection: malformed change event")

// ParseOperation normalizes a transport-level operation string.
func ParseOperation(rawValue string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(rawValue)) {
	case string(OperationInsert):
		return OperationInsert, nil
	case string(OperationUpdate):
		return OperationUpdate, nil
	case string(OperationDelete):
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: unknown operation %q", ErrMalformedEvent, rawValue)
	}
}

// ChangeEvent is the normalized notification dispatched to a store.
type ChangeEvent struct {
	EntityType EntityType
	Operation  Operation
	ID         string
	Attributes map[string]any
}

// FieldKind describes the expected shape of one schema field.
type FieldKind string

const (
	// FieldString defaults to the empty string when missing.
	FieldString FieldKind = "string"
	// FieldBool defaults to false when missing.
	FieldBool FieldKind = "bool"
	// FieldNumber defaults to zero when missing.
	FieldNumber FieldKind = "number"
	// FieldList defaults to an empty sequence when missing.
	FieldList FieldKind = "list"
	// FieldObject defaults to an empty map when missing.
	FieldObject FieldKind = "object"
)

// Schema declares the fields a synchronized record carries. Decoding
// substitutes a documented default for any missing or mistyped field so that
// a single partially populated payload cannot corrupt the collection.
type Schema map[string]FieldKind

const attributeKeyID = "id"
const attributeKeyUpdatedAt = "updated_at_s"

// DecodeRecord normalizes raw transport attributes into a Record. The id is
// taken from the "id" attribute; its absence makes the event malformed.
func (s Schema) DecodeRecord(attributes map[string]any) (Record, error) {
	if attributes == nil {
		return Record{}, fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	rawID, ok := attributes[attributeKeyID].(string)
	if !ok || strings.TrimSpace(rawID) == "" {
		return Record{}, fmt.Errorf("%w: missing id attribute", ErrMalformedEvent)
	}

	record := Record{
		ID:        rawID,
		UpdatedAt: coerceNumber(attributes[attributeKeyUpdatedAt]),
		Fields:    make(map[string]any, len(s)),
	}
	for fieldName, fieldKind := range s {
		record.Fields[fieldName] = normalizeField(attributes[fieldName], fieldKind)
	}
	return record, nil
}

// EventID extracts the row identifier from a raw payload, preferring the
// after-image and falling back to the before-image for deletes.
func EventID(after map[string]any, before map[string]any) (string, error) {
	if id, ok := after[attributeKeyID].(string); ok && strings.TrimSpace(id) != "" {
		return id, nil
	}
	if id, ok := before[attributeKeyID].(string); ok && strings.TrimSpace(id) != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: no row identifier in payload", ErrMalformedEvent)
}

func normalizeField(rawValue any, kind FieldKind) any {
	switch kind {
	case FieldString:
		if value, ok := rawValue.(string); ok {
			return value
		}
		return ""
	case FieldBool:
		if value, ok := rawValue.(bool); ok {
			return value
		}
		return false
	case FieldNumber:
		if rawValue == nil {
			return int64(0)
		}
		switch rawValue.(type) {
		case int, int32, int64, float32, float64:
			return coerceNumber(rawValue)
		}
		return int64(0)
	case FieldList:
		if value, ok := rawValue.([]any); ok {
			return value
		}
		return []any{}
	case FieldObject:
		if value, ok := rawValue.(map[string]any); ok {
			return value
		}
		return map[string]any{}
	default:
		return rawValue
	}
}
