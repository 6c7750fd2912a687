package backend

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
)

// EntityRow persists one row of a synchronized collection. Entity-specific
// attributes live in FieldsJSON so one table serves every entity type.
type EntityRow struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_entities_owner"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_entities_type_created,priority:2"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRow) TableName() string {
	return "entities"
}

// CounterRow persists one out-of-band aggregate metric value.
type CounterRow struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	Metric           string `gorm:"column:metric;primaryKey;size:64;not null"`
	Value            int64  `gorm:"column:value;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CounterRow) TableName() string {
	return "entity_counters"
}

// attributes decodes the stored field map plus the bookkeeping attributes the
// change feed carries alongside it.
func (row EntityRow) attributes() (map[string]any, error) {
	fields := map[string]any{}
	if row.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(row.FieldsJSON), &fields); err != nil {
			return nil, err
		}
	}
	fields["id"] = row.EntityID
	fields["owner_id"] = row.OwnerID
	fields["created_at_s"] = row.CreatedAtSeconds
	fields["updated_at_s"] = row.UpdatedAtSeconds
	return fields, nil
}

// record converts the row into the client-facing shape.
func (row EntityRow) record() (collection.Record, error) {
	attributes, err := row.attributes()
	if err != nil {
		return collection.Record{}, err
	}
	return collection.Record{
		ID:        row.EntityID,
		UpdatedAt: row.UpdatedAtSeconds,
		Fields:    attributes,
	}, nil
}
