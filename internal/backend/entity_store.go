package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("backend: database handle is required")
	errMissingDispatcher = errors.New("backend: feed dispatcher is required")
	errMissingIDProvider = errors.New("backend: id provider is required")
	errMissingActor      = errors.New("backend: actor is required")
	noOpLogger           = zap.NewNop()
)

const (
	opFetchPage  = "backend.fetch_page"
	opInsert     = "backend.insert"
	opUpdate     = "backend.update"
	opDelete     = "backend.delete"
	opSetCounter = "backend.set_counter"

	fieldEntityType = "entity_type"
	fieldEntityID   = "entity_id"

	queryTypeAndID = "entity_type = ? AND entity_id = ?"

	attributeKeyOwner = "owner_id"
)

// EntityStoreConfig wires the reference CRUD backend.
type EntityStoreConfig struct {
	Database   *gorm.DB
	Feed       *Dispatcher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// EntityStore is the reference implementation of the CRUD request API over a
// generic entity table. Every accepted write publishes the corresponding
// change event on the feed dispatcher; writes are authorized against the row
// owner so permission denial surfaces distinctly from generic failure.
type EntityStore struct {
	db         *gorm.DB
	feed       *Dispatcher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewEntityStore validates the configuration and constructs an EntityStore.
func NewEntityStore(cfg EntityStoreConfig) (*EntityStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Feed == nil {
		return nil, errMissingDispatcher
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &EntityStore{
		db:         cfg.Database,
		feed:       cfg.Feed,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// FetchPage returns one bounded page of the collection in stable creation
// time descending order, plus the advisory total row count under the filter.
func (s *EntityStore) FetchPage(ctx context.Context, entityType collection.EntityType, filter collection.Filter, offset, limit int) ([]collection.Record, int64, error) {
	var rows []EntityRow
	if err := s.db.WithContext(ctx).
		Where("entity_type = ?", entityType.String()).
		Order("created_at_s DESC, entity_id DESC").
		Find(&rows).Error; err != nil {
		s.logError(opFetchPage, "query_failed", err, zap.String(fieldEntityType, entityType.String()))
		return nil, 0, err
	}

	matched := make([]collection.Record, 0, len(rows))
	for _, row := range rows {
		attributes, err := row.attributes()
		if err != nil {
			s.logError(opFetchPage, "row_decode_failed", err,
				zap.String(fieldEntityType, entityType.String()),
				zap.String(fieldEntityID, row.EntityID))
			return nil, 0, err
		}
		if !filter.Matches(attributes) {
			continue
		}
		matched = append(matched, collection.Record{
			ID:        row.EntityID,
			UpdatedAt: row.UpdatedAtSeconds,
			Fields:    attributes,
		})
	}

	total := int64(len(matched))
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) || limit <= 0 {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

// Insert creates a row owned by actor. A client-supplied id that already
// exists yields a unique violation so idempotent actions can classify it.
func (s *EntityStore) Insert(ctx context.Context, actor string, entityType collection.EntityType, payload map[string]any) (collection.Record, error) {
	if actor == "" {
		return collection.Record{}, collection.NewRequestError(collection.CodePermissionDenied, errMissingActor)
	}

	entityID, hasClientID := payload["id"].(string)
	if !hasClientID || entityID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opInsert, "id_generation_failed", err, zap.String(fieldEntityType, entityType.String()))
			return collection.Record{}, err
		}
		entityID = generated
	}

	fieldsJSON, err := encodePayloadFields(payload)
	if err != nil {
		s.logError(opInsert, "payload_encode_failed", err, zap.String(fieldEntityType, entityType.String()))
		return collection.Record{}, collection.NewRequestError(collection.CodeWriteRejected, err)
	}

	now := s.clock().UTC().Unix()
	row := EntityRow{
		EntityType:       entityType.String(),
		EntityID:         entityID,
		OwnerID:          actor,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
		FieldsJSON:       fieldsJSON,
	}
	createResult := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if createResult.Error != nil {
		s.logError(opInsert, "row_insert_failed", createResult.Error,
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, entityID))
		return collection.Record{}, collection.NewRequestError(collection.CodeWriteRejected, createResult.Error)
	}
	if createResult.RowsAffected == 0 {
		return collection.Record{}, collection.NewRequestError(collection.CodeUniqueViolation,
			fmt.Errorf("entity %s/%s already exists", entityType.String(), entityID))
	}

	record, err := row.record()
	if err != nil {
		return collection.Record{}, err
	}
	s.feed.PublishEntity(entityType, collection.FeedMessage{
		Operation:  string(collection.OperationInsert),
		EntityType: entityType.String(),
		After:      record.Fields,
	})
	return record, nil
}

// Update merges patch into the row's fields. Only the row owner may write;
// anyone else is denied at the row level.
func (s *EntityStore) Update(ctx context.Context, actor string, entityType collection.EntityType, id string, patch map[string]any) (collection.Record, error) {
	var row EntityRow
	err := s.db.WithContext(ctx).
		Where(queryTypeAndID, entityType.String(), id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collection.Record{}, collection.NewRequestError(collection.CodeNotFound,
			fmt.Errorf("entity %s/%s", entityType.String(), id))
	}
	if err != nil {
		s.logError(opUpdate, "row_select_failed", err,
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, id))
		return collection.Record{}, collection.NewRequestError(collection.CodeWriteRejected, err)
	}
	if row.OwnerID != actor {
		return collection.Record{}, collection.NewRequestError(collection.CodePermissionDenied,
			fmt.Errorf("actor %q does not own entity %s/%s", actor, entityType.String(), id))
	}

	before, err := row.attributes()
	if err != nil {
		s.logError(opUpdate, "row_decode_failed", err,
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, id))
		return collection.Record{}, err
	}

	fields := map[string]any{}
	if row.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(row.FieldsJSON), &fields); err != nil {
			return collection.Record{}, err
		}
	}
	for name, value := range patch {
		if isBookkeepingField(name) {
			continue
		}
		fields[name] = value
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return collection.Record{}, collection.NewRequestError(collection.CodeWriteRejected, err)
	}
	row.FieldsJSON = string(encoded)
	row.UpdatedAtSeconds = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		s.logError(opUpdate, "row_save_failed", err,
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, id))
		return collection.Record{}, collection.NewRequestError(collection.CodeWriteRejected, err)
	}

	record, err := row.record()
	if err != nil {
		return collection.Record{}, err
	}
	s.feed.PublishEntity(entityType, collection.FeedMessage{
		Operation:  string(collection.OperationUpdate),
		EntityType: entityType.String(),
		Before:     before,
		After:      record.Fields,
	})
	return record, nil
}

// Delete removes the row after the same ownership check as Update.
func (s *EntityStore) Delete(ctx context.Context, actor string, entityType collection.EntityType, id string) error {
	var row EntityRow
	err := s.db.WithContext(ctx).
		Where(queryTypeAndID, entityType.String(), id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collection.NewRequestError(collection.CodeNotFound,
			fmt.Errorf("entity %s/%s", entityType.String(), id))
	}
	if err != nil {
		s.logError(opDelete, "row_select_failed", err,
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, id))
		return collection.NewRequestError(collection.CodeWriteRejected, err)
	}
	if row.OwnerID != actor {
		return collection.NewRequestError(collection.CodePermissionDenied,
			fmt.Errorf("actor %q does not own entity %s/%s", actor, entityType.String(), id))
	}

	before, err := row.attributes()
	if err != nil {
		before = map[string]any{"id": row.EntityID}
	}
	if err := s.db.WithContext(ctx).
		Where(queryTypeAndID, entityType.String(), id).
		Delete(&EntityRow{}).Error; err != nil {
		s.logError(opDelete, "row_delete_failed", err,
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, id))
		return collection.NewRequestError(collection.CodeWriteRejected, err)
	}

	s.feed.PublishEntity(entityType, collection.FeedMessage{
		Operation:  string(collection.OperationDelete),
		EntityType: entityType.String(),
		Before:     before,
	})
	return nil
}

// SetCounter upserts one aggregate metric value and publishes it on the
// metric's dedicated feed. Counters carry no ownership: they are maintained
// out of band from the entity row.
func (s *EntityStore) SetCounter(ctx context.Context, entityType collection.EntityType, id, metric string, value int64) error {
	row := CounterRow{
		EntityType:       entityType.String(),
		EntityID:         id,
		Metric:           metric,
		Value:            value,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}, {Name: "metric"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at_s"}),
	}).Create(&row).Error; err != nil {
		s.logError(opSetCounter, "counter_upsert_failed", err,
			zap.String(fieldEntityType, entityType.String()),
			zap.String(fieldEntityID, id),
			zap.String("metric", metric))
		return err
	}

	s.feed.PublishCounter(entityType, metric, collection.FeedMessage{
		Operation:  string(collection.OperationUpdate),
		EntityType: entityType.String(),
		After: map[string]any{
			"entity_id": id,
			"metric":    metric,
			"value":     value,
		},
	})
	return nil
}

// WriterFor binds the store to one authenticated actor, yielding the
// client-side writer interface.
func (s *EntityStore) WriterFor(actor string) collection.Writer {
	return &actorWriter{store: s, actor: actor}
}

type actorWriter struct {
	store *EntityStore
	actor string
}

func (w *actorWriter) Update(ctx context.Context, entityType collection.EntityType, id string, patch collection.Patch) (collection.Record, error) {
	return w.store.Update(ctx, w.actor, entityType, id, map[string]any(patch))
}

func encodePayloadFields(payload map[string]any) (string, error) {
	fields := make(map[string]any, len(payload))
	for name, value := range payload {
		if isBookkeepingField(name) {
			continue
		}
		fields[name] = value
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Bookkeeping attributes are derived from the row itself and never stored in
// the field map.
func isBookkeepingField(name string) bool {
	switch name {
	case "id", attributeKeyOwner, "created_at_s", "updated_at_s":
		return true
	}
	return false
}

func (s *EntityStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("entity store error", attrs...)
}
