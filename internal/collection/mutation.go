package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultMutationTimeout = 10 * time.Second

var (
	errMissingWriter   = errors.New("collection: writer is required")
	errMissingTargetID = errors.New("collection: intent target id is required")
	errMissingField    = errors.New("collection: intent logical field is required")
	errClosedView      = errors.New("collection: view has been torn down")
	errUnknownRecord   = errors.New("collection: record not present in store")
	errFlagNotBoolean  = errors.New("collection: toggle flag field is not a boolean")
)

// Patch is a shallow field patch. Applying a patch and then its inverse
// returns a record to its exact prior value.
type Patch map[string]any

// IntentStatus tracks the resolution of a pending optimistic change.
type IntentStatus string

const (
	// IntentPending marks an intent whose remote write has not settled.
	IntentPending IntentStatus = "pending"
	// IntentConfirmed marks an intent whose remote write succeeded.
	IntentConfirmed IntentStatus = "confirmed"
	// IntentRolledBack marks an intent undone after a remote failure.
	IntentRolledBack IntentStatus = "rolled-back"
)

// Intent is a pending optimistic change: the patch applied ahead of server
// confirmation and the inverse sufficient to exactly undo it. Field names the
// logical field used for supersession keying; two in-flight intents never
// share a (TargetID, Field) pair; the later one wins.
type Intent struct {
	TargetID   string
	Field      string
	Optimistic Patch
	Inverse    Patch
}

// Outcome is the settled result of an optimistic mutation. Canonical carries
// the authoritative row when the backend returned one.
type Outcome struct {
	Status    IntentStatus
	Canonical *Record
	Err       error
}

// Writer issues the remote side of an optimistic mutation. Implementations
// return RequestError values so failures classify without string matching.
type Writer interface {
	Update(ctx context.Context, entityType EntityType, id string, patch Patch) (Record, error)
}

// CoordinatorConfig wires a mutation coordinator to its collaborators.
type CoordinatorConfig struct {
	Writer     Writer
	Store      *Store
	EntityType EntityType
	Lifecycle  *SubscriptionSet
	// Timeout bounds how long an intent may stay pending before being treated
	// as failed and rolled back. Zero falls back to the default.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Coordinator executes local mutations immediately, issues the corresponding
// remote writes and reconciles or rolls back on settlement. At most one
// intent per (target id, logical field) owns the store at a time; a newer
// intent supersedes the older one's store effects while the older one's own
// outcome is still honored.
type Coordinator struct {
	writer     Writer
	store      *Store
	entityType EntityType
	lifecycle  *SubscriptionSet
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	current map[string]uint64
	nextSeq uint64
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Writer == nil {
		return nil, errMissingWriter
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMutationTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifecycle := cfg.Lifecycle
	if lifecycle == nil {
		lifecycle = NewSubscriptionSet()
	}
	return &Coordinator{
		writer:     cfg.Writer,
		store:      cfg.Store,
		entityType: cfg.EntityType,
		lifecycle:  lifecycle,
		timeout:    timeout,
		logger:     logger,
		current:    make(map[string]uint64),
	}, nil
}

// Apply patches the store immediately, issues the remote write and blocks
// until the intent settles. Errors are reported through the returned Outcome,
// never thrown past it.
func (c *Coordinator) Apply(ctx context.Context, intent Intent) Outcome {
	if intent.TargetID == "" {
		return Outcome{Status: IntentRolledBack, Err: errMissingTargetID}
	}
	if intent.Field == "" {
		return Outcome{Status: IntentRolledBack, Err: errMissingField}
	}
	if c.lifecycle.Closed() {
		return Outcome{Status: IntentRolledBack, Err: errClosedView}
	}

	sequence := c.claim(intent)
	c.store.Upsert(Record{ID: intent.TargetID, Fields: map[string]any(intent.Optimistic)})

	writeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	canonical, err := c.writer.Update(writeCtx, c.entityType, intent.TargetID, intent.Optimistic)

	if err == nil {
		// The canonical value always wins over the local guess, unless a
		// newer intent for the same field has already taken over the store.
		if c.settle(intent, sequence) {
			c.store.Upsert(canonical)
		}
		return Outcome{Status: IntentConfirmed, Canonical: &canonical}
	}

	code := classifyWriteError(err)
	if code == CodeUniqueViolation {
		// The action already happened remotely; the optimistic state already
		// reflects it, so the duplicate is a success.
		c.settle(intent, sequence)
		return Outcome{Status: IntentConfirmed}
	}

	settledErr := err
	if code == CodeTimedOut {
		settledErr = NewRequestError(CodeTimedOut, err)
	}
	if c.settle(intent, sequence) {
		c.store.Upsert(Record{ID: intent.TargetID, Fields: map[string]any(intent.Inverse)})
	}
	c.logger.Warn("optimistic mutation rolled back",
		zap.String("entity_type", c.entityType.String()),
		zap.String("target_id", intent.TargetID),
		zap.String("field", intent.Field),
		zap.String("code", string(CodeOf(settledErr))),
		zap.Error(err))
	return Outcome{Status: IntentRolledBack, Err: settledErr}
}

// claim registers the intent as the current owner of its (target, field) pair.
func (c *Coordinator) claim(intent Intent) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	c.current[intentKey(intent)] = c.nextSeq
	return c.nextSeq
}

// settle reports whether the intent still owns its pair and may touch the
// store; a superseded intent resolves without store effects. Nothing may be
// applied after teardown.
func (c *Coordinator) settle(intent Intent, sequence uint64) bool {
	if c.lifecycle.Closed() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := intentKey(intent)
	if c.current[key] != sequence {
		return false
	}
	delete(c.current, key)
	return true
}

func intentKey(intent Intent) string {
	return intent.TargetID + "\x00" + intent.Field
}

func classifyWriteError(err error) ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimedOut
	}
	return CodeOf(err)
}

// ToggleIntent builds a like/unlike style intent against the store's current
// state: the flag field flips and the counter field moves by exactly one.
func ToggleIntent(store *Store, targetID, flagField, counterField string) (Intent, error) {
	record, exists := store.Get(targetID)
	if !exists {
		return Intent{}, fmt.Errorf("%w: %s", errUnknownRecord, targetID)
	}
	flagValue := record.Field(flagField)
	flag, ok := flagValue.(bool)
	if flagValue != nil && !ok {
		return Intent{}, fmt.Errorf("%w: %s", errFlagNotBoolean, flagField)
	}
	count := record.NumberField(counterField)

	delta := int64(1)
	if flag {
		delta = -1
	}
	return Intent{
		TargetID:   targetID,
		Field:      flagField,
		Optimistic: Patch{flagField: !flag, counterField: count + delta},
		Inverse:    Patch{flagField: flag, counterField: count},
	}, nil
}
