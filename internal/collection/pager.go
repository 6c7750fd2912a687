package collection

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

const defaultPageSize = 20

var (
	errMissingFetcher = errors.New("collection: page fetcher is required")
	errInvalidPage    = errors.New("collection: page number must be positive")
)

// PageFetcher retrieves one bounded page of a collection from the backend.
// Rows arrive in the server's stable ordering; total is the advisory overall
// row count at fetch time.
type PageFetcher interface {
	FetchPage(ctx context.Context, entityType EntityType, filter Filter, offset, limit int) (rows []Record, total int64, err error)
}

// PageResult reports one loaded page.
type PageResult struct {
	Records []Record
	Total   int64
	HasMore bool
}

// PagerConfig wires a Pager to its collaborators.
type PagerConfig struct {
	Fetcher    PageFetcher
	Store      *Store
	EntityType EntityType
	Filter     Filter
	PageSize   int
	Lifecycle  *SubscriptionSet
	Logger     *zap.Logger
}

// Pager fetches bounded pages and merges them into the store without
// duplicating realtime-delivered rows: merging goes through Upsert only, and
// reconciliation is strictly by id membership, never by position. Total is
// treated as advisory because realtime inserts shift offsets between request
// and render.
type Pager struct {
	fetcher    PageFetcher
	store      *Store
	entityType EntityType
	filter     Filter
	pageSize   int
	lifecycle  *SubscriptionSet
	logger     *zap.Logger

	mu    sync.Mutex
	total int64
}

// NewPager validates the configuration and constructs a Pager.
func NewPager(cfg PagerConfig) (*Pager, error) {
	if cfg.Fetcher == nil {
		return nil, errMissingFetcher
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifecycle := cfg.Lifecycle
	if lifecycle == nil {
		lifecycle = NewSubscriptionSet()
	}
	return &Pager{
		fetcher:    cfg.Fetcher,
		store:      cfg.Store,
		entityType: cfg.EntityType,
		filter:     cfg.Filter,
		pageSize:   pageSize,
		lifecycle:  lifecycle,
		logger:     logger,
	}, nil
}

// LoadPage fetches page pageNumber (1-based) and merges it into the store.
// The fetch result is discarded when the issuing view tore down while the
// request was in flight.
func (p *Pager) LoadPage(ctx context.Context, pageNumber int) (PageResult, error) {
	if pageNumber <= 0 {
		return PageResult{}, errInvalidPage
	}
	offset := (pageNumber - 1) * p.pageSize
	rows, total, err := p.fetcher.FetchPage(ctx, p.entityType, p.filter, offset, p.pageSize)
	if err != nil {
		p.logger.Warn("page fetch failed",
			zap.String("entity_type", p.entityType.String()),
			zap.Int("page", pageNumber),
			zap.Error(err))
		return PageResult{}, err
	}
	if p.lifecycle.Closed() {
		return PageResult{}, errClosedView
	}

	for _, row := range rows {
		p.store.Upsert(row)
	}

	p.mu.Lock()
	p.total = total
	p.mu.Unlock()

	return PageResult{
		Records: rows,
		Total:   total,
		HasMore: int64(pageNumber*p.pageSize) < total,
	}, nil
}

// Total returns the advisory total reported by the most recent page load.
func (p *Pager) Total() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// PageSize returns the configured page size.
func (p *Pager) PageSize() int {
	return p.pageSize
}
