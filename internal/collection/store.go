package collection

import "sync"

// Listener observes store mutations. Listeners run synchronously after each
// mutating call, in registration order; callers that need batching batch
// themselves.
type Listener func()

// Store is the client's ordered, id-keyed view of one entity type. A store is
// owned exclusively by the consuming view that created it and is never shared
// mutably across views.
type Store struct {
	mu        sync.Mutex
	order     []string
	records   map[string]Record
	listeners []storeListener
	nextToken int64
}

type storeListener struct {
	token    int64
	listener Listener
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]Record)}
}

// ReplaceAll discards the current contents and installs records wholesale,
// preserving the provided order. Later duplicates of the same id win.
func (s *Store) ReplaceAll(records []Record) {
	s.mu.Lock()
	s.order = s.order[:0]
	s.records = make(map[string]Record, len(records))
	for _, record := range records {
		if record.ID == "" {
			continue
		}
		if _, exists := s.records[record.ID]; !exists {
			s.order = append(s.order, record.ID)
		}
		s.records[record.ID] = record.Clone()
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	notify(listeners)
}

// Upsert inserts the record when absent and otherwise shallow-merges its
// fields into the stored record, preserving the stored position. List and
// object values are replaced wholesale, never deep-merged.
func (s *Store) Upsert(record Record) {
	if record.ID == "" {
		return
	}
	s.mu.Lock()
	existing, exists := s.records[record.ID]
	if !exists {
		s.order = append(s.order, record.ID)
		s.records[record.ID] = record.Clone()
	} else {
		merged := existing.Clone()
		if merged.Fields == nil {
			merged.Fields = make(map[string]any, len(record.Fields))
		}
		for name, value := range record.Fields {
			merged.Fields[name] = value
		}
		if record.UpdatedAt != 0 {
			merged.UpdatedAt = record.UpdatedAt
		}
		s.records[record.ID] = merged
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	notify(listeners)
}

// Remove deletes the record with the provided id. Removing an absent id is a
// no-op and does not notify listeners.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	if _, exists := s.records[id]; !exists {
		s.mu.Unlock()
		return
	}
	delete(s.records, id)
	for index, storedID := range s.order {
		if storedID == id {
			s.order = append(s.order[:index], s.order[index+1:]...)
			break
		}
	}
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	notify(listeners)
}

// Get returns a copy of the record with the provided id.
func (s *Store) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, exists := s.records[id]
	if !exists {
		return Record{}, false
	}
	return record.Clone(), true
}

// Contains reports whether the store holds a record with the provided id.
func (s *Store) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.records[id]
	return exists
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Slice returns copies of up to limit records starting at offset, in store
// order. Out-of-range bounds clamp to the available records.
func (s *Store) Slice(offset, limit int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.order) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(s.order) {
		end = len(s.order)
	}
	page := make([]Record, 0, end-offset)
	for _, id := range s.order[offset:end] {
		page = append(page, s.records[id].Clone())
	}
	return page
}

// All returns copies of every stored record in store order.
func (s *Store) All() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, s.records[id].Clone())
	}
	return records
}

// Subscribe registers a listener and returns its removal func. Removal is
// idempotent.
func (s *Store) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextToken++
	token := s.nextToken
	s.listeners = append(s.listeners, storeListener{token: token, listener: listener})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		for index, stored := range s.listeners {
			if stored.token == token {
				s.listeners = append(s.listeners[:index], s.listeners[index+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

func (s *Store) snapshotListeners() []Listener {
	listeners := make([]Listener, 0, len(s.listeners))
	for _, stored := range s.listeners {
		listeners = append(listeners, stored.listener)
	}
	return listeners
}

func notify(listeners []Listener) {
	for _, listener := range listeners {
		listener()
	}
}
