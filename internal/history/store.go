// Package history holds the in-memory group store: named groups of captured
// transaction records, their lifecycle rules and change notifications.
package history

import (
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aining777/grouped-history/internal/domain"
	"github.com/aining777/grouped-history/internal/observability"
	"github.com/aining777/grouped-history/internal/validation"
)

// Store maps group names to groups. It is safe for concurrent use: mutations
// are serialized and reads return copies taken under the lock.
type Store struct {
	mu     sync.RWMutex
	groups map[string]*domain.Group

	listenersMu sync.RWMutex
	listeners   []func(Event)

	newID   func() string
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics makes the store keep the group and record gauges current.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithIDGenerator replaces the identity token generator (uuid by default).
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		groups: make(map[string]*domain.Group),
		newID:  func() string { return uuid.New().String() },
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateGroup creates an empty group.
func (s *Store) CreateGroup(name string) error {
	if err := validation.ValidateGroupName(name); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.groups[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("create group %q: %w", name, domain.ErrDuplicateGroup)
	}
	s.groups[name] = &domain.Group{Name: name}
	s.updateMetricsLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("group", name).Msg("created group")
	s.emit(Event{Kind: GroupCreated, Group: name})
	return nil
}

// DeleteGroup removes a group together with all of its records.
func (s *Store) DeleteGroup(name string) error {
	s.mu.Lock()
	group, exists := s.groups[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("delete group %q: %w", name, domain.ErrGroupNotFound)
	}
	delete(s.groups, name)
	s.updateMetricsLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("group", name).Int("records", group.Len()).Msg("deleted group")
	s.emit(Event{Kind: GroupDeleted, Group: name})
	return nil
}

// AddRecord appends a copy of record to the named group, creating the group
// if it does not exist yet. The stored copy carries a fresh identity token
// and is returned.
func (s *Store) AddRecord(name string, record *domain.TransactionRecord) (*domain.TransactionRecord, error) {
	added, err := s.AddRecords(name, record)
	if err != nil {
		return nil, err
	}
	return added[0], nil
}

// AddRecords appends a batch of records in order as one step. See AddRecord.
func (s *Store) AddRecords(name string, records ...*domain.TransactionRecord) ([]*domain.TransactionRecord, error) {
	if err := validation.ValidateGroupName(name); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("add to group %q: %w: empty batch", name, domain.ErrMalformedRecord)
	}
	for i, rec := range records {
		if rec == nil || len(rec.Request()) == 0 {
			return nil, fmt.Errorf("add to group %q: record %d: %w", name, i, domain.ErrMalformedRecord)
		}
	}

	added := make([]*domain.TransactionRecord, len(records))
	for i, rec := range records {
		added[i] = rec.WithID(s.newID())
	}

	s.mu.Lock()
	group, exists := s.groups[name]
	if !exists {
		group = &domain.Group{Name: name}
		s.groups[name] = group
	}
	group.Records = append(group.Records, added...)
	s.updateMetricsLocked()
	s.mu.Unlock()

	if !exists {
		s.logger.Debug().Str("group", name).Msg("created group on first add")
		s.emit(Event{Kind: GroupCreated, Group: name})
	}
	s.emit(Event{Kind: RecordsAdded, Group: name, Count: len(added)})

	out := make([]*domain.TransactionRecord, len(added))
	copy(out, added)
	return out, nil
}

// RemoveRecords removes the listed records from the named group by identity.
// Records that are not in the group are ignored. It returns how many records
// were removed.
func (s *Store) RemoveRecords(name string, records []*domain.TransactionRecord) (int, error) {
	ids := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec != nil && rec.ID() != "" {
			ids[rec.ID()] = struct{}{}
		}
	}

	s.mu.Lock()
	group, exists := s.groups[name]
	if !exists {
		s.mu.Unlock()
		return 0, fmt.Errorf("remove from group %q: %w", name, domain.ErrGroupNotFound)
	}
	kept := make([]*domain.TransactionRecord, 0, len(group.Records))
	for _, rec := range group.Records {
		if _, drop := ids[rec.ID()]; drop {
			continue
		}
		kept = append(kept, rec)
	}
	removed := len(group.Records) - len(kept)
	group.Records = kept
	s.updateMetricsLocked()
	s.mu.Unlock()

	if removed > 0 {
		s.emit(Event{Kind: RecordsRemoved, Group: name, Count: removed})
	}
	return removed, nil
}

// ListGroups returns a lazy sequence of group names in sorted order. Each
// iteration reads the store afresh, so the sequence can be ranged over again.
func (s *Store) ListGroups() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, name := range s.groupNames() {
			if !yield(name) {
				return
			}
		}
	}
}

// ListRecords returns the records of the named group in insertion order.
// Unknown names yield an empty slice.
func (s *Store) ListRecords(name string) []*domain.TransactionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, exists := s.groups[name]
	if !exists {
		return []*domain.TransactionRecord{}
	}
	records := make([]*domain.TransactionRecord, len(group.Records))
	copy(records, group.Records)
	return records
}

// HasGroup reports whether the named group exists.
func (s *Store) HasGroup(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.groups[name]
	return exists
}

// RecordCount returns the number of records in the named group.
func (s *Store) RecordCount(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if group, exists := s.groups[name]; exists {
		return group.Len()
	}
	return 0
}

// Len returns the number of groups.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups)
}

// Snapshot copies the whole store, sorted by group name. Records are shared
// since they are immutable; the slices are not.
func (s *Store) Snapshot() []domain.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Group, 0, len(s.groups))
	for _, group := range s.groups {
		records := make([]*domain.TransactionRecord, len(group.Records))
		copy(records, group.Records)
		out = append(out, domain.Group{Name: group.Name, Records: records})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Replace discards the current contents and installs groups, as after a load.
// Every record receives a fresh identity token. Groups with blank names are
// skipped; a repeated name keeps the last occurrence.
func (s *Store) Replace(groups []domain.Group) {
	next := make(map[string]*domain.Group, len(groups))
	for _, g := range groups {
		if validation.ValidateGroupName(g.Name) != nil {
			s.logger.Warn().Str("group", g.Name).Msg("skipping group with blank name")
			continue
		}
		records := make([]*domain.TransactionRecord, 0, len(g.Records))
		for _, rec := range g.Records {
			if rec == nil {
				continue
			}
			records = append(records, rec.WithID(s.newID()))
		}
		next[g.Name] = &domain.Group{Name: g.Name, Records: records}
	}

	s.mu.Lock()
	s.groups = next
	s.updateMetricsLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: Reset})
}

func (s *Store) groupNames() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (s *Store) updateMetricsLocked() {
	if s.metrics == nil {
		return
	}
	records := 0
	for _, group := range s.groups {
		records += group.Len()
	}
	s.metrics.SetStoreSize(len(s.groups), records)
}
