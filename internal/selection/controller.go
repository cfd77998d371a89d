// Package selection tracks which group is current and which of its records
// are selected. It reads the group store and never mutates it.
package selection

import (
	"iter"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aining777/grouped-history/internal/domain"
	"github.com/aining777/grouped-history/internal/history"
)

// RecordLister is the read side of the group store.
type RecordLister interface {
	ListGroups() iter.Seq[string]
	ListRecords(name string) []*domain.TransactionRecord
	RecordCount(name string) int
	HasGroup(name string) bool
}

// EventSource delivers store change events.
type EventSource interface {
	Subscribe(fn func(history.Event))
}

// State is the controller's state machine position.
type State int

const (
	NoGroupSelected State = iota
	GroupSelected
)

func (s State) String() string {
	if s == GroupSelected {
		return "group_selected"
	}
	return "no_group_selected"
}

// Controller holds the current group name and the selected record indices.
// The current group is a name lookup: it may name a group that does not
// exist, in which case it simply has no records.
type Controller struct {
	mu       sync.Mutex
	store    RecordLister
	current  string
	state    State
	selected map[int]struct{}
	logger   zerolog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger used for selection changes.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// New creates a controller in the NoGroupSelected state.
func New(store RecordLister, opts ...Option) *Controller {
	c := &Controller{
		store:    store,
		selected: make(map[int]struct{}),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach subscribes the controller to store events so deletions and reloads
// are reflected without the caller having to forward them.
func (c *Controller) Attach(src EventSource) {
	src.Subscribe(c.HandleEvent)
}

// HandleEvent reacts to a store change.
func (c *Controller) HandleEvent(ev history.Event) {
	switch ev.Kind {
	case history.GroupDeleted:
		c.GroupDeleted(ev.Group)
	case history.Reset:
		c.mu.Lock()
		if c.state == GroupSelected && !c.store.HasGroup(c.current) {
			c.moveToFirstLocked()
		}
		c.mu.Unlock()
	case history.RecordsRemoved:
		// Positions shift after a removal.
		c.mu.Lock()
		if c.state == GroupSelected && c.current == ev.Group {
			clear(c.selected)
		}
		c.mu.Unlock()
	}
}

// SelectGroup makes name the current group and clears the selection. The
// name is not checked against the store.
func (c *Controller) SelectGroup(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCurrentLocked(name)
}

// SelectFirst selects the first group in listing order. It reports false and
// moves to NoGroupSelected when the store is empty.
func (c *Controller) SelectFirst() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveToFirstLocked()
	return c.state == GroupSelected
}

// Select replaces the selection with indices. Positions outside the current
// group's records are dropped and duplicates collapse.
func (c *Controller) Select(indices []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.selected)
	if c.state != GroupSelected {
		return
	}
	n := c.store.RecordCount(c.current)
	for _, i := range indices {
		if i >= 0 && i < n {
			c.selected[i] = struct{}{}
		}
	}
}

// Clear empties the selection, keeping the current group.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.selected)
}

// GroupDeleted moves off name if it was current: to the first remaining group,
// or to NoGroupSelected when none remain.
func (c *Controller) GroupDeleted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != GroupSelected || c.current != name {
		return
	}
	c.moveToFirstLocked()
}

// Current returns the current group name.
func (c *Controller) Current() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.state == GroupSelected
}

// State returns NoGroupSelected until a group has been chosen, and again after
// the current group is deleted with nothing left to fall back to.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Selected returns the selected indices in ascending order.
func (c *Controller) Selected() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedLocked()
}

// SelectedRecords resolves the selection against the current group's records.
// Indices no longer backed by a record are skipped.
func (c *Controller) SelectedRecords() []*domain.TransactionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != GroupSelected {
		return nil
	}
	records := c.store.ListRecords(c.current)
	out := make([]*domain.TransactionRecord, 0, len(c.selected))
	for _, i := range c.selectedLocked() {
		if i < len(records) {
			out = append(out, records[i])
		}
	}
	return out
}

func (c *Controller) selectedLocked() []int {
	out := make([]int, 0, len(c.selected))
	for i := range c.selected {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (c *Controller) setCurrentLocked(name string) {
	c.current = name
	c.state = GroupSelected
	clear(c.selected)
	c.logger.Debug().Str("group", name).Msg("selected group")
}

func (c *Controller) moveToFirstLocked() {
	for name := range c.store.ListGroups() {
		c.setCurrentLocked(name)
		return
	}
	c.current = ""
	c.state = NoGroupSelected
	clear(c.selected)
	c.logger.Debug().Msg("no group selected")
}
