package history

// EventKind identifies a structural change to the store.
type EventKind int

const (
	GroupCreated EventKind = iota
	GroupDeleted
	RecordsAdded
	RecordsRemoved
	Reset // whole store replaced
)

func (k EventKind) String() string {
	switch k {
	case GroupCreated:
		return "group_created"
	case GroupDeleted:
		return "group_deleted"
	case RecordsAdded:
		return "records_added"
	case RecordsRemoved:
		return "records_removed"
	case Reset:
		return "reset"
	}
	return "unknown"
}

// Event describes one mutation. Group is empty for Reset.
type Event struct {
	Kind  EventKind
	Group string
	Count int // records added or removed
}

// Subscribe registers fn to be called after every mutation. Listeners run on
// the mutating goroutine once the store lock has been released, in the order
// they subscribed.
func (s *Store) Subscribe(fn func(Event)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) emit(ev Event) {
	s.listenersMu.RLock()
	listeners := make([]func(Event), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
