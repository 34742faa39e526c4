// Package reachability tracks network connectivity and emits edge-triggered
// availability events.
package reachability

import (
	"log"
	"os"
	"sync"
	"time"
)

// ConnectionType classifies the interface carrying traffic.
type ConnectionType int

const (
	TypeUnknown ConnectionType = iota
	TypeUnmetered
	TypeMetered
)

func (t ConnectionType) String() string {
	switch t {
	case TypeUnmetered:
		return "unmetered"
	case TypeMetered:
		return "metered"
	default:
		return "unknown"
	}
}

// Path is one observation of the network.
type Path struct {
	Available bool
	Type      ConnectionType
}

// EventKind is the direction of a connectivity edge.
type EventKind int

const (
	BecameAvailable EventKind = iota
	BecameUnavailable
)

func (k EventKind) String() string {
	if k == BecameAvailable {
		return "available"
	}
	return "unavailable"
}

// Event reports an offline→online or online→offline transition.
type Event struct {
	Kind EventKind
	Path Path
	At   time.Time
}

// Monitor holds the current path and fans transitions out to subscribers.
//
// The first Update sets the baseline without emitting. After that, exactly
// one event is emitted per change of Path.Available; changes of Type alone
// update Current but emit nothing.
type Monitor struct {
	mu     sync.Mutex
	path   Path
	known  bool
	subs   map[int]chan Event
	nextID int
	logger *log.Logger
}

// NewMonitor creates a monitor with no baseline. If logger is nil, a default
// logger writing to stderr is used.
func NewMonitor(logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[reachability] ", log.LstdFlags)
	}
	return &Monitor{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Update records an observation and returns the event it triggered, if any.
func (m *Monitor) Update(p Path) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, known := m.path, m.known
	m.path, m.known = p, true

	if !known {
		m.logger.Printf("Baseline: available=%v type=%s", p.Available, p.Type)
		return Event{}, false
	}
	if prev.Available == p.Available {
		return Event{}, false
	}

	ev := Event{Kind: BecameUnavailable, Path: p, At: time.Now()}
	if p.Available {
		ev.Kind = BecameAvailable
	}
	m.logger.Printf("Network became %s (type=%s)", ev.Kind, p.Type)

	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Printf("WARNING: subscriber %d is not keeping up, dropped %s event", id, ev.Kind)
		}
	}
	return ev, true
}

// Current returns the last observed path and whether any observation was made.
func (m *Monitor) Current() (Path, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path, m.known
}

// IsAvailable reports the last observed availability. It is false before the
// first observation.
func (m *Monitor) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.path.Available
}

// Subscribe returns a channel of transitions and a function that
// unsubscribes and closes it. Nothing is sent after cancel returns.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 16)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}
