package feedclient

import (
	"sort"
	"sync"
	"time"
)

// Notification mirrors the service's wire format.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Type      string    `json:"type"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	TypeHeartbeat     = "heartbeat"
	TypeConnectionAck = "connection_ack"
)

// IsControl reports whether n is a stream liveness frame rather than an event.
func (n Notification) IsControl() bool {
	return n.Type == TypeHeartbeat || n.Type == TypeConnectionAck
}

// Status is the connection state shown next to a feed.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// DefaultMaxItems bounds how many notifications a feed keeps.
const DefaultMaxItems = 500

// DefaultMaxSeen bounds how many ids a feed remembers for dedup, including
// ids of items already trimmed from the list.
const DefaultMaxSeen = 4 * DefaultMaxItems

// View is a point-in-time copy of a feed.
type View struct {
	Status        Status
	Items         []Notification
	Unread        int
	LastHeartbeat time.Time
}

// Feed is the rendered notification list: a history baseline with live
// events layered on top, deduplicated by id and ordered newest first.
type Feed struct {
	mu            sync.Mutex
	items         []Notification
	index         map[string]int
	status        Status
	lastHeartbeat time.Time
	maxItems      int

	seen     map[string]struct{}
	seenRing []string
	seenNext int
}

// NewFeed creates an empty feed in the connecting state.
func NewFeed() *Feed {
	return &Feed{
		index:    make(map[string]int),
		status:   StatusConnecting,
		maxItems: DefaultMaxItems,
		seen:     make(map[string]struct{}),
		seenRing: make([]string, DefaultMaxSeen),
	}
}

// Merge folds a history baseline into the feed. Entries already present are
// replaced by the baseline copy, which carries the stored read state.
func (f *Feed) Merge(baseline []Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range baseline {
		if n.ID == "" || n.IsControl() {
			continue
		}
		if i, ok := f.index[n.ID]; ok {
			f.items[i] = n
			continue
		}
		f.items = append(f.items, n)
		f.index[n.ID] = len(f.items) - 1
		f.remember(n.ID)
	}
	sort.SliceStable(f.items, func(i, j int) bool {
		return f.items[i].CreatedAt.After(f.items[j].CreatedAt)
	})
	f.trim()
	f.reindex()
}

// Apply layers one live event on top of the feed and reports whether it
// changed the list. Control frames and already seen ids are dropped.
func (f *Feed) Apply(n Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n.Type == TypeHeartbeat {
		f.lastHeartbeat = time.Now()
		return false
	}
	if n.IsControl() || n.ID == "" {
		return false
	}
	if _, ok := f.seen[n.ID]; ok {
		return false
	}
	if _, ok := f.index[n.ID]; ok {
		return false
	}
	f.remember(n.ID)
	f.items = append([]Notification{n}, f.items...)
	f.trim()
	f.reindex()
	return true
}

// SetStatus records the connection state.
func (f *Feed) SetStatus(s Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

// Status returns the connection state.
func (f *Feed) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Snapshot returns a copy of the feed.
func (f *Feed) Snapshot() View {
	f.mu.Lock()
	defer f.mu.Unlock()

	items := make([]Notification, len(f.items))
	copy(items, f.items)
	unread := 0
	for _, n := range items {
		if !n.IsRead {
			unread++
		}
	}
	return View{Status: f.status, Items: items, Unread: unread, LastHeartbeat: f.lastHeartbeat}
}

func (f *Feed) trim() {
	if f.maxItems > 0 && len(f.items) > f.maxItems {
		f.items = f.items[:f.maxItems]
	}
}

// remember records id in the bounded seen set, evicting the oldest id once
// the ring is full.
func (f *Feed) remember(id string) {
	if _, ok := f.seen[id]; ok {
		return
	}
	if old := f.seenRing[f.seenNext]; old != "" {
		delete(f.seen, old)
	}
	f.seenRing[f.seenNext] = id
	f.seenNext = (f.seenNext + 1) % len(f.seenRing)
	f.seen[id] = struct{}{}
}

func (f *Feed) reindex() {
	f.index = make(map[string]int, len(f.items))
	for i, n := range f.items {
		f.index[n.ID] = i
	}
}
